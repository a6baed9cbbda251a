package events

import (
	"encoding/json"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestNew_StampsIDAndTimestamp(t *testing.T) {
	a := New(LotCreated)
	b := New(LotCreated)
	check.Equal(t, LotCreated, a.Type)
	check.NotEqual(t, "", a.ID)
	check.NotEqual(t, a.ID, b.ID)
	check.True(t, a.Timestamp > 0)
}

func TestMarshal_OmitsZeroFields(t *testing.T) {
	e := Event{ID: "x", Type: Purchase, LotID: 7, Actor: "0xabc", Timestamp: 42}
	blob, err := Marshal(e)
	check.NoError(t, err)

	var m map[string]interface{}
	check.NoError(t, json.Unmarshal(blob, &m))
	check.Equal(t, "purchase", m["type"].(string))
	check.Equal(t, float64(7), m["lot_id"].(float64))
	_, hasBid := m["bid_id"]
	check.False(t, hasBid)
	_, hasAmount := m["amount"]
	check.False(t, hasAmount)
}

func TestMemory_RetainsOrderAndCopies(t *testing.T) {
	m := NewMemory()
	m.Emit(Event{ID: "1", Type: LotCreated})
	m.Emit(Event{ID: "2", Type: BidSubmitted})

	got := m.Events()
	check.Equal(t, 2, len(got))
	check.Equal(t, LotCreated, got[0].Type)
	check.Equal(t, BidSubmitted, got[1].Type)

	got[0].ID = "mutated"
	check.Equal(t, "1", m.Events()[0].ID)
}
