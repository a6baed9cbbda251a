// Package events defines the notification stream emitted by the auction
// house: one event per state transition, fanned out to a pluggable sink.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a state transition.
type Type string

const (
	LotCreated      Type = "lot_created"
	LotCancelled    Type = "lot_cancelled"
	LotCurated      Type = "lot_curated"
	LotSettled      Type = "lot_settled"
	LotAborted      Type = "lot_aborted"
	Purchase        Type = "purchase"
	BidSubmitted    Type = "bid_submitted"
	BidRefunded     Type = "bid_refunded"
	BidsClaimed     Type = "bids_claimed"
	ProceedsClaimed Type = "proceeds_claimed"
	RewardsClaimed  Type = "rewards_claimed"
)

// Event is a single notification. Amounts are decimal strings in the
// token's native fixed-point units; zero-value fields are omitted.
type Event struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	LotID     uint64 `json:"lot_id,omitempty"`
	BidID     uint64 `json:"bid_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Payout    string `json:"payout,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// New stamps an event with a fresh id and the current wall clock.
func New(t Type) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().Unix(),
	}
}

// Sink receives events. Implementations must not block the caller for
// long; delivery is best-effort and failures must not affect auction
// state.
type Sink interface {
	Emit(e Event)
}

// Memory retains every emitted event in order. Test double.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Marshal is the wire encoding shared by broadcasting sinks.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}
