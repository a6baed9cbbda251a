// Package store persists an audit trail of lots, bids, settlements and
// claims. The archive is write-only from the auction house's point of
// view; reads serve the query API.
package store

import (
	"context"
	"math/big"
	"sync"
)

// LotRecord is the archived form of a lot at creation time. Addresses
// are 0x-hex, amounts decimal strings.
type LotRecord struct {
	LotID       uint64
	Keycode     string
	Version     uint8
	Seller      string
	BaseSymbol  string
	QuoteSymbol string
	Capacity    string
	Start       uint64
	Conclusion  uint64
}

// BidRecord is archived when a bid is accepted.
type BidRecord struct {
	LotID    uint64
	BidID    uint64
	Bidder   string
	Referrer string
	Amount   string
}

// SettlementRecord is archived once per lot, at settlement or abort.
type SettlementRecord struct {
	LotID     uint64
	Cleared   bool
	TotalIn   string
	TotalOut  string
	SettledAt uint64
}

// ClaimRecord is archived per resolved bid. ReceiptID is assigned by
// the archive.
type ClaimRecord struct {
	ReceiptID string
	LotID     uint64
	BidID     uint64
	Bidder    string
	Paid      string
	Refund    string
	Payout    string
	ClaimedAt uint64
}

// Archive is the persistence boundary. Implementations return errors
// for the caller to log; archival failure never blocks auction state.
type Archive interface {
	SaveLot(ctx context.Context, r LotRecord) error
	SaveBid(ctx context.Context, r BidRecord) error
	SaveSettlement(ctx context.Context, r SettlementRecord) error
	SaveClaim(ctx context.Context, r ClaimRecord) (receiptID string, err error)
}

// Amount renders a big.Int for archival, treating nil as zero.
func Amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Memory is an in-process archive used in tests and single-node runs.
type Memory struct {
	mu          sync.Mutex
	lots        []LotRecord
	bids        []BidRecord
	settlements []SettlementRecord
	claims      []ClaimRecord
}

var _ Archive = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) SaveLot(_ context.Context, r LotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lots = append(m.lots, r)
	return nil
}

func (m *Memory) SaveBid(_ context.Context, r BidRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids = append(m.bids, r)
	return nil
}

func (m *Memory) SaveSettlement(_ context.Context, r SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = append(m.settlements, r)
	return nil
}

func (m *Memory) SaveClaim(_ context.Context, r ClaimRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ReceiptID = newReceiptID()
	m.claims = append(m.claims, r)
	return r.ReceiptID, nil
}

func (m *Memory) Lots() []LotRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LotRecord, len(m.lots))
	copy(out, m.lots)
	return out
}

func (m *Memory) Bids() []BidRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BidRecord, len(m.bids))
	copy(out, m.bids)
	return out
}

func (m *Memory) Settlements() []SettlementRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SettlementRecord, len(m.settlements))
	copy(out, m.settlements)
	return out
}

func (m *Memory) Claims() []ClaimRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClaimRecord, len(m.claims))
	copy(out, m.claims)
	return out
}
