// Package batch holds the lot and bid bookkeeping shared by the batch
// auction mechanisms (fixed-price batch and encrypted marginal price):
// creation-time validation, the bid table with strictly increasing ids,
// pre-conclusion refunds, and the settle/abort/claim lifecycle gates.
// Mechanism packages layer their clearing math on top.
package batch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/batchworks/auctionhouse/core"
)

// MaxBidAmount is the largest representable bid commitment (2^96 - 1),
// matching the wire width bids are stored at.
var MaxBidAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

// Config carries the policy knobs every batch mechanism shares.
type Config struct {
	// MinDuration is the shortest allowed lot window, in seconds.
	MinDuration uint64
	// GracePeriod is the settlement window after conclusion. Settlement
	// may happen any time after conclusion; abort only once the grace
	// period has lapsed without one.
	GracePeriod uint64
	// Clock supplies the current time.
	Clock core.Clock
}

// Bid is one bidder's commitment. Amount is immutable after submission;
// Status flips to BidClaimed exactly once, via refund or claim.
type Bid struct {
	ID       uint64
	Bidder   common.Address
	Referrer common.Address
	Amount   *big.Int
	Status   core.BidStatus
}

// Outcome is a bid's resolution, assigned at settlement.
type Outcome uint8

const (
	OutcomeNone Outcome = iota // lot not yet settled, or bid refunded early
	OutcomeWon
	OutcomePartial
	OutcomeLost
)

// PartialFill describes the single bid split at the capacity boundary.
type PartialFill struct {
	BidID  uint64
	Refund *big.Int
	Payout *big.Int
}

// LotState is the full per-lot record: the Lot header plus the bid table
// and settlement artifacts.
type LotState struct {
	core.Lot

	NextBidID      uint64
	TotalBidAmount *big.Int
	Bids           map[uint64]*Bid
	Order          []uint64 // bid ids in arrival order

	Cleared  bool
	Partial  *PartialFill
	Outcomes map[uint64]Outcome
}

// ActiveBids returns the non-finalized bids in arrival order.
func (s *LotState) ActiveBids() []*Bid {
	out := make([]*Bid, 0, len(s.Order))
	for _, id := range s.Order {
		b := s.Bids[id]
		if b.Status != core.BidClaimed {
			out = append(out, b)
		}
	}
	return out
}

// Book stores every lot a module owns. Not safe for concurrent use; the
// router serializes all calls into a module.
type Book struct {
	cfg  Config
	lots map[uint64]*LotState
}

func NewBook(cfg Config) *Book {
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock
	}
	return &Book{cfg: cfg, lots: make(map[uint64]*LotState)}
}

func (b *Book) Now() uint64         { return b.cfg.Clock() }
func (b *Book) GracePeriod() uint64 { return b.cfg.GracePeriod }
func (b *Book) MinDuration() uint64 { return b.cfg.MinDuration }

// CreateLot validates the mechanism-agnostic params and registers the lot.
// capacityBase is the capacity already converted to base-token units by
// the mechanism.
func (b *Book) CreateLot(lotID uint64, params core.AuctionParams, capacityBase *big.Int, quoteDecimals, baseDecimals uint8) (*LotState, error) {
	if _, ok := b.lots[lotID]; ok {
		return nil, fmt.Errorf("%w: lot %d already exists", core.ErrInvalidState, lotID)
	}

	now := b.cfg.Clock()
	start := params.Start
	if start == 0 {
		start = now
	}
	if start < now {
		return nil, fmt.Errorf("%w: start %d is in the past (now %d)", core.ErrInvalidParam, start, now)
	}
	if params.Duration < b.cfg.MinDuration {
		return nil, fmt.Errorf("%w: duration %ds below minimum %ds", core.ErrInvalidParam, params.Duration, b.cfg.MinDuration)
	}
	if err := core.RequirePositive("capacity", capacityBase); err != nil {
		return nil, err
	}

	s := &LotState{
		Lot: core.Lot{
			Start:           start,
			Conclusion:      start + params.Duration,
			QuoteDecimals:   quoteDecimals,
			BaseDecimals:    baseDecimals,
			CapacityInQuote: params.CapacityInQuote,
			Capacity:        core.Clone(capacityBase),
			Sold:            new(big.Int),
			Purchased:       new(big.Int),
			Status:          core.LotCreated,
		},
		TotalBidAmount: new(big.Int),
		Bids:           make(map[uint64]*Bid),
		Outcomes:       make(map[uint64]Outcome),
	}
	b.lots[lotID] = s
	return s, nil
}

// Lot fetches the mutable lot state. Mechanisms use this internally;
// Snapshot serves external reads.
func (b *Book) Lot(lotID uint64) (*LotState, error) {
	s, ok := b.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	return s, nil
}

// Snapshot returns a defensive copy of the lot header.
func (b *Book) Snapshot(lotID uint64) (core.Lot, error) {
	s, ok := b.lots[lotID]
	if !ok {
		return core.Lot{}, fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	l := s.Lot
	l.Capacity = core.Clone(s.Capacity)
	l.Sold = core.Clone(s.Sold)
	l.Purchased = core.Clone(s.Purchased)
	return l, nil
}

// Cancel is permitted strictly before start. It empties capacity and pulls
// the conclusion to now, leaving the lot terminally dead.
func (b *Book) Cancel(lotID uint64) error {
	s, err := b.Lot(lotID)
	if err != nil {
		return err
	}
	now := b.cfg.Clock()
	if s.Status != core.LotCreated {
		return fmt.Errorf("%w: lot %d is %s", core.ErrInvalidState, lotID, s.Status)
	}
	if now >= s.Start {
		return fmt.Errorf("%w: lot %d already started, cancellation window closed", core.ErrInvalidState, lotID)
	}
	s.Status = core.LotCancelled
	s.Conclusion = now
	s.Capacity.SetUint64(0)
	return nil
}

// SubmitBid validates liveness and the amount bounds, then appends the bid
// with the next sequential id. Early-conclusion checks belong to the
// mechanism, which knows its own price conversion.
func (b *Book) SubmitBid(lotID uint64, bidder, referrer common.Address, amount *big.Int) (*LotState, *Bid, error) {
	s, err := b.Lot(lotID)
	if err != nil {
		return nil, nil, err
	}
	now := b.cfg.Clock()
	if !s.Live(now) {
		return nil, nil, fmt.Errorf("%w: lot %d not accepting bids (status %s, window %d-%d, now %d)",
			core.ErrInvalidState, lotID, s.Status, s.Start, s.Conclusion, now)
	}
	if err := core.RequirePositive("bid amount", amount); err != nil {
		return nil, nil, err
	}
	if amount.Cmp(MaxBidAmount) > 0 {
		return nil, nil, fmt.Errorf("%w: bid amount exceeds max representable unit", core.ErrInvalidParam)
	}

	s.NextBidID++
	bid := &Bid{
		ID:       s.NextBidID,
		Bidder:   bidder,
		Referrer: referrer,
		Amount:   core.Clone(amount),
		Status:   core.BidSubmitted,
	}
	s.Bids[bid.ID] = bid
	s.Order = append(s.Order, bid.ID)
	s.TotalBidAmount.Add(s.TotalBidAmount, bid.Amount)
	return s, bid, nil
}

// RefundBid finalizes a bid pre-conclusion, returning its amount. The bid
// can never be claimed afterwards.
func (b *Book) RefundBid(lotID, bidID uint64, caller common.Address) (*big.Int, error) {
	s, err := b.Lot(lotID)
	if err != nil {
		return nil, err
	}
	bid, ok := s.Bids[bidID]
	if !ok {
		return nil, fmt.Errorf("%w: lot %d bid %d", core.ErrNotFound, lotID, bidID)
	}
	if bid.Bidder != caller {
		return nil, fmt.Errorf("%w: caller %s is not bidder %s", core.ErrNotAuthorized, caller.Hex(), bid.Bidder.Hex())
	}
	now := b.cfg.Clock()
	if s.Status != core.LotCreated || now >= s.Conclusion {
		return nil, fmt.Errorf("%w: lot %d concluded, refund window closed", core.ErrInvalidState, lotID)
	}
	if bid.Status == core.BidClaimed {
		return nil, fmt.Errorf("%w: bid %d already finalized", core.ErrInvalidState, bidID)
	}
	bid.Status = core.BidClaimed
	s.TotalBidAmount.Sub(s.TotalBidAmount, bid.Amount)
	return core.Clone(bid.Amount), nil
}

// RequireSettleable gates settlement: the lot must be concluded and in
// one of the given statuses. Mechanisms with a decrypt phase pass
// LotDecrypted only; the rest pass LotCreated.
func (b *Book) RequireSettleable(lotID uint64, statuses ...core.LotStatus) (*LotState, error) {
	s, err := b.Lot(lotID)
	if err != nil {
		return nil, err
	}
	now := b.cfg.Clock()
	if now < s.Conclusion {
		return nil, fmt.Errorf("%w: lot %d concludes at %d (now %d)", core.ErrInvalidState, lotID, s.Conclusion, now)
	}
	for _, st := range statuses {
		if s.Status == st {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: lot %d is %s, not settleable", core.ErrInvalidState, lotID, s.Status)
}

// Abort marks a concluded, unsettled lot as terminally failed once the
// settlement grace period has lapsed. Every bid becomes fully refundable
// through ClaimBids.
func (b *Book) Abort(lotID uint64) error {
	s, err := b.Lot(lotID)
	if err != nil {
		return err
	}
	if s.Status != core.LotCreated && s.Status != core.LotDecrypted {
		return fmt.Errorf("%w: lot %d is %s, cannot abort", core.ErrInvalidState, lotID, s.Status)
	}
	now := b.cfg.Clock()
	if now < s.Conclusion+b.cfg.GracePeriod {
		return fmt.Errorf("%w: lot %d settlement window open until %d (now %d)",
			core.ErrInvalidState, lotID, s.Conclusion+b.cfg.GracePeriod, now)
	}
	s.Status = core.LotAborted
	s.Cleared = false
	s.Capacity.SetUint64(0)
	return nil
}

// RequireClaimable gates bid claims: only settled or aborted lots.
func (b *Book) RequireClaimable(lotID uint64) (*LotState, error) {
	s, err := b.Lot(lotID)
	if err != nil {
		return nil, err
	}
	if s.Status != core.LotSettled && s.Status != core.LotAborted {
		return nil, fmt.Errorf("%w: lot %d is %s, claims open after settlement", core.ErrInvalidState, lotID, s.Status)
	}
	return s, nil
}

// TakeBidForClaim validates a bid id for claiming and finalizes it.
func (s *LotState) TakeBidForClaim(lotID, bidID uint64) (*Bid, error) {
	bid, ok := s.Bids[bidID]
	if !ok {
		return nil, fmt.Errorf("%w: lot %d bid %d", core.ErrNotFound, lotID, bidID)
	}
	if bid.Status == core.BidClaimed {
		return nil, fmt.Errorf("%w: bid %d already claimed or refunded", core.ErrInvalidState, bidID)
	}
	bid.Status = core.BidClaimed
	return bid, nil
}
