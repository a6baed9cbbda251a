// Package fpb implements the fixed-price batch auction: bids accumulate
// at a fixed price over the lot window and clear together at settlement,
// with at most one partial fill at the capacity boundary.
package fpb

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/modules/batch"
)

// Keycode identifies the fixed-price batch mechanism in the registry.
const Keycode core.Keycode = "FPBA"

// Params is the mechanism-specific creation payload, CBOR-encoded inside
// AuctionParams.Implementation. Price is quote units per whole base token
// (i.e. per 10^baseDecimals base units).
type Params struct {
	Price          *big.Int `cbor:"price"`
	MinFillPercent uint64   `cbor:"min_fill_percent"`
}

// Output is the settlement output blob consumed by condensers.
type Output struct {
	Price *big.Int `cbor:"price"`
}

type lotConfig struct {
	price     *big.Int
	baseScale *big.Int
	minFilled *big.Int
}

// Module is the FPBA implementation of core.BatchAuctionModule.
type Module struct {
	version uint8
	book    *batch.Book
	cfgs    map[uint64]*lotConfig
}

var _ core.BatchAuctionModule = (*Module)(nil)

func New(version uint8, cfg batch.Config) *Module {
	return &Module{
		version: version,
		book:    batch.NewBook(cfg),
		cfgs:    make(map[uint64]*lotConfig),
	}
}

func (m *Module) Keycode() core.Keycode { return Keycode }
func (m *Module) Version() uint8        { return m.version }
func (m *Module) Type() core.ModuleType { return core.ModuleAuction }

func (m *Module) Auction(lotID uint64, params core.AuctionParams, quoteDecimals, baseDecimals uint8) error {
	var p Params
	if err := cbor.Unmarshal(params.Implementation, &p); err != nil {
		return fmt.Errorf("%w: implementation params: %v", core.ErrInvalidParam, err)
	}
	if err := core.RequirePositive("price", p.Price); err != nil {
		return err
	}
	if p.MinFillPercent > core.OneHundredPercent {
		return fmt.Errorf("%w: min fill %d exceeds 100%%", core.ErrInvalidParam, p.MinFillPercent)
	}

	baseScale := core.TokenScale(baseDecimals)
	capacityBase := params.Capacity
	if params.CapacityInQuote {
		capacityBase = core.MulDivDown(params.Capacity, baseScale, p.Price)
	}

	if _, err := m.book.CreateLot(lotID, params, capacityBase, quoteDecimals, baseDecimals); err != nil {
		return err
	}

	// Round up so the fill-threshold check never admits a lot that
	// nominally cleared below its true minimum.
	m.cfgs[lotID] = &lotConfig{
		price:     core.Clone(p.Price),
		baseScale: baseScale,
		minFilled: core.PercentOfUp(capacityBase, p.MinFillPercent),
	}
	return nil
}

func (m *Module) Cancel(lotID uint64) error {
	return m.book.Cancel(lotID)
}

func (m *Module) Lot(lotID uint64) (core.Lot, error) {
	return m.book.Snapshot(lotID)
}

// Bid appends the commitment and, as soon as the accumulated bid amount
// converts to the full capacity, concludes the lot on the spot. Bids are
// not rejected for individually exceeding remaining capacity; the
// oversubscription resolves at settlement via the partial fill.
func (m *Module) Bid(lotID uint64, bidder, referrer common.Address, amount *big.Int, _ []byte) (uint64, error) {
	s, bid, err := m.book.SubmitBid(lotID, bidder, referrer, amount)
	if err != nil {
		return 0, err
	}
	cfg := m.cfgs[lotID]

	payoutIfAll := core.MulDivDown(s.TotalBidAmount, cfg.baseScale, cfg.price)
	if payoutIfAll.Cmp(s.Capacity) >= 0 {
		s.Conclusion = m.book.Now()
	}
	return bid.ID, nil
}

func (m *Module) RefundBid(lotID, bidID uint64, caller common.Address) (*big.Int, error) {
	return m.book.RefundBid(lotID, bidID, caller)
}

// Settle clears the lot. Full fill when the aggregate payout fits in
// capacity; otherwise exactly one bid straddles the boundary and is split
// so the total payout never exceeds capacity. The partial bidder's charge
// rounds down and the refund therefore rounds up, the direction that can
// only leave the pool under-sold, never over-sold.
func (m *Module) Settle(lotID uint64) (core.Settlement, error) {
	s, err := m.book.RequireSettleable(lotID, core.LotCreated)
	if err != nil {
		return core.Settlement{}, err
	}
	cfg := m.cfgs[lotID]

	output, err := cbor.Marshal(Output{Price: cfg.price})
	if err != nil {
		return core.Settlement{}, fmt.Errorf("encoding settlement output: %w", err)
	}

	totalIn := core.Clone(s.TotalBidAmount)
	totalOut := core.MulDivDown(totalIn, cfg.baseScale, cfg.price)

	s.Status = core.LotSettled
	defer s.Capacity.SetUint64(0)

	if totalOut.Cmp(cfg.minFilled) < 0 {
		// Reserve not met: terminal, nothing clears, every bid refundable.
		s.Cleared = false
		return core.Settlement{Cleared: false, TotalIn: new(big.Int), TotalOut: new(big.Int), AuctionOutput: output}, nil
	}

	if totalOut.Cmp(s.Capacity) <= 0 {
		// Sold is the sum of per-bid floors, not the aggregate conversion:
		// claims pay each bid floor(amount/price), and the two can differ
		// by rounding dust that must not be counted as sold.
		sold := new(big.Int)
		for _, bid := range s.ActiveBids() {
			s.Outcomes[bid.ID] = batch.OutcomeWon
			sold.Add(sold, core.MulDivDown(bid.Amount, cfg.baseScale, cfg.price))
		}
		s.Cleared = true
		s.Sold.Set(sold)
		s.Purchased.Set(totalIn)
		return core.Settlement{
			Cleared:       true,
			TotalIn:       core.Clone(totalIn),
			TotalOut:      core.Clone(sold),
			AuctionOutput: output,
		}, nil
	}

	// Oversubscribed: walk bids in arrival order until one crosses the
	// remaining capacity, split that bid, refuse the rest in full.
	sold := new(big.Int)
	purchased := new(big.Int)
	partialAssigned := false
	for _, bid := range s.ActiveBids() {
		if partialAssigned {
			s.Outcomes[bid.ID] = batch.OutcomeLost
			continue
		}
		bidPayout := core.MulDivDown(bid.Amount, cfg.baseScale, cfg.price)
		if new(big.Int).Add(sold, bidPayout).Cmp(s.Capacity) <= 0 {
			s.Outcomes[bid.ID] = batch.OutcomeWon
			sold.Add(sold, bidPayout)
			purchased.Add(purchased, bid.Amount)
			continue
		}

		partialPayout := new(big.Int).Sub(s.Capacity, sold)
		paid := core.MulDivDown(partialPayout, cfg.price, cfg.baseScale)
		refund := new(big.Int).Sub(bid.Amount, paid)
		s.Partial = &batch.PartialFill{
			BidID:  bid.ID,
			Refund: refund,
			Payout: partialPayout,
		}
		s.Outcomes[bid.ID] = batch.OutcomePartial
		sold.Add(sold, partialPayout)
		purchased.Add(purchased, paid)
		partialAssigned = true
	}

	s.Cleared = true
	s.Sold.Set(sold)
	s.Purchased.Set(purchased)
	return core.Settlement{
		Cleared:       true,
		TotalIn:       core.Clone(purchased),
		TotalOut:      core.Clone(sold),
		AuctionOutput: output,
	}, nil
}

func (m *Module) Abort(lotID uint64) error {
	return m.book.Abort(lotID)
}

func (m *Module) ClaimBids(lotID uint64, bidIDs []uint64) ([]core.BidClaim, error) {
	s, err := m.book.RequireClaimable(lotID)
	if err != nil {
		return nil, err
	}
	cfg := m.cfgs[lotID]

	claims := make([]core.BidClaim, 0, len(bidIDs))
	for _, bidID := range bidIDs {
		bid, err := s.TakeBidForClaim(lotID, bidID)
		if err != nil {
			return nil, err
		}

		claim := core.BidClaim{
			BidID:    bid.ID,
			Bidder:   bid.Bidder,
			Referrer: bid.Referrer,
			Paid:     new(big.Int),
			Refund:   new(big.Int),
			Payout:   new(big.Int),
		}

		switch {
		case s.Status == core.LotAborted || !s.Cleared:
			claim.Refund = core.Clone(bid.Amount)
		case s.Outcomes[bid.ID] == batch.OutcomeWon:
			claim.Paid = core.Clone(bid.Amount)
			claim.Payout = core.MulDivDown(bid.Amount, cfg.baseScale, cfg.price)
		case s.Outcomes[bid.ID] == batch.OutcomePartial:
			claim.Paid = new(big.Int).Sub(bid.Amount, s.Partial.Refund)
			claim.Refund = core.Clone(s.Partial.Refund)
			claim.Payout = core.Clone(s.Partial.Payout)
		default:
			claim.Refund = core.Clone(bid.Amount)
		}
		claims = append(claims, claim)
	}
	return claims, nil
}
