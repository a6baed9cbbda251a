// Package fps implements the atomic fixed-price sale: every purchase
// fills immediately at the listed price until capacity runs out.
package fps

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/batchworks/auctionhouse/core"
)

// Keycode identifies the fixed-price sale mechanism.
const Keycode core.Keycode = "FPSA"

// Params is the creation payload. Price is quote units per whole base
// token. MaxPayoutPercent caps a single purchase as a share of the lot's
// starting capacity (0 means uncapped).
type Params struct {
	Price            *big.Int `cbor:"price"`
	MaxPayoutPercent uint64   `cbor:"max_payout_percent"`
}

type lotState struct {
	core.Lot
	price     *big.Int
	baseScale *big.Int
	maxFill   *big.Int // per-purchase cap in capacity units, nil when uncapped
}

// Module is the FPSA implementation of core.AtomicAuctionModule.
type Module struct {
	version     uint8
	minDuration uint64
	clock       core.Clock
	lots        map[uint64]*lotState
}

var _ core.AtomicAuctionModule = (*Module)(nil)

func New(version uint8, minDuration uint64, clock core.Clock) *Module {
	if clock == nil {
		clock = core.SystemClock
	}
	return &Module{
		version:     version,
		minDuration: minDuration,
		clock:       clock,
		lots:        make(map[uint64]*lotState),
	}
}

func (m *Module) Keycode() core.Keycode { return Keycode }
func (m *Module) Version() uint8        { return m.version }
func (m *Module) Type() core.ModuleType { return core.ModuleAuction }

func (m *Module) Auction(lotID uint64, params core.AuctionParams, quoteDecimals, baseDecimals uint8) error {
	if _, ok := m.lots[lotID]; ok {
		return fmt.Errorf("%w: lot %d already exists", core.ErrInvalidState, lotID)
	}
	var p Params
	if err := cbor.Unmarshal(params.Implementation, &p); err != nil {
		return fmt.Errorf("%w: implementation params: %v", core.ErrInvalidParam, err)
	}
	if err := core.RequirePositive("price", p.Price); err != nil {
		return err
	}
	if p.MaxPayoutPercent > core.OneHundredPercent {
		return fmt.Errorf("%w: max payout %d exceeds 100%%", core.ErrInvalidParam, p.MaxPayoutPercent)
	}

	now := m.clock()
	start := params.Start
	if start == 0 {
		start = now
	}
	if start < now {
		return fmt.Errorf("%w: start %d is in the past (now %d)", core.ErrInvalidParam, start, now)
	}
	if params.Duration < m.minDuration {
		return fmt.Errorf("%w: duration %ds below minimum %ds", core.ErrInvalidParam, params.Duration, m.minDuration)
	}
	if err := core.RequirePositive("capacity", params.Capacity); err != nil {
		return err
	}

	s := &lotState{
		Lot: core.Lot{
			Start:           start,
			Conclusion:      start + params.Duration,
			QuoteDecimals:   quoteDecimals,
			BaseDecimals:    baseDecimals,
			CapacityInQuote: params.CapacityInQuote,
			Capacity:        core.Clone(params.Capacity),
			Sold:            new(big.Int),
			Purchased:       new(big.Int),
			Status:          core.LotCreated,
		},
		price:     core.Clone(p.Price),
		baseScale: core.TokenScale(baseDecimals),
	}
	if p.MaxPayoutPercent > 0 {
		s.maxFill = core.PercentOfDown(params.Capacity, p.MaxPayoutPercent)
	}
	m.lots[lotID] = s
	return nil
}

func (m *Module) Cancel(lotID uint64) error {
	s, ok := m.lots[lotID]
	if !ok {
		return fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	now := m.clock()
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

func (m *Module) Lot(lotID uint64) (core.Lot, error) {
	s, ok := m.lots[lotID]
	if !ok {
		return core.Lot{}, fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	l := s.Lot
	l.Capacity = core.Clone(s.Capacity)
	l.Sold = core.Clone(s.Sold)
	l.Purchased = core.Clone(s.Purchased)
	return l, nil
}

// Purchase converts amount at the fixed price, rounding the payout down.
// A purchase that would exceed remaining capacity is rejected whole;
// atomic mechanisms have no partial fills.
func (m *Module) Purchase(lotID uint64, amount, minAmountOut *big.Int, _ []byte) (*big.Int, error) {
	s, ok := m.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	now := m.clock()
	if !s.Live(now) {
		return nil, fmt.Errorf("%w: lot %d not live (status %s, window %d-%d, now %d)",
			core.ErrInvalidState, lotID, s.Status, s.Start, s.Conclusion, now)
	}
	if err := core.RequirePositive("amount", amount); err != nil {
		return nil, err
	}

	payout := core.MulDivDown(amount, s.baseScale, s.price)
	if payout.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount too small for any payout", core.ErrInvalidParam)
	}
	if minAmountOut != nil && payout.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: payout %s below minimum %s", core.ErrInvalidParam, payout, minAmountOut)
	}

	used := payout
	if s.CapacityInQuote {
		used = amount
	}
	if used.Cmp(s.Capacity) > 0 {
		return nil, fmt.Errorf("%w: purchase exceeds remaining capacity", core.ErrInvalidState)
	}
	if s.maxFill != nil && used.Cmp(s.maxFill) > 0 {
		return nil, fmt.Errorf("%w: purchase exceeds per-purchase cap", core.ErrInvalidParam)
	}

	s.Capacity.Sub(s.Capacity, used)
	s.Sold.Add(s.Sold, payout)
	s.Purchased.Add(s.Purchased, amount)
	if s.Capacity.Sign() == 0 {
		s.Conclusion = now
	}
	return payout, nil
}
