// Package gda implements the gradual dutch auction: an atomic mechanism
// whose price decays exponentially from the initial price toward a floor
// as the lot ages, computed in decimal arithmetic and rounded against the
// buyer.
package gda

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"

	"github.com/batchworks/auctionhouse/core"
)

// Keycode identifies the gradual dutch auction mechanism.
const Keycode core.Keycode = "GDAA"

// expPrecision is the decimal precision carried through the decay
// computation. Wei-denominated prices sit near 1e18, so anything much
// below 40 places lets the exponential's truncation error surface in
// the integer price.
const expPrecision int32 = 48

// Params is the creation payload. Prices are quote units per whole base
// token. DecayTargetPercent is the share of (initial - min) that decays
// over each DecayPeriod seconds.
type Params struct {
	InitialPrice       *big.Int `cbor:"initial_price"`
	MinPrice           *big.Int `cbor:"min_price"`
	DecayTargetPercent uint64   `cbor:"decay_target_percent"`
	DecayPeriod        uint64   `cbor:"decay_period"`
}

type lotState struct {
	core.Lot
	initialPrice *big.Int
	minPrice     *big.Int
	decayK       decimal.Decimal // -ln(1 - target), per decay period
	decayPeriod  uint64
	baseScale    *big.Int
}

// Module is the GDAA implementation of core.AtomicAuctionModule.
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
	if err := core.RequirePositive("initial price", p.InitialPrice); err != nil {
		return err
	}
	if err := core.RequirePositive("min price", p.MinPrice); err != nil {
		return err
	}
	if p.MinPrice.Cmp(p.InitialPrice) >= 0 {
		return fmt.Errorf("%w: min price must be below initial price", core.ErrInvalidParam)
	}
	if p.DecayTargetPercent == 0 || p.DecayTargetPercent >= core.OneHundredPercent {
		return fmt.Errorf("%w: decay target must be in (0%%, 100%%)", core.ErrInvalidParam)
	}
	if p.DecayPeriod == 0 {
		return fmt.Errorf("%w: decay period must be positive", core.ErrInvalidParam)
	}
	if params.CapacityInQuote {
		return fmt.Errorf("%w: dutch lots denominate capacity in base tokens", core.ErrInvalidParam)
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

	// k = -ln(1 - target): the continuous rate that decays the premium by
	// the target share over one decay period.
	retained := decimal.New(1, 0).Sub(
		decimal.New(int64(p.DecayTargetPercent), 0).Div(decimal.New(int64(core.OneHundredPercent), 0)))
	lnRetained, err := retained.Ln(expPrecision)
	if err != nil {
		return fmt.Errorf("%w: decay target: %v", core.ErrInvalidParam, err)
	}

	m.lots[lotID] = &lotState{
		Lot: core.Lot{
			Start:           start,
			Conclusion:      start + params.Duration,
			QuoteDecimals:   quoteDecimals,
			BaseDecimals:    baseDecimals,
			CapacityInQuote: false,
			Capacity:        core.Clone(params.Capacity),
			Sold:            new(big.Int),
			Purchased:       new(big.Int),
			Status:          core.LotCreated,
		},
		initialPrice: core.Clone(p.InitialPrice),
		minPrice:     core.Clone(p.MinPrice),
		decayK:       lnRetained.Neg(),
		decayPeriod:  p.DecayPeriod,
		baseScale:    core.TokenScale(baseDecimals),
	}
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

// PriceAt returns the spot price at the given time, rounded up to an
// integer quote amount so the buyer's payout conversion rounds down.
func (m *Module) PriceAt(lotID, at uint64) (*big.Int, error) {
	s, ok := m.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	return s.priceAt(at)
}

func (s *lotState) priceAt(at uint64) (*big.Int, error) {
	if at <= s.Start {
		return core.Clone(s.initialPrice), nil
	}
	elapsed := decimal.New(int64(at-s.Start), 0)
	exponent := s.decayK.Mul(elapsed).
		DivRound(decimal.New(int64(s.decayPeriod), 0), expPrecision).
		Neg()
	factor, err := exponent.ExpTaylor(expPrecision)
	if err != nil {
		return nil, fmt.Errorf("computing decay factor: %w", err)
	}

	premium := decimal.NewFromBigInt(new(big.Int).Sub(s.initialPrice, s.minPrice), 0)
	price := decimal.NewFromBigInt(s.minPrice, 0).Add(premium.Mul(factor))
	return price.Ceil().BigInt(), nil
}

// Purchase fills at the current spot price. Same atomicity rules as the
// fixed-price sale: no partial fills, reject what does not fit.
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

	price, err := s.priceAt(now)
	if err != nil {
		return nil, err
	}
	payout := core.MulDivDown(amount, s.baseScale, price)
	if payout.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount too small for any payout", core.ErrInvalidParam)
	}
	if minAmountOut != nil && payout.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: payout %s below minimum %s", core.ErrInvalidParam, payout, minAmountOut)
	}
	if payout.Cmp(s.Capacity) > 0 {
		return nil, fmt.Errorf("%w: purchase exceeds remaining capacity", core.ErrInvalidState)
	}

	s.Capacity.Sub(s.Capacity, payout)
	s.Sold.Add(s.Sold, payout)
	s.Purchased.Add(s.Purchased, amount)
	if s.Capacity.Sign() == 0 {
		s.Conclusion = now
	}
	return payout, nil
}
