// Package derivative implements the payout wrappers minted at claim time
// in place of direct base-token transfers: a linear vesting module and
// the condenser that adapts batch settlement output to it.
package derivative

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/token"
)

// VestingKeycode identifies the linear vesting derivative.
const VestingKeycode core.Keycode = "LIV"

// VestingParams is the derivative configuration carried in the lot's
// routing. Start == 0 means "vest from settlement", resolved by the
// condenser.
type VestingParams struct {
	Start  uint64 `cbor:"start"`
	Expiry uint64 `cbor:"expiry"`
}

type vestingClass struct {
	id         uint64
	underlying token.ERC20
	start      uint64
	expiry     uint64
}

type position struct {
	amount   *big.Int
	redeemed *big.Int
}

// LinearVesting releases the underlying linearly between Start and
// Expiry. Positions sharing (underlying, start, expiry) share a token id.
type LinearVesting struct {
	version uint8
	clock   core.Clock
	escrow  common.Address

	nextID  uint64
	classes map[string]*vestingClass
	byID    map[uint64]*vestingClass

	positions map[uint64]map[common.Address]*position
}

var _ core.DerivativeModule = (*LinearVesting)(nil)

func NewLinearVesting(version uint8, escrow common.Address, clock core.Clock) *LinearVesting {
	if clock == nil {
		clock = core.SystemClock
	}
	return &LinearVesting{
		version:   version,
		clock:     clock,
		escrow:    escrow,
		classes:   make(map[string]*vestingClass),
		byID:      make(map[uint64]*vestingClass),
		positions: make(map[uint64]map[common.Address]*position),
	}
}

func (v *LinearVesting) Keycode() core.Keycode  { return VestingKeycode }
func (v *LinearVesting) Version() uint8         { return v.version }
func (v *LinearVesting) Type() core.ModuleType  { return core.ModuleDerivative }
func (v *LinearVesting) Escrow() common.Address { return v.escrow }

func (v *LinearVesting) Validate(underlying token.ERC20, params []byte) error {
	if underlying == nil {
		return fmt.Errorf("%w: underlying token required", core.ErrInvalidParam)
	}
	var p VestingParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("%w: vesting params: %v", core.ErrInvalidParam, err)
	}
	if p.Expiry == 0 {
		return fmt.Errorf("%w: vesting expiry required", core.ErrInvalidParam)
	}
	if p.Start != 0 && p.Start >= p.Expiry {
		return fmt.Errorf("%w: vesting start %d not before expiry %d", core.ErrInvalidParam, p.Start, p.Expiry)
	}
	if now := v.clock(); p.Expiry <= now {
		return fmt.Errorf("%w: vesting expiry %d already passed (now %d)", core.ErrInvalidParam, p.Expiry, now)
	}
	return nil
}

// Mint records a vesting position. The router funds the escrow address
// with `amount` of the underlying before calling.
func (v *LinearVesting) Mint(to common.Address, underlying token.ERC20, params []byte, amount *big.Int) (uint64, error) {
	if err := core.RequirePositive("amount", amount); err != nil {
		return 0, err
	}
	var p VestingParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return 0, fmt.Errorf("%w: vesting params: %v", core.ErrInvalidParam, err)
	}
	if p.Start == 0 {
		p.Start = v.clock()
	}
	if p.Start >= p.Expiry {
		return 0, fmt.Errorf("%w: vesting start %d not before expiry %d", core.ErrInvalidParam, p.Start, p.Expiry)
	}

	key := fmt.Sprintf("%s|%d|%d", underlying.Symbol(), p.Start, p.Expiry)
	class, ok := v.classes[key]
	if !ok {
		v.nextID++
		class = &vestingClass{id: v.nextID, underlying: underlying, start: p.Start, expiry: p.Expiry}
		v.classes[key] = class
		v.byID[class.id] = class
		v.positions[class.id] = make(map[common.Address]*position)
	}

	pos, ok := v.positions[class.id][to]
	if !ok {
		pos = &position{amount: new(big.Int), redeemed: new(big.Int)}
		v.positions[class.id][to] = pos
	}
	pos.amount.Add(pos.amount, amount)
	return class.id, nil
}

// Redeemable returns vested-but-unredeemed underlying for the owner.
func (v *LinearVesting) Redeemable(owner common.Address, tokenID uint64) (*big.Int, error) {
	class, ok := v.byID[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: derivative token %d", core.ErrNotFound, tokenID)
	}
	pos, ok := v.positions[tokenID][owner]
	if !ok {
		return new(big.Int), nil
	}

	now := v.clock()
	if now <= class.start {
		return new(big.Int), nil
	}
	vested := core.Clone(pos.amount)
	if now < class.expiry {
		elapsed := new(big.Int).SetUint64(now - class.start)
		duration := new(big.Int).SetUint64(class.expiry - class.start)
		vested = core.MulDivDown(pos.amount, elapsed, duration)
	}
	return vested.Sub(vested, pos.redeemed), nil
}

// Redeem releases up to amount of vested underlying from escrow.
func (v *LinearVesting) Redeem(owner common.Address, tokenID uint64, amount *big.Int) error {
	if err := core.RequirePositive("amount", amount); err != nil {
		return err
	}
	redeemable, err := v.Redeemable(owner, tokenID)
	if err != nil {
		return err
	}
	if amount.Cmp(redeemable) > 0 {
		return fmt.Errorf("%w: %s exceeds redeemable %s", core.ErrInvalidState, amount, redeemable)
	}

	pos := v.positions[tokenID][owner]
	pos.redeemed.Add(pos.redeemed, amount)

	class := v.byID[tokenID]
	if err := class.underlying.Transfer(v.escrow, owner, amount); err != nil {
		return fmt.Errorf("%w: escrow transfer failed: %v", core.ErrInsolvent, err)
	}
	return nil
}
