package house

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/token"
)

// collect pulls amount of t from `from` into house custody via
// TransferFrom, applying the permit first when one is supplied. The
// house's balance delta is checked against the requested amount so
// fee-on-transfer and rebasing tokens are rejected rather than
// silently under-collateralizing a lot.
func (h *AuctionHouse) collect(t token.ERC20, from common.Address, amount *big.Int, permit *token.Permit) error {
	if amount.Sign() == 0 {
		return nil
	}
	if permit != nil {
		p, ok := t.(token.Permitter)
		if !ok {
			return fmt.Errorf("%w: %s does not support permits", core.ErrInvalidParam, t.Symbol())
		}
		if err := p.UsePermit(*permit, h.clock()); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidParam, err)
		}
	}

	before := t.BalanceOf(h.addr)
	if err := t.TransferFrom(h.addr, from, h.addr, amount); err != nil {
		return fmt.Errorf("%w: collecting %s %s from %s: %v",
			core.ErrInvalidParam, amount, t.Symbol(), from.Hex(), err)
	}
	received := new(big.Int).Sub(t.BalanceOf(h.addr), before)
	if received.Cmp(amount) != 0 {
		return fmt.Errorf("%w: %s delivered %s of %s requested",
			core.ErrUnsupportedToken, t.Symbol(), received, amount)
	}
	return nil
}

// send moves amount of t from house custody to the recipient, checking
// the recipient's balance delta for the same token conformance as
// collect.
func (h *AuctionHouse) send(t token.ERC20, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	before := t.BalanceOf(to)
	if err := t.Transfer(h.addr, to, amount); err != nil {
		return fmt.Errorf("%w: sending %s %s to %s: %v",
			core.ErrInsolvent, amount, t.Symbol(), to.Hex(), err)
	}
	received := new(big.Int).Sub(t.BalanceOf(to), before)
	if received.Cmp(amount) != 0 {
		return fmt.Errorf("%w: %s delivered %s of %s sent",
			core.ErrUnsupportedToken, t.Symbol(), received, amount)
	}
	return nil
}

// expectFunding runs a callback invocation that has declared funding
// duty and verifies the house received at least `amount` of t from it.
func (h *AuctionHouse) expectFunding(t token.ERC20, amount *big.Int, invoke func() error) error {
	before := t.BalanceOf(h.addr)
	if err := invoke(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidCallback, err)
	}
	received := new(big.Int).Sub(t.BalanceOf(h.addr), before)
	if received.Cmp(amount) < 0 {
		return fmt.Errorf("%w: hook delivered %s of %s %s required",
			core.ErrInvalidCallback, received, amount, t.Symbol())
	}
	return nil
}
