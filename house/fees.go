package house

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/events"
	"github.com/batchworks/auctionhouse/token"
)

// MaxFeeRate caps each configurable fee component at 10%.
const MaxFeeRate uint64 = core.OneHundredPercent / 10

// FeeRates is the fee schedule for one auction keycode. Rates are
// percentages of core.OneHundredPercent. A lot freezes the schedule in
// force at creation; later SetFee calls only affect new lots.
type FeeRates struct {
	Protocol   uint64
	Referrer   uint64
	MaxCurator uint64
}

func (f FeeRates) validate() error {
	if f.Protocol > MaxFeeRate || f.Referrer > MaxFeeRate || f.MaxCurator > MaxFeeRate {
		return fmt.Errorf("%w: fee components capped at %d", core.ErrInvalidParam, MaxFeeRate)
	}
	return nil
}

// SetFee installs the fee schedule for a keycode. Owner only.
func (h *AuctionHouse) SetFee(caller common.Address, kc core.Keycode, rates FeeRates) error {
	if err := h.requireOwner(caller); err != nil {
		return err
	}
	if err := core.ValidateKeycode(kc); err != nil {
		return err
	}
	if err := rates.validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.fees[kc] = rates
	h.log.WithFields(logrus.Fields{
		"keycode":  kc,
		"protocol": rates.Protocol,
		"referrer": rates.Referrer,
	}).Info("fee schedule updated")
	return nil
}

// RegisterReferrer opts an address into referrer fee sharing. The
// referrer share of a claim routes to the protocol until the referrer
// registers; registration is not retroactive for already-claimed bids.
func (h *AuctionHouse) RegisterReferrer(referrer common.Address) error {
	if referrer == (common.Address{}) {
		return fmt.Errorf("%w: zero referrer address", core.ErrInvalidParam)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.referrers[referrer] = true
	return nil
}

// SetCuratorFee sets the caller's fee rate for lots under the keycode.
// The effective rate at curation time is additionally capped by the
// lot's frozen MaxCurator.
func (h *AuctionHouse) SetCuratorFee(caller common.Address, kc core.Keycode, rate uint64) error {
	if err := core.ValidateKeycode(kc); err != nil {
		return err
	}
	if rate > MaxFeeRate {
		return fmt.Errorf("%w: curator fee %d exceeds cap %d", core.ErrInvalidParam, rate, MaxFeeRate)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.curatorRates[caller] == nil {
		h.curatorRates[caller] = make(map[core.Keycode]uint64)
	}
	h.curatorRates[caller][kc] = rate
	return nil
}

// quoteFees splits the protocol and referrer shares out of a paid quote
// amount, both rounded down so fees never exceed the reserve set aside
// at settlement. An absent or unregistered referrer forfeits the
// referrer share to the protocol.
func (h *AuctionHouse) quoteFees(rates FeeRates, referrer common.Address, paid *big.Int) (toProtocol, toReferrer *big.Int) {
	toProtocol = core.PercentOfDown(paid, rates.Protocol)
	toReferrer = core.PercentOfDown(paid, rates.Referrer)
	if referrer == (common.Address{}) || !h.referrers[referrer] {
		toProtocol.Add(toProtocol, toReferrer)
		toReferrer = new(big.Int)
	}
	return toProtocol, toReferrer
}

// accrue credits a reward claimable later via ClaimRewards. The tokens
// themselves stay in house custody until claimed. Caller holds h.mu.
func (h *AuctionHouse) accrue(t token.ERC20, to common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if h.rewards[t] == nil {
		h.rewards[t] = make(map[common.Address]*big.Int)
	}
	if acc, ok := h.rewards[t][to]; ok {
		acc.Add(acc, amount)
		return
	}
	h.rewards[t][to] = new(big.Int).Set(amount)
}

// Rewards returns the caller's unclaimed balance in the given token.
func (h *AuctionHouse) Rewards(owner common.Address, t token.ERC20) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if acc, ok := h.rewards[t][owner]; ok {
		return new(big.Int).Set(acc)
	}
	return new(big.Int)
}

// ClaimRewards pays out the caller's full accrued balance in the token.
func (h *AuctionHouse) ClaimRewards(caller common.Address, t token.ERC20) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	acc, ok := h.rewards[t][caller]
	if !ok || acc.Sign() == 0 {
		return nil, fmt.Errorf("%w: no rewards accrued in %s", core.ErrNotFound, t.Symbol())
	}
	amount := new(big.Int).Set(acc)
	acc.SetUint64(0)

	if err := h.send(t, caller, amount); err != nil {
		acc.Set(amount)
		return nil, err
	}

	e := h.newEvent(events.RewardsClaimed)
	e.Actor = caller.Hex()
	e.Amount = amount.String()
	h.emit(e)
	return amount, nil
}
