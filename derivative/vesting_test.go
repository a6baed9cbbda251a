package derivative

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/check"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/token"
)

var (
	escrowAddr = common.HexToAddress("0xe000000000000000000000000000000000000001")
	alice      = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob        = common.HexToAddress("0xb000000000000000000000000000000000000002")
)

func mustVestingParams(t *testing.T, p VestingParams) []byte {
	t.Helper()
	blob, err := cbor.Marshal(p)
	check.NoError(t, err)
	return blob
}

func newVesting(at *uint64) (*LinearVesting, *token.Ledger) {
	v := NewLinearVesting(1, escrowAddr, func() uint64 { return *at })
	underlying := token.NewLedger("BASE", 18)
	return v, underlying
}

func TestValidate(t *testing.T) {
	now := uint64(1000)
	v, underlying := newVesting(&now)

	check.NoError(t, v.Validate(underlying, mustVestingParams(t, VestingParams{Start: 2000, Expiry: 3000})))

	// zero start is allowed: it resolves to the settlement time at mint
	check.NoError(t, v.Validate(underlying, mustVestingParams(t, VestingParams{Expiry: 3000})))

	err := v.Validate(nil, mustVestingParams(t, VestingParams{Expiry: 3000}))
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	err = v.Validate(underlying, []byte{0xff})
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	err = v.Validate(underlying, mustVestingParams(t, VestingParams{Expiry: 0}))
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	err = v.Validate(underlying, mustVestingParams(t, VestingParams{Start: 3000, Expiry: 3000}))
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// expiry in the past
	err = v.Validate(underlying, mustVestingParams(t, VestingParams{Expiry: 900}))
	check.True(t, errors.Is(err, core.ErrInvalidParam))
}

func TestMint_SharesClassAcrossHolders(t *testing.T) {
	now := uint64(1000)
	v, underlying := newVesting(&now)
	params := mustVestingParams(t, VestingParams{Start: 2000, Expiry: 4000})

	id1, err := v.Mint(alice, underlying, params, big.NewInt(600))
	check.NoError(t, err)
	id2, err := v.Mint(bob, underlying, params, big.NewInt(400))
	check.NoError(t, err)

	// same (underlying, start, expiry) means the same token id
	check.Equal(t, id1, id2)

	// a different schedule mints a distinct class
	other := mustVestingParams(t, VestingParams{Start: 2000, Expiry: 5000})
	id3, err := v.Mint(alice, underlying, other, big.NewInt(100))
	check.NoError(t, err)
	check.NotEqual(t, id1, id3)

	// repeated mints into the same class accumulate the position
	_, err = v.Mint(alice, underlying, params, big.NewInt(100))
	check.NoError(t, err)
	now = 5000
	r, err := v.Redeemable(alice, id1)
	check.NoError(t, err)
	check.Equal(t, "700", r.String())
}

func TestMint_ZeroStartResolvesToNow(t *testing.T) {
	now := uint64(3000)
	v, underlying := newVesting(&now)

	id, err := v.Mint(alice, underlying, mustVestingParams(t, VestingParams{Expiry: 5000}), big.NewInt(1000))
	check.NoError(t, err)

	// vesting runs 3000-5000; the midpoint releases half
	now = 4000
	r, err := v.Redeemable(alice, id)
	check.NoError(t, err)
	check.Equal(t, "500", r.String())

	// a zero start past expiry cannot vest
	now = 6000
	_, err = v.Mint(bob, underlying, mustVestingParams(t, VestingParams{Expiry: 5000}), big.NewInt(1))
	check.True(t, errors.Is(err, core.ErrInvalidParam))
}

func TestRedeemable_LinearSchedule(t *testing.T) {
	now := uint64(1000)
	v, underlying := newVesting(&now)
	params := mustVestingParams(t, VestingParams{Start: 2000, Expiry: 4000})

	id, err := v.Mint(alice, underlying, params, big.NewInt(1000))
	check.NoError(t, err)

	// nothing before the start
	r, err := v.Redeemable(alice, id)
	check.NoError(t, err)
	check.Equal(t, "0", r.String())

	// quarter way: 250
	now = 2500
	r, err = v.Redeemable(alice, id)
	check.NoError(t, err)
	check.Equal(t, "250", r.String())

	// at and past expiry: everything
	now = 4000
	r, err = v.Redeemable(alice, id)
	check.NoError(t, err)
	check.Equal(t, "1000", r.String())

	// a holder with no position redeems nothing
	r, err = v.Redeemable(bob, id)
	check.NoError(t, err)
	check.Equal(t, "0", r.String())

	_, err = v.Redeemable(alice, 99)
	check.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRedeem_ReleasesFromEscrow(t *testing.T) {
	now := uint64(1000)
	v, underlying := newVesting(&now)
	params := mustVestingParams(t, VestingParams{Start: 2000, Expiry: 4000})

	id, err := v.Mint(alice, underlying, params, big.NewInt(1000))
	check.NoError(t, err)
	underlying.Mint(escrowAddr, big.NewInt(1000))

	now = 3000
	check.NoError(t, v.Redeem(alice, id, big.NewInt(300)))
	check.Equal(t, "300", underlying.BalanceOf(alice).String())
	check.Equal(t, "700", underlying.BalanceOf(escrowAddr).String())

	// 500 vested, 300 already out: 200 left at the halfway mark
	r, err := v.Redeemable(alice, id)
	check.NoError(t, err)
	check.Equal(t, "200", r.String())

	err = v.Redeem(alice, id, big.NewInt(201))
	check.True(t, errors.Is(err, core.ErrInvalidState))

	now = 4000
	check.NoError(t, v.Redeem(alice, id, big.NewInt(700)))
	check.Equal(t, "1000", underlying.BalanceOf(alice).String())
	check.Equal(t, "0", underlying.BalanceOf(escrowAddr).String())
}

func TestCondense_PinsZeroStartToClock(t *testing.T) {
	now := uint64(4600)
	c := NewVestingCondenser(1, func() uint64 { return now })

	out, err := c.Condense(nil, mustVestingParams(t, VestingParams{Expiry: 9000}))
	check.NoError(t, err)
	var p VestingParams
	check.NoError(t, cbor.Unmarshal(out, &p))
	check.Equal(t, uint64(4600), p.Start)
	check.Equal(t, uint64(9000), p.Expiry)

	// an explicit start passes through untouched
	out, err = c.Condense(nil, mustVestingParams(t, VestingParams{Start: 5000, Expiry: 9000}))
	check.NoError(t, err)
	check.NoError(t, cbor.Unmarshal(out, &p))
	check.Equal(t, uint64(5000), p.Start)

	_, err = c.Condense(nil, []byte{0xff})
	check.True(t, errors.Is(err, core.ErrInvalidParam))
}
