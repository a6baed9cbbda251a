package fps

import (
	"errors"
	"math/big"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/check"

	"github.com/batchworks/auctionhouse/core"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func mustParams(t *testing.T, p Params) []byte {
	t.Helper()
	blob, err := cbor.Marshal(p)
	check.NoError(t, err)
	return blob
}

func newSale(t *testing.T, at *uint64, p Params, params core.AuctionParams) *Module {
	t.Helper()
	m := New(1, 3600, func() uint64 { return *at })
	params.Implementation = mustParams(t, p)
	check.NoError(t, m.Auction(1, params, 18, 18))
	return m
}

func TestPurchase_FixedPriceConversion(t *testing.T) {
	now := uint64(1000)
	m := newSale(t, &now, Params{Price: e18(2)},
		core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10)})

	payout, err := m.Purchase(1, e18(4), nil, nil)
	check.NoError(t, err)
	check.Equal(t, e18(2).String(), payout.String())

	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, e18(8).String(), lot.Capacity.String())
	check.Equal(t, e18(2).String(), lot.Sold.String())
	check.Equal(t, e18(4).String(), lot.Purchased.String())
}

func TestPurchase_PayoutRoundsDown(t *testing.T) {
	now := uint64(1000)
	m := newSale(t, &now, Params{Price: big.NewInt(3)},
		core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10)})

	// 10 quote units at price 3 per whole base: floor(10 * 1e18 / 3)
	payout, err := m.Purchase(1, big.NewInt(10), nil, nil)
	check.NoError(t, err)
	check.Equal(t, "3333333333333333333", payout.String())
}

func TestPurchase_SlippageGuard(t *testing.T) {
	now := uint64(1000)
	m := newSale(t, &now, Params{Price: e18(2)},
		core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10)})

	// payout would be 2e18; demanding more rejects before any state change
	_, err := m.Purchase(1, e18(4), e18(3), nil)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, e18(10).String(), lot.Capacity.String())
}

func TestPurchase_CapacityAndWindowGates(t *testing.T) {
	now := uint64(500)
	m := newSale(t, &now, Params{Price: e18(1)},
		core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10)})

	// before start
	_, err := m.Purchase(1, e18(1), nil, nil)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// no partial fills: the whole purchase must fit
	now = 1000
	_, err = m.Purchase(1, e18(11), nil, nil)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// exact fill concludes the lot on the spot
	_, err = m.Purchase(1, e18(10), nil, nil)
	check.NoError(t, err)
	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, now, lot.Conclusion)

	_, err = m.Purchase(1, e18(1), nil, nil)
	check.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestPurchase_PerPurchaseCap(t *testing.T) {
	now := uint64(1000)
	// each purchase limited to 25% of starting capacity
	m := newSale(t, &now, Params{Price: e18(1), MaxPayoutPercent: core.OneHundredPercent / 4},
		core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10)})

	_, err := m.Purchase(1, e18(3), nil, nil)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	payout, err := m.Purchase(1, e18(2), nil, nil)
	check.NoError(t, err)
	check.Equal(t, e18(2).String(), payout.String())
}

func TestPurchase_QuoteDenominatedCapacity(t *testing.T) {
	now := uint64(1000)
	// capacity tracked in quote: 10e18 quote absorbs, price 2
	m := newSale(t, &now, Params{Price: e18(2)},
		core.AuctionParams{Start: 1000, Duration: 3600, CapacityInQuote: true, Capacity: e18(10)})

	payout, err := m.Purchase(1, e18(6), nil, nil)
	check.NoError(t, err)
	check.Equal(t, e18(3).String(), payout.String())

	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, e18(4).String(), lot.Capacity.String())

	// 5e18 quote no longer fits the remaining 4e18 quote capacity
	_, err = m.Purchase(1, e18(5), nil, nil)
	check.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestCancel_BeforeStartOnly(t *testing.T) {
	now := uint64(500)
	m := newSale(t, &now, Params{Price: e18(1)},
		core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10)})

	check.NoError(t, m.Cancel(1))
	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, core.LotCancelled, lot.Status)

	// purchases bounce off a cancelled lot
	now = 1000
	_, err = m.Purchase(1, e18(1), nil, nil)
	check.True(t, errors.Is(err, core.ErrInvalidState))
}
