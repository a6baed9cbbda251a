package fpb

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/peterldowns/testy/check"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/modules/batch"
)

var (
	bidderA = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bidderB = common.HexToAddress("0xb000000000000000000000000000000000000002")
	nobody  = common.Address{}
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

// newLot builds a module with a settable clock and one lot:
// capacity 10e18 base, price 2e18 quote per base, window 1000-4600.
func newLot(t *testing.T, at *uint64, minFillPercent uint64) *Module {
	t.Helper()
	m := New(1, batch.Config{MinDuration: 3600, GracePeriod: 86400, Clock: func() uint64 { return *at }})
	err := m.Auction(1, core.AuctionParams{
		Start:          1000,
		Duration:       3600,
		Capacity:       e18(10),
		Implementation: mustParams(t, Params{Price: e18(2), MinFillPercent: minFillPercent}),
	}, 18, 18)
	check.NoError(t, err)
	return m
}

func TestAuction_Validation(t *testing.T) {
	now := uint64(500)
	m := New(1, batch.Config{MinDuration: 3600, Clock: func() uint64 { return now }})

	// unparseable implementation blob
	err := m.Auction(1, core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10), Implementation: []byte{0xff}}, 18, 18)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// zero price
	err = m.Auction(1, core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10),
		Implementation: mustParams(t, Params{Price: big.NewInt(0)})}, 18, 18)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// min fill above 100%
	err = m.Auction(1, core.AuctionParams{Start: 1000, Duration: 3600, Capacity: e18(10),
		Implementation: mustParams(t, Params{Price: e18(2), MinFillPercent: core.OneHundredPercent + 1})}, 18, 18)
	check.True(t, errors.Is(err, core.ErrInvalidParam))
}

func TestAuction_CapacityInQuoteConverts(t *testing.T) {
	now := uint64(500)
	m := New(1, batch.Config{MinDuration: 3600, Clock: func() uint64 { return now }})

	// 20e18 quote at price 2 converts to 10e18 base
	err := m.Auction(1, core.AuctionParams{
		Start:           1000,
		Duration:        3600,
		CapacityInQuote: true,
		Capacity:        e18(20),
		Implementation:  mustParams(t, Params{Price: e18(2)}),
	}, 18, 18)
	check.NoError(t, err)

	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, e18(10).String(), lot.Capacity.String())
}

func TestSettle_SingleBidFullFill(t *testing.T) {
	now := uint64(1000)
	m := newLot(t, &now, core.OneHundredPercent/2)

	_, err := m.Bid(1, bidderA, nobody, e18(10), nil)
	check.NoError(t, err)

	now = 4600
	settlement, err := m.Settle(1)
	check.NoError(t, err)
	check.True(t, settlement.Cleared)
	check.Equal(t, e18(10).String(), settlement.TotalIn.String())
	check.Equal(t, e18(5).String(), settlement.TotalOut.String())

	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, core.LotSettled, lot.Status)
	check.Equal(t, e18(5).String(), lot.Sold.String())
	check.Equal(t, e18(10).String(), lot.Purchased.String())

	claims, err := m.ClaimBids(1, []uint64{1})
	check.NoError(t, err)
	check.Equal(t, 1, len(claims))
	check.Equal(t, e18(10).String(), claims[0].Paid.String())
	check.Equal(t, "0", claims[0].Refund.String())
	check.Equal(t, e18(5).String(), claims[0].Payout.String())
}

func TestSettle_OversubscribedPartialFill(t *testing.T) {
	now := uint64(1000)
	m := newLot(t, &now, core.OneHundredPercent/2)

	_, err := m.Bid(1, bidderA, nobody, e18(10), nil)
	check.NoError(t, err)

	// 22e18 total quote converts to 11e18 base against 10e18 capacity,
	// so this bid concludes the lot immediately.
	_, err = m.Bid(1, bidderB, nobody, e18(12), nil)
	check.NoError(t, err)

	lot, err := m.Lot(1)
	check.NoError(t, err)
	check.Equal(t, now, lot.Conclusion)

	// a third bid bounces off the concluded lot
	_, err = m.Bid(1, bidderA, nobody, e18(1), nil)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	settlement, err := m.Settle(1)
	check.NoError(t, err)
	check.True(t, settlement.Cleared)
	check.Equal(t, e18(20).String(), settlement.TotalIn.String())
	check.Equal(t, e18(10).String(), settlement.TotalOut.String())

	claims, err := m.ClaimBids(1, []uint64{1, 2})
	check.NoError(t, err)

	// bid 1 fills whole
	check.Equal(t, e18(10).String(), claims[0].Paid.String())
	check.Equal(t, "0", claims[0].Refund.String())
	check.Equal(t, e18(5).String(), claims[0].Payout.String())

	// bid 2 straddles the boundary: 5e18 payout, 10e18 paid, 2e18 back
	check.Equal(t, e18(10).String(), claims[1].Paid.String())
	check.Equal(t, e18(2).String(), claims[1].Refund.String())
	check.Equal(t, e18(5).String(), claims[1].Payout.String())
}

func TestSettle_BelowMinimumFillFails(t *testing.T) {
	now := uint64(1000)
	m := newLot(t, &now, core.OneHundredPercent) // 100% fill required

	_, err := m.Bid(1, bidderA, nobody, e18(6), nil)
	check.NoError(t, err)

	now = 4600
	settlement, err := m.Settle(1)
	check.NoError(t, err)
	check.False(t, settlement.Cleared)
	check.Equal(t, "0", settlement.TotalIn.String())
	check.Equal(t, "0", settlement.TotalOut.String())

	// settlement is terminal even when it fails to clear
	_, err = m.Settle(1)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// the bid comes back whole
	claims, err := m.ClaimBids(1, []uint64{1})
	check.NoError(t, err)
	check.Equal(t, "0", claims[0].Paid.String())
	check.Equal(t, e18(6).String(), claims[0].Refund.String())
	check.Equal(t, "0", claims[0].Payout.String())
}

func TestRefundThenClaimReverts(t *testing.T) {
	now := uint64(1000)
	m := newLot(t, &now, 0)

	_, err := m.Bid(1, bidderA, nobody, e18(4), nil)
	check.NoError(t, err)
	_, err = m.Bid(1, bidderB, nobody, e18(6), nil)
	check.NoError(t, err)

	amount, err := m.RefundBid(1, 1, bidderA)
	check.NoError(t, err)
	check.Equal(t, e18(4).String(), amount.String())

	now = 4600
	settlement, err := m.Settle(1)
	check.NoError(t, err)
	// only the remaining bid counts toward the clearing totals
	check.Equal(t, e18(6).String(), settlement.TotalIn.String())
	check.Equal(t, e18(3).String(), settlement.TotalOut.String())

	// the refunded bid is finalized; claiming it reverts
	_, err = m.ClaimBids(1, []uint64{1})
	check.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestAbort_MakesEveryBidRefundable(t *testing.T) {
	now := uint64(1000)
	m := newLot(t, &now, 0)

	_, err := m.Bid(1, bidderA, nobody, e18(4), nil)
	check.NoError(t, err)
	_, err = m.Bid(1, bidderB, nobody, e18(25), nil)
	check.NoError(t, err)

	// abort requires the settlement window to lapse first
	now = 4600
	check.Error(t, m.Abort(1))
	now = 4600 + 86400
	check.NoError(t, m.Abort(1))

	claims, err := m.ClaimBids(1, []uint64{1, 2})
	check.NoError(t, err)
	check.Equal(t, e18(4).String(), claims[0].Refund.String())
	check.Equal(t, e18(25).String(), claims[1].Refund.String())
	check.Equal(t, "0", claims[0].Payout.String())
	check.Equal(t, "0", claims[1].Payout.String())
}

func TestSettle_CannotAbortAfterSettlement(t *testing.T) {
	now := uint64(1000)
	m := newLot(t, &now, 0)

	_, err := m.Bid(1, bidderA, nobody, e18(4), nil)
	check.NoError(t, err)

	now = 4600 + 86400*2
	_, err = m.Settle(1)
	check.NoError(t, err)
	check.Error(t, m.Abort(1))
}

// TestSettle_SolvencyProperties fuzzes random prices, capacities and bid
// sets and checks the accounting identities settlement must preserve:
// the pool never oversells, every bid reconstructs its amount, and the
// per-bid sums match the settlement totals exactly.
func TestSettle_SolvencyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("claims conserve amounts and never oversell", prop.ForAll(
		func(priceU, capU uint64, amounts []uint64) bool {
			now := uint64(1000)
			price := new(big.Int).SetUint64(priceU)
			capacity := new(big.Int).SetUint64(capU)

			m := New(1, batch.Config{MinDuration: 3600, Clock: func() uint64 { return now }})
			blob, err := cbor.Marshal(Params{Price: price})
			if err != nil {
				return false
			}
			err = m.Auction(1, core.AuctionParams{
				Start: 1000, Duration: 3600, Capacity: capacity, Implementation: blob,
			}, 6, 6)
			if err != nil {
				return false
			}

			ids := make([]uint64, 0, len(amounts))
			bidAmounts := make(map[uint64]*big.Int)
			for _, a := range amounts {
				if a == 0 {
					continue
				}
				id, err := m.Bid(1, bidderA, nobody, new(big.Int).SetUint64(a), nil)
				if err != nil {
					// the lot can conclude early mid-loop; stop bidding
					break
				}
				ids = append(ids, id)
				bidAmounts[id] = new(big.Int).SetUint64(a)
			}
			if len(ids) == 0 {
				return true
			}

			now = 5000
			settlement, err := m.Settle(1)
			if err != nil {
				return false
			}
			claims, err := m.ClaimBids(1, ids)
			if err != nil {
				return false
			}

			sumPaid := new(big.Int)
			sumPayout := new(big.Int)
			for _, c := range claims {
				total := new(big.Int).Add(c.Paid, c.Refund)
				if total.Cmp(bidAmounts[c.BidID]) != 0 {
					return false
				}
				sumPaid.Add(sumPaid, c.Paid)
				sumPayout.Add(sumPayout, c.Payout)
			}
			if !settlement.Cleared {
				return sumPaid.Sign() == 0 && sumPayout.Sign() == 0
			}
			if sumPayout.Cmp(capacity) > 0 {
				return false
			}
			// the per-bid sums must reproduce the settlement totals exactly
			return sumPaid.Cmp(settlement.TotalIn) == 0 && sumPayout.Cmp(settlement.TotalOut) == 0
		},
		gen.UInt64Range(1, 1_000_000_000),
		gen.UInt64Range(1, 1_000_000_000_000),
		gen.SliceOfN(6, gen.UInt64Range(0, 1_000_000_000_000)),
	))
	properties.TestingRun(t)
}
