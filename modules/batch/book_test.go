package batch

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/peterldowns/testy/check"

	"github.com/batchworks/auctionhouse/core"
)

var (
	bidderA = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bidderB = common.HexToAddress("0xb000000000000000000000000000000000000002")
	nobody  = common.Address{}
)

// fixedClock returns a settable test clock.
func fixedClock(at *uint64) core.Clock {
	return func() uint64 { return *at }
}

func newTestBook(at *uint64) *Book {
	return NewBook(Config{MinDuration: 3600, GracePeriod: 86400, Clock: fixedClock(at)})
}

func createLot(t *testing.T, b *Book, lotID uint64) *LotState {
	t.Helper()
	s, err := b.CreateLot(lotID, core.AuctionParams{Start: 1000, Duration: 3600}, big.NewInt(1_000_000), 6, 18)
	check.NoError(t, err)
	return s
}

func TestCreateLot_Validation(t *testing.T) {
	now := uint64(1000)
	b := newTestBook(&now)

	// start in the past
	_, err := b.CreateLot(1, core.AuctionParams{Start: 999, Duration: 3600}, big.NewInt(1), 6, 18)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// duration below minimum
	_, err = b.CreateLot(1, core.AuctionParams{Start: 1000, Duration: 3599}, big.NewInt(1), 6, 18)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// zero capacity
	_, err = b.CreateLot(1, core.AuctionParams{Start: 1000, Duration: 3600}, big.NewInt(0), 6, 18)
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// zero start defaults to now
	s, err := b.CreateLot(1, core.AuctionParams{Duration: 3600}, big.NewInt(5), 6, 18)
	check.NoError(t, err)
	check.Equal(t, uint64(1000), s.Start)
	check.Equal(t, uint64(4600), s.Conclusion)

	// duplicate id
	_, err = b.CreateLot(1, core.AuctionParams{Duration: 3600}, big.NewInt(5), 6, 18)
	check.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestSubmitBid_SequentialIDsAndTotals(t *testing.T) {
	now := uint64(500)
	b := newTestBook(&now)
	createLot(t, b, 1)

	now = 1000
	s, bid1, err := b.SubmitBid(1, bidderA, nobody, big.NewInt(100))
	check.NoError(t, err)
	check.Equal(t, uint64(1), bid1.ID)

	_, bid2, err := b.SubmitBid(1, bidderB, nobody, big.NewInt(250))
	check.NoError(t, err)
	check.Equal(t, uint64(2), bid2.ID)
	check.Equal(t, "350", s.TotalBidAmount.String())
	check.Equal(t, 2, len(s.ActiveBids()))
}

func TestSubmitBid_Windows(t *testing.T) {
	now := uint64(500)
	b := newTestBook(&now)
	createLot(t, b, 1)

	// before start
	_, _, err := b.SubmitBid(1, bidderA, nobody, big.NewInt(100))
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// after conclusion
	now = 4600
	_, _, err = b.SubmitBid(1, bidderA, nobody, big.NewInt(100))
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// zero amount
	now = 1000
	_, _, err = b.SubmitBid(1, bidderA, nobody, big.NewInt(0))
	check.True(t, errors.Is(err, core.ErrInvalidParam))

	// above the representable bound
	over := new(big.Int).Add(MaxBidAmount, big.NewInt(1))
	_, _, err = b.SubmitBid(1, bidderA, nobody, over)
	check.True(t, errors.Is(err, core.ErrInvalidParam))
}

func TestRefundBid_PreConclusionOnly(t *testing.T) {
	now := uint64(1000)
	b := newTestBook(&now)
	createLot(t, b, 1)

	s, bid, err := b.SubmitBid(1, bidderA, nobody, big.NewInt(100))
	check.NoError(t, err)

	// only the bidder may refund
	_, err = b.RefundBid(1, bid.ID, bidderB)
	check.True(t, errors.Is(err, core.ErrNotAuthorized))

	amount, err := b.RefundBid(1, bid.ID, bidderA)
	check.NoError(t, err)
	check.Equal(t, "100", amount.String())
	check.Equal(t, "0", s.TotalBidAmount.String())
	check.Equal(t, 0, len(s.ActiveBids()))

	// a refunded bid cannot refund again
	_, err = b.RefundBid(1, bid.ID, bidderA)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// after conclusion the window is closed
	_, bid2, err := b.SubmitBid(1, bidderB, nobody, big.NewInt(50))
	check.NoError(t, err)
	now = 4600
	_, err = b.RefundBid(1, bid2.ID, bidderB)
	check.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestCancel_StrictlyBeforeStart(t *testing.T) {
	now := uint64(500)
	b := newTestBook(&now)
	s := createLot(t, b, 1)

	check.NoError(t, b.Cancel(1))
	check.Equal(t, core.LotCancelled, s.Status)
	check.Equal(t, "0", s.Capacity.String())

	// cancelling twice reverts
	check.Error(t, b.Cancel(1))

	// a started lot cannot cancel
	createLot(t, b, 2)
	now = 1000
	check.Error(t, b.Cancel(2))
}

func TestAbort_RequiresLapsedGracePeriod(t *testing.T) {
	now := uint64(500)
	b := newTestBook(&now)
	s := createLot(t, b, 1)

	// live lot cannot abort
	now = 2000
	err := b.Abort(1)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// concluded but inside the grace period
	now = 4600
	check.Error(t, b.Abort(1))
	now = 4600 + 86400 - 1
	check.Error(t, b.Abort(1))

	// grace lapsed
	now = 4600 + 86400
	check.NoError(t, b.Abort(1))
	check.Equal(t, core.LotAborted, s.Status)

	// aborting twice reverts
	check.Error(t, b.Abort(1))
}

func TestRequireSettleable_Gates(t *testing.T) {
	now := uint64(500)
	b := newTestBook(&now)
	createLot(t, b, 1)

	// pre-conclusion
	now = 2000
	_, err := b.RequireSettleable(1, core.LotCreated)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	// post-conclusion with a matching status
	now = 4600
	s, err := b.RequireSettleable(1, core.LotCreated)
	check.NoError(t, err)

	// status outside the allowed set
	s.Status = core.LotSettled
	_, err = b.RequireSettleable(1, core.LotCreated)
	check.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestTakeBidForClaim_FinalizesOnce(t *testing.T) {
	now := uint64(1000)
	b := newTestBook(&now)
	s := createLot(t, b, 1)

	_, bid, err := b.SubmitBid(1, bidderA, nobody, big.NewInt(100))
	check.NoError(t, err)

	taken, err := s.TakeBidForClaim(1, bid.ID)
	check.NoError(t, err)
	check.Equal(t, core.BidClaimed, taken.Status)

	_, err = s.TakeBidForClaim(1, bid.ID)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	_, err = s.TakeBidForClaim(1, 99)
	check.True(t, errors.Is(err, core.ErrNotFound))
}
