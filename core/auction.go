package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LotStatus is the lifecycle phase of a lot inside its auction module.
type LotStatus uint8

const (
	LotCreated LotStatus = iota
	LotCancelled
	LotDecrypted
	LotSettled
	LotAborted
)

func (s LotStatus) String() string {
	switch s {
	case LotCreated:
		return "created"
	case LotCancelled:
		return "cancelled"
	case LotDecrypted:
		return "decrypted"
	case LotSettled:
		return "settled"
	case LotAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// BidStatus tracks a single bid's finalization. A bid is finalized exactly
// once: either refunded before conclusion or claimed after settlement.
type BidStatus uint8

const (
	BidSubmitted BidStatus = iota
	BidDecrypted
	BidClaimed
)

func (s BidStatus) String() string {
	switch s {
	case BidSubmitted:
		return "submitted"
	case BidDecrypted:
		return "decrypted"
	case BidClaimed:
		return "claimed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Lot is the module-level record of one listing. Amounts are fixed-point
// integers in each token's native decimals. Capacity decreases
// monotonically and the lot stops being live once it reaches zero or the
// conclusion timestamp passes.
type Lot struct {
	Start           uint64
	Conclusion      uint64
	QuoteDecimals   uint8
	BaseDecimals    uint8
	CapacityInQuote bool
	Capacity        *big.Int
	Sold            *big.Int
	Purchased       *big.Int
	Status          LotStatus
}

// Live reports whether the lot accepts purchases or bids at the given time.
func (l Lot) Live(now uint64) bool {
	return l.Status == LotCreated &&
		l.Start <= now && now < l.Conclusion &&
		l.Capacity.Sign() > 0
}

// AuctionParams is the mechanism-agnostic portion of lot creation.
// Implementation carries the mechanism-specific parameters as a CBOR blob
// the target module decodes itself.
type AuctionParams struct {
	Start           uint64
	Duration        uint64
	CapacityInQuote bool
	Capacity        *big.Int
	Implementation  []byte
}

// Settlement is the outcome of clearing a batch lot. TotalIn is quote
// purchased, TotalOut is base sold. AuctionOutput is a mechanism-specific
// CBOR blob (e.g. the marginal price) consumed by condensers.
type Settlement struct {
	Cleared       bool
	TotalIn       *big.Int
	TotalOut      *big.Int
	AuctionOutput []byte
}

// BidClaim is the resolved (paid, refund, payout) triple for one bid.
// Paid + Refund always reconstructs the bid's original amount.
type BidClaim struct {
	BidID    uint64
	Bidder   common.Address
	Referrer common.Address
	Paid     *big.Int
	Refund   *big.Int
	Payout   *big.Int
}

// AuctionModule is the lot lifecycle shared by every mechanism. All entry
// points are called by the router only; modules never move tokens.
type AuctionModule interface {
	Module

	// Auction registers lotID under this module. Rejects a start in the
	// past (when non-zero), a duration below the module minimum and
	// malformed implementation params. Start == 0 defaults to now.
	Auction(lotID uint64, params AuctionParams, quoteDecimals, baseDecimals uint8) error

	// Cancel is permitted strictly before the lot starts. It zeroes
	// capacity and pulls the conclusion to now.
	Cancel(lotID uint64) error

	// Lot returns a snapshot of the lot record.
	Lot(lotID uint64) (Lot, error)
}

// AtomicAuctionModule settles each purchase immediately.
type AtomicAuctionModule interface {
	AuctionModule

	// Purchase fills amount of quote at the current mechanism price and
	// returns the base payout. A payout below minAmountOut rejects before
	// any state changes. Capacity is decremented before return.
	Purchase(lotID uint64, amount, minAmountOut *big.Int, auctionData []byte) (payout *big.Int, err error)
}

// BatchAuctionModule collects bids over the lot window and clears them in
// a single settlement.
type BatchAuctionModule interface {
	AuctionModule

	// Bid commits amount of quote and returns the sequential bid id
	// (starting at 1). auctionData carries mechanism-specific material,
	// e.g. the sealed amount-out ciphertext.
	Bid(lotID uint64, bidder, referrer common.Address, amount *big.Int, auctionData []byte) (uint64, error)

	// RefundBid withdraws a live bid before conclusion. Only the bid
	// owner may refund. Returns the quote amount to send back.
	RefundBid(lotID, bidID uint64, caller common.Address) (*big.Int, error)

	// Settle clears a concluded lot. Terminal: a lot settles exactly once.
	Settle(lotID uint64) (Settlement, error)

	// Abort marks a concluded, unsettled lot as terminally failed so that
	// every bid becomes refundable. Escape hatch for mechanisms whose
	// settlement depends on off-chain input that never arrived.
	Abort(lotID uint64) error

	// ClaimBids resolves the (paid, refund, payout) triple for each bid id
	// and marks it claimed. A second claim of the same id reverts.
	ClaimBids(lotID uint64, bidIDs []uint64) ([]BidClaim, error)
}
