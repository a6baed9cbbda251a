package house

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Callback is the seller-supplied hook invoked around lot lifecycle
// transitions. Address is the account the house settles token flows
// against when the callback takes custody; SendsBaseTokens declares
// that the hook, not the seller wallet, supplies base tokens (lot
// funding for batch lots, per-purchase payouts for atomic lots) and
// receives the quote proceeds.
//
// Hook errors reject the operation before any tokens leave the house.
// A hook that declares funding duty and under-delivers fails the
// balance check and surfaces as ErrInvalidCallback.
type Callback interface {
	Address() common.Address
	SendsBaseTokens() bool

	OnCreate(lotID uint64, seller common.Address, capacity *big.Int, prefund bool, data []byte) error
	OnCancel(lotID uint64, refund *big.Int, data []byte) error
	OnCurate(lotID uint64, curatorFee *big.Int, data []byte) error
	OnPurchase(lotID uint64, buyer common.Address, amount, payout *big.Int, data []byte) error
	OnBid(lotID uint64, bidder common.Address, amount *big.Int, data []byte) error
	OnSettle(lotID uint64, totalIn, totalOut *big.Int, data []byte) error
	OnClaimProceeds(lotID uint64, proceeds, refund *big.Int, data []byte) error
}
