package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/batchworks/auctionhouse/token"
)

// DerivativeModule wraps a base-token payout into a derivative position
// (e.g. a vesting schedule) at claim time instead of a direct transfer.
// The router transfers the underlying into the module's escrow before
// calling Mint; Redeem releases vested underlying back out.
type DerivativeModule interface {
	Module

	// Escrow is the address the router funds before minting.
	Escrow() common.Address

	// Validate checks derivative params against the underlying token at
	// lot-creation time, so a bad configuration fails at auction() rather
	// than at first claim.
	Validate(underlying token.ERC20, params []byte) error

	// Mint records a position of amount underlying for `to` under the
	// given params, returning the derivative token id. Positions with
	// identical (underlying, params) share a token id.
	Mint(to common.Address, underlying token.ERC20, params []byte, amount *big.Int) (uint64, error)

	// Redeem releases up to amount of vested underlying to the owner.
	Redeem(owner common.Address, tokenID uint64, amount *big.Int) error

	// Redeemable returns the amount currently releasable for the owner.
	Redeemable(owner common.Address, tokenID uint64) (*big.Int, error)
}

// CondenserModule translates one auction module's settlement output into
// the params format a derivative module expects. Pure function of its
// inputs; holds no state.
type CondenserModule interface {
	Module

	Condense(auctionOutput, derivativeParams []byte) ([]byte, error)
}
