package core

import "errors"

// Error taxonomy for the protocol. Every revert surfaces one of these
// sentinels (possibly wrapped) so integrators can branch on cause with
// errors.Is rather than string matching.
var (
	// ErrInvalidParam covers malformed inputs: zero amounts, out-of-range
	// percentages, bad durations, unparseable implementation params.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrInvalidState covers wrong-lifecycle-phase calls: bidding on a
	// concluded lot, settling twice, claiming a finalized bid.
	ErrInvalidState = errors.New("invalid lifecycle state")

	// ErrNotAuthorized covers caller checks: non-seller cancel, non-bidder
	// refund, non-admin registry changes.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound covers unknown lot, bid and module identifiers.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedToken marks a token whose observed transfer delta did
	// not match the requested amount (fee-on-transfer or non-conforming).
	ErrUnsupportedToken = errors.New("unsupported token")

	// ErrInvalidCallback marks a hook that failed to supply the tokens it
	// promised. Distinct from ErrUnsupportedToken so integrators can tell
	// a broken hook from a broken token.
	ErrInvalidCallback = errors.New("invalid callback")

	// ErrInsolvent is the backstop for accounting that would pay out more
	// than the engine holds. Rounding discipline makes this structurally
	// unreachable; if it fires anyway the call must revert.
	ErrInsolvent = errors.New("insolvency guard tripped")
)
