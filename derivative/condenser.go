package derivative

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/batchworks/auctionhouse/core"
)

// VestingCondenserKeycode identifies the batch-to-vesting condenser.
const VestingCondenserKeycode core.Keycode = "LIVC"

// VestingCondenser adapts batch settlement output for the linear vesting
// module: a zero vesting start is pinned to the settlement time so every
// claimant in a lot vests on the same schedule regardless of when they
// claim.
type VestingCondenser struct {
	version uint8
	clock   core.Clock
}

var _ core.CondenserModule = (*VestingCondenser)(nil)

func NewVestingCondenser(version uint8, clock core.Clock) *VestingCondenser {
	if clock == nil {
		clock = core.SystemClock
	}
	return &VestingCondenser{version: version, clock: clock}
}

func (c *VestingCondenser) Keycode() core.Keycode { return VestingCondenserKeycode }
func (c *VestingCondenser) Version() uint8        { return c.version }
func (c *VestingCondenser) Type() core.ModuleType { return core.ModuleCondenser }

func (c *VestingCondenser) Condense(auctionOutput, derivativeParams []byte) ([]byte, error) {
	var p VestingParams
	if err := cbor.Unmarshal(derivativeParams, &p); err != nil {
		return nil, fmt.Errorf("%w: vesting params: %v", core.ErrInvalidParam, err)
	}
	if p.Start == 0 {
		p.Start = c.clock()
	}
	out, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding condensed params: %w", err)
	}
	return out, nil
}
