package core

import "fmt"

// Keycode identifies a module family: 3 to 5 uppercase ASCII letters,
// e.g. "FPBA" for the fixed-price batch auction.
type Keycode string

// ModuleType classifies what a module plugs into.
type ModuleType uint8

const (
	ModuleAuction ModuleType = iota
	ModuleDerivative
	ModuleCondenser
)

func (t ModuleType) String() string {
	switch t {
	case ModuleAuction:
		return "auction"
	case ModuleDerivative:
		return "derivative"
	case ModuleCondenser:
		return "condenser"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ValidateKeycode rejects keycodes outside the 3-5 uppercase-letter format.
func ValidateKeycode(kc Keycode) error {
	if len(kc) < 3 || len(kc) > 5 {
		return fmt.Errorf("%w: keycode %q must be 3 to 5 characters", ErrInvalidParam, kc)
	}
	for _, c := range kc {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("%w: keycode %q must be uppercase A-Z", ErrInvalidParam, kc)
		}
	}
	return nil
}

// Module is the minimal contract every pluggable implementation satisfies.
// Versions start at 1 and increase by exactly one per installation.
type Module interface {
	Keycode() Keycode
	Version() uint8
	Type() ModuleType
}

// ModuleRef pins a lot to the exact module version it was created under.
type ModuleRef struct {
	Keycode Keycode
	Version uint8
}

func (r ModuleRef) String() string {
	return fmt.Sprintf("%s.%d", r.Keycode, r.Version)
}
