// Package registry tracks installed protocol modules by keycode and
// version. Versions form an append-only history: installing never
// replaces, sunsetting never removes, so every historical lot keeps
// resolving against the exact module version it was created under.
package registry

import (
	"fmt"
	"sync"

	"github.com/batchworks/auctionhouse/core"
)

type Registry struct {
	mu      sync.Mutex
	history map[core.Keycode][]core.Module // index i holds version i+1
	sunset  map[core.Keycode]bool
}

func New() *Registry {
	return &Registry{
		history: make(map[core.Keycode][]core.Module),
		sunset:  make(map[core.Keycode]bool),
	}
}

// Install appends the module as the next version of its keycode. The
// module's declared version must be exactly one greater than the current
// latest (1 for a first install). Installing over a sunset keycode
// reactivates it.
func (r *Registry) Install(m core.Module) error {
	kc := m.Keycode()
	if err := core.ValidateKeycode(kc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.history[kc]
	next := uint8(len(versions) + 1)
	if m.Version() != next {
		if int(m.Version()) <= len(versions) {
			return fmt.Errorf("%w: %s version %d already installed", core.ErrInvalidState, kc, m.Version())
		}
		return fmt.Errorf("%w: %s next version is %d, module declares %d", core.ErrInvalidParam, kc, next, m.Version())
	}
	if len(versions) > 0 && versions[0].Type() != m.Type() {
		return fmt.Errorf("%w: %s is a %s keycode, module is %s", core.ErrInvalidParam,
			kc, versions[0].Type(), m.Type())
	}

	r.history[kc] = append(versions, m)
	r.sunset[kc] = false
	return nil
}

// Sunset deactivates the keycode for new-lot creation. Existing lots are
// unaffected (Exact keeps resolving). A second sunset of the same keycode
// reverts rather than silently succeeding.
func (r *Registry) Sunset(kc core.Keycode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history[kc]) == 0 {
		return fmt.Errorf("%w: keycode %s not installed", core.ErrNotFound, kc)
	}
	if r.sunset[kc] {
		return fmt.Errorf("%w: keycode %s already sunset", core.ErrInvalidState, kc)
	}
	r.sunset[kc] = true
	return nil
}

// Latest resolves the active module for new-lot creation. Fails if the
// keycode was never installed or is currently sunset.
func (r *Registry) Latest(kc core.Keycode) (core.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.history[kc]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: keycode %s not installed", core.ErrNotFound, kc)
	}
	if r.sunset[kc] {
		return nil, fmt.Errorf("%w: keycode %s is sunset", core.ErrInvalidState, kc)
	}
	return versions[len(versions)-1], nil
}

// Exact resolves a specific historical version, sunset or not.
func (r *Registry) Exact(kc core.Keycode, version uint8) (core.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.history[kc]
	if version == 0 || int(version) > len(versions) {
		return nil, fmt.Errorf("%w: %s version %d never installed", core.ErrNotFound, kc, version)
	}
	return versions[version-1], nil
}

// IsSunset reports the keycode's activation state.
func (r *Registry) IsSunset(kc core.Keycode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sunset[kc]
}
