package core

import "time"

// Clock supplies the current time as unix seconds. Modules take a Clock at
// construction so lifecycle windows (start, conclusion, grace periods) are
// deterministic under test; production wiring passes SystemClock.
type Clock func() uint64

// SystemClock reads the wall clock.
func SystemClock() uint64 {
	return uint64(time.Now().Unix())
}
