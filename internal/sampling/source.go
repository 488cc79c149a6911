// Package sampling provides cumulative busy/idle time readings per
// processing unit. Callers compute deltas between readings; values are
// monotonic and wrap-safe within a process lifetime.
package sampling

import (
	"errors"
	"time"
)

// ErrNoSuchUnit is returned when the source has no accounting data for
// the requested unit.
var ErrNoSuchUnit = errors.New("no cpu time accounting for unit")

// Source supplies cumulative idle and wall time per unit.
type Source interface {
	// IdleTime returns cumulative idle time of a unit and the current
	// wall timestamp. When ioIsBusy is set, time spent waiting on I/O
	// counts as busy and is excluded from idle.
	IdleTime(unit int, ioIsBusy bool) (idle, wall time.Duration, err error)

	// Now returns the current monotonic wall timestamp, on the same
	// time base IdleTime reports.
	Now() time.Duration
}
