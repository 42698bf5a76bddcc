// Package clock provides the monotonic time source used by the measurement
// primitives.
//
// Readings are durations since the clock's origin rather than wall-clock
// instants, so they never jump when the system time is adjusted.
package clock

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when no usable monotonic, sub-millisecond clock
// can be obtained. It is fatal to any measurement.
var ErrUnavailable = errors.New("monotonic clock unavailable")

// Clock reports elapsed time since an arbitrary fixed origin.
type Clock interface {
	// Now returns a non-decreasing reading with sub-millisecond resolution.
	Now() time.Duration
}

// Monotonic reads the Go runtime's monotonic clock.
type Monotonic struct {
	origin time.Time
}

// NewMonotonic creates a Monotonic clock whose origin is the moment of the
// call.
func NewMonotonic() *Monotonic {
	return &Monotonic{origin: time.Now()}
}

// Now returns the time elapsed since the origin.
func (m *Monotonic) Now() time.Duration {
	return time.Since(m.origin)
}

// CheckOptions bounds the resolution probe performed by Check.
type CheckOptions struct {
	// MaxReads is the number of reads allowed before giving up on seeing
	// the clock advance.
	MaxReads int

	// MaxResolution is the coarsest tick accepted.
	MaxResolution time.Duration
}

// DefaultCheckOptions returns the bounds used by the measurement primitives.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		MaxReads:      10_000_000,
		MaxResolution: 500 * time.Microsecond,
	}
}

// Check spins on the clock until it advances and returns the observed tick.
// It fails with ErrUnavailable if the clock does not advance, goes backwards,
// or ticks more coarsely than opts.MaxResolution.
func Check(c Clock, opts CheckOptions) (time.Duration, error) {
	if c == nil {
		return 0, fmt.Errorf("no clock configured: %w", ErrUnavailable)
	}

	first := c.Now()
	for i := 0; i < opts.MaxReads; i++ {
		now := c.Now()
		if now < first {
			return 0, fmt.Errorf("clock went backwards from %v to %v: %w",
				first, now, ErrUnavailable)
		}

		if now == first {
			continue
		}

		tick := now - first
		if opts.MaxResolution > 0 && tick > opts.MaxResolution {
			return tick, fmt.Errorf("clock resolution %v coarser than %v: %w",
				tick, opts.MaxResolution, ErrUnavailable)
		}

		return tick, nil
	}

	return 0, fmt.Errorf("clock did not advance after %d reads: %w",
		opts.MaxReads, ErrUnavailable)
}
