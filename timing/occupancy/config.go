package occupancy

import (
	"fmt"
	"time"
)

// Config holds the sweep sampler parameters.
type Config struct {
	// LineSize is the distance in bytes between two probed addresses.
	LineSize int

	// WorkingSetSize is the buffer size in bytes. It should match or exceed
	// the last-level cache.
	WorkingSetSize int

	// TotalDuration is the length of the whole observation.
	TotalDuration time.Duration

	// WindowDuration is the length of one counting window.
	WindowDuration time.Duration

	// MaxBufferBytes caps the working-set buffer. Zero means no cap.
	MaxBufferBytes int64
}

// DefaultConfig returns a 10s observation of a 16MB working set in 10ms
// windows.
func DefaultConfig() Config {
	return Config{
		LineSize:       64,
		WorkingSetSize: 16 * 1024 * 1024,
		TotalDuration:  10 * time.Second,
		WindowDuration: 10 * time.Millisecond,
	}
}

// Windows returns the number of windows in one trace. A trailing partial
// window is not counted.
func (c Config) Windows() int {
	if c.WindowDuration <= 0 {
		return 0
	}
	return int(c.TotalDuration / c.WindowDuration)
}

// Validate checks that the configuration yields at least one window.
func (c Config) Validate() error {
	if c.LineSize <= 0 {
		return fmt.Errorf("line size must be > 0")
	}
	if c.WorkingSetSize < c.LineSize {
		return fmt.Errorf("working set size must be >= line size")
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("window duration must be > 0")
	}
	if c.TotalDuration < c.WindowDuration {
		return fmt.Errorf("total duration %v shorter than one window of %v",
			c.TotalDuration, c.WindowDuration)
	}
	return nil
}
