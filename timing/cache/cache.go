// Package cache describes the cache geometry the measurements are sized
// against.
//
// Geometry is configuration: nothing here inspects the host. See package
// hostinfo for reporting what the host claims.
package cache

import "fmt"

// Config holds cache geometry parameters.
type Config struct {
	// LineSize is the cache line size in bytes.
	LineSize int `json:"line_size"`

	// LLCSize is the last-level cache size in bytes.
	LLCSize int `json:"llc_size"`
}

// DefaultConfig returns the geometry of a typical desktop part:
// - 64B cache line
// - 16MB shared L3
func DefaultConfig() Config {
	return Config{
		LineSize: 64,
		LLCSize:  16 * 1024 * 1024,
	}
}

// Lines returns how many cache lines the last-level cache holds.
func (c Config) Lines() int {
	if c.LineSize <= 0 {
		return 0
	}
	return c.LLCSize / c.LineSize
}

// Validate checks that the geometry is usable.
func (c Config) Validate() error {
	if c.LineSize <= 0 {
		return fmt.Errorf("line_size must be > 0")
	}
	if c.LineSize&(c.LineSize-1) != 0 {
		return fmt.Errorf("line_size must be a power of two, got %d", c.LineSize)
	}
	if c.LLCSize < c.LineSize {
		return fmt.Errorf("llc_size must be >= line_size")
	}
	return nil
}
