package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the calibration sweep parameters.
type Config struct {
	// LineSize is the distance in bytes between two probed addresses.
	// Default: 64 bytes.
	LineSize int `json:"line_size"`

	// Repeats is the number of timed sweeps per working-set size. The
	// reported latency is their median. Default: 10.
	Repeats int `json:"repeats"`

	// MaxLines is the largest working set, in cache lines, that is
	// measured. It is included when it lies on the progression.
	// Default: 10,000,000 lines.
	MaxLines int `json:"max_lines"`

	// Growth is the ratio between consecutive working-set sizes.
	// Default: 10.
	Growth int `json:"growth"`

	// MaxBufferBytes caps each per-size buffer. Larger sizes are recorded
	// as failed samples. Zero means no cap.
	MaxBufferBytes int64 `json:"max_buffer_bytes"`
}

// DefaultConfig returns a Config measuring 1, 10, ..., 10^7 lines.
func DefaultConfig() *Config {
	return &Config{
		LineSize: 64,
		Repeats:  10,
		MaxLines: 10_000_000,
		Growth:   10,
	}
}

// LoadConfig loads a Config from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse calibration config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize calibration config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration config file: %w", err)
	}

	return nil
}

// Validate checks that all parameters are usable.
func (c *Config) Validate() error {
	if c.LineSize <= 0 {
		return fmt.Errorf("line_size must be > 0")
	}
	if c.Repeats <= 0 {
		return fmt.Errorf("repeats must be > 0")
	}
	if c.MaxLines <= 0 {
		return fmt.Errorf("max_lines must be > 0")
	}
	if c.Growth < 2 {
		return fmt.Errorf("growth must be >= 2")
	}
	if c.MaxBufferBytes < 0 {
		return fmt.Errorf("max_buffer_bytes must be >= 0")
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	return &Config{
		LineSize: c.LineSize,
		Repeats:  c.Repeats,
		MaxLines: c.MaxLines,
		Growth:   c.Growth,

		MaxBufferBytes: c.MaxBufferBytes,
	}
}

// Sizes returns the working-set sizes in lines: 1, Growth, Growth^2, ...
// up to and including MaxLines.
func (c *Config) Sizes() []int {
	if c.MaxLines <= 0 || c.Growth < 2 {
		return nil
	}

	sizes := []int{}
	for n := 1; n <= c.MaxLines; n *= c.Growth {
		sizes = append(sizes, n)
		if n > c.MaxLines/c.Growth {
			break
		}
	}

	return sizes
}
