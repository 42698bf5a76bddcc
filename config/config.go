// Package config holds the cachespy configuration and its layering.
//
// Values are resolved in order: built-in defaults, a JSON file, a .env file,
// the process environment (CACHESPY_* variables), and finally command-line
// flags, which the command layer applies on top.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/mem"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/timing/cache"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/timing/occupancy"
)

// CalibrateConfig holds the latency calibration parameters.
type CalibrateConfig struct {
	// Repeats is the number of timed sweeps per size. Default: 10.
	Repeats int `json:"repeats"`

	// MaxLines is the largest working set in lines. Default: 10^7.
	MaxLines int `json:"max_lines"`

	// Growth is the ratio between consecutive sizes. Default: 10.
	Growth int `json:"growth"`

	// MaxBufferBytes caps every probe buffer, for calibration and sweeps
	// alike. A calibration size above the cap is recorded as failed. Zero
	// means the memory the host reports as available.
	MaxBufferBytes int64 `json:"max_buffer_bytes"`
}

// SweepConfig holds the occupancy sampling parameters.
type SweepConfig struct {
	TotalDuration  Duration `json:"total_duration"`
	WindowDuration Duration `json:"window_duration"`

	// WorkingSetSize is the swept buffer size in bytes. Zero means the
	// configured LLC size.
	WorkingSetSize int `json:"working_set_size"`
}

// WorkerConfig controls the measurement workers.
type WorkerConfig struct {
	// CPU pins every worker thread to this CPU. -1 leaves them unpinned.
	CPU int `json:"cpu"`
}

// RemoteConfig locates the ingestion and classification backend.
type RemoteConfig struct {
	URL         string   `json:"url"`
	Timeout     Duration `json:"timeout"`
	ImagePrefix string   `json:"image_prefix"`
}

// StoreConfig locates the local result store.
type StoreConfig struct {
	Path string `json:"path"`
}

// ServerConfig controls the measurement service.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// Config is the complete cachespy configuration.
type Config struct {
	Cache     cache.Config    `json:"cache"`
	Calibrate CalibrateConfig `json:"calibrate"`
	Sweep     SweepConfig     `json:"sweep"`
	Worker    WorkerConfig    `json:"worker"`
	Remote    RemoteConfig    `json:"remote"`
	Store     StoreConfig     `json:"store"`
	Server    ServerConfig    `json:"server"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	cal := latency.DefaultConfig()
	sweep := occupancy.DefaultConfig()

	return &Config{
		Cache: cache.DefaultConfig(),
		Calibrate: CalibrateConfig{
			Repeats:  cal.Repeats,
			MaxLines: cal.MaxLines,
			Growth:   cal.Growth,
		},
		Sweep: SweepConfig{
			TotalDuration:  Duration(sweep.TotalDuration),
			WindowDuration: Duration(sweep.WindowDuration),
		},
		Worker: WorkerConfig{CPU: -1},
		Remote: RemoteConfig{
			URL:         "http://localhost:5000",
			Timeout:     Duration(30 * time.Second),
			ImagePrefix: "/static/heatmaps",
		},
		Store:  StoreConfig{Path: "cachespy.sqlite3"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// LoadConfig reads a JSON file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the configuration to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// WorkingSetSize returns the swept buffer size in bytes.
func (c *Config) WorkingSetSize() int {
	if c.Sweep.WorkingSetSize > 0 {
		return c.Sweep.WorkingSetSize
	}
	return c.Cache.LLCSize
}

// BufferLimit returns the largest probe buffer in bytes. Without an
// explicit cap it is the host's available memory, or 0 (no cap) when that
// cannot be read.
func (c *Config) BufferLimit() int64 {
	if c.Calibrate.MaxBufferBytes > 0 {
		return c.Calibrate.MaxBufferBytes
	}

	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		klog.V(1).InfoS("Cannot read available memory; probe buffers are uncapped", "err", err)
		return 0
	}
	if vm.Available > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(vm.Available)
}

// Latency returns the calibrator configuration.
func (c *Config) Latency() *latency.Config {
	return &latency.Config{
		LineSize: c.Cache.LineSize,
		Repeats:  c.Calibrate.Repeats,
		MaxLines: c.Calibrate.MaxLines,
		Growth:   c.Calibrate.Growth,

		MaxBufferBytes: c.BufferLimit(),
	}
}

// Occupancy returns the sampler configuration.
func (c *Config) Occupancy() occupancy.Config {
	return occupancy.Config{
		LineSize:       c.Cache.LineSize,
		WorkingSetSize: c.WorkingSetSize(),
		TotalDuration:  c.Sweep.TotalDuration.D(),
		WindowDuration: c.Sweep.WindowDuration.D(),
		MaxBufferBytes: c.BufferLimit(),
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if err := c.Cache.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := c.Latency().Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("calibrate: %w", err))
	}
	if err := c.Occupancy().Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("sweep: %w", err))
	}
	if c.Worker.CPU < -1 {
		errs = multierror.Append(errs, fmt.Errorf("worker: cpu must be >= -1"))
	}
	if c.Calibrate.MaxBufferBytes < 0 {
		errs = multierror.Append(errs, fmt.Errorf("calibrate: max_buffer_bytes must be >= 0"))
	}
	if c.Remote.Timeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("remote: timeout must be >= 0"))
	}

	return errs.ErrorOrNil()
}
