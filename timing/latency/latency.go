// Package latency measures read latency as a function of working-set size.
//
// For each size the calibrator times Repeats full sweeps of a buffer of that
// many cache lines and keeps the median. Plotted against size, the medians
// step up at each cache level boundary.
package latency

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/timing/clock"
	"github.com/sarchlab/cachespy/timing/probe"
)

// ErrStopped is returned when a calibration is stopped before it finished.
var ErrStopped = errors.New("calibration stopped")

// Sample is the calibration result for one working-set size.
type Sample struct {
	// N is the working-set size in cache lines.
	N int `json:"n"`

	// LatencyMs is the median time in milliseconds to sweep N lines once.
	// It is nil when the measurement failed.
	LatencyMs *float64 `json:"latencyMs"`

	// Error describes why the measurement failed. It is nil on success.
	Error *string `json:"error"`
}

// Failed reports whether the sample carries an error instead of a latency.
func (s Sample) Failed() bool {
	return s.Error != nil
}

// Curve is a sequence of samples ordered by increasing N.
type Curve []Sample

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithClock sets the clock used for timing sweeps.
func WithClock(c clock.Clock) Option {
	return func(cal *Calibrator) {
		cal.clock = c
	}
}

// WithAllocator sets the allocator used for the per-size buffers.
func WithAllocator(a probe.Allocator) Option {
	return func(cal *Calibrator) {
		cal.alloc = a
	}
}

// WithProgress registers a callback invoked after each size is measured.
func WithProgress(fn func(Sample)) Option {
	return func(cal *Calibrator) {
		cal.progress = fn
	}
}

// WithCheckOptions overrides the clock resolution check.
func WithCheckOptions(opts clock.CheckOptions) Option {
	return func(cal *Calibrator) {
		cal.check = opts
	}
}

// Calibrator produces latency curves.
type Calibrator struct {
	config   *Config
	clock    clock.Clock
	alloc    probe.Allocator
	check    clock.CheckOptions
	progress func(Sample)
	stop     <-chan struct{}
}

// NewCalibrator creates a Calibrator with the given configuration.
func NewCalibrator(config *Config, opts ...Option) *Calibrator {
	cal := &Calibrator{
		config: config,
		clock:  clock.NewMonotonic(),
		alloc:  probe.Allocator{Limit: config.MaxBufferBytes},
		check:  clock.DefaultCheckOptions(),
	}

	for _, opt := range opts {
		opt(cal)
	}

	return cal
}

// Config returns the calibration configuration.
func (cal *Calibrator) Config() *Config {
	return cal.config
}

// StopOn makes Run return ErrStopped before the next size once stop is
// closed. A size already being timed is finished first.
func (cal *Calibrator) StopOn(stop <-chan struct{}) {
	cal.stop = stop
}

func (cal *Calibrator) stopped() bool {
	select {
	case <-cal.stop:
		return true
	default:
		return false
	}
}

// Run measures every configured size and returns the complete curve. A
// failure for one size is recorded in that size's sample; only an unusable
// clock or configuration fails the whole run.
func (cal *Calibrator) Run() (Curve, error) {
	if err := cal.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration config: %w", err)
	}

	if _, err := clock.Check(cal.clock, cal.check); err != nil {
		return nil, err
	}

	sizes := cal.config.Sizes()
	curve := make(Curve, 0, len(sizes))

	for _, n := range sizes {
		if cal.stopped() {
			return nil, fmt.Errorf("after %d of %d sizes: %w", len(curve), len(sizes), ErrStopped)
		}

		sample := cal.measure(n)
		curve = append(curve, sample)

		if sample.Failed() {
			klog.V(3).InfoS("Calibration size failed", "lines", n, "err", *sample.Error)
		} else {
			klog.V(3).InfoS("Calibrated size", "lines", n, "latencyMs", *sample.LatencyMs)
		}

		if cal.progress != nil {
			cal.progress(sample)
		}
	}

	return curve, nil
}

// measure times Repeats sweeps of n lines. Panics are turned into a failed
// sample so the remaining sizes still run.
func (cal *Calibrator) measure(n int) (sample Sample) {
	sample.N = n

	defer func() {
		if r := recover(); r != nil {
			sample.LatencyMs = nil
			sample.Error = errorString(fmt.Errorf("%v", r))
		}
	}()

	elapsed, err := cal.readLines(n)
	if err != nil {
		sample.Error = errorString(err)
		return sample
	}

	ms := float64(elapsed) / float64(time.Millisecond)
	sample.LatencyMs = &ms

	return sample
}

// readLines returns the median time to sweep a buffer of n lines.
func (cal *Calibrator) readLines(n int) (time.Duration, error) {
	lineSize := cal.config.LineSize
	if n > maxInt/lineSize {
		return 0, fmt.Errorf("%d lines of %d bytes overflows: %w",
			n, lineSize, probe.ErrAllocation)
	}

	buf, err := cal.alloc.Alloc(n*lineSize, lineSize)
	if err != nil {
		return 0, err
	}
	defer buf.Release()

	times := make([]time.Duration, cal.config.Repeats)
	for i := range times {
		start := cal.clock.Now()
		sum := probe.Sweep(buf, lineSize)
		end := cal.clock.Now()

		probe.Keep(sum)
		times[i] = end - start
	}

	return Median(times), nil
}

// Median returns the element at index len/2 of the sorted times. The input
// is not modified. It returns 0 for an empty slice.
func Median(times []time.Duration) time.Duration {
	if len(times) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted[len(sorted)/2]
}

const maxInt = int(^uint(0) >> 1)

func errorString(err error) *string {
	s := err.Error()
	return &s
}
