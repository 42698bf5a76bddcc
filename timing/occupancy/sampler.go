// Package occupancy samples last-level cache contention over time.
//
// The sampler sweeps an LLC-sized buffer as many times as it can inside each
// fixed window. Fewer completed sweeps in a window means someone else was
// evicting the buffer's lines.
package occupancy

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/timing/clock"
	"github.com/sarchlab/cachespy/timing/probe"
	"github.com/sarchlab/cachespy/trace"
)

// ErrStopped is returned when a sweep is stopped before its last window.
var ErrStopped = errors.New("sweep stopped")

// WindowHook is called at the start of every window with the window index
// and the buffer about to be swept.
type WindowHook func(window int, buf *probe.Buffer)

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock sets the clock bounding the windows.
func WithClock(c clock.Clock) Option {
	return func(s *Sampler) {
		s.clock = c
	}
}

// WithAllocator sets the allocator for the working-set buffer.
func WithAllocator(a probe.Allocator) Option {
	return func(s *Sampler) {
		s.alloc = a
	}
}

// WithCheckOptions overrides the clock resolution check.
func WithCheckOptions(opts clock.CheckOptions) Option {
	return func(s *Sampler) {
		s.check = opts
	}
}

// WithWindowHook registers a hook run before each window.
func WithWindowHook(h WindowHook) Option {
	return func(s *Sampler) {
		s.hook = h
	}
}

// Sampler produces occupancy traces.
type Sampler struct {
	config Config
	clock  clock.Clock
	alloc  probe.Allocator
	check  clock.CheckOptions
	hook   WindowHook
	stop   <-chan struct{}
}

// NewSampler creates a Sampler with the given configuration.
func NewSampler(config Config, opts ...Option) *Sampler {
	s := &Sampler{
		config: config,
		clock:  clock.NewMonotonic(),
		alloc:  probe.Allocator{Limit: config.MaxBufferBytes},
		check:  clock.DefaultCheckOptions(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Config returns the sampler configuration.
func (s *Sampler) Config() Config {
	return s.config
}

// StopOn makes Run return ErrStopped before the next window once stop is
// closed. The window in progress is finished first.
func (s *Sampler) StopOn(stop <-chan struct{}) {
	s.stop = stop
}

func (s *Sampler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Run observes the cache for the configured duration and returns one count
// per window. Any failure invalidates the whole trace.
func (s *Sampler) Run() (trace.Trace, error) {
	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sweep config: %w", err)
	}

	if _, err := clock.Check(s.clock, s.check); err != nil {
		return nil, err
	}

	buf, err := s.alloc.Alloc(s.config.WorkingSetSize, s.config.LineSize)
	if err != nil {
		return nil, err
	}
	defer buf.Release()

	windows := s.config.Windows()
	counts := make(trace.Trace, 0, windows)

	for i := 0; i < windows; i++ {
		if s.stopped() {
			return nil, fmt.Errorf("after %d of %d windows: %w", i, windows, ErrStopped)
		}

		if s.hook != nil {
			s.hook(i, buf)
		}

		counts = append(counts, s.window(buf))
	}

	klog.V(2).InfoS("Sweep finished",
		"windows", len(counts), "sweeps", counts.Total())

	return counts, nil
}

// window busy-polls the clock, sweeping until the window deadline passes.
func (s *Sampler) window(buf *probe.Buffer) uint64 {
	var (
		count uint64
		sum   uint64
	)

	lineSize := s.config.LineSize
	length := s.config.WindowDuration
	start := s.clock.Now()

	for s.clock.Now()-start < length {
		sum += probe.Sweep(buf, lineSize)
		count++
	}

	probe.Keep(sum)

	return count
}
