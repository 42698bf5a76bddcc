package worker

import (
	"time"

	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/trace"
)

// Kind names the measurement a worker runs.
type Kind string

const (
	// KindCalibration produces a latency curve.
	KindCalibration Kind = "calibration"
	// KindSweep produces an occupancy trace.
	KindSweep Kind = "sweep"
)

// Result is the single message a worker sends back. Exactly one of Curve and
// Trace is set, according to Kind.
type Result struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Curve    latency.Curve `json:"curve,omitempty"`
	Trace    trace.Trace   `json:"trace,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`

	// CPU is the processor the worker was pinned to, or -1.
	CPU int `json:"cpu"`
}

// Elapsed returns how long the measurement ran.
func (r Result) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Primitive is a measurement that runs to completion on a worker.
type Primitive interface {
	Kind() Kind
	Measure() (Result, error)
}

// stoppable primitives end early, at a point of their choosing, once stop
// is closed. Workers pass their termination channel.
type stoppable interface {
	stopOn(stop <-chan struct{})
}

type calibration struct {
	cal *latency.Calibrator
}

// Calibration runs a latency calibrator on a worker.
func Calibration(cal *latency.Calibrator) Primitive {
	return calibration{cal: cal}
}

func (calibration) Kind() Kind {
	return KindCalibration
}

func (p calibration) stopOn(stop <-chan struct{}) {
	p.cal.StopOn(stop)
}

func (p calibration) Measure() (Result, error) {
	curve, err := p.cal.Run()
	if err != nil {
		return Result{}, err
	}
	return Result{Curve: curve}, nil
}

type sweep struct {
	sampler *occupancy.Sampler
}

// Sweep runs an occupancy sampler on a worker.
func Sweep(s *occupancy.Sampler) Primitive {
	return sweep{sampler: s}
}

func (sweep) Kind() Kind {
	return KindSweep
}

func (p sweep) stopOn(stop <-chan struct{}) {
	p.sampler.StopOn(stop)
}

func (p sweep) Measure() (Result, error) {
	t, err := p.sampler.Run()
	if err != nil {
		return Result{}, err
	}
	return Result{Trace: t}, nil
}

// PrimitiveFunc adapts a function into a Primitive.
type PrimitiveFunc struct {
	K  Kind
	Fn func() (Result, error)
}

// Kind returns K.
func (p PrimitiveFunc) Kind() Kind {
	return p.K
}

// Measure calls Fn.
func (p PrimitiveFunc) Measure() (Result, error) {
	return p.Fn()
}
