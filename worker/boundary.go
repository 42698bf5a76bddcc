package worker

import (
	"context"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Boundary is the request/response surface in front of the workers. It
// creates a fresh worker for every request and admits one request at a time.
type Boundary struct {
	busy atomic.Bool
	opts []Option
	hook func(*Worker)
}

// NewBoundary creates a Boundary. The options are applied to every worker.
func NewBoundary(opts ...Option) *Boundary {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Boundary{opts: opts, hook: o.hook}
}

// Busy reports whether a measurement is in flight.
func (b *Boundary) Busy() bool {
	return b.busy.Load()
}

// Run executes p on a new worker and returns its one result. The worker is
// terminated before Run returns, whether the measurement succeeded or not.
// A call made while another is in flight fails with ErrBusy.
//
// The boundary stays busy until the worker's thread has exited. After a
// canceled Run that can outlast the call: the measurement stops at its next
// safe point, and until then new calls fail with ErrBusy.
func (b *Boundary) Run(ctx context.Context, p Primitive) (Result, error) {
	if !b.busy.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}

	w, err := New(p, b.opts...)
	if err != nil {
		b.busy.Store(false)
		klog.Errorf("Failed to start worker: %v", err)
		return Result{}, err
	}
	defer b.release(w)

	if b.hook != nil {
		b.hook(w)
	}

	klog.V(2).InfoS("Measurement started", "worker", w.ID(), "kind", w.Kind())

	if err := w.Begin(); err != nil {
		return Result{}, err
	}

	res, err := w.Await(ctx)
	if err != nil {
		klog.V(1).InfoS("Measurement failed", "worker", w.ID(), "kind", w.Kind(), "err", err)
		return Result{}, err
	}

	klog.V(2).InfoS("Measurement finished",
		"worker", w.ID(), "kind", w.Kind(), "elapsed", res.Elapsed())

	return res, nil
}

// release terminates w and frees the boundary once w's thread is gone. A
// worker that delivered its result is about to exit and is waited for.
func (b *Boundary) release(w *Worker) {
	w.Terminate()

	select {
	case <-w.Exited():
		b.busy.Store(false)
	case <-w.delivered:
		<-w.Exited()
		b.busy.Store(false)
	default:
		go func() {
			<-w.Exited()
			b.busy.Store(false)
			klog.V(2).InfoS("Abandoned measurement exited", "worker", w.ID(), "kind", w.Kind())
		}()
	}
}
