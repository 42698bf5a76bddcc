// Package worker runs measurements on isolated, single-use execution units.
//
// Each Worker owns one goroutine locked to its own OS thread. The goroutine
// runs exactly one primitive, sends exactly one message back, and exits
// without unlocking the thread, so the runtime destroys the thread with it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/xid"
)

var (
	// ErrDispatch means the execution unit could not be created or did not
	// deliver its message.
	ErrDispatch = errors.New("worker dispatch failed")

	// ErrBusy is returned when a measurement is already in flight.
	ErrBusy = errors.New("measurement already in flight")

	// ErrTerminated is returned when a terminated worker is used again.
	ErrTerminated = errors.New("worker terminated")

	// ErrNotStarted is returned when awaiting a worker that was never begun.
	ErrNotStarted = errors.New("worker not started")

	// ErrCanceled is returned when the caller stopped waiting for a result.
	ErrCanceled = errors.New("measurement canceled")
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateTerminated
)

// Option configures workers and boundaries.
type Option func(*options)

type options struct {
	cpu  int
	hook func(*Worker)
}

func defaultOptions() options {
	return options{cpu: -1}
}

// WithCPU pins the worker's thread to one CPU. A negative value leaves the
// thread unpinned.
func WithCPU(cpu int) Option {
	return func(o *options) {
		o.cpu = cpu
	}
}

// WithWorkerHook is called by a Boundary with every worker it creates,
// before the worker begins.
func WithWorkerHook(fn func(*Worker)) Option {
	return func(o *options) {
		o.hook = fn
	}
}

type message struct {
	result Result
	err    error
}

// Worker is a single-use execution unit for one measurement.
type Worker struct {
	id   string
	prim Primitive
	cpu  int

	mu    sync.Mutex
	state state

	begin      chan struct{}
	results    chan message
	delivered  chan struct{}
	terminated chan struct{}
	exited     chan struct{}
	terminate  sync.Once
}

// New starts an execution unit for p and waits until it is ready to begin.
func New(p Primitive, opts ...Option) (*Worker, error) {
	if p == nil {
		return nil, fmt.Errorf("no primitive: %w", ErrDispatch)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	w := &Worker{
		id:         xid.New().String(),
		prim:       p,
		cpu:        o.cpu,
		begin:      make(chan struct{}),
		results:    make(chan message, 1),
		delivered:  make(chan struct{}),
		terminated: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	ready := make(chan error, 1)
	go w.loop(ready)

	if err := <-ready; err != nil {
		w.Terminate()
		return nil, fmt.Errorf("worker %s: %v: %w", w.id, err, ErrDispatch)
	}

	return w, nil
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Kind returns the kind of measurement the worker runs.
func (w *Worker) Kind() Kind {
	return w.prim.Kind()
}

func (w *Worker) loop(ready chan<- error) {
	defer close(w.exited)

	// Never unlocked: the thread dies with the goroutine.
	runtime.LockOSThread()

	if w.cpu >= 0 {
		if err := pinThread(w.cpu); err != nil {
			ready <- err
			return
		}
	}
	ready <- nil

	select {
	case <-w.begin:
	case <-w.terminated:
		return
	}

	if s, ok := w.prim.(stoppable); ok {
		s.stopOn(w.terminated)
	}

	result, err := w.run()
	w.results <- message{result: result, err: err}
}

func (w *Worker) run() (result Result, err error) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result = Result{}
			err = fmt.Errorf("%s measurement panicked: %v: %w", w.prim.Kind(), r, ErrDispatch)
			return
		}

		result.ID = w.id
		result.Kind = w.prim.Kind()
		result.CPU = w.cpu
		result.Started = started
		result.Finished = time.Now()
	}()

	return w.prim.Measure()
}

// Begin signals the worker to start measuring. It may be called once.
func (w *Worker) Begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case stateTerminated:
		return ErrTerminated
	case stateRunning:
		return ErrBusy
	}

	w.state = stateRunning
	close(w.begin)

	return nil
}

// Await blocks until the worker delivers its result or ctx is done. Either
// way the worker is terminated afterwards. When ctx ends first, whatever the
// measurement produces is discarded.
func (w *Worker) Await(ctx context.Context) (Result, error) {
	w.mu.Lock()
	st := w.state
	w.mu.Unlock()

	switch st {
	case stateIdle:
		return Result{}, ErrNotStarted
	case stateTerminated:
		return Result{}, ErrTerminated
	}

	defer w.Terminate()

	select {
	case msg := <-w.results:
		close(w.delivered)
		return msg.result, msg.err
	case <-w.terminated:
		return Result{}, ErrTerminated
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%v: %w", ctx.Err(), ErrCanceled)
	}
}

// Terminate marks the worker unusable. It is safe to call more than once.
func (w *Worker) Terminate() {
	w.terminate.Do(func() {
		w.mu.Lock()
		w.state = stateTerminated
		w.mu.Unlock()

		close(w.terminated)
	})
}

// Terminated reports whether Terminate has been called.
func (w *Worker) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state == stateTerminated
}

// Exited is closed once the worker's goroutine, and with it its thread, is
// gone.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}
