// Package server exposes measurements and stored results over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/remote"
	"github.com/sarchlab/cachespy/store"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/worker"
)

// Runner executes one measurement at a time. *worker.Boundary implements it.
type Runner interface {
	Run(ctx context.Context, p worker.Primitive) (worker.Result, error)
}

// Option configures a Server.
type Option func(*Server)

// WithIngester forwards swept traces to a backend when asked to.
func WithIngester(i remote.Ingester) Option {
	return func(s *Server) {
		s.ingester = i
	}
}

// WithClassifier enables the predict endpoint.
func WithClassifier(c remote.Classifier) Option {
	return func(s *Server) {
		s.classifier = c
	}
}

// WithPrimitives replaces how calibration and sweep measurements are built.
func WithPrimitives(calibration, sweep func() worker.Primitive) Option {
	return func(s *Server) {
		s.newCalibration = calibration
		s.newSweep = sweep
	}
}

// Server is the measurement service.
type Server struct {
	config     *config.Config
	runner     Runner
	store      *store.Store
	ingester   remote.Ingester
	classifier remote.Classifier

	newCalibration func() worker.Primitive
	newSweep       func() worker.Primitive

	registry *prometheus.Registry
	metrics  *metrics
	router   *mux.Router
}

// New creates a Server. The store is required; the backend clients are
// optional.
func New(cfg *config.Config, runner Runner, st *store.Store, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		runner:   runner,
		store:    st,
		registry: prometheus.NewRegistry(),
	}

	s.newCalibration = func() worker.Primitive {
		return worker.Calibration(latency.NewCalibrator(s.config.Latency()))
	}
	s.newSweep = func() worker.Primitive {
		return worker.Sweep(occupancy.NewSampler(s.config.Occupancy()))
	}

	for _, opt := range opts {
		opt(s)
	}

	s.metrics = newMetrics(s.registry)
	s.router = s.routes()

	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/calibrate", s.calibrate).Methods(http.MethodPost)
	api.HandleFunc("/sweep", s.sweep).Methods(http.MethodPost)
	api.HandleFunc("/predict", s.predict).Methods(http.MethodPost)
	api.HandleFunc("/get_results", s.listTraces).Methods(http.MethodGet)
	api.HandleFunc("/export", s.export).Methods(http.MethodGet)
	api.HandleFunc("/clear_results", s.clear).Methods(http.MethodPost)
	api.HandleFunc("/curves", s.listCurves).Methods(http.MethodGet)
	api.HandleFunc("/resource", s.resource).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.profile).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the Prometheus registry the service reports to.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Serve accepts connections on l until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	klog.InfoS("Serving measurements", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr, err)
	}

	return s.Serve(ctx, l)
}
