package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "cachespy"

type metrics struct {
	measurements *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	stored       *prometheus.CounterVec
	remote       *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_total",
			Help:      "Measurements requested, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "measurement_duration_seconds",
			Help:      "Wall time of completed measurements.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "measurements_in_flight",
			Help:      "Measurements currently running.",
		}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_stored_total",
			Help:      "Results written to the local store.",
		}, []string{"kind"}),
		remote: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Requests to the ingestion and classification backend.",
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(
		m.measurements,
		m.duration,
		m.inFlight,
		m.stored,
		m.remote,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
