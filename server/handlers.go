package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/shirou/gopsutil/process"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/remote"
	"github.com/sarchlab/cachespy/store"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/trace"
	"github.com/sarchlab/cachespy/worker"
)

type errorRsp struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

type calibrateRsp struct {
	ID     string        `json:"id"`
	Worker string        `json:"worker"`
	Curve  latency.Curve `json:"curve"`
}

type sweepRsp struct {
	ID     string               `json:"id"`
	Worker string               `json:"worker"`
	Trace  trace.Trace          `json:"trace"`
	Ingest *remote.IngestResult `json:"ingest,omitempty"`
}

type predictRsp struct {
	ID         string            `json:"id"`
	Trace      trace.Trace       `json:"trace"`
	Prediction remote.Prediction `json:"prediction"`
}

type tracesRsp struct {
	Traces []trace.Trace `json:"traces"`
}

type curvesRsp struct {
	Curves []store.CurveRecord `json:"curves"`
}

type statusRsp struct {
	Status string `json:"status"`
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
	Busy       bool    `json:"busy"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.ErrorS(err, "Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorRsp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, worker.ErrCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) measure(r *http.Request, p worker.Primitive) (worker.Result, error) {
	kind := string(p.Kind())

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	res, err := s.runner.Run(r.Context(), p)

	switch {
	case errors.Is(err, worker.ErrBusy):
		s.metrics.measurements.WithLabelValues(kind, "busy").Inc()
	case err != nil:
		s.metrics.measurements.WithLabelValues(kind, "error").Inc()
		klog.ErrorS(err, "Measurement failed", "kind", kind)
	default:
		s.metrics.measurements.WithLabelValues(kind, "ok").Inc()
		s.metrics.duration.WithLabelValues(kind).Observe(res.Elapsed().Seconds())
	}

	return res, err
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	res, err := s.measure(r, s.newCalibration())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rec, err := s.store.AddCurve(res.Curve)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.stored.WithLabelValues(string(worker.KindCalibration)).Inc()

	writeJSON(w, http.StatusOK, calibrateRsp{ID: rec.ID, Worker: res.ID, Curve: res.Curve})
}

func wantsIngest(r *http.Request) bool {
	v := r.URL.Query().Get("ingest")
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	ingest := wantsIngest(r)
	if ingest && s.ingester == nil {
		writeError(w, http.StatusBadRequest, errors.New("no ingestion backend configured"))
		return
	}

	res, err := s.measure(r, s.newSweep())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rec, err := s.store.AddTrace(res.Trace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.stored.WithLabelValues(string(worker.KindSweep)).Inc()

	rsp := sweepRsp{ID: rec.ID, Worker: res.ID, Trace: res.Trace}

	if ingest {
		ir, err := s.ingester.Ingest(r.Context(), res.Trace)
		s.metrics.remote.WithLabelValues("ingest", outcome(err)).Inc()
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorRsp{
				Error: fmt.Sprintf("trace stored but not ingested: %v", err),
				ID:    rec.ID,
			})
			return
		}
		rsp.Ingest = &ir
	}

	writeJSON(w, http.StatusOK, rsp)
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no classifier configured"))
		return
	}

	res, err := s.measure(r, s.newSweep())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rec, err := s.store.AddTrace(res.Trace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.stored.WithLabelValues(string(worker.KindSweep)).Inc()

	p, err := s.classifier.Classify(r.Context(), res.Trace)
	s.metrics.remote.WithLabelValues("classify", outcome(err)).Inc()
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorRsp{
			Error: fmt.Sprintf("classification failed: %v", err),
			ID:    rec.ID,
		})
		return
	}

	writeJSON(w, http.StatusOK, predictRsp{ID: rec.ID, Trace: res.Trace, Prediction: p})
}

func (s *Server) listTraces(w http.ResponseWriter, _ *http.Request) {
	traces, err := s.store.TraceData()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, tracesRsp{Traces: traces})
}

func (s *Server) export(w http.ResponseWriter, _ *http.Request) {
	traces, err := s.store.TraceData()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var buf bytes.Buffer
	if err := trace.Export(&buf, traces); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	name := ExportFilename(time.Now())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(buf.Bytes())
}

// ExportFilename names an export taken at t.
func ExportFilename(t time.Time) string {
	return "traces_" + t.Format("20060102_150405") + ".json"
}

func (s *Server) clear(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusRsp{Status: "success"})
}

func (s *Server) listCurves(w http.ResponseWriter, _ *http.Request) {
	curves, err := s.store.Curves()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if curves == nil {
		curves = []store.CurveRecord{}
	}

	writeJSON(w, http.StatusOK, curvesRsp{Curves: curves})
}

type busyReporter interface {
	Busy() bool
}

func (s *Server) resource(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	rsp := resourceRsp{CPUPercent: cpuPercent, MemorySize: memInfo.RSS}
	if b, ok := s.runner.(busyReporter); ok {
		rsp.Busy = b.Busy()
	}

	writeJSON(w, http.StatusOK, rsp)
}

const maxProfileSeconds = 30

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	seconds := 1
	if v := r.URL.Query().Get("seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxProfileSeconds {
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("seconds must be in 1..%d", maxProfileSeconds))
			return
		}
		seconds = n
	}

	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-r.Context().Done():
	}
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, prof)
}
