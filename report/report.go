// Package report renders calibration curves and occupancy traces for people
// and for tools.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/trace"
)

// Version is stamped into machine-readable reports.
const Version = "0.1.0"

// Format selects how results are rendered.
type Format string

// Supported formats.
const (
	Text Format = "text"
	JSON Format = "json"
	CSV  Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case Text, JSON, CSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or csv)", s)
}

// Metadata describes the run a report comes from.
type Metadata struct {
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Host      string `json:"host,omitempty"`
	LineSize  int    `json:"line_size"`

	// Calibration only.
	Repeats int `json:"repeats,omitempty"`

	// Sweep only.
	WorkingSetSize int           `json:"working_set_size,omitempty"`
	WindowDuration time.Duration `json:"window_duration_ns,omitempty"`
}

// NewMetadata stamps the current time and version.
func NewMetadata(lineSize int) Metadata {
	return Metadata{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		LineSize:  lineSize,
	}
}

// CurveSummary holds aggregate numbers for a curve.
type CurveSummary struct {
	Sizes        int     `json:"sizes"`
	Failed       int     `json:"failed"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// CurveReport is the JSON form of a calibration.
type CurveReport struct {
	Metadata Metadata      `json:"metadata"`
	Curve    latency.Curve `json:"curve"`
	Summary  CurveSummary  `json:"summary"`
}

// SummarizeCurve computes the curve summary. Failed samples are counted but
// do not contribute latencies.
func SummarizeCurve(c latency.Curve) CurveSummary {
	s := CurveSummary{Sizes: len(c)}

	first := true
	for _, sample := range c {
		if sample.Failed() || sample.LatencyMs == nil {
			s.Failed++
			continue
		}

		ms := *sample.LatencyMs
		if first || ms < s.MinLatencyMs {
			s.MinLatencyMs = ms
		}
		if first || ms > s.MaxLatencyMs {
			s.MaxLatencyMs = ms
		}
		first = false
	}

	return s
}

// TraceSummary holds aggregate numbers for one trace.
type TraceSummary struct {
	Windows int     `json:"windows"`
	Total   uint64  `json:"total"`
	Min     uint64  `json:"min"`
	Max     uint64  `json:"max"`
	Mean    float64 `json:"mean"`
}

// TracesReport is the JSON form of a set of traces.
type TracesReport struct {
	Metadata Metadata       `json:"metadata"`
	Traces   []trace.Trace  `json:"traces"`
	Summary  []TraceSummary `json:"summary"`
}

// SummarizeTrace computes the summary of one trace.
func SummarizeTrace(t trace.Trace) TraceSummary {
	s := TraceSummary{Windows: len(t), Total: t.Total()}
	if len(t) == 0 {
		return s
	}

	s.Min, s.Max = t[0], t[0]
	for _, c := range t {
		s.Min = min(s.Min, c)
		s.Max = max(s.Max, c)
	}
	s.Mean = float64(s.Total) / float64(len(t))

	return s
}

// Writer renders results in one format.
type Writer struct {
	out    io.Writer
	format Format
}

// NewWriter creates a Writer.
func NewWriter(out io.Writer, format Format) *Writer {
	return &Writer{out: out, format: format}
}

// Format returns the writer's format.
func (w *Writer) Format() Format {
	return w.format
}

// Progress prints one sample as it is measured. Only text output shows
// progress; the other formats stay machine-readable.
func (w *Writer) Progress(s latency.Sample) {
	if w.format != Text {
		return
	}
	_, _ = fmt.Fprintf(w.out, "  measured %-10d %s\n", s.N, sampleText(s))
}

// Curve renders a calibration curve.
func (w *Writer) Curve(meta Metadata, c latency.Curve) error {
	switch w.format {
	case JSON:
		return w.json(CurveReport{Metadata: meta, Curve: c, Summary: SummarizeCurve(c)})
	case CSV:
		return w.curveCSV(c)
	default:
		w.curveText(meta, c)
		return nil
	}
}

// Traces renders a set of traces.
func (w *Writer) Traces(meta Metadata, traces []trace.Trace) error {
	summaries := make([]TraceSummary, 0, len(traces))
	for _, t := range traces {
		summaries = append(summaries, SummarizeTrace(t))
	}

	switch w.format {
	case JSON:
		if traces == nil {
			traces = []trace.Trace{}
		}
		return w.json(TracesReport{Metadata: meta, Traces: traces, Summary: summaries})
	case CSV:
		return w.tracesCSV(traces)
	default:
		w.tracesText(meta, summaries)
		return nil
	}
}

func (w *Writer) json(v any) error {
	encoder := json.NewEncoder(w.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func sampleText(s latency.Sample) string {
	if s.Failed() {
		return "error: " + *s.Error
	}
	if s.LatencyMs == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f ms", *s.LatencyMs)
}

func (w *Writer) curveText(meta Metadata, c latency.Curve) {
	_, _ = fmt.Fprintf(w.out, "Calibration (line size %d B, %d repeats)\n",
		meta.LineSize, meta.Repeats)
	_, _ = fmt.Fprintf(w.out, "  %-10s %s\n", "Lines", "Latency")
	for _, s := range c {
		_, _ = fmt.Fprintf(w.out, "  %-10d %s\n", s.N, sampleText(s))
	}

	sum := SummarizeCurve(c)
	_, _ = fmt.Fprintf(w.out, "Sizes: %d, Failed: %d\n", sum.Sizes, sum.Failed)
}

func (w *Writer) curveCSV(c latency.Curve) error {
	cw := csv.NewWriter(w.out)
	_ = cw.Write([]string{"n", "latency_ms", "error"})

	for _, s := range c {
		var latencyMs, errText string
		if s.LatencyMs != nil {
			latencyMs = strconv.FormatFloat(*s.LatencyMs, 'f', -1, 64)
		}
		if s.Error != nil {
			errText = *s.Error
		}
		_ = cw.Write([]string{strconv.Itoa(s.N), latencyMs, errText})
	}

	cw.Flush()
	return cw.Error()
}

func (w *Writer) tracesText(meta Metadata, summaries []TraceSummary) {
	_, _ = fmt.Fprintf(w.out, "Traces: %d (window %v, working set %d B)\n",
		len(summaries), meta.WindowDuration, meta.WorkingSetSize)
	for i, s := range summaries {
		_, _ = fmt.Fprintf(w.out,
			"  #%-4d windows=%-6d total=%-10d min=%-6d max=%-6d mean=%.2f\n",
			i, s.Windows, s.Total, s.Min, s.Max, s.Mean)
	}
}

func (w *Writer) tracesCSV(traces []trace.Trace) error {
	cw := csv.NewWriter(w.out)
	_ = cw.Write([]string{"trace", "window", "count"})

	for i, t := range traces {
		for j, c := range t {
			_ = cw.Write([]string{
				strconv.Itoa(i),
				strconv.Itoa(j),
				strconv.FormatUint(c, 10),
			})
		}
	}

	cw.Flush()
	return cw.Error()
}
