// Package benchmarks checks that the measurement primitives produce usable
// numbers on the current host.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sarchlab/cachespy/report"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/worker"
)

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	// Name identifies the check
	Name string `json:"name"`

	// Description explains what the check verifies
	Description string `json:"description"`

	// Passed is true when the check held
	Passed bool `json:"passed"`

	// Detail holds the measured numbers behind the verdict
	Detail string `json:"detail"`

	// Error explains a failed check
	Error string `json:"error,omitempty"`

	// WallTime is how long the check took
	WallTime time.Duration `json:"wall_time_ns"`
}

// Check defines a single probe-quality check.
type Check struct {
	// Name identifies the check
	Name string

	// Description explains what the check verifies
	Description string

	// Run performs the check. A non-nil error fails it.
	Run func(h *Harness) (detail string, err error)
}

// HarnessConfig configures the check harness.
type HarnessConfig struct {
	// Calibration is used by the repeatability check. Keep MaxLines small
	// enough for the harness to finish quickly.
	Calibration *latency.Config

	// Sweep is used by the window count check.
	Sweep occupancy.Config

	// Runs is the number of calibrations compared for repeatability.
	Runs int

	// Tolerance is the largest relative difference allowed between two
	// medians of the same size.
	Tolerance float64

	// NoiseFloorMs is the latency below which medians are too small to
	// compare.
	NoiseFloorMs float64

	// CPU pins the measurement workers. -1 leaves them unpinned.
	CPU int

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Verbose enables detailed output
	Verbose bool
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	cal := latency.DefaultConfig()
	cal.MaxLines = 100_000

	sweep := occupancy.DefaultConfig()
	sweep.WorkingSetSize = 1024 * 1024
	sweep.TotalDuration = 100 * time.Millisecond

	return HarnessConfig{
		Calibration:  cal,
		Sweep:        sweep,
		Runs:         2,
		Tolerance:    0.5,
		NoiseFloorMs: 0.001,
		CPU:          -1,
		Output:       os.Stdout,
		Verbose:      false,
	}
}

// Harness runs checks and reports results.
type Harness struct {
	config   HarnessConfig
	checks   []Check
	boundary *worker.Boundary
}

// NewHarness creates a new check harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Harness{
		config:   config,
		checks:   []Check{},
		boundary: worker.NewBoundary(worker.WithCPU(config.CPU)),
	}
}

// Config returns the harness configuration.
func (h *Harness) Config() HarnessConfig {
	return h.config
}

// Boundary returns the worker boundary the checks measure through.
func (h *Harness) Boundary() *worker.Boundary {
	return h.boundary
}

// Calibrate runs one calibration with the harness configuration.
func (h *Harness) Calibrate(ctx context.Context) (latency.Curve, error) {
	cal := latency.NewCalibrator(h.config.Calibration.Clone())
	res, err := h.boundary.Run(ctx, worker.Calibration(cal))
	if err != nil {
		return nil, err
	}
	return res.Curve, nil
}

// AddCheck adds a check to the harness.
func (h *Harness) AddCheck(c Check) {
	h.checks = append(h.checks, c)
}

// AddChecks adds multiple checks to the harness.
func (h *Harness) AddChecks(checks []Check) {
	h.checks = append(h.checks, checks...)
}

// RunAll executes all checks and returns results.
func (h *Harness) RunAll() []CheckResult {
	results := make([]CheckResult, 0, len(h.checks))

	for _, c := range h.checks {
		results = append(results, h.runCheck(c))
	}

	return results
}

func (h *Harness) runCheck(c Check) CheckResult {
	start := time.Now()
	detail, err := c.Run(h)

	result := CheckResult{
		Name:        c.Name,
		Description: c.Description,
		Passed:      err == nil,
		Detail:      detail,
		WallTime:    time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}

	if h.config.Verbose {
		_, _ = fmt.Fprintf(h.config.Output, "ran %s in %v\n", c.Name, result.WallTime)
	}

	return result
}

// CompareCurves reports every size at which two curves disagree by more
// than tolerance. Sizes that failed in either curve, or whose medians are
// both under the noise floor, are skipped.
func CompareCurves(a, b latency.Curve, tolerance, noiseFloorMs float64) error {
	if len(a) != len(b) {
		return fmt.Errorf("curves have %d and %d samples", len(a), len(b))
	}

	var errs *multierror.Error
	for i := range a {
		if a[i].N != b[i].N {
			errs = multierror.Append(errs,
				fmt.Errorf("sample %d is for %d lines in one curve and %d in the other", i, a[i].N, b[i].N))
			continue
		}
		if a[i].LatencyMs == nil || b[i].LatencyMs == nil {
			continue
		}

		x, y := *a[i].LatencyMs, *b[i].LatencyMs
		hi := math.Max(x, y)
		if hi < noiseFloorMs {
			continue
		}

		if dev := math.Abs(x-y) / hi; dev > tolerance {
			errs = multierror.Append(errs, fmt.Errorf(
				"%d lines: %.6f ms vs %.6f ms (%.0f%% apart)", a[i].N, x, y, dev*100))
		}
	}

	return errs.ErrorOrNil()
}

// PrintResults outputs check results in a human-readable format.
func (h *Harness) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(h.config.Output, "=== cachespy Probe Checks ===")
	_, _ = fmt.Fprintln(h.config.Output, "")

	for _, r := range results {
		verdict := "PASS"
		if !r.Passed {
			verdict = "FAIL"
		}

		_, _ = fmt.Fprintf(h.config.Output, "Check: %s [%s]\n", r.Name, verdict)
		_, _ = fmt.Fprintf(h.config.Output, "  Description: %s\n", r.Description)
		if r.Detail != "" {
			_, _ = fmt.Fprintf(h.config.Output, "  Detail: %s\n", r.Detail)
		}
		if r.Error != "" {
			_, _ = fmt.Fprintf(h.config.Output, "  Error: %s\n", r.Error)
		}
		_, _ = fmt.Fprintf(h.config.Output, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(h.config.Output, "")
	}
}

// PrintCSV outputs check results in CSV format.
func (h *Harness) PrintCSV(results []CheckResult) {
	_, _ = fmt.Fprintln(h.config.Output, "name,passed,wall_time_ns")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%t,%d\n",
			r.Name,
			r.Passed,
			r.WallTime.Nanoseconds(),
		)
	}
}

// CheckReport is the complete output format for check results.
type CheckReport struct {
	// Metadata about the run
	Metadata ReportMetadata `json:"metadata"`

	// Results is the list of individual check results
	Results []CheckResult `json:"results"`

	// Summary contains aggregate statistics
	Summary ReportSummary `json:"summary"`
}

// ReportMetadata contains information about the run.
type ReportMetadata struct {
	Timestamp    string  `json:"timestamp"`
	Version      string  `json:"version"`
	LineSize     int     `json:"line_size"`
	MaxLines     int     `json:"max_lines"`
	Repeats      int     `json:"repeats"`
	Runs         int     `json:"runs"`
	Tolerance    float64 `json:"tolerance"`
	NoiseFloorMs float64 `json:"noise_floor_ms"`
}

// ReportSummary contains aggregate statistics across all checks.
type ReportSummary struct {
	TotalChecks   int           `json:"total_checks"`
	Passed        int           `json:"passed"`
	Failed        int           `json:"failed"`
	TotalWallTime time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs check results in JSON format.
func (h *Harness) PrintJSON(results []CheckResult) error {
	summary := ReportSummary{TotalChecks: len(results)}
	for _, r := range results {
		if r.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.TotalWallTime += r.WallTime
	}

	cal := h.config.Calibration
	rpt := CheckReport{
		Metadata: ReportMetadata{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Version:      report.Version,
			LineSize:     cal.LineSize,
			MaxLines:     cal.MaxLines,
			Repeats:      cal.Repeats,
			Runs:         h.config.Runs,
			Tolerance:    h.config.Tolerance,
			NoiseFloorMs: h.config.NoiseFloorMs,
		},
		Results: results,
		Summary: summary,
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rpt)
}
