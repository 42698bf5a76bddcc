package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sarchlab/cachespy/timing/clock"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/timing/probe"
	"github.com/sarchlab/cachespy/worker"
)

// GetChecks returns the standard set of probe checks.
func GetChecks() []Check {
	return []Check{
		elision(),
		windowCount(),
		repeatability(),
	}
}

// GetQuickChecks skips the calibration runs.
func GetQuickChecks() []Check {
	return []Check{
		elision(),
		windowCount(),
	}
}

// Lines swept by the elision check. The large buffer does 64 times the work
// of the small one.
const (
	elisionSmallLines = 1 << 10
	elisionLargeLines = 1 << 16
	elisionRepeats    = 9
)

// TimeSweeps returns the median time of repeats sweeps over a buffer of
// lines cache lines.
func TimeSweeps(lines, lineSize, repeats int) (time.Duration, error) {
	buf, err := probe.Allocator{}.Alloc(lines*lineSize, lineSize)
	if err != nil {
		return 0, err
	}
	defer buf.Release()

	c := clock.NewMonotonic()
	times := make([]time.Duration, repeats)
	for i := range times {
		start := c.Now()
		sum := probe.Sweep(buf, lineSize)
		times[i] = c.Now() - start
		probe.Keep(sum)
	}

	return latency.Median(times), nil
}

// 1. Elision - sweep time must grow with the working set.
func elision() Check {
	return Check{
		Name:        "elision",
		Description: "sweeping 64x the lines takes measurably longer - reads are not optimized away",
		Run: func(h *Harness) (string, error) {
			lineSize := h.config.Calibration.LineSize

			small, err := TimeSweeps(elisionSmallLines, lineSize, elisionRepeats)
			if err != nil {
				return "", err
			}
			large, err := TimeSweeps(elisionLargeLines, lineSize, elisionRepeats)
			if err != nil {
				return "", err
			}

			detail := fmt.Sprintf("%d lines: %v, %d lines: %v",
				elisionSmallLines, small, elisionLargeLines, large)

			if large <= 8*small {
				return detail, fmt.Errorf("sweep time does not scale with working set")
			}
			return detail, nil
		},
	}
}

// 2. Window count - a sweep yields exactly one count per window.
func windowCount() Check {
	return Check{
		Name:        "window_count",
		Description: "an occupancy sweep returns TotalDuration/WindowDuration counts",
		Run: func(h *Harness) (string, error) {
			config := h.config.Sweep
			res, err := h.boundary.Run(context.Background(),
				worker.Sweep(occupancy.NewSampler(config)))
			if err != nil {
				return "", err
			}

			detail := fmt.Sprintf("%d windows, %d sweeps", len(res.Trace), res.Trace.Total())
			if err := res.Trace.Validate(config.Windows()); err != nil {
				return detail, err
			}
			return detail, nil
		},
	}
}

// 3. Repeatability - two calibrations agree within tolerance.
func repeatability() Check {
	return Check{
		Name:        "repeatability",
		Description: "repeated calibrations agree within the noise tolerance",
		Run: func(h *Harness) (string, error) {
			runs := max(h.config.Runs, 2)
			curves := make([]latency.Curve, 0, runs)

			for i := 0; i < runs; i++ {
				curve, err := h.Calibrate(context.Background())
				if err != nil {
					return "", fmt.Errorf("calibration %d: %w", i, err)
				}
				curves = append(curves, curve)
			}

			detail := fmt.Sprintf("%d calibrations of %d sizes", runs, len(curves[0]))
			for i := 1; i < runs; i++ {
				err := CompareCurves(curves[0], curves[i], h.config.Tolerance, h.config.NoiseFloorMs)
				if err != nil {
					return detail, fmt.Errorf("calibration %d: %w", i, err)
				}
			}
			return detail, nil
		},
	}
}

// LoadBaseline reads a curve saved by SaveBaseline.
func LoadBaseline(path string) (latency.Curve, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}

	var curve latency.Curve
	if err := json.Unmarshal(data, &curve); err != nil {
		return nil, fmt.Errorf("failed to parse baseline: %w", err)
	}

	return curve, nil
}

// SaveBaseline writes a curve for later comparison.
func SaveBaseline(path string, curve latency.Curve) error {
	data, err := json.MarshalIndent(curve, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize baseline: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}

	return nil
}

// Baseline checks a fresh calibration against a saved curve from the same
// host.
func Baseline(base latency.Curve) Check {
	return Check{
		Name:        "baseline",
		Description: "a fresh calibration agrees with the saved baseline",
		Run: func(h *Harness) (string, error) {
			curve, err := h.Calibrate(context.Background())
			if err != nil {
				return "", err
			}

			detail := fmt.Sprintf("%d sizes against %d baseline sizes", len(curve), len(base))
			return detail, CompareCurves(base, curve, h.config.Tolerance, h.config.NoiseFloorMs)
		},
	}
}
