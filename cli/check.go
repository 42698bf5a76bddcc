package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cachespy/benchmarks"
	"github.com/sarchlab/cachespy/report"
)

// CheckFlags are the command-line flags of the check command.
type CheckFlags struct {
	Quick        bool
	Format       string
	Runs         int
	Tolerance    float64
	Baseline     string
	SaveBaseline string
	Verbose      bool
}

// NewCmdCheck creates the check command.
func NewCmdCheck(g *GlobalFlags) *cobra.Command {
	defaults := benchmarks.DefaultConfig()
	flags := &CheckFlags{
		Format:    string(report.Text),
		Runs:      defaults.Runs,
		Tolerance: defaults.Tolerance,
	}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the probes produce usable numbers on this host.",
		Long: `
		Run quick self-checks: sweep time must grow with the working set, a
		sweep must return one count per window, and repeated calibrations
		must agree. With --baseline a fresh calibration is also compared
		against a curve saved earlier with --save-baseline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.Run(cmd, g)
		},
	}

	cmd.Flags().BoolVar(&flags.Quick, "quick", flags.Quick,
		"Skip the calibration checks.")
	cmd.Flags().StringVar(&flags.Format, "format", flags.Format,
		"Output format: text, json or csv.")
	cmd.Flags().IntVar(&flags.Runs, "runs", flags.Runs,
		"Calibrations compared by the repeatability check.")
	cmd.Flags().Float64Var(&flags.Tolerance, "tolerance", flags.Tolerance,
		"Largest relative difference allowed between two medians.")
	cmd.Flags().StringVar(&flags.Baseline, "baseline", flags.Baseline,
		"Compare against a curve saved with --save-baseline.")
	cmd.Flags().StringVar(&flags.SaveBaseline, "save-baseline", flags.SaveBaseline,
		"Calibrate once and save the curve as a baseline.")
	cmd.Flags().BoolVar(&flags.Verbose, "verbose", flags.Verbose,
		"Print each check as it finishes.")

	return cmd
}

// Run executes the selected checks and fails if any of them failed.
func (flags *CheckFlags) Run(cmd *cobra.Command, g *GlobalFlags) error {
	cfg, err := g.Load()
	if err != nil {
		return err
	}

	format, err := report.ParseFormat(flags.Format)
	if err != nil {
		return err
	}

	config := benchmarks.DefaultConfig()
	config.Calibration.LineSize = cfg.Cache.LineSize
	config.Sweep.LineSize = cfg.Cache.LineSize
	config.CPU = cfg.Worker.CPU
	config.Runs = flags.Runs
	config.Tolerance = flags.Tolerance
	config.Verbose = flags.Verbose
	config.Output = cmd.OutOrStdout()

	harness := benchmarks.NewHarness(config)

	if flags.SaveBaseline != "" {
		return saveBaseline(cmd, harness, flags.SaveBaseline)
	}

	if flags.Quick {
		harness.AddChecks(benchmarks.GetQuickChecks())
	} else {
		harness.AddChecks(benchmarks.GetChecks())
	}

	if flags.Baseline != "" {
		base, err := benchmarks.LoadBaseline(flags.Baseline)
		if err != nil {
			return err
		}
		harness.AddCheck(benchmarks.Baseline(base))
	}

	results := harness.RunAll()

	switch format {
	case report.JSON:
		if err := harness.PrintJSON(results); err != nil {
			return err
		}
	case report.CSV:
		harness.PrintCSV(results)
	default:
		harness.PrintResults(results)
	}

	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(results))
	}
	return nil
}

func saveBaseline(cmd *cobra.Command, h *benchmarks.Harness, path string) error {
	curve, err := h.Calibrate(cmd.Context())
	if err != nil {
		return err
	}

	if err := benchmarks.SaveBaseline(path, curve); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved %d sizes to %s\n", len(curve), path)
	return nil
}
