package cli

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/report"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/worker"
)

var (
	calibrateShort = "Measure sweep latency across working-set sizes."
	calibrateLong  = `
		Measure the median time to read every cache line of buffers of
		geometrically increasing size, from 1 line up to --max-lines.

		A size whose buffer cannot be allocated is reported with an error and
		the calibration continues with the next size.`
	calibrateExample = `
		# Calibrate with the defaults and print a table
		cachespy calibrate

		# Small quick run, JSON to a file, also kept in the store
		cachespy calibrate --max-lines 100000 --format json -o curve.json --save`
)

// CalibrateFlags are the command-line flags of the calibrate command.
type CalibrateFlags struct {
	LineSize int
	Repeats  int
	MaxLines int
	Growth   int
	CPU      int
	MaxBytes int64

	Format string
	Output string
	Save   bool
	Quiet  bool
}

// CalibrateOptions is a resolved calibrate invocation.
type CalibrateOptions struct {
	Config *config.Config
	Format report.Format
	Output string
	Save   bool
	Quiet  bool
}

// NewCmdCalibrate creates the calibrate command.
func NewCmdCalibrate(g *GlobalFlags) *cobra.Command {
	flags := &CalibrateFlags{Format: string(report.Text)}

	cmd := &cobra.Command{
		Use:     "calibrate",
		Short:   calibrateShort,
		Long:    calibrateLong,
		Example: calibrateExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := flags.ToOptions(cmd, g)
			if err != nil {
				return err
			}
			return o.Run(cmd)
		},
	}

	flags.AddFlags(cmd)

	return cmd
}

// AddFlags registers the calibrate flags.
func (flags *CalibrateFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flags.LineSize, "line-size", flags.LineSize,
		"Cache line size in bytes (overrides configuration).")
	cmd.Flags().IntVar(&flags.Repeats, "repeats", flags.Repeats,
		"Timed sweeps per size; the median is kept.")
	cmd.Flags().IntVar(&flags.MaxLines, "max-lines", flags.MaxLines,
		"Largest working set in cache lines.")
	cmd.Flags().IntVar(&flags.Growth, "growth", flags.Growth,
		"Ratio between consecutive working-set sizes.")
	cmd.Flags().IntVar(&flags.CPU, "cpu", flags.CPU,
		"Pin the measurement thread to this CPU (-1 for none).")
	cmd.Flags().Int64Var(&flags.MaxBytes, "max-buffer-bytes", flags.MaxBytes,
		"Largest buffer to allocate; larger sizes are marked failed. 0 uses available memory.")

	cmd.Flags().StringVar(&flags.Format, "format", flags.Format,
		"Output format: text, json or csv.")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", flags.Output,
		"Write output to a file instead of stdout.")
	cmd.Flags().BoolVar(&flags.Save, "save", flags.Save,
		"Keep the curve in the local store.")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", flags.Quiet,
		"Do not print per-size progress.")
}

// ToOptions resolves the configuration and applies the flags that were set.
func (flags *CalibrateFlags) ToOptions(cmd *cobra.Command, g *GlobalFlags) (*CalibrateOptions, error) {
	cfg, err := g.Load()
	if err != nil {
		return nil, err
	}

	set := cmd.Flags().Changed
	if set("line-size") {
		cfg.Cache.LineSize = flags.LineSize
	}
	if set("repeats") {
		cfg.Calibrate.Repeats = flags.Repeats
	}
	if set("max-lines") {
		cfg.Calibrate.MaxLines = flags.MaxLines
	}
	if set("growth") {
		cfg.Calibrate.Growth = flags.Growth
	}
	if set("cpu") {
		cfg.Worker.CPU = flags.CPU
	}
	if set("max-buffer-bytes") {
		cfg.Calibrate.MaxBufferBytes = flags.MaxBytes
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	format, err := report.ParseFormat(flags.Format)
	if err != nil {
		return nil, err
	}

	return &CalibrateOptions{
		Config: cfg,
		Format: format,
		Output: flags.Output,
		Save:   flags.Save,
		Quiet:  flags.Quiet,
	}, nil
}

// Run measures the curve and renders it.
func (o *CalibrateOptions) Run(cmd *cobra.Command) error {
	var opts []latency.Option
	if !o.Quiet {
		progress := report.NewWriter(cmd.ErrOrStderr(), report.Text)
		opts = append(opts, latency.WithProgress(progress.Progress))
	}
	cal := latency.NewCalibrator(o.Config.Latency(), opts...)

	res, err := newBoundary(o.Config).Run(cmd.Context(), worker.Calibration(cal))
	if err != nil {
		return err
	}
	klog.V(1).InfoS("Calibration finished",
		"worker", res.ID, "sizes", len(res.Curve), "elapsed", res.Elapsed())

	if o.Save {
		st, err := openStore(o.Config)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		rec, err := st.AddCurve(res.Curve)
		if err != nil {
			return err
		}
		klog.InfoS("Saved curve", "id", rec.ID, "store", st.Path())
	}

	out, closeOut, err := output(cmd.OutOrStdout(), o.Output)
	if err != nil {
		return err
	}
	defer func() { _ = closeOut() }()

	meta := report.NewMetadata(o.Config.Cache.LineSize)
	meta.Repeats = o.Config.Calibrate.Repeats

	return report.NewWriter(out, o.Format).Curve(meta, res.Curve)
}
