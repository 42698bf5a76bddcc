package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/remote"
	"github.com/sarchlab/cachespy/report"
	"github.com/sarchlab/cachespy/store"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/trace"
	"github.com/sarchlab/cachespy/worker"
)

var (
	sweepShort = "Record last-level cache occupancy traces."
	sweepLong  = `
		Repeatedly sweep an LLC-sized buffer and count how many full sweeps
		complete in each fixed window. Other activity on the host evicts the
		buffer and lowers the count, so the trace follows cache contention
		over time.

		Every window is reported, including windows with no completed sweep.`
	sweepExample = `
		# Record one 10 second trace and print a summary
		cachespy sweep

		# Record 20 traces of 2 seconds, keep them, and send them to the backend
		cachespy sweep --count 20 --total 2s --save --ingest`
)

// SweepFlags are the measurement flags shared by sweep and predict.
type SweepFlags struct {
	LineSize   int
	WorkingSet int
	Total      time.Duration
	Window     time.Duration
	CPU        int
	MaxBytes   int64
}

// AddFlags registers the measurement flags.
func (flags *SweepFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flags.LineSize, "line-size", flags.LineSize,
		"Cache line size in bytes (overrides configuration).")
	cmd.Flags().IntVar(&flags.WorkingSet, "working-set", flags.WorkingSet,
		"Swept buffer size in bytes. 0 uses the configured LLC size.")
	cmd.Flags().DurationVar(&flags.Total, "total", flags.Total,
		"Length of one trace (e.g. 10s).")
	cmd.Flags().DurationVar(&flags.Window, "window", flags.Window,
		"Length of one window (e.g. 10ms).")
	cmd.Flags().IntVar(&flags.CPU, "cpu", flags.CPU,
		"Pin the measurement thread to this CPU (-1 for none).")
	cmd.Flags().Int64Var(&flags.MaxBytes, "max-buffer-bytes", flags.MaxBytes,
		"Largest buffer to allocate. 0 uses available memory.")
}

// Apply overrides the configuration with the flags that were set.
func (flags *SweepFlags) Apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("line-size") {
		cfg.Cache.LineSize = flags.LineSize
	}
	if set("working-set") {
		cfg.Sweep.WorkingSetSize = flags.WorkingSet
	}
	if set("total") {
		cfg.Sweep.TotalDuration = config.Duration(flags.Total)
	}
	if set("window") {
		cfg.Sweep.WindowDuration = config.Duration(flags.Window)
	}
	if set("cpu") {
		cfg.Worker.CPU = flags.CPU
	}
	if set("max-buffer-bytes") {
		cfg.Calibrate.MaxBufferBytes = flags.MaxBytes
	}
}

// SweepCmdFlags are the command-line flags of the sweep command.
type SweepCmdFlags struct {
	SweepFlags

	Count  int
	Format string
	Output string
	Save   bool
	Ingest bool
}

// SweepOptions is a resolved sweep invocation.
type SweepOptions struct {
	Config *config.Config
	Count  int
	Format report.Format
	Output string
	Save   bool

	// Ingester receives every trace when set.
	Ingester remote.Ingester
}

// NewCmdSweep creates the sweep command.
func NewCmdSweep(g *GlobalFlags) *cobra.Command {
	flags := &SweepCmdFlags{Count: 1, Format: string(report.Text)}

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   sweepShort,
		Long:    sweepLong,
		Example: sweepExample,
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
	cmd.Flags().IntVarP(&flags.Count, "count", "n", flags.Count,
		"Number of traces to record.")
	cmd.Flags().StringVar(&flags.Format, "format", flags.Format,
		"Output format: text, json or csv.")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", flags.Output,
		"Write output to a file instead of stdout.")
	cmd.Flags().BoolVar(&flags.Save, "save", flags.Save,
		"Keep the traces in the local store.")
	cmd.Flags().BoolVar(&flags.Ingest, "ingest", flags.Ingest,
		"Send every trace to the configured backend.")

	return cmd
}

// ToOptions resolves the configuration and applies the flags that were set.
func (flags *SweepCmdFlags) ToOptions(cmd *cobra.Command, g *GlobalFlags) (*SweepOptions, error) {
	if flags.Count <= 0 {
		return nil, fmt.Errorf("--count must be > 0")
	}

	cfg, err := g.Load()
	if err != nil {
		return nil, err
	}
	flags.Apply(cmd, cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	format, err := report.ParseFormat(flags.Format)
	if err != nil {
		return nil, err
	}

	o := &SweepOptions{
		Config: cfg,
		Count:  flags.Count,
		Format: format,
		Output: flags.Output,
		Save:   flags.Save,
	}
	if flags.Ingest {
		o.Ingester = newClient(cfg)
	}

	return o, nil
}

// Run records the traces one after another on fresh workers.
func (o *SweepOptions) Run(cmd *cobra.Command) error {
	var st *store.Store
	if o.Save {
		var err error
		if st, err = openStore(o.Config); err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
	}

	boundary := newBoundary(o.Config)
	sampler := o.Config.Occupancy()
	traces := make([]trace.Trace, 0, o.Count)

	for i := 0; i < o.Count; i++ {
		res, err := boundary.Run(cmd.Context(), worker.Sweep(occupancy.NewSampler(sampler)))
		if err != nil {
			return fmt.Errorf("trace %d: %w", i, err)
		}
		traces = append(traces, res.Trace)
		klog.V(1).InfoS("Trace recorded",
			"index", i, "windows", len(res.Trace), "sweeps", res.Trace.Total())

		if st != nil {
			if _, err := st.AddTrace(res.Trace); err != nil {
				return err
			}
		}

		if o.Ingester != nil {
			ir, err := o.Ingester.Ingest(cmd.Context(), res.Trace)
			if err != nil {
				return fmt.Errorf("trace %d recorded but not ingested: %w", i, err)
			}
			klog.InfoS("Trace ingested", "index", i, "file", ir.File, "image", ir.Image)
		}
	}

	out, closeOut, err := output(cmd.OutOrStdout(), o.Output)
	if err != nil {
		return err
	}
	defer func() { _ = closeOut() }()

	meta := report.NewMetadata(sampler.LineSize)
	meta.WorkingSetSize = sampler.WorkingSetSize
	meta.WindowDuration = sampler.WindowDuration

	return report.NewWriter(out, o.Format).Traces(meta, traces)
}
