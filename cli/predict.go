package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/remote"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/trace"
	"github.com/sarchlab/cachespy/worker"
)

// PredictFlags are the command-line flags of the predict command.
type PredictFlags struct {
	SweepFlags

	JSON bool
	Save bool
}

// PredictOptions is a resolved predict invocation.
type PredictOptions struct {
	Config     *config.Config
	Classifier remote.Classifier
	JSON       bool
	Save       bool
}

type predictOutput struct {
	Trace      trace.Trace       `json:"trace"`
	Prediction remote.Prediction `json:"prediction"`
}

// NewCmdPredict creates the predict command.
func NewCmdPredict(g *GlobalFlags) *cobra.Command {
	flags := &PredictFlags{}

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Record one trace and ask the backend to classify it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := flags.ToOptions(cmd, g)
			if err != nil {
				return err
			}
			return o.Run(cmd)
		},
	}

	flags.AddFlags(cmd)
	cmd.Flags().BoolVar(&flags.JSON, "json", flags.JSON,
		"If true, output the trace and prediction as JSON.")
	cmd.Flags().BoolVar(&flags.Save, "save", flags.Save,
		"Keep the trace in the local store.")

	return cmd
}

// ToOptions resolves the configuration and applies the flags that were set.
func (flags *PredictFlags) ToOptions(cmd *cobra.Command, g *GlobalFlags) (*PredictOptions, error) {
	cfg, err := g.Load()
	if err != nil {
		return nil, err
	}
	flags.Apply(cmd, cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &PredictOptions{
		Config:     cfg,
		Classifier: newClient(cfg),
		JSON:       flags.JSON,
		Save:       flags.Save,
	}, nil
}

// Run records a trace and classifies it.
func (o *PredictOptions) Run(cmd *cobra.Command) error {
	res, err := newBoundary(o.Config).Run(cmd.Context(),
		worker.Sweep(occupancy.NewSampler(o.Config.Occupancy())))
	if err != nil {
		return err
	}

	if o.Save {
		st, err := openStore(o.Config)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if _, err := st.AddTrace(res.Trace); err != nil {
			return err
		}
	}

	p, err := o.Classifier.Classify(cmd.Context(), res.Trace)
	if err != nil {
		return fmt.Errorf("failed to classify trace: %w", err)
	}

	out := cmd.OutOrStdout()
	if o.JSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(predictOutput{Trace: res.Trace, Prediction: p})
	}

	_, _ = fmt.Fprintf(out, "%s (confidence %.1f%%, %d windows)\n",
		p.Label, p.Confidence*100, len(res.Trace))
	return nil
}
