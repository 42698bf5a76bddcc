package cli

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/server"
)

// NewCmdServe creates the serve command.
func NewCmdServe(g *GlobalFlags) *cobra.Command {
	var (
		addr     string
		noRemote bool
		cpu      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve measurements, stored results and metrics over HTTP.",
		Long: `
		Start the measurement service. Each POST to /api/calibrate or
		/api/sweep runs on a fresh worker; a request that arrives while
		another measurement is running is answered with 409 Conflict.

		Prometheus metrics are exposed on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("cpu") {
				cfg.Worker.CPU = cpu
			}
			if err := validate(cfg); err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var opts []server.Option
			if !noRemote && cfg.Remote.URL != "" {
				c := newClient(cfg)
				opts = append(opts, server.WithIngester(c), server.WithClassifier(c))
				klog.InfoS("Using backend", "url", c.Base())
			}

			klog.InfoS("Serving", "addr", cfg.Server.Addr, "store", st.Path())
			return server.New(cfg, newBoundary(cfg), st, opts...).ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", addr,
		"Listen address (overrides configuration).")
	cmd.Flags().BoolVar(&noRemote, "no-remote", noRemote,
		"Do not forward traces to the backend.")
	cmd.Flags().IntVar(&cpu, "cpu", cpu,
		"Pin measurement threads to this CPU (-1 for none).")

	return cmd
}
