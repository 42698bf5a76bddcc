package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/server"
	"github.com/sarchlab/cachespy/trace"
)

// NewCmdExport creates the export command.
func NewCmdExport(g *GlobalFlags) *cobra.Command {
	var (
		path       string
		fromRemote bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored traces to a JSON file.",
		Long: `
		Write every stored trace, oldest first, as a JSON array of arrays of
		window counts. Without --output the file is named after the current
		time, e.g. traces_20240309_140507.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.Load()
			if err != nil {
				return err
			}

			var traces []trace.Trace
			if fromRemote {
				traces, err = newClient(cfg).Traces(cmd.Context())
			} else {
				traces, err = storedTraces(cfg)
			}
			if err != nil {
				return err
			}

			if path == "" {
				path = server.ExportFilename(time.Now())
			}

			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			if err := trace.Export(f, traces); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write export file: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %d traces to %s\n", len(traces), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "output", "o", path,
		"Export file path.")
	cmd.Flags().BoolVar(&fromRemote, "remote", fromRemote,
		"Export the traces held by the backend instead of the local store.")

	return cmd
}

func storedTraces(cfg *config.Config) ([]trace.Trace, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	return st.TraceData()
}

// NewCmdClear creates the clear command.
func NewCmdClear(g *GlobalFlags) *cobra.Command {
	var alsoRemote bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored trace and curve.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.Load()
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.Clear(); err != nil {
				return err
			}
			klog.InfoS("Cleared store", "path", st.Path())

			if !alsoRemote {
				return nil
			}

			c := newClient(cfg)
			if err := c.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear backend results: %w", err)
			}
			klog.InfoS("Cleared backend results", "url", c.Base())
			return nil
		},
	}

	cmd.Flags().BoolVar(&alsoRemote, "remote", alsoRemote,
		"Also clear the results held by the backend.")

	return cmd
}
