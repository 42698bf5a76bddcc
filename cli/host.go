package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cachespy/hostinfo"
	"github.com/sarchlab/cachespy/timing/cache"
)

type hostOutput struct {
	Host     hostinfo.Report `json:"host"`
	Cache    cache.Config    `json:"cache"`
	Warnings []string        `json:"warnings"`
}

// NewCmdHost creates the host command.
func NewCmdHost(g *GlobalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Show the host's processor and caches next to the configured geometry.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.Load()
			if err != nil {
				return err
			}

			r, err := hostinfo.Collect()
			if err != nil {
				return err
			}

			out := hostOutput{Host: r, Cache: cfg.Cache, Warnings: r.Warnings(cfg.Cache)}
			if out.Warnings == nil {
				out.Warnings = []string{}
			}

			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(out)
			}

			printHost(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", asJSON, "If true, output as JSON.")

	return cmd
}

func cacheSize(n int) string {
	if n <= 0 {
		return "unknown"
	}
	return hostinfo.FormatBytes(int64(n))
}

func printHost(w io.Writer, out hostOutput) {
	r := out.Host
	_, _ = fmt.Fprintf(w, "Host:       %s (%s %s, kernel %s, %s)\n",
		r.Hostname, r.OS, r.Platform, r.KernelVersion, r.Arch)
	_, _ = fmt.Fprintf(w, "CPU:        %s [%s], %d cores / %d threads\n",
		r.CPUModel, r.Vendor, r.PhysicalCores, r.LogicalCores)
	_, _ = fmt.Fprintf(w, "Cache line: %d B\n", r.CacheLine)
	_, _ = fmt.Fprintf(w, "L1D:        %s\n", cacheSize(r.L1D))
	_, _ = fmt.Fprintf(w, "L2:         %s\n", cacheSize(r.L2))
	_, _ = fmt.Fprintf(w, "L3:         %s\n", cacheSize(r.L3))
	_, _ = fmt.Fprintf(w, "Memory:     %s\n", hostinfo.FormatBytes(int64(r.TotalMemory)))
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "Configured: line %d B, LLC %s\n",
		out.Cache.LineSize, hostinfo.FormatBytes(int64(out.Cache.LLCSize)))

	for _, warning := range out.Warnings {
		_, _ = fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
