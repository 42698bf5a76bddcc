// Package cli provides the cachespy command-line interface.
package cli

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/remote"
	"github.com/sarchlab/cachespy/store"
	"github.com/sarchlab/cachespy/worker"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string

	CPUProfile string
	MemProfile string
	cpuFile    *os.File
}

// NewRootCmd builds the cachespy command tree.
func NewRootCmd() *cobra.Command {
	g := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "cachespy",
		Short: "Measure last-level cache activity with Prime+Probe sweeps.",
		Long: `cachespy calibrates memory read latency against working-set size and
records last-level cache occupancy traces. Traces can be kept locally,
exported as JSON, or forwarded to a classification backend.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.startProfiling()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return g.stopProfiling()
		},
	}

	root.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", "",
		"JSON configuration file.")
	root.PersistentFlags().StringVar(&g.EnvFile, "env-file", "",
		"Optional .env file with CACHESPY_* variables.")
	root.PersistentFlags().StringVar(&g.CPUProfile, "cpuprofile", "",
		"Write a CPU profile of cachespy itself to this file.")
	root.PersistentFlags().StringVar(&g.MemProfile, "memprofile", "",
		"Write a heap profile to this file on exit.")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		NewCmdCalibrate(g),
		NewCmdSweep(g),
		NewCmdPredict(g),
		NewCmdExport(g),
		NewCmdClear(g),
		NewCmdServe(g),
		NewCmdHost(g),
		NewCmdCheck(g),
		NewCmdConfig(g),
	)

	return root
}

// Execute runs the command line and exits.
func Execute() {
	atexit.Register(klog.Flush)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

// Load resolves the configuration named by the global flags. Command-line
// overrides are applied by each subcommand afterwards.
func (g *GlobalFlags) Load() (*config.Config, error) {
	return config.Load(g.ConfigPath, g.EnvFile)
}

func (g *GlobalFlags) startProfiling() error {
	if g.CPUProfile == "" {
		return nil
	}

	f, err := os.Create(g.CPUProfile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to start CPU profile: %w", err)
	}

	g.cpuFile = f
	atexit.Register(func() { _ = g.stopProfiling() })
	return nil
}

func (g *GlobalFlags) stopProfiling() error {
	if g.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := g.cpuFile.Close(); err != nil {
			return fmt.Errorf("failed to write CPU profile: %w", err)
		}
		g.cpuFile = nil
	}

	if g.MemProfile == "" {
		return nil
	}

	f, err := os.Create(g.MemProfile)
	if err != nil {
		return fmt.Errorf("failed to create memory profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write memory profile: %w", err)
	}
	g.MemProfile = ""
	return nil
}

func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Opened store", "path", st.Path())
	return st, nil
}

func newBoundary(cfg *config.Config) *worker.Boundary {
	return worker.NewBoundary(worker.WithCPU(cfg.Worker.CPU))
}

func newClient(cfg *config.Config) *remote.Client {
	return remote.NewClient(cfg.Remote.URL,
		remote.WithTimeout(cfg.Remote.Timeout.D()),
		remote.WithImagePrefix(cfg.Remote.ImagePrefix))
}

// output opens path for writing, or returns w when path is empty. The
// returned close function is always safe to call.
func output(w io.Writer, path string) (io.Writer, func() error, error) {
	if path == "" {
		return w, func() error { return nil }, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, f.Close, nil
}
