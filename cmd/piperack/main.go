// Command piperack is Piperack's CLI entry point: it parses flags (via
// spf13/cobra, replacing the teacher's raw flag package), optionally loads
// a TOML config file (via config.Load), wires signal handling into a
// cancellable context exactly like the teacher's cmd/multiproc/main.go,
// and hands off to runner.Run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/piperack/piperack/config"
	"github.com/piperack/piperack/engine"
	"github.com/piperack/piperack/lineout"
	"github.com/piperack/piperack/runner"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		configPath string
		noUI       bool
		lineMode   string
		prefix     string
		timestamp  bool
		maxLines   int
		verbose    bool
		exitCode   int
	)

	cmd := &cobra.Command{
		Use:   "piperack",
		Short: "A local interactive multi-process supervisor",
		Long: `Piperack launches a declared set of child commands, coordinates their
startup via dependency and readiness checks, and presents their combined
output through a full-screen terminal UI (or a plain line emitter with
--no-ui).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			code, err := runPiperack(c.Context(), configPath, noUI, lineMode, prefix, timestamp, maxLines, verbose)
			exitCode = code
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "piperack.toml", "path to the TOML configuration file")
	cmd.Flags().BoolVar(&noUI, "no-ui", false, "use the plain line emitter instead of the full-screen UI")
	cmd.Flags().StringVar(&lineMode, "line-mode", "combined", "line emitter mode: combined, grouped, or raw")
	cmd.Flags().StringVar(&prefix, "prefix", "[%s]", "line prefix format string (one %s placeholder)")
	cmd.Flags().BoolVar(&timestamp, "timestamps", false, "prefix each line with an ISO-8601 timestamp")
	cmd.Flags().IntVar(&maxLines, "max-lines", 0, "per-process output buffer capacity (0 = config/default)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level internal logging")

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		cancel(fmt.Errorf("received signal: %v", sig))
	}()

	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "piperack:", err)
		return 1
	}
	return exitCode
}

func runPiperack(ctx context.Context, configPath string, noUI bool, lineMode, prefix string, timestamp bool, maxLines int, verbose bool) (int, error) {
	logger, err := newLogger(verbose)
	if err != nil {
		return 1, fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// Every line this run logs carries the same run_id, the way
	// edirooss-zmux-server's request_id middleware stamps one correlation
	// ID across a request's log lines.
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	var specs []engine.ProcessSpec
	var policy engine.Policy
	var fileMaxLines, fileTimelineMax int

	if config.Exists(configPath) {
		file, err := config.Load(configPath)
		if err != nil {
			return 1, err
		}
		specs, policy, err = file.Build()
		if err != nil {
			return 1, err
		}
		fileMaxLines = file.MaxLines()
		fileTimelineMax = file.TimelineMaxLines()
	}
	if len(specs) == 0 {
		return 1, fmt.Errorf("no processes declared (missing or empty %s)", configPath)
	}

	if maxLines <= 0 {
		maxLines = fileMaxLines
	}

	mode, err := parseLineMode(lineMode)
	if err != nil {
		return 1, err
	}

	return runner.Run(ctx, runner.Config{
		Specs:            specs,
		Policy:           policy,
		MaxLinesPerProc:  maxLines,
		TimelineMaxLines: fileTimelineMax,
		NoUI:             noUI,
		LineMode:         mode,
		LinePrefix:       prefix,
		Timestamp:        timestamp,
		Logger:           logger,
	})
}

func parseLineMode(s string) (lineout.Mode, error) {
	switch s {
	case "combined", "":
		return lineout.Combined, nil
	case "grouped":
		return lineout.Grouped, nil
	case "raw":
		return lineout.Raw, nil
	default:
		return 0, fmt.Errorf("unknown --line-mode %q (want combined, grouped, or raw)", s)
	}
}

// newLogger builds the zap.Logger every engine diagnostic is written to.
// Engine output never goes to stdout, since stdout/the TUI is reserved for
// child process output (SPEC_FULL.md §2).
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
