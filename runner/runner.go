// Package runner provides Piperack's high-level orchestration: wiring
// parsed configuration into an engine.Manager and engine.Loop, then
// driving either the tui full-screen renderer or the lineout line emitter
// depending on TTY detection and the --no-ui flag.
//
// This mirrors the teacher's own runner package
// (A2Y-D5L-multiproc/runner/runner.go), which ties its engine and
// renderer packages together behind one Config/Run entry point; Piperack
// generalizes it to the richer engine (dependency-ordered startup,
// restart policy, watchers, readiness) and the tui/lineout renderer split
// described in SPEC_FULL.md.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/piperack/piperack/engine"
	"github.com/piperack/piperack/lineout"
	"github.com/piperack/piperack/tui"
)

// Config holds the fully-resolved inputs to Run: the validated process
// specs and policy (already produced by config.File.Build or the CLI),
// plus the rendering choices that are this package's own responsibility.
type Config struct {
	Specs  []engine.ProcessSpec
	Policy engine.Policy

	MaxLinesPerProc int
	TimelineMaxLines int

	// NoUI forces the lineout renderer even on a TTY.
	NoUI bool
	LineMode   lineout.Mode
	LinePrefix string
	Timestamp  bool

	Logger *zap.Logger
	Stdout io.Writer
	Stderr io.Writer

	// CommandFactory overrides how child processes are spawned. Nil uses
	// engine.DefaultCommandFactory; tests substitute a fake (teacher's
	// MockCommand pattern, A2Y-D5L-multiproc/runner/runner_test.go).
	CommandFactory engine.CommandFactory
}

const defaultMaxLinesPerProc = 10000

// Run validates cfg.Specs into an engine.Manager, builds the event loop,
// and drives it to completion via the selected renderer. It returns the
// supervisor's exit code (spec §6).
func Run(ctx context.Context, cfg Config) (int, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	maxLines := cfg.MaxLinesPerProc
	if maxLines <= 0 {
		maxLines = defaultMaxLinesPerProc
	}

	clock := engine.NewSystemClock()
	runner := engine.NewRunner(cfg.CommandFactory)
	mgr, err := engine.NewManager(cfg.Specs, cfg.Policy, runner, cfg.Logger, clock)
	if err != nil {
		return 1, fmt.Errorf("config error: %w", err)
	}
	defer mgr.Close()

	loop := engine.NewLoop(mgr, maxLines, cfg.TimelineMaxLines, nil)

	useTUI := !cfg.NoUI && isatty.IsTerminal(os.Stdout.Fd())
	if useTUI {
		code, err := tui.Run(ctx, loop)
		if err != nil {
			return code, err
		}
		return code, nil
	}

	lcfg := lineout.Config{Mode: cfg.LineMode, Prefix: cfg.LinePrefix, Timestamp: cfg.Timestamp}
	if lcfg.Prefix == "" {
		lcfg = lineout.DefaultConfig()
		lcfg.Mode = cfg.LineMode
		lcfg.Timestamp = cfg.Timestamp
	}
	writer := lineout.NewWriter(cfg.Stdout, lcfg, mgr)
	loop.SetOnFrame(writer.OnFrame)

	code := loop.Run(ctx)
	lineout.Summary(cfg.Stderr, mgr)
	return code, nil
}
