// Package lineout is Piperack's --no-ui renderer: a plain line emitter used
// when stdout isn't a TTY or the user passes --no-ui (spec §6). It plays
// the same role as the teacher's renderer.RenderIncremental
// (A2Y-D5L-multiproc/renderer/incremental.go), generalized to the three
// modes spec.md names (combined/grouped/raw) instead of the teacher's
// single always-interleaved format.
package lineout

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/piperack/piperack/engine"
)

// Mode selects how a process's lines are interleaved on output.
type Mode uint8

const (
	// Combined interleaves every process's lines as they arrive, each
	// prefixed per Config.Prefix.
	Combined Mode = iota
	// Grouped buffers each process's lines and flushes them as one block
	// when the process exits.
	Grouped
	// Raw passes lines through with no prefix at all.
	Raw
)

// Config configures a Writer.
type Config struct {
	Mode      Mode
	Prefix    string // format string with one "%s" placeholder for the name
	Timestamp bool   // prepend an ISO-8601 wall-clock timestamp
}

// DefaultConfig mirrors the teacher's runner.DefaultConfig prefix choice.
func DefaultConfig() Config {
	return Config{Mode: Combined, Prefix: "[%s]"}
}

// Writer consumes engine events (via its OnFrame method, installed through
// engine.Loop.SetOnFrame) and writes formatted lines to out. It tracks, per
// process, which of that process's lines it has already printed, so it can
// safely be driven by repeated full-AppState frame snapshots rather than
// needing its own separate event feed.
type Writer struct {
	out    io.Writer
	cfg    Config
	mgr    *engine.Manager
	cursor []uint64 // next unprinted seq per process
	group  [][]engine.LogLine
}

// NewWriter builds a Writer for n processes.
func NewWriter(out io.Writer, cfg Config, mgr *engine.Manager) *Writer {
	n := mgr.Count()
	return &Writer{
		out:    bufio.NewWriter(out),
		cfg:    cfg,
		mgr:    mgr,
		cursor: make([]uint64, n),
		group:  make([][]engine.LogLine, n),
	}
}

// OnFrame is installed via engine.Loop.SetOnFrame; it prints any lines that
// arrived as part of ev, and flushes a process's grouped block on exit.
func (w *Writer) OnFrame(app *engine.AppState, ev engine.Event) {
	defer func() {
		if f, ok := w.out.(interface{ Flush() error }); ok {
			_ = f.Flush()
		}
	}()

	switch e := ev.(type) {
	case engine.EventOutput:
		w.drain(app, e.ProcessID)
	case engine.EventExited:
		w.drain(app, e.ProcessID)
		if w.cfg.Mode == Grouped {
			w.flushGroup(e.ProcessID)
		}
		w.printDone(e.ProcessID, e.Err)
	}
}

// drain prints (or buffers, in Grouped mode) every line newly present in
// pid's buffer since the last call.
func (w *Writer) drain(app *engine.AppState, pid engine.ProcessID) {
	buf := app.Store.Buffer(pid)
	oldest, ok := buf.OldestSeq()
	if !ok {
		return
	}
	if w.cursor[pid] < oldest {
		w.cursor[pid] = oldest // caught up past eviction; some lines are lost to the log, not to the renderer
	}
	for {
		idx := buf.FindBySeq(w.cursor[pid])
		if idx < 0 {
			break
		}
		line, ok := buf.At(idx)
		if !ok {
			break
		}
		w.cursor[pid]++
		if w.cfg.Mode == Grouped {
			w.group[pid] = append(w.group[pid], line)
			continue
		}
		w.printLine(pid, line)
	}
}

func (w *Writer) flushGroup(pid engine.ProcessID) {
	for _, line := range w.group[pid] {
		w.printLine(pid, line)
	}
	w.group[pid] = nil
}

func (w *Writer) printLine(pid engine.ProcessID, line engine.LogLine) {
	text := engine.Render(line.Raw, engine.RenderOptions{StripANSI: true})
	if w.cfg.Mode == Raw {
		fmt.Fprintln(w.out, w.timestamp()+text)
		return
	}
	fmt.Fprintln(w.out, w.prefix(pid)+text)
}

func (w *Writer) printDone(pid engine.ProcessID, err error) {
	state := w.mgr.State(pid)
	status := formatExit(state, err)
	if w.cfg.Mode == Raw {
		fmt.Fprintln(w.out, w.timestamp()+status)
		return
	}
	fmt.Fprintln(w.out, w.prefix(pid)+status)
}

// timestamp returns the ISO-8601 wall-clock prefix Config.Timestamp calls
// for, or "" when it's disabled. The Raw mode has no per-process prefix to
// carry it, so it's applied here directly instead (spec §6: "timestamp ...
// prepends ... " is mode-orthogonal).
func (w *Writer) timestamp() string {
	if !w.cfg.Timestamp {
		return ""
	}
	return fmt.Sprintf("[%s] ", time.Now().UTC().Format(time.RFC3339))
}

func (w *Writer) prefix(pid engine.ProcessID) string {
	name := w.mgr.Spec(pid).Name
	prefix := w.cfg.Prefix
	if prefix == "" {
		prefix = "[%s]"
	}
	label := fmt.Sprintf(prefix, name)
	return w.timestamp() + label + " "
}

// formatExit renders a process's terminal status the way the teacher's
// renderer.FormatExitError does, generalized to Piperack's Status set.
func formatExit(state engine.ProcessState, err error) string {
	if state.Failed {
		if err != nil {
			return fmt.Sprintf("failed: %v", err)
		}
		return fmt.Sprintf("exited with code %d", state.ExitCode)
	}
	return "ok"
}

// Summary writes a final per-process status block to out, mirroring the
// teacher's renderer.WriteFinalSummary (spec §6's ShowSummary analogue).
func Summary(out io.Writer, mgr *engine.Manager) {
	fmt.Fprintln(out, "Summary:")
	for pid := 0; pid < mgr.Count(); pid++ {
		spec := mgr.Spec(engine.ProcessID(pid))
		state := mgr.State(engine.ProcessID(pid))
		var status string
		switch {
		case state.Failed:
			status = fmt.Sprintf("failed (exit %d)", state.ExitCode)
		case state.Status == engine.StatusExited:
			status = "ok"
		default:
			status = strings.ToLower(state.Status.String())
		}
		fmt.Fprintf(out, "  - %s: %s\n", spec.Name, status)
	}
}

// ExitCode delegates to the Manager's own policy-driven exit code (spec
// §6's "Exit codes").
func ExitCode(mgr *engine.Manager) int { return mgr.ExitCode() }
