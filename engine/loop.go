package engine

import (
	"context"
	"time"
)

// Event is the tagged union dispatched by the loop (spec §4.8). The set is
// closed and small, so — following the teacher's renderer.Event marker-type
// pattern (A2Y-D5L-multiproc/renderer/state.go) — it is a plain interface
// with unexported marker methods rather than a polymorphic call surface.
type Event interface{ isEvent() }

// EventOutput carries one raw byte chunk read from a child's stdout/stderr
// pipe. Line splitting happens in the loop (via Store.Append), not in the
// reading goroutine (spec §9).
type EventOutput struct {
	ProcessID ProcessID
	Stream    Stream
	Chunk     []byte
}

func (EventOutput) isEvent() {}

// EventExited reports a child process's termination.
type EventExited struct {
	ProcessID ProcessID
	Err       error
}

func (EventExited) isEvent() {}

// EventPreDone reports a PreCmd's completion.
type EventPreDone struct {
	ProcessID ProcessID
	Err       error
}

func (EventPreDone) isEvent() {}

// EventReady is emitted exactly once per readiness probe, when its
// predicate fires.
type EventReady struct{ ProcessID ProcessID }

func (EventReady) isEvent() {}

// EventWatchFired is emitted once per debounced burst of filesystem
// activity on a process's watch set.
type EventWatchFired struct{ ProcessID ProcessID }

func (EventWatchFired) isEvent() {}

// InputKind distinguishes a keypress from a mouse action in EventInput.
type InputKind uint8

const (
	InputKey InputKind = iota
	InputMouseScroll
)

// EventInput carries one unit of user input from the terminal.
type EventInput struct {
	Kind  InputKind
	Key   string // e.g. "q", "ctrl+c", "up", "enter" — opaque to the engine
	Delta int    // mouse scroll delta, lines
}

func (EventInput) isEvent() {}

// EventTick fires on the render cadence (spec's 16-33ms target) and also
// drives Manager ticks (dependency eligibility, restart timers).
type EventTick struct{ At time.Time }

func (EventTick) isEvent() {}

// EventShutdown requests the drain-then-exit sequence, from 'q', Ctrl-C, or
// an internal fatal error.
type EventShutdown struct{ Cause error }

func (EventShutdown) isEvent() {}

// eventChannelBuffer bounds the loop's input channel (spec §4.8's
// backpressure policy: bounded, senders block when full rather than
// dropping lines).
const eventChannelBuffer = 4096

// tickInterval is the loop's redraw/manager-tick cadence.
const tickInterval = 33 * time.Millisecond

// Loop is the single cooperative scheduler that owns every piece of mutable
// application state (ProcessStates, OutputBuffers, Selection, SearchState)
// and is the only goroutine that ever mutates it. Every other goroutine
// (runners, watchers, probes, input reader) communicates solely by sending
// on Events (spec §4.8, §9).
type Loop struct {
	Events  chan Event
	Manager *Manager
	App     *AppState

	onFrame func(*AppState, Event)
}

// AppState is the full mutable snapshot the loop owns: per-process log
// storage plus the view-layer state (selection, search) a renderer reads
// from after each dispatched event.
type AppState struct {
	Store      *Store
	Selections []Selection
	Search     SearchState
	Timeline   bool // true when the merged timeline view is active
	RenderOpts RenderOptions

	Selected  ProcessID // the process the TUI currently has focus on
	InputMode bool      // true while keystrokes are forwarded to Selected's stdin
	ShowHelp  bool
}

// NewLoop builds a Loop over manager's specs. onFrame is invoked after every
// dispatched event that warrants a redraw (spec §4.8 step 3); it may be nil.
func NewLoop(mgr *Manager, perProcessCap, timelineCap int, onFrame func(*AppState, Event)) *Loop {
	n := len(mgr.specs)
	app := &AppState{
		Store:      NewStore(n, perProcessCap, timelineCap),
		Selections: make([]Selection, n),
	}
	for i := range app.Selections {
		app.Selections[i] = Selection{Anchor: AnchorBottom}
	}
	return &Loop{
		Events:  make(chan Event, eventChannelBuffer),
		Manager: mgr,
		App:     app,
		onFrame: onFrame,
	}
}

// Send delivers ev to the loop. It is the only supported way for any
// non-loop goroutine to influence application state.
func (l *Loop) Send(ev Event) { l.Events <- ev }

// SetOnFrame installs the redraw callback after construction, letting a
// renderer (tui.Program, lineout.Writer) that itself needs the Loop to
// exist before it can build the callback wire itself in after the fact.
func (l *Loop) SetOnFrame(f func(*AppState, Event)) { l.onFrame = f }

// Run drives the loop until ctx is cancelled or the Manager decides the
// supervisor should exit (all processes terminal and drained). It returns
// the effective exit code (spec §6).
func (l *Loop) Run(ctx context.Context) int {
	l.Manager.Start(ctx, l.Send)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	shuttingDown := false

	for {
		select {
		case <-ctx.Done():
			if !shuttingDown {
				shuttingDown = true
				l.Manager.BeginShutdown(ctx, context.Cause(ctx))
			}

		case t := <-ticker.C:
			ev := EventTick{At: t}
			l.Manager.Tick(ctx, l.Send, l.App)
			l.dispatch(ev)

		case ev, ok := <-l.Events:
			if !ok {
				return l.Manager.ExitCode()
			}
			if sd, isShutdown := ev.(EventShutdown); isShutdown && !shuttingDown {
				shuttingDown = true
				l.Manager.BeginShutdown(ctx, sd.Cause)
			}
			l.dispatch(ev)
		}

		if l.Manager.AllTerminal() {
			return l.Manager.ExitCode()
		}
	}
}

// dispatch routes one event to the Store/Manager/Search/Selection state and
// then renders a frame, exactly mirroring spec §4.8's per-iteration steps
// 2-3.
func (l *Loop) dispatch(ev Event) {
	switch e := ev.(type) {
	case EventOutput:
		buf := l.App.Store.Buffer(e.ProcessID)
		firstNewSeq := buf.nextSeq
		l.App.Store.Append(e.ProcessID, e.Stream, e.Chunk, l.Manager.clock)
		for seq := firstNewSeq; seq < buf.nextSeq; seq++ {
			if idx := buf.FindBySeq(seq); idx >= 0 {
				if line, ok := buf.At(idx); ok {
					l.App.Search.OnAppend(e.ProcessID, line)
					l.Manager.OnOutput(e.ProcessID, line)
				}
			}
		}
		l.App.Search.ClampProcess(e.ProcessID, buf)
		l.clampSelection(e.ProcessID)

	case EventExited:
		l.Manager.OnExited(e.ProcessID, e.Err)
		l.flushCarry(e.ProcessID)

	case EventPreDone:
		l.Manager.OnPreDone(e.ProcessID, e.Err)

	case EventReady:
		l.Manager.OnReady(e.ProcessID)

	case EventWatchFired:
		l.Manager.OnWatchFired(e.ProcessID)

	case EventInput:
		l.handleInput(e)

	case EventSelectProcess:
		if int(e.ProcessID) < len(l.App.Selections) {
			l.App.Selected = e.ProcessID
		}

	case EventSearchQuery:
		l.App.Search.SetQuery(e.Query, e.CaseSensitive, l.App.Store)

	case EventSearchClear:
		l.App.Search.Clear()

	case EventGroupRestart:
		l.Manager.GroupRestart(e.Tag)

	case EventStdinInput:
		if w, ok := l.Manager.Stdin(l.App.Selected); ok {
			_ = WriteStdin(w, e.Data)
		}

	case EventTick:
		// Manager.Tick already ran in Run; nothing further to dispatch.

	case EventShutdown:
		// Handled by Run before dispatch.
	}

	if l.onFrame != nil {
		l.onFrame(l.App, ev)
	}
}

func (l *Loop) flushCarry(pid ProcessID) {
	l.App.Store.Flush(pid, StreamStdout, l.Manager.clock)
	l.App.Store.Flush(pid, StreamStderr, l.Manager.clock)
}

func (l *Loop) clampSelection(pid ProcessID) {
	sel := &l.App.Selections[pid]
	buf := l.App.Store.Buffer(pid)
	if sel.Anchor == AnchorBottom {
		return
	}
	if oldest, ok := buf.OldestSeq(); ok && sel.Seq < oldest {
		sel.Seq = oldest
	}
}
