package engine

// EventSelectProcess moves focus to a specific process, e.g. a mouse click
// on its panel or the result of Tab/arrow navigation resolved by the TUI.
type EventSelectProcess struct{ ProcessID ProcessID }

func (EventSelectProcess) isEvent() {}

// EventSearchQuery installs a new search query, replacing any previous one
// (spec §4.7, the '/' key followed by text entry in the TUI).
type EventSearchQuery struct {
	Query         string
	CaseSensitive bool
}

func (EventSearchQuery) isEvent() {}

// EventSearchClear turns search off (Escape while searching).
type EventSearchClear struct{}

func (EventSearchClear) isEvent() {}

// EventGroupRestart restarts every process tagged with Tag, in dependency
// order (the 'g' key, which prompts for a tag in the TUI before this event
// is sent — spec §4.6's "Group operations").
type EventGroupRestart struct{ Tag string }

func (EventGroupRestart) isEvent() {}

// EventStdinInput forwards raw bytes typed while input mode is active to
// the currently selected process's stdin (spec §4.5, §4.6's stdin routing:
// "at most one process receives user input").
type EventStdinInput struct{ Data []byte }

func (EventStdinInput) isEvent() {}

// handleInput applies the single-key bindings from spec §6 that don't need
// multi-character text entry (those go through EventSearchQuery /
// EventGroupRestart / EventStdinInput instead, composed by the TUI's own
// input-mode state machine). Selection movement (arrows/Tab/PgUp/PgDown)
// only changes Selected/scroll state; it never touches ProcessState.
func (l *Loop) handleInput(e EventInput) {
	app := l.App
	n := len(app.Selections)
	if n == 0 {
		return
	}

	if e.Kind == InputMouseScroll {
		l.scroll(app.Selected, e.Delta)
		return
	}

	if app.InputMode {
		// Only Enter (leave input mode) and Escape are intercepted here;
		// everything else is plain stdin data forwarded by the caller via
		// EventStdinInput, not through handleInput.
		if e.Key == "enter" || e.Key == "esc" {
			app.InputMode = false
		}
		return
	}

	switch e.Key {
	case "up":
		app.Selected = ProcessID((int(app.Selected) - 1 + n) % n)
	case "down", "tab":
		app.Selected = ProcessID((int(app.Selected) + 1) % n)

	case "pgup":
		l.scroll(app.Selected, -pageScrollLines)
	case "pgdown":
		l.scroll(app.Selected, pageScrollLines)
	case "home":
		l.scrollToTop(app.Selected)
	case "end", "f":
		app.Selections[app.Selected].SetBottom()

	case "t":
		app.Timeline = !app.Timeline

	case "r":
		l.Manager.Restart(app.Selected)
	case "R":
		for pid := ProcessID(0); int(pid) < n; pid++ {
			l.Manager.Restart(pid)
		}

	case "k":
		l.Manager.Kill(app.Selected)

	case "j":
		app.RenderOpts.PrettyJSON = !app.RenderOpts.PrettyJSON
	case "a":
		app.RenderOpts.StripANSI = !app.RenderOpts.StripANSI

	case "n":
		if seq, ok := app.Search.Next(app.Selected); ok {
			app.Selections[app.Selected].SetLine(seq)
		}
	case "N":
		if seq, ok := app.Search.Previous(app.Selected); ok {
			app.Selections[app.Selected].SetLine(seq)
		}

	case "enter":
		app.InputMode = true
	case "?":
		app.ShowHelp = !app.ShowHelp

	case "q", "ctrl+c":
		l.Send(EventShutdown{})
	}
}

// pageScrollLines is how far PgUp/PgDown move the anchor, in lines.
const pageScrollLines = 20

// scroll moves pid's selection anchor by delta lines (negative = up,
// toward older lines), clamped to the buffer's retained range. Any upward
// scroll leaves follow mode (spec §4.7: "any upward scroll sets anchor to
// the top-visible line's seq").
func (l *Loop) scroll(pid ProcessID, delta int) {
	buf := l.App.Store.Buffer(pid)
	sel := &l.App.Selections[pid]

	var cur uint64
	if sel.IsFollowing() {
		newest, ok := buf.OldestSeq()
		if !ok {
			return
		}
		cur = newest + uint64(buf.Len()) - 1
	} else {
		cur = sel.Seq
	}

	next := int64(cur) + int64(delta)
	oldest, ok := buf.OldestSeq()
	if !ok {
		return
	}
	if next < int64(oldest) {
		next = int64(oldest)
	}
	newest := int64(oldest) + int64(buf.Len()) - 1
	if next >= newest {
		sel.SetBottom()
		return
	}
	sel.SetLine(uint64(next))
}

func (l *Loop) scrollToTop(pid ProcessID) {
	buf := l.App.Store.Buffer(pid)
	if oldest, ok := buf.OldestSeq(); ok {
		l.App.Selections[pid].SetLine(oldest)
	}
}
