package lineout_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/piperack/piperack/engine"
	"github.com/piperack/piperack/lineout"
)

func newTestManager(t *testing.T, names ...string) *engine.Manager {
	t.Helper()
	specs := make([]engine.ProcessSpec, len(names))
	for i, n := range names {
		specs[i] = engine.ProcessSpec{Name: n, Cmd: []string{"x"}}
	}
	factory := func(ctx context.Context, spec engine.ProcessSpec, argv []string) (engine.Command, error) {
		return nil, errors.New("lineout tests never spawn real processes")
	}
	runner := engine.NewRunner(factory)
	mgr, err := engine.NewManager(specs, engine.Policy{}, runner, zap.NewNop(), engine.NewSystemClock())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestWriter_CombinedModePrefixesEachLine(t *testing.T) {
	mgr := newTestManager(t, "web")
	store := engine.NewStore(1, 10, 0)
	clock := engine.NewSystemClock()
	store.Append(0, engine.StreamStdout, []byte("starting up\n"), clock)

	var out bytes.Buffer
	w := lineout.NewWriter(&out, lineout.Config{Mode: lineout.Combined, Prefix: "[%s]"}, mgr)
	app := &engine.AppState{Store: store}
	w.OnFrame(app, engine.EventOutput{ProcessID: 0, Stream: engine.StreamStdout})

	got := out.String()
	if !strings.Contains(got, "[web]") || !strings.Contains(got, "starting up") {
		t.Fatalf("got %q, want prefix and line content", got)
	}
}

func TestWriter_RawModeOmitsPrefix(t *testing.T) {
	mgr := newTestManager(t, "web")
	store := engine.NewStore(1, 10, 0)
	store.Append(0, engine.StreamStdout, []byte("plain line\n"), engine.NewSystemClock())

	var out bytes.Buffer
	w := lineout.NewWriter(&out, lineout.Config{Mode: lineout.Raw}, mgr)
	app := &engine.AppState{Store: store}
	w.OnFrame(app, engine.EventOutput{ProcessID: 0, Stream: engine.StreamStdout})

	got := strings.TrimSpace(out.String())
	if got != "plain line" {
		t.Fatalf("got %q, want %q", got, "plain line")
	}
}

func TestWriter_RawModeStillPrependsTimestampWhenEnabled(t *testing.T) {
	mgr := newTestManager(t, "web")
	store := engine.NewStore(1, 10, 0)
	store.Append(0, engine.StreamStdout, []byte("plain line\n"), engine.NewSystemClock())

	var out bytes.Buffer
	w := lineout.NewWriter(&out, lineout.Config{Mode: lineout.Raw, Timestamp: true}, mgr)
	app := &engine.AppState{Store: store}
	w.OnFrame(app, engine.EventOutput{ProcessID: 0, Stream: engine.StreamStdout})

	got := out.String()
	if !strings.Contains(got, "plain line") {
		t.Fatalf("got %q, want the line content", got)
	}
	open, shut := strings.Index(got, "["), strings.Index(got, "]")
	if open != 0 || shut < 0 {
		t.Fatalf("expected a leading [...] timestamp prefix even in raw mode, got %q", got)
	}
	if _, err := time.Parse(time.RFC3339, got[open+1:shut]); err != nil {
		t.Fatalf("expected an RFC3339 timestamp prefix, got %q (parse error: %v)", got[open+1:shut], err)
	}
}

func TestWriter_GroupedModeBuffersUntilExit(t *testing.T) {
	mgr := newTestManager(t, "web")
	store := engine.NewStore(1, 10, 0)
	clock := engine.NewSystemClock()
	store.Append(0, engine.StreamStdout, []byte("one\ntwo\n"), clock)

	var out bytes.Buffer
	w := lineout.NewWriter(&out, lineout.Config{Mode: lineout.Grouped, Prefix: "[%s]"}, mgr)
	app := &engine.AppState{Store: store}

	w.OnFrame(app, engine.EventOutput{ProcessID: 0, Stream: engine.StreamStdout})
	if out.Len() != 0 {
		t.Fatalf("grouped mode should not print before exit, got %q", out.String())
	}

	w.OnFrame(app, engine.EventExited{ProcessID: 0})
	got := out.String()
	if !strings.Contains(got, "one") || !strings.Contains(got, "two") {
		t.Fatalf("expected both buffered lines flushed on exit, got %q", got)
	}
}

func TestSummary_ListsEveryProcessStatus(t *testing.T) {
	mgr := newTestManager(t, "web", "worker")
	var out bytes.Buffer
	lineout.Summary(&out, mgr)

	got := out.String()
	if !strings.Contains(got, "web:") || !strings.Contains(got, "worker:") {
		t.Fatalf("got %q, want both process names listed", got)
	}
}
