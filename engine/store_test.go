package engine_test

import (
	"strings"
	"testing"
	"time"

	"github.com/piperack/piperack/engine"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) MonotonicNS() int64    { return c.now.UnixNano() }
func (c *fakeClock) WallNow() time.Time    { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func collect(buf *engine.OutputBuffer) []string {
	var out []string
	buf.Lines(0, buf.Len(), func(l engine.LogLine) bool {
		out = append(out, string(l.Raw))
		return true
	})
	return out
}

func TestStore_AppendSplitsOnNewline(t *testing.T) {
	s := engine.NewStore(1, 10, 0)
	clock := newFakeClock()

	s.Append(0, engine.StreamStdout, []byte("line one\nline two\n"), clock)

	got := collect(s.Buffer(0))
	want := []string{"line one", "line two"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStore_CarryOverAcrossChunks(t *testing.T) {
	s := engine.NewStore(1, 10, 0)
	clock := newFakeClock()

	s.Append(0, engine.StreamStdout, []byte("partial"), clock)
	if got := collect(s.Buffer(0)); len(got) != 0 {
		t.Fatalf("partial line should not be emitted yet, got %v", got)
	}

	s.Append(0, engine.StreamStdout, []byte(" line\n"), clock)
	got := collect(s.Buffer(0))
	if len(got) != 1 || got[0] != "partial line" {
		t.Fatalf("got %v, want [\"partial line\"]", got)
	}
}

func TestStore_FlushEmitsUnterminatedLine(t *testing.T) {
	s := engine.NewStore(1, 10, 0)
	clock := newFakeClock()

	s.Append(0, engine.StreamStdout, []byte("no newline"), clock)
	s.Flush(0, engine.StreamStdout, clock)

	got := collect(s.Buffer(0))
	if len(got) != 1 || got[0] != "no newline" {
		t.Fatalf("got %v, want [\"no newline\"]", got)
	}
}

func TestOutputBuffer_EvictsOldestAndCountsDrops(t *testing.T) {
	s := engine.NewStore(1, 2, 0)
	clock := newFakeClock()

	s.Append(0, engine.StreamStdout, []byte("a\nb\nc\n"), clock)

	buf := s.Buffer(0)
	if buf.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", buf.Len())
	}
	if buf.DroppedCount != 1 {
		t.Fatalf("DroppedCount = %d, want 1", buf.DroppedCount)
	}
	got := collect(buf)
	if got[0] != "b" || got[1] != "c" {
		t.Fatalf("got %v, want [b c]", got)
	}
}

func TestOutputBuffer_MaxLinesOneKeepsOnlyLatest(t *testing.T) {
	s := engine.NewStore(1, 1, 0)
	clock := newFakeClock()
	s.Append(0, engine.StreamStdout, []byte("a\nb\nc\n"), clock)

	buf := s.Buffer(0)
	if buf.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", buf.Len())
	}
	if buf.DroppedCount != 2 {
		t.Fatalf("DroppedCount = %d, want 2", buf.DroppedCount)
	}
	got := collect(buf)
	if got[0] != "c" {
		t.Fatalf("got %v, want [c]", got)
	}
}

func TestStore_LineOver1MiBIsTruncated(t *testing.T) {
	s := engine.NewStore(1, 10, 0)
	clock := newFakeClock()

	huge := strings.Repeat("x", 2<<20) // 2 MiB
	s.Append(0, engine.StreamStdout, append([]byte(huge), '\n'), clock)

	got := collect(s.Buffer(0))
	if len(got) != 2 {
		t.Fatalf("want the 2 MiB line split into 2 accepted lines, got %d", len(got))
	}
	if !strings.HasSuffix(got[0], "…[truncated]") {
		t.Fatalf("first split line should carry the truncation marker")
	}
}

func TestStore_TimelineMergesArrivalOrder(t *testing.T) {
	s := engine.NewStore(2, 10, 0)
	clock := newFakeClock()

	s.Append(0, engine.StreamStdout, []byte("a1\n"), clock)
	s.Append(1, engine.StreamStdout, []byte("b1\n"), clock)
	s.Append(0, engine.StreamStdout, []byte("a2\n"), clock)

	var order []string
	s.Timeline(0, s.TimelineLen(), func(l engine.LogLine) bool {
		order = append(order, string(l.Raw))
		return true
	})
	want := []string{"a1", "b1", "a2"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("timeline[%d] = %q, want %q (full: %v)", i, order[i], w, order)
		}
	}
}
