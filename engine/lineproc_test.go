package engine_test

import (
	"strings"
	"testing"

	"github.com/piperack/piperack/engine"
)

func TestRender_PlainLinePassesThrough(t *testing.T) {
	got := engine.Render([]byte("hello world"), engine.RenderOptions{})
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestRender_CarriageReturnOverwritesLine(t *testing.T) {
	// "50% done" then \r rewinds to col 0 and overwrites it with a string
	// one character longer, matching a shell progress-bar redraw.
	raw := []byte("50% done\r100% done")
	got := engine.Render(raw, engine.RenderOptions{})
	if got != "100% done" {
		t.Fatalf("got %q, want %q", got, "100% done")
	}
}

func TestRender_EraseInLineClearsVisibleContent(t *testing.T) {
	raw := []byte("garbage to erase\x1b[2Kclean")
	got := engine.Render(raw, engine.RenderOptions{})
	if got != "clean" {
		t.Fatalf("got %q, want %q", got, "clean")
	}
}

func TestRender_StripANSIRemovesEscapeSequences(t *testing.T) {
	raw := []byte("\x1b[31mred text\x1b[0m")
	got := engine.Render(raw, engine.RenderOptions{StripANSI: true})
	if got != "red text" {
		t.Fatalf("got %q, want %q", got, "red text")
	}
}

func TestRender_StripANSIFalseKeepsEscapeSequences(t *testing.T) {
	raw := []byte("\x1b[31mred\x1b[0m")
	got := engine.Render(raw, engine.RenderOptions{StripANSI: false})
	if !strings.Contains(got, "\x1b[31m") {
		t.Fatalf("expected raw escape sequence to survive, got %q", got)
	}
}

func TestRender_PrettyJSONIndentsObject(t *testing.T) {
	raw := []byte(`{"a":1,"b":"two"}`)
	got := engine.Render(raw, engine.RenderOptions{PrettyJSON: true})
	if !strings.Contains(got, "\n") {
		t.Fatalf("expected multi-line indented output, got %q", got)
	}
	if !strings.Contains(got, `"a": 1`) {
		t.Fatalf("expected indented key/value, got %q", got)
	}
}

func TestRender_PrettyJSONFallsBackSilentlyOnNonObject(t *testing.T) {
	raw := []byte(`not json at all {`)
	got := engine.Render(raw, engine.RenderOptions{PrettyJSON: true})
	if got != "not json at all {" {
		t.Fatalf("malformed JSON should fall back to the raw line unchanged, got %q", got)
	}
}

func TestRender_PrettyJSONIgnoresArraysAndScalars(t *testing.T) {
	for _, raw := range []string{`[1,2,3]`, `42`, `"just a string"`} {
		got := engine.Render([]byte(raw), engine.RenderOptions{PrettyJSON: true})
		if got != raw {
			t.Fatalf("non-object JSON %q should pass through unchanged, got %q", raw, got)
		}
	}
}
