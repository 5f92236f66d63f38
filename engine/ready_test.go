package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/piperack/piperack/engine"
)

func TestCompileReady_NonRegexKindsReturnNilPattern(t *testing.T) {
	for _, kind := range []engine.ReadyKind{engine.ReadyNone, engine.ReadyTCP, engine.ReadyDelay} {
		re, err := engine.CompileReady(engine.ReadyCheck{Kind: kind})
		if err != nil {
			t.Fatalf("kind %v: unexpected error %v", kind, err)
		}
		if re != nil {
			t.Fatalf("kind %v: expected a nil pattern", kind)
		}
	}
}

func TestCompileReady_CompilesValidRegex(t *testing.T) {
	re, err := engine.CompileReady(engine.ReadyCheck{Kind: engine.ReadyLogRegex, Regex: "^listening on"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if re == nil || !re.MatchString("listening on :8080") {
		t.Fatal("compiled regex should match the declared pattern")
	}
}

func TestCompileReady_RejectsInvalidRegex(t *testing.T) {
	_, err := engine.CompileReady(engine.ReadyCheck{Kind: engine.ReadyLogRegex, Regex: "("})
	if err == nil {
		t.Fatal("expected an error for an unbalanced regex")
	}
}

func TestStartDelayProbe_FiresAfterDelay(t *testing.T) {
	events := make(chan engine.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.StartDelayProbe(ctx, 0, 10*time.Millisecond, func(e engine.Event) { events <- e })

	select {
	case ev := <-events:
		ready, ok := ev.(engine.EventReady)
		if !ok || ready.ProcessID != 0 {
			t.Fatalf("expected EventReady(pid=0), got %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the delay probe to fire")
	}
}

func TestStartDelayProbe_CancelledBeforeFireSendsNothing(t *testing.T) {
	events := make(chan engine.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	engine.StartDelayProbe(ctx, 0, time.Hour, func(e engine.Event) { events <- e })
	cancel()

	select {
	case ev := <-events:
		t.Fatalf("expected no event after cancellation, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
