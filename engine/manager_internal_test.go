package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestManager_SigintSigtermWaitFallBackToDefaults(t *testing.T) {
	mgr := &Manager{}
	if got := mgr.sigintWait(); got != defaultSigintWait {
		t.Fatalf("sigintWait() = %v, want default %v", got, defaultSigintWait)
	}
	if got := mgr.sigtermWait(); got != defaultSigtermWait {
		t.Fatalf("sigtermWait() = %v, want default %v", got, defaultSigtermWait)
	}
}

func TestManager_SigintSigtermWaitHonorConfiguredOverrides(t *testing.T) {
	mgr := &Manager{policy: Policy{ShutdownSIGINT: 5 * time.Second, ShutdownSIGTERM: 7 * time.Second}}
	if got := mgr.sigintWait(); got != 5*time.Second {
		t.Fatalf("sigintWait() = %v, want 5s override", got)
	}
	if got := mgr.sigtermWait(); got != 7*time.Second {
		t.Fatalf("sigtermWait() = %v, want 7s override", got)
	}
}

func TestExpandLogFileTemplate_SubstitutesName(t *testing.T) {
	got := expandLogFileTemplate("/var/log/{name}.log", "web")
	if want := "/var/log/web.log"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestManager_MirrorLineWritesAcceptedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.log")
	mgr := &Manager{
		log:   zap.NewNop(),
		procs: []process{{spec: ProcessSpec{Name: "web", LogFileTemplate: path}}},
	}

	mgr.mirrorLine(0, LogLine{Raw: []byte("first line")})
	mgr.mirrorLine(0, LogLine{Raw: []byte("second line")})
	mgr.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(data), "first line\nsecond line\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestManager_MirrorLineIsNoopWithoutLogFileTemplate(t *testing.T) {
	mgr := &Manager{
		log:   zap.NewNop(),
		procs: []process{{spec: ProcessSpec{Name: "web"}}},
	}
	mgr.mirrorLine(0, LogLine{Raw: []byte("ignored")})
	if mgr.procs[0].mirror != nil {
		t.Fatal("no file should be opened when LogFileTemplate is empty")
	}
}

func TestManager_MirrorLineSuppressesAfterOpenFailure(t *testing.T) {
	// A path beneath a file (not a directory) can never be opened.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mgr := &Manager{
		log:   zap.NewNop(),
		procs: []process{{spec: ProcessSpec{Name: "web", LogFileTemplate: filepath.Join(blocker, "web.log")}}},
	}

	mgr.mirrorLine(0, LogLine{Raw: []byte("one")})
	if !mgr.procs[0].mirrorFailed {
		t.Fatal("mirrorFailed should latch after an open failure")
	}
	mgr.mirrorLine(0, LogLine{Raw: []byte("two")}) // must not panic or retry
}

func TestManager_MirrorLineReopensAcrossRestartsInAppendMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "{name}.log")
	mgr := &Manager{
		log:   zap.NewNop(),
		procs: []process{{spec: ProcessSpec{Name: "web", LogFileTemplate: path}}},
	}

	mgr.mirrorLine(0, LogLine{Raw: []byte("before restart")})
	mgr.mirrorLine(0, LogLine{Raw: []byte("after restart")}) // same open handle, no truncation
	mgr.Close()

	data, err := os.ReadFile(filepath.Join(dir, "web.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(data), "before restart\nafter restart\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
