package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/piperack/piperack/config"
	"github.com/piperack/piperack/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "piperack.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ParsesProcessesAndGlobalPolicy(t *testing.T) {
	path := writeConfig(t, `
kill_others_on_fail = true
success = "all"

[[process]]
name = "web"
cmd = "node server.js"
depends_on = ["db"]

[[process]]
name = "db"
cmd = "postgres"
ready_tcp_port = 5432
`)

	file, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	specs, policy, err := file.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if !policy.KillOthersOnFail {
		t.Fatal("kill_others_on_fail should carry through")
	}
	if policy.Success != engine.SuccessAll {
		t.Fatalf("Success = %v, want SuccessAll", policy.Success)
	}

	web := specs[0]
	if _, ok := web.DependsOn["db"]; !ok {
		t.Fatalf("web should depend on db, got %v", web.DependsOn)
	}
	db := specs[1]
	if db.Ready.Kind != engine.ReadyTCP || db.Ready.Port != 5432 {
		t.Fatalf("db ready check = %+v, want ReadyTCP:5432", db.Ready)
	}
}

func TestBuild_RejectsMultipleReadyChecksOnOneProcess(t *testing.T) {
	path := writeConfig(t, `
[[process]]
name = "web"
cmd = "node server.js"
ready_tcp_port = 3000
ready_delay_ms = 500
`)
	file, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, err := file.Build(); err == nil {
		t.Fatal("expected an error when more than one ready_* field is set")
	}
}

func TestBuild_RestartTriesNilMeansUnbounded(t *testing.T) {
	path := writeConfig(t, `
[[process]]
name = "web"
cmd = "node server.js"
restart_on_fail = true
`)
	file, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	specs, _, err := file.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if specs[0].RestartTries != -1 {
		t.Fatalf("RestartTries = %d, want -1 (unbounded) when unset", specs[0].RestartTries)
	}
}

func TestBuild_FollowDefaultsTrue(t *testing.T) {
	path := writeConfig(t, `
[[process]]
name = "web"
cmd = "node server.js"
`)
	file, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	specs, _, err := file.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !specs[0].Follow {
		t.Fatal("Follow should default to true when unset")
	}
}

func TestMaxLines_FallsBackToDefaultWhenUnset(t *testing.T) {
	path := writeConfig(t, `
[[process]]
name = "web"
cmd = "node server.js"
`)
	file, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := file.MaxLines(); got <= 0 {
		t.Fatalf("MaxLines() = %d, want a positive default", got)
	}
}

func TestBuild_WiresShutdownWindowsIntoPolicy(t *testing.T) {
	path := writeConfig(t, `
shutdown_sigint_ms = 1500
shutdown_sigterm_ms = 2500

[[process]]
name = "web"
cmd = "node server.js"
`)
	file, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, policy, err := file.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if policy.ShutdownSIGINT != 1500*time.Millisecond {
		t.Fatalf("ShutdownSIGINT = %v, want 1500ms", policy.ShutdownSIGINT)
	}
	if policy.ShutdownSIGTERM != 2500*time.Millisecond {
		t.Fatalf("ShutdownSIGTERM = %v, want 2500ms", policy.ShutdownSIGTERM)
	}
}

func TestTimelineMaxLines_ReturnsConfiguredValueOrZero(t *testing.T) {
	withValue := writeConfig(t, `
timeline_max_lines = 42

[[process]]
name = "web"
cmd = "x"
`)
	file, err := config.Load(withValue)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := file.TimelineMaxLines(); got != 42 {
		t.Fatalf("TimelineMaxLines() = %d, want 42", got)
	}

	withoutValue := writeConfig(t, `[[process]]
name = "web"
cmd = "x"
`)
	file, err = config.Load(withoutValue)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := file.TimelineMaxLines(); got != 0 {
		t.Fatalf("TimelineMaxLines() = %d, want 0 (let engine.NewStore derive its default)", got)
	}
}

func TestExists(t *testing.T) {
	path := writeConfig(t, `[[process]]
name = "web"
cmd = "x"
`)
	if !config.Exists(path) {
		t.Fatal("Exists should report true for a file that was just written")
	}
	if config.Exists(filepath.Join(filepath.Dir(path), "missing.toml")) {
		t.Fatal("Exists should report false for a nonexistent path")
	}
}
