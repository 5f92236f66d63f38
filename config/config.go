// Package config loads Piperack's TOML configuration file into the engine's validated ProcessSpec/Policy types. Parsing itself is
// explicitly out of scope for the core (spec §1's "Explicitly out of
// scope": configuration file schema parsing); this package is the thin
// external collaborator the core consumes, grounded on
// iota-uz-iota-sdk's use of github.com/BurntSushi/toml for its own
// configuration files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/piperack/piperack/engine"
)

// File is the root TOML document shape: global options plus the
// `[[process]]` array (spec §6's "Configuration file").
type File struct {
	KillOthers       bool   `toml:"kill_others"`
	KillOthersOnFail bool   `toml:"kill_others_on_fail"`
	Success          string `toml:"success"` // "first" | "last" | "all"

	MaxLinesPerProc int `toml:"max_lines"`
	TimelineMax     int `toml:"timeline_max_lines"`
	ShutdownSIGINT  int `toml:"shutdown_sigint_ms"`
	ShutdownSIGTERM int `toml:"shutdown_sigterm_ms"`

	Process []ProcessEntry `toml:"process"`
}

// ProcessEntry is one `[[process]]` table, mirroring spec §3's ProcessSpec
// field-for-field in TOML's native types.
type ProcessEntry struct {
	Name  string   `toml:"name"`
	Cmd   string   `toml:"cmd"`   // may be a bare shell string or already-split via CmdArgv
	CmdArgv []string `toml:"cmd_argv"`
	Cwd   string   `toml:"cwd"`
	Env   []string `toml:"env"`
	Color string   `toml:"color"`
	Tags  []string `toml:"tags"`
	DependsOn []string `toml:"depends_on"`

	ReadyTCPPort  int    `toml:"ready_tcp_port"`
	ReadyLogRegex string `toml:"ready_log_regex"`
	ReadyDelayMs  int    `toml:"ready_delay_ms"`

	RestartOnFail  bool `toml:"restart_on_fail"`
	RestartTries   *int `toml:"restart_tries"` // nil = infinite, per spec §3
	RestartDelayMs int  `toml:"restart_delay_ms"`

	PreCmd string `toml:"pre_cmd"`

	Watch                []string `toml:"watch"`
	WatchIgnore          []string `toml:"watch_ignore"`
	WatchIgnoreGitignore bool     `toml:"watch_ignore_gitignore"`
	WatchDebounceMs      int      `toml:"watch_debounce_ms"`

	Follow  *bool `toml:"follow"` // defaults to true per spec §3
	JSONLog bool  `toml:"json_log"`

	LogFileTemplate string `toml:"log_file_template"`
}

// defaultMaxLines matches spec §3's OutputBuffer default capacity.
const defaultMaxLines = 10000

// Load parses a TOML file at path into a File.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// Build translates a parsed File into the ([]engine.ProcessSpec,
// engine.Policy) pair the engine consumes, applying defaults spec §3
// leaves implicit. It performs no DAG/uniqueness validation itself —
// engine.NewManager owns that (spec §4.6 step 1) — so config and CLI
// sources are treated identically past this point (spec §6's "CLI ...
// produces the same spec + global-policy objects the TOML path
// produces").
func (f *File) Build() ([]engine.ProcessSpec, engine.Policy, error) {
	specs := make([]engine.ProcessSpec, len(f.Process))
	for i, e := range f.Process {
		spec, err := e.toSpec()
		if err != nil {
			return nil, engine.Policy{}, fmt.Errorf("process %q: %w", e.Name, err)
		}
		specs[i] = spec
	}

	policy := engine.Policy{
		KillOthers:       f.KillOthers,
		KillOthersOnFail: f.KillOthersOnFail,
		Success:          parseSuccess(f.Success),
		ShutdownSIGINT:   time.Duration(f.ShutdownSIGINT) * time.Millisecond,
		ShutdownSIGTERM:  time.Duration(f.ShutdownSIGTERM) * time.Millisecond,
	}
	return specs, policy, nil
}

func parseSuccess(s string) engine.SuccessPolicy {
	switch strings.ToLower(s) {
	case "last":
		return engine.SuccessLast
	case "all":
		return engine.SuccessAll
	default:
		return engine.SuccessFirst
	}
}

func (e ProcessEntry) toSpec() (engine.ProcessSpec, error) {
	argv := e.CmdArgv
	if len(argv) == 0 {
		argv = engine.ResolveCommand(e.Cmd)
	}
	if len(argv) == 0 {
		return engine.ProcessSpec{}, fmt.Errorf("empty cmd")
	}

	ready, err := e.readyCheck()
	if err != nil {
		return engine.ProcessSpec{}, err
	}

	restartTries := -1
	if e.RestartTries != nil {
		restartTries = *e.RestartTries
	}

	follow := true
	if e.Follow != nil {
		follow = *e.Follow
	}

	var preCmd []string
	if e.PreCmd != "" {
		preCmd = engine.ResolveCommand(e.PreCmd)
	}

	return engine.ProcessSpec{
		Name:                 e.Name,
		Cmd:                  argv,
		Cwd:                  e.Cwd,
		Env:                  e.Env,
		Color:                e.Color,
		Tags:                 toSet(e.Tags),
		DependsOn:            toSet(e.DependsOn),
		Ready:                ready,
		RestartOnFail:        e.RestartOnFail,
		RestartTries:         restartTries,
		RestartDelay:         time.Duration(e.RestartDelayMs) * time.Millisecond,
		PreCmd:               preCmd,
		Watch:                e.Watch,
		WatchIgnore:          e.WatchIgnore,
		WatchIgnoreGitignore: e.WatchIgnoreGitignore,
		WatchDebounce:        time.Duration(e.WatchDebounceMs) * time.Millisecond,
		Follow:               follow,
		JSONLog:              e.JSONLog,
		LogFileTemplate:      e.LogFileTemplate,
	}, nil
}

func (e ProcessEntry) readyCheck() (engine.ReadyCheck, error) {
	set := 0
	var check engine.ReadyCheck
	if e.ReadyTCPPort > 0 {
		set++
		check = engine.ReadyCheck{Kind: engine.ReadyTCP, Port: e.ReadyTCPPort}
	}
	if e.ReadyLogRegex != "" {
		set++
		check = engine.ReadyCheck{Kind: engine.ReadyLogRegex, Regex: e.ReadyLogRegex}
	}
	if e.ReadyDelayMs > 0 {
		set++
		check = engine.ReadyCheck{Kind: engine.ReadyDelay, Delay: time.Duration(e.ReadyDelayMs) * time.Millisecond}
	}
	if set > 1 {
		return engine.ReadyCheck{}, fmt.Errorf("at most one of ready_tcp_port/ready_log_regex/ready_delay_ms may be set")
	}
	return check, nil
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

// MaxLines returns the configured per-process buffer capacity, or the
// spec default if unset.
func (f *File) MaxLines() int {
	if f.MaxLinesPerProc > 0 {
		return f.MaxLinesPerProc
	}
	return defaultMaxLines
}

// TimelineMaxLines returns the configured merged-timeline ring capacity,
// or 0 to let engine.NewStore derive its default (perProcessCap × process
// count, spec §3) when the TOML file leaves timeline_max_lines unset.
func (f *File) TimelineMaxLines() int {
	if f.TimelineMax > 0 {
		return f.TimelineMax
	}
	return 0
}

// Exists reports whether path names a readable file, used by the CLI to
// decide whether a default config path (e.g. ./piperack.toml) applies.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
