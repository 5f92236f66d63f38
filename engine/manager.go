package engine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SuccessPolicy selects when the supervisor decides its own exit code once
// processes start reaching terminal states (spec §4.6, Open Question 1 —
// decided in SPEC_FULL.md §6: success=first never kills siblings).
type SuccessPolicy uint8

const (
	// SuccessFirst latches a successful (0) exit code when the first
	// process exits 0; the supervisor does not exit at that point, and the
	// other processes keep running.
	SuccessFirst SuccessPolicy = iota
	// SuccessLast waits for every process to reach a terminal state;
	// success iff the last process to terminate succeeded.
	SuccessLast
	// SuccessAll waits for every process to reach a terminal state;
	// success iff every one of them succeeded.
	SuccessAll
)

// Policy is the set of global, cross-process exit/kill rules a Manager
// enforces (spec §4.6).
type Policy struct {
	KillOthers       bool
	KillOthersOnFail bool
	Success          SuccessPolicy

	// ShutdownSIGINT and ShutdownSIGTERM override the escalation windows
	// spec §4.5 defaults to 800ms each. Zero means "use the package
	// default" (see Manager.sigintWait/sigtermWait).
	ShutdownSIGINT  time.Duration
	ShutdownSIGTERM time.Duration
}

// process is the Manager's private per-process bookkeeping: the immutable
// spec, its mutable state, and the runtime handles needed to drive it.
type process struct {
	spec  ProcessSpec
	state ProcessState

	ready      *regexp.Regexp // compiled ReadyLogRegex, nil otherwise
	readyFired bool

	running    *RunningChild
	cancelProb context.CancelFunc // cancels any in-flight readiness probe/watcher
	watcher    *Watcher

	// watchRestart marks that the in-flight escalation was requested by a
	// watch trigger or manual restart, not a kill/shutdown: OnExited must
	// respawn it without touching restart_tries (spec §8).
	watchRestart bool

	// mirror is the lazily-opened log_file_template destination for this
	// process, held open across restarts since the expanded path is stable
	// per process name. mirrorFailed latches after the first open/write
	// error so the failure is logged once and then silently suppressed
	// (spec §6's "Stdout mirroring / log files").
	mirror       *os.File
	mirrorFailed bool
}

// Manager is the Process Manager (C6): it owns every ProcessState and
// RunningChild, enforces depends_on eligibility, restart policy, and the
// global kill/success policies. It is driven exclusively by the Loop —
// every method here runs on the loop goroutine and none of them block on
// I/O themselves; they delegate spawning to a Runner and report back via
// events (spec §9's single-writer discipline).
type Manager struct {
	specs    []ProcessSpec
	procs    []process
	byName   map[string]ProcessID
	policy   Policy
	runner   *Runner
	log      *zap.Logger
	clock    Clock
	send     func(Event)
	ctx      context.Context

	shuttingDown  bool
	shutdownDeadl time.Time
	exitCode      int
	exitCodeSet   bool
}

// NewManager validates specs (unique names, resolvable depends_on, acyclic
// DAG) and builds a Manager, or returns a ConfigError-class error if
// validation fails (spec §4.6 step 1: "refuse to start any process").
func NewManager(specs []ProcessSpec, policy Policy, runner *Runner, log *zap.Logger, clock Clock) (*Manager, error) {
	byName := make(map[string]ProcessID, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("process %d: empty name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate process name %q", s.Name)
		}
		byName[s.Name] = ProcessID(i)
	}
	for _, s := range specs {
		for dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("process %q depends_on unknown process %q", s.Name, dep)
			}
		}
	}
	if cyc, ok := findCycle(specs, byName); ok {
		return nil, fmt.Errorf("depends_on cycle detected: %v", cyc)
	}

	procs := make([]process, len(specs))
	for i, s := range specs {
		re, err := CompileReady(s.Ready)
		if err != nil {
			return nil, err
		}
		procs[i] = process{spec: s, ready: re}
	}

	if runner == nil {
		runner = NewRunner(nil)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Manager{
		specs:  specs,
		procs:  procs,
		byName: byName,
		policy: policy,
		runner: runner,
		log:    log,
		clock:  clock,
	}, nil
}

// findCycle runs a three-color DFS over the depends_on graph, returning the
// first cycle found as a slice of process names.
func findCycle(specs []ProcessSpec, byName map[string]ProcessID) ([]string, bool) {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(specs))
	var stack []string
	var cycle []string

	var visit func(id ProcessID) bool
	visit = func(id ProcessID) bool {
		color[id] = gray
		stack = append(stack, specs[id].Name)
		for dep := range specs[id].DependsOn {
			depID := byName[dep]
			switch color[depID] {
			case white:
				if visit(depID) {
					return true
				}
			case gray:
				cycle = append(append([]string(nil), stack...), specs[depID].Name)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for id := range specs {
		if color[id] == white {
			if visit(ProcessID(id)) {
				return cycle, true
			}
		}
	}
	return nil, false
}

// Start transitions every process to Pending and begins the eligibility
// loop; the first Tick will spawn whatever is immediately eligible (no
// depends_on, or an empty depends_on set).
func (m *Manager) Start(ctx context.Context, send func(Event)) {
	m.ctx = ctx
	m.send = send
	for i := range m.procs {
		m.procs[i].state.Status = StatusPending
	}
}

// Tick is invoked once per loop tick (spec §4.6 step 3): it starts any
// newly-eligible Pending process and fires any Restarting process whose
// RestartNextAt has elapsed.
func (m *Manager) Tick(ctx context.Context, send func(Event), app *AppState) {
	now := m.clock.WallNow()
	for i := range m.procs {
		p := &m.procs[i]
		switch p.state.Status {
		case StatusPending:
			if m.eligible(ProcessID(i)) {
				m.launch(ctx, ProcessID(i))
			}
		case StatusRestarting:
			if !now.Before(p.state.RestartNextAt) {
				m.launch(ctx, ProcessID(i))
			}
		}
	}
}

// eligible reports whether every dependency of pid is in StatusReady.
func (m *Manager) eligible(pid ProcessID) bool {
	for dep := range m.specs[pid].DependsOn {
		depID := m.byName[dep]
		if m.procs[depID].state.Status != StatusReady {
			return false
		}
	}
	return true
}

// launch begins (or resumes) one process: PreCmd first if declared,
// otherwise straight to the main command.
func (m *Manager) launch(ctx context.Context, pid ProcessID) {
	p := &m.procs[pid]
	if len(p.spec.PreCmd) > 0 {
		p.state.Status = StatusPreCmdRunning
		go m.runner.RunPreCmd(ctx, pid, p.spec, m.send)
		return
	}
	m.spawnMain(ctx, pid)
}

func (m *Manager) spawnMain(ctx context.Context, pid ProcessID) {
	p := &m.procs[pid]
	p.state.Status = StatusStarting
	p.state.StartedAt = m.clock.WallNow()

	rc, err := m.runner.Run(ctx, pid, p.spec, m.send)
	if err != nil {
		m.log.Warn("spawn failed", zap.String("process", p.spec.Name), zap.Error(err))
		p.state.Status = StatusFailed
		p.state.Failed = true
		p.state.LastError = err.Error()
		m.afterFailure(ctx, pid)
		return
	}
	p.running = rc
	if h := rc.handle(); h != nil {
		if eh, ok := h.(processHandle); ok {
			p.state.PID = eh.p.Pid
		}
	}
	p.state.Status = StatusRunning

	probeCtx, cancel := context.WithCancel(ctx)
	p.cancelProb = cancel
	m.armReadiness(probeCtx, pid)

	w, err := StartWatcher(probeCtx, pid, p.spec, m.log, m.send)
	if err != nil {
		m.log.Warn("watcher start failed", zap.String("process", p.spec.Name), zap.Error(err))
	}
	p.watcher = w
}

// armReadiness starts the declared readiness predicate for a freshly-started
// process. ReadyNone fires immediately (spec §4.3: "ready the moment it
// enters Running"); ReadyLogRegex is tested from OnOutput, not here.
func (m *Manager) armReadiness(ctx context.Context, pid ProcessID) {
	m.procs[pid].readyFired = false
	check := m.specs[pid].Ready
	switch check.Kind {
	case ReadyNone:
		m.send(EventReady{ProcessID: pid})
	case ReadyTCP:
		StartTCPProbe(ctx, pid, check.Port, m.send)
	case ReadyDelay:
		StartDelayProbe(ctx, pid, check.Delay, m.send)
	case ReadyLogRegex:
		// Tested against each accepted line in OnOutput below.
	}
}

// OnOutput is called by the Loop after every accepted line is appended to
// the Store, so a ReadyLogRegex probe can test it (spec §4.3) and so the
// line can be mirrored to the process's log_file_template, if any.
func (m *Manager) OnOutput(pid ProcessID, line LogLine) {
	m.mirrorLine(pid, line)

	p := &m.procs[pid]
	if p.readyFired || p.ready == nil {
		return
	}
	if p.ready.Match(line.Raw) {
		p.readyFired = true
		m.send(EventReady{ProcessID: pid})
	}
}

// mirrorLine appends line to pid's log_file_template destination, opening
// the file lazily (append mode, so restarts never truncate it) on first
// use. Writes are unbuffered os.File writes, so each line is flushed to
// the OS the moment it's written (spec §6). A failure to open or write is
// logged once and mirroring is then suppressed for the rest of the run.
func (m *Manager) mirrorLine(pid ProcessID, line LogLine) {
	p := &m.procs[pid]
	if p.spec.LogFileTemplate == "" || p.mirrorFailed {
		return
	}
	if p.mirror == nil {
		path := expandLogFileTemplate(p.spec.LogFileTemplate, p.spec.Name)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			m.log.Warn("log file mirror: open failed", zap.String("process", p.spec.Name), zap.String("path", path), zap.Error(err))
			p.mirrorFailed = true
			return
		}
		p.mirror = f
	}
	out := append(append([]byte(nil), line.Raw...), '\n')
	if _, err := p.mirror.Write(out); err != nil {
		m.log.Warn("log file mirror: write failed", zap.String("process", p.spec.Name), zap.Error(err))
		p.mirrorFailed = true
		_ = p.mirror.Close()
		p.mirror = nil
	}
}

// expandLogFileTemplate substitutes the "{name}" placeholder in tmpl with
// name (spec §6).
func expandLogFileTemplate(tmpl, name string) string {
	return strings.ReplaceAll(tmpl, "{name}", name)
}

// Close releases any open log_file_template handles. Callers drive this
// once the Loop has stopped running.
func (m *Manager) Close() {
	for i := range m.procs {
		if m.procs[i].mirror != nil {
			_ = m.procs[i].mirror.Close()
			m.procs[i].mirror = nil
		}
	}
}

// OnReady marks a process Ready and lets any dependents become eligible on
// the next Tick.
func (m *Manager) OnReady(pid ProcessID) {
	p := &m.procs[pid]
	if p.state.Status != StatusRunning {
		return
	}
	p.state.Status = StatusReady
	p.state.RestartAttempt = 0
}

// OnPreDone handles a PreCmd's completion: success proceeds to the main
// command, failure respects restart policy exactly like a main-command
// failure (SPEC_FULL.md §6 decision 2: shared restart budget).
func (m *Manager) OnPreDone(pid ProcessID, err error) {
	p := &m.procs[pid]
	if err != nil {
		p.state.Status = StatusFailed
		p.state.Failed = true
		p.state.LastError = err.Error()
		m.afterFailure(m.ctx, pid)
		return
	}
	m.spawnMain(m.ctx, pid)
}

// OnExited handles the main command's termination: records exit status,
// cancels this process's readiness/watch goroutines, applies restart
// policy or global kill/success policy (spec §4.6).
func (m *Manager) OnExited(pid ProcessID, err error) {
	p := &m.procs[pid]
	if p.cancelProb != nil {
		p.cancelProb()
	}
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
	p.running = nil
	p.state.ExitedAt = m.clock.WallNow()
	p.state.ExitCode = exitCodeOf(err)
	p.state.PID = 0

	if p.watchRestart && !m.shuttingDown {
		p.watchRestart = false
		m.spawnMain(m.ctx, pid)
		return
	}
	p.watchRestart = false

	if p.state.ExitCode == 0 {
		p.state.Status = StatusExited
		p.state.Failed = false
		m.maybeKillOthers(pid, false)
		m.maybeFinishOnSuccess(pid)
		return
	}

	p.state.Failed = true
	p.state.Status = StatusFailed
	m.maybeKillOthers(pid, true)
	m.afterFailure(m.ctx, pid)
}

// afterFailure applies restart_on_fail/restart_tries after a Failed
// transition, whether the failure came from pre_cmd or the main command.
func (m *Manager) afterFailure(ctx context.Context, pid ProcessID) {
	p := &m.procs[pid]
	if !p.spec.RestartOnFail {
		return
	}
	if p.spec.RestartTries >= 0 && p.state.RestartAttempt >= p.spec.RestartTries {
		return
	}
	p.state.RestartAttempt++
	p.state.Status = StatusRestarting
	p.state.RestartNextAt = m.clock.WallNow().Add(p.spec.RestartDelay)
}

// OnWatchFired performs a watch-triggered restart: escalate the running
// child; OnExited (triggered by the Runner's own wait goroutine once the
// child actually stops) sees watchRestart set and respawns it without
// touching restart_tries (spec §4.6, §8's "a watch-triggered restart never
// consumes a restart_tries budget").
func (m *Manager) OnWatchFired(pid ProcessID) {
	p := &m.procs[pid]
	if p.running == nil {
		return
	}
	p.watchRestart = true
	p.state.Status = StatusExiting
	rc := p.running
	go Escalate(m.ctx, rc, m.sigintWait(), m.sigtermWait(), func(stage SignalStage) {
		p.state.SignalStage = stage
	})
}

// sigintWait and sigtermWait resolve the configured shutdown escalation
// windows (spec §4.5), falling back to the package defaults when the
// Policy leaves them unset.
func (m *Manager) sigintWait() time.Duration {
	if m.policy.ShutdownSIGINT > 0 {
		return m.policy.ShutdownSIGINT
	}
	return defaultSigintWait
}

func (m *Manager) sigtermWait() time.Duration {
	if m.policy.ShutdownSIGTERM > 0 {
		return m.policy.ShutdownSIGTERM
	}
	return defaultSigtermWait
}

// Restart performs a user-requested manual restart: identical to a
// watch-triggered restart when the process is running; if it already
// stopped, it simply goes back to Pending to be relaunched (spec §4.6's
// "Manual Restart (user)").
func (m *Manager) Restart(pid ProcessID) {
	p := &m.procs[pid]
	if p.running != nil {
		m.OnWatchFired(pid)
		return
	}
	p.state.RestartAttempt = 0
	p.state.Status = StatusPending
}

// GroupRestart restarts every process whose Tags contains tag, in
// dependency order (topological order over the whole spec set, filtered to
// matching processes — spec §4.6's "Group operations").
func (m *Manager) GroupRestart(tag string) {
	for _, pid := range m.topoOrder() {
		if _, ok := m.specs[pid].Tags[tag]; ok {
			m.Restart(pid)
		}
	}
}

// topoOrder returns process IDs in dependency order (dependencies before
// dependents); safe because NewManager already rejected cyclic specs.
func (m *Manager) topoOrder() []ProcessID {
	visited := make([]bool, len(m.specs))
	var order []ProcessID
	var visit func(id ProcessID)
	visit = func(id ProcessID) {
		if visited[id] {
			return
		}
		visited[id] = true
		for dep := range m.specs[id].DependsOn {
			visit(m.byName[dep])
		}
		order = append(order, id)
	}
	for id := range m.specs {
		visit(ProcessID(id))
	}
	return order
}

// Kill requests shutdown escalation for one process (the 'k' key, spec §6).
func (m *Manager) Kill(pid ProcessID) {
	p := &m.procs[pid]
	if p.running == nil {
		return
	}
	p.state.Status = StatusExiting
	go Escalate(m.ctx, p.running, m.sigintWait(), m.sigtermWait(), func(stage SignalStage) {
		p.state.SignalStage = stage
	})
}

// maybeKillOthers implements kill_others/kill_others_on_fail: requesting
// shutdown of every other live process.
func (m *Manager) maybeKillOthers(source ProcessID, failed bool) {
	if !m.policy.KillOthers && !(failed && m.policy.KillOthersOnFail) {
		return
	}
	for i := range m.procs {
		if ProcessID(i) == source {
			continue
		}
		m.requestShutdown(ProcessID(i))
	}
}

func (m *Manager) requestShutdown(pid ProcessID) {
	p := &m.procs[pid]
	if p.running == nil {
		return
	}
	if p.state.Status == StatusExiting {
		return
	}
	p.state.Status = StatusExiting
	rc := p.running
	go Escalate(m.ctx, rc, m.sigintWait(), m.sigtermWait(), func(stage SignalStage) {
		p.state.SignalStage = stage
	})
}

// maybeFinishOnSuccess applies the success=first policy: the first Exited{0}
// latches the supervisor's own exit code to 0 without touching siblings
// (SPEC_FULL.md §6 decision 1).
func (m *Manager) maybeFinishOnSuccess(pid ProcessID) {
	if m.policy.Success != SuccessFirst || m.exitCodeSet {
		return
	}
	m.exitCode = 0
	m.exitCodeSet = true
}

// BeginShutdown enters the drain phase: every live process is sent the
// escalation sequence, and a global deadline is recorded so the Loop can
// force-exit if some child never stops (spec §4.8's cancellation section).
func (m *Manager) BeginShutdown(ctx context.Context, cause error) {
	if m.shuttingDown {
		return
	}
	m.shuttingDown = true
	if cause != nil {
		m.log.Info("shutdown requested", zap.Error(cause))
	}
	m.shutdownDeadl = m.clock.WallNow().Add(m.sigintWait() + m.sigtermWait() + 2*time.Second)
	for i := range m.procs {
		m.requestShutdown(ProcessID(i))
	}
}

// AllTerminal reports whether every process has reached a terminal status,
// or the shutdown deadline has passed (forcing the Loop to stop waiting).
func (m *Manager) AllTerminal() bool {
	if m.shuttingDown && !m.shutdownDeadl.IsZero() && !m.clock.WallNow().Before(m.shutdownDeadl) {
		return true
	}
	for i := range m.procs {
		if !isTerminal(m.procs[i].state.Status) {
			return false
		}
	}
	return true
}

func isTerminal(s Status) bool {
	switch s {
	case StatusExited, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// ExitCode computes the supervisor's own exit code per the configured
// SuccessPolicy (spec §4.6, §6 "Exit codes").
func (m *Manager) ExitCode() int {
	if m.exitCodeSet {
		return m.exitCode
	}
	switch m.policy.Success {
	case SuccessLast:
		return m.lastTerminalCode()
	case SuccessAll:
		for i := range m.procs {
			if m.procs[i].state.Failed {
				return m.firstFailureCode()
			}
		}
		return 0
	default: // SuccessFirst with no Exited{0} yet seen
		return m.firstFailureCode()
	}
}

func (m *Manager) lastTerminalCode() int {
	var last *process
	var lastAt time.Time
	for i := range m.procs {
		p := &m.procs[i]
		if !isTerminal(p.state.Status) {
			continue
		}
		if last == nil || p.state.ExitedAt.After(lastAt) {
			last = p
			lastAt = p.state.ExitedAt
		}
	}
	if last == nil {
		return 0
	}
	return last.state.ExitCode
}

func (m *Manager) firstFailureCode() int {
	for i := range m.procs {
		if m.procs[i].state.Failed {
			if m.procs[i].state.ExitCode != 0 {
				return m.procs[i].state.ExitCode
			}
			return 1
		}
	}
	return 0
}

// State returns a snapshot of one process's current ProcessState, for the
// renderer.
func (m *Manager) State(pid ProcessID) ProcessState { return m.procs[pid].state }

// Spec returns pid's immutable ProcessSpec.
func (m *Manager) Spec(pid ProcessID) ProcessSpec { return m.specs[pid] }

// Count returns the number of supervised processes.
func (m *Manager) Count() int { return len(m.specs) }

// Lookup resolves a process name to its ProcessID.
func (m *Manager) Lookup(name string) (ProcessID, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// Stdin returns the currently running child's stdin writer for pid, or nil
// if the process has no live child (spec §4.6's "at most one process
// receives user input" routing is enforced by the Loop/TUI selecting a
// single pid to forward to, not by Manager itself).
func (m *Manager) Stdin(pid ProcessID) (interface{ Write([]byte) (int, error) }, bool) {
	p := &m.procs[pid]
	if p.running == nil {
		return nil, false
	}
	w := p.running.Stdin()
	if w == nil {
		return nil, false
	}
	return w, true
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode()
	}
	return 1
}
