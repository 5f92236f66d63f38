package engine

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// defaultWatchDebounce is used when a ProcessSpec leaves WatchDebounce unset.
const defaultWatchDebounce = 300 * time.Millisecond

// Watcher observes a process's declared glob set and emits a single
// EventWatchFired per debounced burst of filesystem activity (spec §4.4).
// One Watcher runs per process with a non-empty Watch set.
type Watcher struct {
	pid     ProcessID
	spec    ProcessSpec
	send    func(Event)
	log     *zap.Logger
	fsw     *fsnotify.Watcher
	ignored []gitignoreRule
}

// StartWatcher builds and launches a Watcher for spec, returning nil if
// spec.Watch is empty (nothing to observe). The returned watcher's Close
// must be called to release its fsnotify handle; run exits on its own when
// ctx is cancelled.
func StartWatcher(ctx context.Context, pid ProcessID, spec ProcessSpec, log *zap.Logger, send func(Event)) (*Watcher, error) {
	if len(spec.Watch) == 0 {
		return nil, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{pid: pid, spec: spec, send: send, log: log, fsw: fsw}

	if spec.WatchIgnoreGitignore {
		w.ignored = loadAncestorGitignores(".")
	}

	roots := watchRoots(spec.Watch)
	for _, root := range roots {
		if err := addRecursive(fsw, root); err != nil {
			log.Warn("watcher: failed to add root", zap.String("process", spec.Name), zap.String("root", root), zap.Error(err))
		}
	}

	go w.run(ctx)
	return w, nil
}

// Close releases the underlying fsnotify handle. Safe to call on a nil
// Watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	return w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	debounce := w.spec.WatchDebounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.String("process", w.spec.Name), zap.Error(err))

		case <-timerC:
			w.send(EventWatchFired{ProcessID: w.pid})
			timer = nil
			timerC = nil
		}
	}
}

func (w *Watcher) matches(path string) bool {
	rel := path
	if abs, err := filepath.Abs(path); err == nil {
		if cwd, err := os.Getwd(); err == nil {
			if r, err := filepath.Rel(cwd, abs); err == nil {
				rel = r
			}
		}
	}
	rel = filepath.ToSlash(rel)

	matched := false
	for _, pattern := range w.spec.Watch {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, pattern := range w.spec.WatchIgnore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	for _, rule := range w.ignored {
		if rule.matches(rel) {
			return false
		}
	}
	return true
}

// watchRoots derives the set of filesystem roots to register with fsnotify
// from a process's glob patterns, by taking each pattern's longest
// non-magic prefix directory.
func watchRoots(patterns []string) []string {
	seen := map[string]struct{}{}
	var roots []string
	for _, p := range patterns {
		base, _ := doublestar.SplitPattern(p)
		if base == "" {
			base = "."
		}
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		roots = append(roots, base)
	}
	return roots
}

// addRecursive registers root and, if it is a directory, every
// subdirectory beneath it with the fsnotify watcher (spec §4.4: "recursive
// for directories").
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		// The glob's literal prefix may not exist yet; that's not fatal,
		// just nothing to watch until it appears.
		return nil //nolint:nilerr
	}
	if !info.IsDir() {
		return fsw.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// gitignoreRule is one pattern line from a .gitignore, anchored to the
// directory that file lives in, or to the start directory for a .gitignore
// above it.
type gitignoreRule struct {
	dir     string
	pattern string
}

func (r gitignoreRule) matches(relPath string) bool {
	candidate := relPath
	if r.dir != "." {
		prefix := r.dir + "/"
		if !strings.HasPrefix(relPath, prefix) {
			return false
		}
		candidate = strings.TrimPrefix(relPath, prefix)
	}
	ok, _ := doublestar.Match(r.pattern, candidate)
	if ok {
		return true
	}
	// A bare directory/file name without glob metacharacters should also
	// match anywhere beneath it, matching common .gitignore usage.
	ok, _ = doublestar.Match(r.pattern+"/**", candidate)
	return ok
}

// loadAncestorGitignores reads .gitignore from start and every ancestor
// directory up to the filesystem root, returning their combined rules.
// This is a pragmatic subset of gitignore semantics (no negation, no
// character classes) sufficient for "don't restart on generated output"
// use cases; spec §4.4 only requires that ancestor rules are "consulted".
func loadAncestorGitignores(start string) []gitignoreRule {
	abs, err := filepath.Abs(start)
	if err != nil {
		return nil
	}
	var rules []gitignoreRule
	dir := abs
	for {
		path := filepath.Join(dir, ".gitignore")
		if f, err := os.Open(path); err == nil {
			rel, _ := filepath.Rel(abs, dir)
			rel = filepath.ToSlash(rel)
			// An ancestor's rules cover every path beneath start, so they
			// are anchored at start.
			if rel == "" || strings.HasPrefix(rel, "..") {
				rel = "."
			}
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
					continue
				}
				rules = append(rules, gitignoreRule{dir: rel, pattern: strings.TrimSuffix(line, "/")})
			}
			f.Close()
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return rules
}
