// Package watcher turns raw fsnotify events into the debounced,
// rename-aware, storm-resistant change stream the replication engine
// and crawler rely on for incremental updates.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind tags what happened to a path.
type EventKind int

const (
	Created EventKind = iota
	Changed
	Removed
	Renamed
)

// Event is one debounced, de-duplicated filesystem change.
type Event struct {
	Kind EventKind
	Path string
	// From is populated only for Renamed events.
	From string
}

// Storm is signalled when the event rate exceeds the storm threshold
// for stormWindow consecutive seconds; the caller is expected to
// pause consumption, run a full crawl, then resume.
type Storm struct {
	EventsPerSecond int
}

const (
	defaultDebounce   = 500 * time.Millisecond
	stormThreshold    = 1000 // events/sec
	stormWindow       = 5 * time.Second
	renameCorrelation = 100 * time.Millisecond
)

// Watcher recursively watches a set of roots and emits a debounced,
// storm-aware Event stream.
type Watcher struct {
	roots    []string
	excluded []string
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	events chan Event
	storms chan Storm

	mu      sync.Mutex
	pending map[string]*pendingEvent

	renameMu        sync.Mutex
	pendingRenameOf string
	pendingRenameAt time.Time

	rateMu       sync.Mutex
	rateWindow   time.Time
	rateCount    int
	stormSeconds int

	// now is overridden in tests to make storm-window accounting
	// deterministic without sleeping for real seconds.
	now func() time.Time
}

type pendingEvent struct {
	kind  EventKind
	timer *time.Timer
}

// Config collects a Watcher's construction-time parameters.
type Config struct {
	Roots         []string
	ExcludedPaths []string
	Debounce      time.Duration
	Logger        *slog.Logger
}

// New builds a Watcher. Call Start to begin watching.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Watcher{
		roots:      cfg.Roots,
		excluded:   cfg.ExcludedPaths,
		debounce:   cfg.Debounce,
		logger:     cfg.Logger,
		fsw:        fsw,
		events:     make(chan Event, 1024),
		storms:     make(chan Storm, 4),
		pending:    make(map[string]*pendingEvent),
		now:        time.Now,
	}
	return w, nil
}

// Events returns the channel of debounced, rename-correlated events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Storms returns the channel of storm-detection signals.
func (w *Watcher) Storms() <-chan Storm { return w.storms }

func (w *Watcher) isExcluded(path string) bool {
	for _, ex := range w.excluded {
		if strings.HasPrefix(path, ex) {
			return true
		}
	}
	return false
}

// addRecursive registers watches on root and every subdirectory below
// it, mirroring what the crawler's Walk already skips.
func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if w.isExcluded(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if werr := w.fsw.Add(path); werr != nil {
				w.logger.Warn("watch add failed", "path", path, "error", werr)
			}
		}
		return nil
	})
}

// Start registers watches on every configured root and begins the
// dispatch loop. Cancel ctx to stop.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			return err
		}
	}
	go w.loop(ctx)
	return nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(ctx context.Context, ev fsnotify.Event) {
	if w.isExcluded(ev.Name) {
		return
	}
	if w.recordRate() {
		return // storm in progress; dispatch is suppressed until it clears
	}

	// A newly created directory needs its own watch registered so
	// nested creations aren't missed.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(ev.Name)
		}
		if from, ok := w.takeRenameCandidate(); ok {
			w.emit(Event{Kind: Renamed, From: from, Path: ev.Name})
			return
		}
	}

	if ev.Op&fsnotify.Rename != 0 {
		// inotify reports the old path's departure as Rename, not
		// Remove; the matching Create for the new path typically
		// follows within renameCorrelation. Stash it and fall back to
		// a plain Removed if nothing claims it in time.
		w.setRenameCandidate(ev.Name)
		time.AfterFunc(renameCorrelation, func() {
			if from, ok := w.takeRenameCandidateIfStill(ev.Name); ok {
				w.debounced(from, Removed)
			}
		})
		return
	}

	var kind EventKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = Created
	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		kind = Changed
	case ev.Op&fsnotify.Remove != 0:
		kind = Removed
	default:
		return
	}

	w.debounced(ev.Name, kind)
}

// setRenameCandidate records path as the source of a rename awaiting
// its corresponding Create.
func (w *Watcher) setRenameCandidate(path string) {
	w.renameMu.Lock()
	defer w.renameMu.Unlock()
	w.pendingRenameOf = path
	w.pendingRenameAt = time.Now()
}

// takeRenameCandidate consumes the pending rename source if one is
// still within the correlation window, for pairing with a Create.
func (w *Watcher) takeRenameCandidate() (string, bool) {
	w.renameMu.Lock()
	defer w.renameMu.Unlock()
	if w.pendingRenameOf == "" || time.Since(w.pendingRenameAt) > renameCorrelation {
		return "", false
	}
	from := w.pendingRenameOf
	w.pendingRenameOf = ""
	return from, true
}

// takeRenameCandidateIfStill clears path as the pending rename source
// only if it is still the unclaimed candidate, so a Create that
// arrived in the meantime isn't double-processed as a Removed.
func (w *Watcher) takeRenameCandidateIfStill(path string) (string, bool) {
	w.renameMu.Lock()
	defer w.renameMu.Unlock()
	if w.pendingRenameOf != path {
		return "", false
	}
	w.pendingRenameOf = ""
	return path, true
}

// debounced coalesces repeated events on the same path into one,
// emitted debounce after the most recent event (most recent event
// wins).
func (w *Watcher) debounced(path string, kind EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.kind = kind
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingEvent{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		k := p.kind
		delete(w.pending, path)
		w.mu.Unlock()
		w.emit(Event{Kind: k, Path: path})
	})
	w.pending[path] = p
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("event channel full, dropping event", "path", ev.Path)
	}
}

// recordRate updates the rolling per-second event counter and returns
// true while a storm is active. A storm requires more than
// stormThreshold events/sec sustained for stormWindow consecutive
// seconds. Each second's count is judged when the first event of a
// later second arrives, so the storm clears at the first event after a
// second whose count stayed at or below the threshold.
func (w *Watcher) recordRate() bool {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()

	now := w.now()
	if w.rateWindow.IsZero() || now.Sub(w.rateWindow) >= time.Second {
		count := w.rateCount
		over := count > stormThreshold
		w.rateWindow = now
		w.rateCount = 1
		if over {
			w.stormSeconds++
			if w.stormSeconds == int(stormWindow/time.Second) {
				select {
				case w.storms <- Storm{EventsPerSecond: count}:
				default:
				}
			}
		} else {
			w.stormSeconds = 0
		}
		return w.stormSeconds >= int(stormWindow/time.Second)
	}
	w.rateCount++
	return w.stormSeconds >= int(stormWindow/time.Second)
}
