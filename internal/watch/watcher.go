package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Event struct {
	Path string
	Time time.Time
}

type Options struct {
	TaskID        string        // owning task id, carried into log fields only
	Directory     string        // absolute path to watch
	Glob          string        // glob filter (e.g., *.pdf or *)
	Debounce      time.Duration // collapse bursts within this window (0 = no debounce)
	Stabilization time.Duration // require file size to be stable for this duration before emitting (0 = no stabilization)
	PollInterval  time.Duration // interval used for stabilization checks
	Logger        errLogger     // optional; notifier errors are logged here if set
}

// Stats is a point-in-time counter snapshot for a running Watcher,
// surfaced by internal/supervisor alongside its own Snapshot so an
// operator can tell "no files arriving" apart from "files arriving but
// all glob-filtered".
type Stats struct {
	Matched int64 // events that passed the glob filter and were (or will be) emitted
	Skipped int64 // events seen but dropped by the glob filter
}

// Watcher watches a single directory for create/write/rename/chmod events,
// applies debounce and stabilization, and emits file paths that are considered "ready".
type Watcher struct {
	opts Options

	mu      sync.Mutex
	w       *fsnotify.Watcher
	glob    string
	cancel  context.CancelFunc
	started bool
	closed  bool

	matched int64
	skipped int64
}

// Stats returns the current matched/skipped event counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Matched: atomic.LoadInt64(&w.matched),
		Skipped: atomic.LoadInt64(&w.skipped),
	}
}

// errLogger is the narrow logging interface the watcher reports
// notifier errors through. The errors are only logged; nothing
// restarts the watcher on them.
type errLogger interface {
	Warnw(msg string, keysAndValues ...any)
}

// New creates a new Watcher for the given options.
func New(opts Options) (*Watcher, error) {
	if !filepath.IsAbs(opts.Directory) {
		return nil, errors.New("watch directory must be absolute")
	}
	if opts.Glob == "" {
		opts.Glob = "*"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	return &Watcher{
		opts: opts,
		glob: opts.Glob,
	}, nil
}

// Start begins watching and returns a channel of stabilized events.
// Cancel the provided context to stop the watcher.
func (w *Watcher) Start(ctx context.Context) (<-chan Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, errors.New("watcher already started")
	}
	if w.closed {
		return nil, errors.New("watcher closed")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fsw.Add(w.opts.Directory); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("add watch: %w", err)
	}

	w.w = fsw
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	out := make(chan Event, 128)

	go w.run(ctx, out)

	return out, nil
}

func (w *Watcher) run(ctx context.Context, out chan<- Event) {
	defer func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		_ = w.w.Close()
		close(out)
		w.closed = true
	}()

	// pending holds last-seen time for paths to support debounce
	pending := make(map[string]time.Time)
	var mu sync.Mutex

	// ticker for debounce flush
	var debounceTicker *time.Ticker
	if w.opts.Debounce > 0 {
		debounceTicker = time.NewTicker(w.opts.Debounce)
		defer debounceTicker.Stop()
	}

	emitReady := func(p string) {
		// Stabilization: wait until file is stable in size for the stabilization window
		if w.opts.Stabilization <= 0 {
			out <- Event{Path: p, Time: time.Now()}
			return
		}
		// check file size repeatedly until unchanged across window
		firstSize := int64(-1)
		lastChange := time.Now()
		deadline := time.Now().Add(10 * time.Minute) // safety cap to avoid infinite wait

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			info, err := lstatNoFollow(p)
			if err != nil || !info.Mode().IsRegular() {
				// File may have been moved/removed; abort silently
				return
			}
			sz := info.Size()
			now := time.Now()
			if firstSize == -1 || sz != firstSize {
				firstSize = sz
				lastChange = now
			}

			if now.Sub(lastChange) >= w.opts.Stabilization {
				out <- Event{Path: p, Time: time.Now()}
				return
			}
			if now.After(deadline) {
				// Give up stabilization after deadline
				out <- Event{Path: p, Time: time.Now()}
				return
			}
			time.Sleep(w.opts.PollInterval)
		}
	}

	matchGlob := func(name string) bool {
		ok, _ := filepath.Match(w.glob, filepath.Base(name))
		return ok
	}

	flush := func() {
		mu.Lock()
		items := make([]string, 0, len(pending))
		now := time.Now()
		for p, t := range pending {
			if w.opts.Debounce == 0 || now.Sub(t) >= w.opts.Debounce {
				items = append(items, p)
				delete(pending, p)
			}
		}
		mu.Unlock()

		for _, p := range items {
			emitReady(p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-w.w.Events:
			if !ok {
				flush()
				return
			}
			// We care about events that indicate a new/closed write or move into dir.
			// Note: fsnotify.CloseWrite is not available across all platforms/versions; use Create/Write/Rename/Chmod.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Chmod) {
				// Restrict to files in directory matching glob
				path := ev.Name
				if matchGlob(path) {
					atomic.AddInt64(&w.matched, 1)
					if w.opts.Debounce > 0 {
						mu.Lock()
						pending[path] = time.Now()
						mu.Unlock()
					} else {
						emitReady(path)
					}
				} else {
					atomic.AddInt64(&w.skipped, 1)
				}
			}

		case err, ok := <-w.w.Errors:
			if !ok {
				continue
			}
			if w.opts.Logger != nil {
				w.opts.Logger.Warnw("watcher notifier error", "taskId", w.opts.TaskID, "directory", w.opts.Directory, "error", err)
			}

		case <-func() <-chan time.Time {
			if debounceTicker != nil {
				return debounceTicker.C
			}
			return make(chan time.Time)
		}():
			flush()
		}
	}
}

// Close stops the watcher if running.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// lstatNoFollow obtains FileInfo without following symlinks.
func lstatNoFollow(path string) (info fileInfoLike, err error) {
	return lstat(path)
}
