// Package manager reconciles a desired config.Config against the set
// of running supervisors (§4.8 of SPEC_FULL.md): unchanged tasks keep
// running, added tasks start, removed tasks stop, changed tasks are
// replaced wholesale. Grounded on the teacher's internal/task/
// manager.go ApplyConfig diff loop, generalized to use
// config.Task.Hash() for change detection and golang.org/x/sync/
// errgroup for parallel start/stop instead of the teacher's
// sequential loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/dlq"
	"github.com/cronplus/cronplus/internal/store"
	"github.com/cronplus/cronplus/internal/supervisor"
)

// Logger is the narrow interface the manager logs through.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// defaultGracefulTimeout bounds how long Stop waits for a removed or
// replaced supervisor to drain (§4.8).
const defaultGracefulTimeout = 30 * time.Second

type entry struct {
	task config.Task
	sup  *supervisor.Supervisor
	dlqW *dlq.Writer
	hash string
}

// Manager owns the live supervisor set and applies config changes to
// it.
type Manager struct {
	log Logger
	st  store.Store

	mu    sync.Mutex
	tasks map[string]*entry

	notStartedReasons map[string]string
}

// New creates a Manager backed by st for persistence.
func New(log Logger, st store.Store) *Manager {
	return &Manager{
		log:               log,
		st:                st,
		tasks:             map[string]*entry{},
		notStartedReasons: map[string]string{},
	}
}

// ApplyConfig reconciles cfg.Tasks against the running supervisor set.
// Starts and stops run in parallel; ApplyConfig returns only after all
// complete (or their individual timeouts elapse). Errors from
// individual operations are aggregated but do not roll back
// operations that already succeeded — partial successes remain in
// effect, per §4.8.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	desired := map[string]config.Task{}
	for _, t := range cfg.Tasks {
		if !t.Enabled {
			continue
		}
		desired[t.ID] = t
	}

	var toStart, toReplaceOld, toReplaceNew []config.Task
	var toStop []*entry

	for id, t := range desired {
		if cur, ok := m.tasks[id]; ok {
			if cur.hash == t.Hash() {
				continue // unchanged
			}
			toReplaceOld = append(toReplaceOld, cur.task)
			toReplaceNew = append(toReplaceNew, t)
		} else {
			toStart = append(toStart, t)
		}
	}
	for id, cur := range m.tasks {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, cur)
		}
	}
	for i := range toReplaceOld {
		toStop = append(toStop, m.tasks[toReplaceOld[i].ID])
	}
	m.mu.Unlock()

	var g errgroup.Group
	stopErrs := make([]error, len(toStop))

	for i, e := range toStop {
		i, e := i, e
		g.Go(func() error {
			if err := e.sup.Stop(defaultGracefulTimeout); err != nil {
				stopErrs[i] = fmt.Errorf("stop task %s: %w", e.task.ID, err)
				return stopErrs[i]
			}
			m.mu.Lock()
			delete(m.tasks, e.task.ID)
			m.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.log.Errorw("apply config: stop phase had errors", "error", err)
	}

	// Supervisors and DLQ writers run on ctx itself: an errgroup-derived
	// context is cancelled as soon as that group's Wait returns.
	var startGroup errgroup.Group
	starts := append(toStart, toReplaceNew...)
	startErrs := make([]error, len(starts))
	for i, t := range starts {
		i, t := i, t
		startGroup.Go(func() error {
			startErrs[i] = m.startTask(ctx, t)
			return startErrs[i]
		})
	}
	if err := startGroup.Wait(); err != nil {
		m.log.Errorw("apply config: start phase had errors", "error", err)
	}
	return errors.Join(append(stopErrs, startErrs...)...)
}

func (m *Manager) startTask(ctx context.Context, t config.Task) error {
	writer := dlq.New(m.st, m.log)
	sup, err := supervisor.New(t, m.log, m.st, writer)
	if err != nil {
		m.recordNotStarted(t.ID, err.Error())
		return fmt.Errorf("build supervisor %s: %w", t.ID, err)
	}
	writer.SetReplayer(func(ctx context.Context, rec *store.DLQRecord) error {
		return sup.Replay(ctx, rec.Path)
	})

	if err := sup.Start(ctx); err != nil {
		m.recordNotStarted(t.ID, err.Error())
		return fmt.Errorf("start supervisor %s: %w", t.ID, err)
	}
	go writer.Run(ctx)

	m.mu.Lock()
	m.tasks[t.ID] = &entry{task: t, sup: sup, dlqW: writer, hash: t.Hash()}
	delete(m.notStartedReasons, t.ID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordNotStarted(taskID, reason string) {
	m.mu.Lock()
	m.notStartedReasons[taskID] = reason
	m.mu.Unlock()
}

// Snapshot is the control surface's view of one running task.
type Snapshot struct {
	supervisor.Snapshot
	NotStartedReason string `json:"notStartedReason,omitempty"`
}

// TasksSnapshot returns a point-in-time view of every tracked task.
func (m *Manager) TasksSnapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.tasks)+len(m.notStartedReasons))
	for id, e := range m.tasks {
		out = append(out, Snapshot{Snapshot: e.sup.Snapshot(), NotStartedReason: m.notStartedReasons[id]})
	}
	for id, reason := range m.notStartedReasons {
		if _, running := m.tasks[id]; running {
			continue
		}
		out = append(out, Snapshot{Snapshot: supervisor.Snapshot{TaskID: id}, NotStartedReason: reason})
	}
	return out
}

// StopAll gracefully stops every running supervisor, used on process
// shutdown.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			return e.sup.Stop(defaultGracefulTimeout)
		})
	}
	return g.Wait()
}
