package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cronplus/cronplus/internal/actions"
	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/interp"
	"github.com/cronplus/cronplus/internal/pipeline"
	"github.com/cronplus/cronplus/internal/store"
	"github.com/cronplus/cronplus/internal/watch"
)

// Logger is the narrow interface the supervisor logs through, matching
// the teacher's zap-sugared-logger-as-interface pattern in
// internal/observability.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// DLQEnqueuer is the subset of internal/dlq.Writer the supervisor needs
// on terminal pipeline failure.
type DLQEnqueuer interface {
	Enqueue(rec *store.DLQRecord)
}

// Snapshot is the point-in-time view exposed by the control surface.
type Snapshot struct {
	TaskID           string    `json:"taskId"`
	State            State     `json:"state"`
	ActiveExecutions int32     `json:"activeExecutions"`
	ConsecutiveFails int32     `json:"consecutiveFails"`
	Processed        int64     `json:"processed"`
	Failed           int64     `json:"failed"`
	Duplicates       int64     `json:"duplicates"`
	Shed             int64     `json:"shed"`
	GlobMatched      int64     `json:"globMatched"`
	GlobSkipped      int64     `json:"globSkipped"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Supervisor owns one task's watcher, worker pool, and state machine.
type Supervisor struct {
	task   config.Task
	log    Logger
	st     store.Store
	dlq    DLQEnqueuer
	steps  []pipeline.CompiledStep

	sm      *stateMachine
	sem     chan struct{}
	adm     chan string
	watcher *watch.Watcher

	pathMu   sync.Map // filePath -> *sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	activeExecutions int32
	consecutiveFails int32
	processed        int64
	failedCount      int64
	duplicates       int64
	shed             int64
	lastActivity     atomic.Value // time.Time
}

// New compiles the task's pipeline and constructs a Supervisor in the
// Created state. Call Start to bring it to Idle.
func New(task config.Task, log Logger, st store.Store, dlq DLQEnqueuer) (*Supervisor, error) {
	steps, err := actions.BuildPipeline(task.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("supervisor %s: compile pipeline: %w", task.ID, err)
	}
	maxConcurrent := task.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Supervisor{
		task:  task,
		log:   log,
		st:    st,
		dlq:   dlq,
		steps: steps,
		sem:   make(chan struct{}, maxConcurrent),
		adm:   make(chan string, maxConcurrent*4),
	}
	s.sm = newStateMachine(func(ev TransitionEvent) {
		log.Infow("task state transition", "taskId", task.ID, "from", ev.From, "to", ev.To, "reason", ev.Reason)
	})
	s.lastActivity.Store(time.Now())
	return s, nil
}

// Start transitions Created -> Initializing -> Idle, starts the
// directory watcher, and spins up worker goroutines.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.sm.transition(StateInitializing, "start requested"); err != nil {
		return err
	}

	w, err := watch.New(watch.Options{
		TaskID:        s.task.ID,
		Directory:     s.task.Watch.Directory,
		Glob:          s.task.Watch.Glob,
		Debounce:      time.Duration(s.task.Watch.DebounceMs) * time.Millisecond,
		Stabilization: time.Duration(s.task.Watch.StabilizationMs) * time.Millisecond,
		Logger:        s.log,
	})
	if err != nil {
		_ = s.sm.transition(StateFailed, "watcher init failed: "+err.Error())
		return fmt.Errorf("supervisor %s: %w", s.task.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, err := w.Start(runCtx)
	if err != nil {
		_ = s.sm.transition(StateFailed, "watcher start failed: "+err.Error())
		return fmt.Errorf("supervisor %s: %w", s.task.ID, err)
	}
	s.watcher = w

	if err := s.sm.transition(StateIdle, "initialized"); err != nil {
		return err
	}

	maxConcurrent := cap(s.sem)
	for i := 0; i < maxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}

	s.wg.Add(1)
	go s.pump(runCtx, events)

	s.wg.Add(1)
	go s.healthLoop(runCtx)

	return nil
}

// pump admits watcher events into the bounded admission channel,
// shedding the oldest un-admitted path on overflow.
func (s *Supervisor) pump(ctx context.Context, events <-chan watch.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case s.adm <- ev.Path:
			default:
				select {
				case <-s.adm:
					atomic.AddInt64(&s.shed, 1)
					s.log.Warnw("admission channel full, shed oldest", "taskId", s.task.ID, "path", ev.Path)
				default:
				}
				select {
				case s.adm <- ev.Path:
				default:
					atomic.AddInt64(&s.shed, 1)
				}
			}
		}
	}
}

func (s *Supervisor) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-s.adm:
			if !ok {
				return
			}
			s.handle(ctx, path)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, path string) {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	if done, _ := s.st.GetFile(s.task.ID, path); done != nil && done.Status == store.StatusDone {
		atomic.AddInt64(&s.duplicates, 1)
		return
	}

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	if atomic.AddInt32(&s.activeExecutions, 1) == 1 {
		_ = s.sm.transition(StateProcessing, "execution started")
	}
	defer func() {
		if atomic.AddInt32(&s.activeExecutions, -1) == 0 {
			if s.sm.get() == StateProcessing {
				_ = s.sm.transition(StateIdle, "executions drained")
			}
		}
	}()

	s.lastActivity.Store(time.Now())
	_ = s.st.MarkFile(s.task.ID, path, "", store.StatusProcessing, 0, "")

	correlationID := uuid.NewString()
	execCtx := &pipeline.ExecutionContext{
		TaskID:        s.task.ID,
		FilePath:      path,
		CorrelationID: correlationID,
		StartedAt:     time.Now(),
		Vars:          seedVars(s.task, path, time.Now()),
		Builtins:      interp.NewBuiltins(s.task.ID, path, time.Now()),
	}

	exec := &pipeline.Executor{Steps: s.steps}
	res := exec.Run(ctx, execCtx)

	if res.OK {
		atomic.StoreInt32(&s.consecutiveFails, 0)
		atomic.AddInt64(&s.processed, 1)
		_ = s.st.MarkFile(s.task.ID, path, "", store.StatusDone, 0, "")
		if s.sm.get() == StateDegraded {
			_ = s.sm.transition(StateIdle, "recovered after success")
		}
		return
	}

	atomic.AddInt64(&s.failedCount, 1)
	fails := atomic.AddInt32(&s.consecutiveFails, 1)
	_ = s.st.MarkFile(s.task.ID, path, "", store.StatusFailed, 0, errString(res.Err))

	if s.dlq != nil {
		s.dlq.Enqueue(&store.DLQRecord{
			ID:            uuid.NewString(),
			TaskID:        s.task.ID,
			Path:          path,
			CorrelationID: correlationID,
			FailedStep:    lastStepName(res.Log),
			Error:         errString(res.Err),
			Attempts:      0,
			MaxAttempts:   3,
			NextRetryAt:   time.Now().Add(10 * time.Second),
		})
	}

	s.applyHealthPolicy(fails)
}

// Replay re-runs the pipeline for path outside the normal watcher/
// admission flow, used by the DLQ retry driver. It bypasses the
// processed-file dedup check (a DLQ retry is by definition a prior
// failure, not a duplicate) but still honors per-path serialization
// and the concurrency semaphore.
func (s *Supervisor) Replay(ctx context.Context, path string) error {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	execCtx := &pipeline.ExecutionContext{
		TaskID:        s.task.ID,
		FilePath:      path,
		CorrelationID: uuid.NewString(),
		StartedAt:     time.Now(),
		Vars:          seedVars(s.task, path, time.Now()),
		Builtins:      interp.NewBuiltins(s.task.ID, path, time.Now()),
	}
	exec := &pipeline.Executor{Steps: s.steps}
	res := exec.Run(ctx, execCtx)
	if !res.OK {
		return res.Err
	}
	atomic.AddInt64(&s.processed, 1)
	_ = s.st.MarkFile(s.task.ID, path, "", store.StatusDone, 0, "")
	return nil
}

func (s *Supervisor) applyHealthPolicy(consecutiveFails int32) {
	cur := s.sm.get()
	switch {
	case consecutiveFails >= 10:
		switch cur {
		case StateProcessing, StateDegraded:
			_ = s.sm.transition(StateFailed, "consecutive failures >= 10")
		case StateIdle:
			if s.sm.transition(StateDegraded, "consecutive failures >= 10") == nil {
				_ = s.sm.transition(StateFailed, "consecutive failures >= 10")
			}
		}
	case consecutiveFails >= 5:
		if cur == StateIdle || cur == StateProcessing {
			_ = s.sm.transition(StateDegraded, "consecutive failures >= 5")
		}
	}
}

// healthLoop runs the §4.6 periodic self-check: error rate and
// idleness, demoting to Degraded when thresholds are crossed.
func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed := atomic.LoadInt64(&s.processed)
			failed := atomic.LoadInt64(&s.failedCount)
			total := processed + failed
			if total > 0 && float64(failed)/float64(total) > 0.10 {
				cur := s.sm.get()
				if cur == StateIdle {
					_ = s.sm.transition(StateDegraded, "error rate > 10%")
				}
			}
			last, _ := s.lastActivity.Load().(time.Time)
			if time.Since(last) > time.Hour {
				cur := s.sm.get()
				if cur == StateIdle {
					_ = s.sm.transition(StateDegraded, "idle for over 1h")
				}
			}
		}
	}
}

// Stop transitions to Stopping, cancels the watcher and workers, and
// waits up to gracefulTimeout for them to drain.
func (s *Supervisor) Stop(gracefulTimeout time.Duration) error {
	cur := s.sm.get()
	if cur == StateStopped {
		return nil
	}
	if err := s.sm.transition(StateStopping, "stop requested"); err != nil {
		// Created, Initializing and an in-progress Stopping have no
		// edge to Stopping, so the rejected transition is reported.
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulTimeout):
		s.log.Warnw("supervisor stop timed out", "taskId", s.task.ID)
	}

	return s.sm.transition(StateStopped, "stopped")
}

// Snapshot returns a point-in-time view for the control surface.
func (s *Supervisor) Snapshot() Snapshot {
	last, _ := s.lastActivity.Load().(time.Time)
	snap := Snapshot{
		TaskID:           s.task.ID,
		State:            s.sm.get(),
		ActiveExecutions: atomic.LoadInt32(&s.activeExecutions),
		ConsecutiveFails: atomic.LoadInt32(&s.consecutiveFails),
		Processed:        atomic.LoadInt64(&s.processed),
		Failed:           atomic.LoadInt64(&s.failedCount),
		Duplicates:       atomic.LoadInt64(&s.duplicates),
		Shed:             atomic.LoadInt64(&s.shed),
		LastActivity:     last,
	}
	if s.watcher != nil {
		stats := s.watcher.Stats()
		snap.GlobMatched = stats.Matched
		snap.GlobSkipped = stats.Skipped
	}
	return snap
}

func (s *Supervisor) lockPath(path string) *sync.Mutex {
	v, _ := s.pathMu.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func seedVars(t config.Task, path string, now time.Time) map[string]string {
	vars := make(map[string]string, len(t.Variables)+1)
	for _, v := range t.Variables {
		vars[v.Name] = v.Value
	}
	vars["triggerFile"] = path
	return vars
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func lastStepName(log []pipeline.StepLogEntry) string {
	if len(log) == 0 {
		return ""
	}
	return log[len(log)-1].StepName
}
