// Package dlq is the dead-letter queue: a batched writer that buffers
// new records and flushes them transactionally, plus a retry driver
// that re-runs due records through a supplied executor factory
// (§4.7 of SPEC_FULL.md). Grounded on the teacher's bbolt usage
// pattern in internal/task/state_bbolt.go; the batching/retry-driver
// shape has no teacher precedent (the teacher had no DLQ) and is
// built in the same plain-goroutine, no-framework style.
package dlq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cronplus/cronplus/internal/retrypolicy"
	"github.com/cronplus/cronplus/internal/store"
)

// Logger is the narrow logging interface this package depends on.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// Replayer re-runs the pipeline for one DLQ record, used by the retry
// driver. internal/manager wires this to the owning task's supervisor.
type Replayer func(ctx context.Context, rec *store.DLQRecord) error

// Writer batches DLQ writes and drives the due-retry loop.
type Writer struct {
	st  store.Store
	log Logger

	mu      sync.Mutex
	buf     []*store.DLQRecord
	flushCh chan struct{}

	shed int64

	replay Replayer
}

const (
	flushInterval  = 5 * time.Second
	flushMaxItems  = 10
	driverInterval = 7 * time.Second

	// bufferCap bounds the in-memory batch buffer. §4.1/§9: backpressure
	// sheds the oldest entry rather than growing without limit.
	bufferCap = 1000
)

// New creates a Writer. SetReplayer must be called before Run starts
// the retry driver, or due records simply accumulate unprocessed.
func New(st store.Store, log Logger) *Writer {
	return &Writer{st: st, log: log, flushCh: make(chan struct{}, 1)}
}

// SetReplayer wires the callback the retry driver uses to re-run a
// failed execution. Call before Run.
func (w *Writer) SetReplayer(r Replayer) {
	w.replay = r
}

// Shed reports how many buffered records were dropped because the
// in-memory batch buffer hit bufferCap, either on Enqueue or because a
// flush failed to persist them.
func (w *Writer) Shed() int64 {
	return atomic.LoadInt64(&w.shed)
}

// Enqueue buffers a new DLQ record for the next batch flush. If the
// buffer is already at bufferCap, the oldest buffered record is
// dropped and counted rather than growing unbounded (§4.1/§9).
func (w *Writer) Enqueue(rec *store.DLQRecord) {
	w.mu.Lock()
	if len(w.buf) >= bufferCap {
		dropped := w.buf[0]
		w.buf = w.buf[1:]
		atomic.AddInt64(&w.shed, 1)
		w.log.Warnw("dlq buffer full, shedding oldest record", "id", dropped.ID, "taskId", dropped.TaskID)
	}
	w.buf = append(w.buf, rec)
	n := len(w.buf)
	w.mu.Unlock()
	if n >= flushMaxItems {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run drives the batch flush and retry loops until ctx is cancelled,
// then synchronously drains any buffered records.
func (w *Writer) Run(ctx context.Context) {
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	driverTicker := time.NewTicker(driverInterval)
	defer driverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case <-flushTicker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		case <-driverTicker.C:
			w.runDueRetries(ctx)
		}
	}
}

// flush persists the buffered batch. A record that fails to persist is
// re-held in the buffer (subject to bufferCap) rather than dropped, so
// a transient store error is retried on the next flush instead of
// silently losing the record.
func (w *Writer) flush() {
	w.mu.Lock()
	items := w.buf
	w.buf = nil
	w.mu.Unlock()

	var failed []*store.DLQRecord
	for _, rec := range items {
		if err := w.st.PutDLQ(rec); err != nil {
			w.log.Errorw("dlq flush failed, re-holding for retry", "id", rec.ID, "error", err)
			failed = append(failed, rec)
		}
	}
	if len(failed) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(failed, w.buf...)
	if over := len(w.buf) - bufferCap; over > 0 {
		atomic.AddInt64(&w.shed, int64(over))
		w.log.Warnw("dlq buffer over cap after re-hold, shedding oldest records", "count", over)
		w.buf = w.buf[over:]
	}
}

func (w *Writer) runDueRetries(ctx context.Context) {
	if w.replay == nil {
		return
	}
	due, err := w.st.DueRetries(time.Now())
	if err != nil {
		w.log.Errorw("dlq due-retry query failed", "error", err)
		return
	}
	for _, rec := range due {
		err := w.replay(ctx, rec)
		if err == nil {
			rec.Status = store.DLQResolved
			_ = w.st.UpdateDLQ(rec)
			continue
		}
		rec.Attempts++
		rec.Error = err.Error()
		if rec.Attempts >= rec.MaxAttempts {
			rec.Status = store.DLQExhausted
		} else {
			rec.NextRetryAt = time.Now().Add(retrypolicy.DLQDelay(rec.Attempts))
		}
		if uerr := w.st.UpdateDLQ(rec); uerr != nil {
			w.log.Errorw("dlq update failed", "id", rec.ID, "error", uerr)
		}
	}
}
