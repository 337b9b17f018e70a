package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronplus/cronplus/internal/store"
)

type noopLogger struct{}

func (noopLogger) Infow(string, ...any)  {}
func (noopLogger) Warnw(string, ...any)  {}
func (noopLogger) Errorw(string, ...any) {}

func openTestStore(t *testing.T) *store.BBoltStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWriter_FlushesOnContextCancel(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})

	w.Enqueue(&store.DLQRecord{ID: "a", TaskID: "t1", Path: "/x"})
	w.Enqueue(&store.DLQRecord{ID: "b", TaskID: "t1", Path: "/y"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancel")
	}

	all, err := st.ListDLQ()
	require.NoError(t, err)
	assert.Len(t, all, 2, "both buffered records must be flushed before Run returns")
}

func TestWriter_FlushesEarlyAtMaxItems(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < flushMaxItems; i++ {
		w.Enqueue(&store.DLQRecord{ID: string(rune('a' + i)), TaskID: "t1", Path: "/x"})
	}

	require.Eventually(t, func() bool {
		all, err := st.ListDLQ()
		return err == nil && len(all) == flushMaxItems
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunDueRetries_ResolvesOnSuccessfulReplay(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})
	require.NoError(t, st.PutDLQ(&store.DLQRecord{
		ID: "r1", TaskID: "t1", Path: "/x", MaxAttempts: 3, NextRetryAt: time.Now().Add(-time.Second),
	}))

	w.SetReplayer(func(ctx context.Context, rec *store.DLQRecord) error { return nil })
	w.runDueRetries(context.Background())

	got, err := st.GetDLQ("r1")
	require.NoError(t, err)
	assert.Equal(t, store.DLQResolved, got.Status)
}

func TestRunDueRetries_ReschedulesOnFailureUnderMaxAttempts(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})
	require.NoError(t, st.PutDLQ(&store.DLQRecord{
		ID: "r1", TaskID: "t1", Path: "/x", MaxAttempts: 3, Attempts: 0, NextRetryAt: time.Now().Add(-time.Second),
	}))

	w.SetReplayer(func(ctx context.Context, rec *store.DLQRecord) error { return errors.New("still broken") })
	w.runDueRetries(context.Background())

	got, err := st.GetDLQ("r1")
	require.NoError(t, err)
	assert.Equal(t, store.DLQPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextRetryAt.After(time.Now()))
}

func TestRunDueRetries_ExhaustsAtMaxAttempts(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})
	require.NoError(t, st.PutDLQ(&store.DLQRecord{
		ID: "r1", TaskID: "t1", Path: "/x", MaxAttempts: 1, Attempts: 0, NextRetryAt: time.Now().Add(-time.Second),
	}))

	w.SetReplayer(func(ctx context.Context, rec *store.DLQRecord) error { return errors.New("still broken") })
	w.runDueRetries(context.Background())

	got, err := st.GetDLQ("r1")
	require.NoError(t, err)
	assert.Equal(t, store.DLQExhausted, got.Status)
}

func TestRunDueRetries_NoReplayerIsNoop(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})
	require.NoError(t, st.PutDLQ(&store.DLQRecord{ID: "r1", NextRetryAt: time.Now().Add(-time.Second)}))

	w.runDueRetries(context.Background())

	got, err := st.GetDLQ("r1")
	require.NoError(t, err)
	assert.Equal(t, store.DLQPending, got.Status, "without a replayer, due records must be left untouched")
}

func TestWriter_EnqueueShedsOldestPastBufferCap(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})

	for i := 0; i < bufferCap+5; i++ {
		w.Enqueue(&store.DLQRecord{ID: strconv.Itoa(i), TaskID: "t1", Path: "/x"})
	}

	assert.Equal(t, int64(5), w.Shed())
	assert.Len(t, w.buf, bufferCap)
}

type failingStore struct {
	*store.BBoltStore
	fail bool
}

func (f *failingStore) PutDLQ(rec *store.DLQRecord) error {
	if f.fail {
		return errors.New("write failed")
	}
	return f.BBoltStore.PutDLQ(rec)
}

func TestWriter_FlushReholdsRecordOnPersistFailure(t *testing.T) {
	st := openTestStore(t)
	fs := &failingStore{BBoltStore: st, fail: true}
	w := New(fs, noopLogger{})

	w.Enqueue(&store.DLQRecord{ID: "a", TaskID: "t1", Path: "/x"})
	w.flush()
	assert.Len(t, w.buf, 1, "a record that fails to persist must be re-held, not dropped")

	fs.fail = false
	w.flush()
	assert.Empty(t, w.buf)
	all, err := st.ListDLQ()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWriter_EnqueueConcurrentSafe(t *testing.T) {
	st := openTestStore(t)
	w := New(st, noopLogger{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Enqueue(&store.DLQRecord{ID: string(rune('a' + i%26)), TaskID: "t1", Path: "/x"})
		}(i)
	}
	wg.Wait()
	w.flush()
	all, err := st.ListDLQ()
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}
