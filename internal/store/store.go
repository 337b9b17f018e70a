// Package store is the bbolt-backed persistence layer: a processed-file
// ledger for idempotency and a dead-letter queue for pipeline runs that
// exhausted their step retries. Grounded on the teacher's
// internal/task/state_bbolt.go, generalized with a DLQ bucket and a
// lightweight content fingerprint in place of a full file checksum.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	filesBucket = []byte("files")
	dlqBucket   = []byte("dlq")
	metaBucket  = []byte("meta")
)

// FileStatus is the lifecycle state of a single (task, file) ledger
// entry.
type FileStatus string

const (
	StatusQueued     FileStatus = "queued"
	StatusProcessing FileStatus = "processing"
	StatusDone       FileStatus = "done"
	StatusFailed     FileStatus = "failed"
)

// FileRecord is the ledger entry for one (taskID, path) pair. Fingerprint
// is a cheap content signal (size + mtime), not a full file hash — see
// DESIGN.md's ledger-key Open Question decision.
type FileRecord struct {
	TaskID        string     `json:"taskId"`
	Path          string     `json:"path"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	Status        FileStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DLQStatus is the lifecycle state of a dead-letter record.
type DLQStatus string

const (
	DLQPending  DLQStatus = "pending"
	DLQResolved DLQStatus = "resolved"
	DLQExhausted DLQStatus = "exhausted"
)

// DLQRecord is one failed execution parked for retry or operator
// inspection.
type DLQRecord struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"taskId"`
	Path          string    `json:"path"`
	CorrelationID string    `json:"correlationId"`
	FailedStep    string    `json:"failedStep"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"maxAttempts"`
	Status        DLQStatus `json:"status"`
	NextRetryAt   time.Time `json:"nextRetryAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store is the persistence contract consumed by the supervisor and DLQ
// packages. One interface serves all callers, so a package's tests can
// substitute an in-memory fake (as internal/supervisor's do) instead of
// a live bbolt file; production code passes *BBoltStore.
type Store interface {
	Close() error
	PutFile(rec *FileRecord) error
	GetFile(taskID, path string) (*FileRecord, error)
	MarkFile(taskID, path, fingerprint string, status FileStatus, attempts int, lastErr string) error

	PutDLQ(rec *DLQRecord) error
	GetDLQ(id string) (*DLQRecord, error)
	UpdateDLQ(rec *DLQRecord) error
	DeleteDLQ(id string) error
	ListDLQ() ([]*DLQRecord, error)
	DueRetries(now time.Time) ([]*DLQRecord, error)
	PurgeDLQOlderThan(cutoff time.Time) (int, error)
}

// BBoltStore implements Store on top of go.etcd.io/bbolt.
type BBoltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path and ensures
// its buckets exist.
func Open(path string) (*BBoltStore, error) {
	if path == "" {
		return nil, errors.New("state db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{filesBucket, dlqBucket, metaBucket} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BBoltStore{db: db}, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func fileKey(taskID, path string) []byte {
	return []byte(taskID + "\x00" + path)
}

func (s *BBoltStore) PutFile(rec *FileRecord) error {
	now := time.Now()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(filesBucket), fileKey(rec.TaskID, rec.Path), rec)
	})
}

func (s *BBoltStore) GetFile(taskID, path string) (*FileRecord, error) {
	var out *FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get(fileKey(taskID, path))
		if v == nil {
			return nil
		}
		var rec FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	return out, err
}

func (s *BBoltStore) MarkFile(taskID, path, fingerprint string, status FileStatus, attempts int, lastErr string) error {
	k := fileKey(taskID, path)
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(filesBucket)
		now := time.Now()
		v := bkt.Get(k)
		rec := FileRecord{TaskID: taskID, Path: path, CreatedAt: now}
		if v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
		}
		rec.Fingerprint = fingerprint
		rec.Status = status
		rec.Attempts = attempts
		rec.LastError = lastErr
		rec.UpdatedAt = now
		return putJSON(bkt, k, rec)
	})
}

func (s *BBoltStore) PutDLQ(rec *DLQRecord) error {
	now := time.Now()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = DLQPending
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(dlqBucket), []byte(rec.ID), rec)
	})
}

func (s *BBoltStore) GetDLQ(id string) (*DLQRecord, error) {
	var out *DLQRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dlqBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		var rec DLQRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	return out, err
}

func (s *BBoltStore) UpdateDLQ(rec *DLQRecord) error {
	rec.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(dlqBucket), []byte(rec.ID), rec)
	})
}

func (s *BBoltStore) DeleteDLQ(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dlqBucket).Delete([]byte(id))
	})
}

func (s *BBoltStore) ListDLQ() ([]*DLQRecord, error) {
	var out []*DLQRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dlqBucket).ForEach(func(_, v []byte) error {
			var rec DLQRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// DueRetries returns pending DLQ records whose NextRetryAt has passed.
func (s *BBoltStore) DueRetries(now time.Time) ([]*DLQRecord, error) {
	all, err := s.ListDLQ()
	if err != nil {
		return nil, err
	}
	var due []*DLQRecord
	for _, rec := range all {
		if rec.Status == DLQPending && !rec.NextRetryAt.After(now) {
			due = append(due, rec)
		}
	}
	return due, nil
}

// PurgeDLQOlderThan deletes resolved/exhausted records last updated
// before cutoff, returning the count removed.
func (s *BBoltStore) PurgeDLQOlderThan(cutoff time.Time) (int, error) {
	all, err := s.ListDLQ()
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(dlqBucket)
		for _, rec := range all {
			if rec.Status == DLQPending {
				continue
			}
			if rec.UpdatedAt.Before(cutoff) {
				if err := bkt.Delete([]byte(rec.ID)); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	return n, err
}

func putJSON(b *bolt.Bucket, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(k, data)
}

// Fingerprint builds a cheap, non-cryptographic content signal for a
// file from its size and modification time, used as the ledger's
// change-detection key instead of hashing the whole file.
func Fingerprint(size int64, mtime time.Time) string {
	return fmt.Sprintf("%d-%d", size, mtime.UnixNano())
}
