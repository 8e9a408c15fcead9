package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/issueflow/issueflow/pkg/models"
)

// flushBackoff are the waits before each retry after a failed persist.
// After the last retry fails, the snapshot is dropped and the error is
// reported as ErrStorageUnavailable.
var flushBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// ErrorFunc receives persistence failures after retries are exhausted. The
// error always wraps ErrStorageUnavailable. Called from the flush goroutine.
type ErrorFunc func(sessionID string, err error)

// Flusher persists session snapshots asynchronously. Snapshots for one
// session are written in enqueue order; distinct sessions flush in parallel.
// Enqueue never blocks on storage, so a slow disk cannot stall a session.
type Flusher struct {
	storage Storage
	logger  *slog.Logger
	onError ErrorFunc

	mu     sync.Mutex
	queues map[string]*flushQueue
	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// flushQueue is the per-session ordered queue, drained by one goroutine.
type flushQueue struct {
	mu       sync.Mutex
	pending  []models.Session
	released bool
	wake     chan struct{} // capacity 1
}

// NewFlusher creates a Flusher. onError may be nil.
func NewFlusher(storage Storage, logger *slog.Logger, onError ErrorFunc) *Flusher {
	return &Flusher{
		storage: storage,
		logger:  logger,
		onError: onError,
		queues:  make(map[string]*flushQueue),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue schedules a snapshot for persistence. Snapshots must already be
// deep copies (Store hands those out). No-op after Close.
func (f *Flusher) Enqueue(sess models.Session) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	q, ok := f.queues[sess.ID]
	if !ok {
		q = &flushQueue{wake: make(chan struct{}, 1)}
		f.queues[sess.ID] = q
		f.wg.Add(1)
		go f.drain(sess.ID, q)
	}

	// Append before dropping the map lock so drain cannot retire the
	// queue between the lookup and the append.
	q.mu.Lock()
	q.pending = append(q.pending, sess)
	q.mu.Unlock()
	f.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Release lets the session's flush goroutine retire once its backlog is
// written. Call after the last snapshot for the session has been enqueued;
// a later Enqueue simply starts a fresh queue.
func (f *Flusher) Release(sessionID string) {
	f.mu.Lock()
	q := f.queues[sessionID]
	f.mu.Unlock()
	if q == nil {
		return
	}

	q.mu.Lock()
	q.released = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting snapshots, drains every queue, and waits for the
// flush goroutines to finish. Idempotent.
func (f *Flusher) Close() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.stopCh)
	})
	f.wg.Wait()
}

// drain writes the queue head until the queue is empty and the flusher is
// closed. On close it finishes the backlog before exiting.
func (f *Flusher) drain(sessionID string, q *flushQueue) {
	defer f.wg.Done()

	for {
		q.mu.Lock()
		var next *models.Session
		if len(q.pending) > 0 {
			next = &q.pending[0]
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		if next != nil {
			f.persistWithRetry(*next)
			continue
		}

		if f.retire(sessionID, q) {
			return
		}

		select {
		case <-q.wake:
		case <-f.stopCh:
			// One last look; Enqueue stopped adding when closed flipped.
			q.mu.Lock()
			empty := len(q.pending) == 0
			q.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

// retire removes the queue entry when the session was released and its
// backlog is flushed, letting the drain goroutine exit instead of parking
// for the process lifetime. Both locks are held so a concurrent Enqueue
// cannot land a snapshot on a queue nothing drains.
func (f *Flusher) retire(sessionID string, q *flushQueue) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.released || len(q.pending) > 0 {
		return false
	}
	delete(f.queues, sessionID)
	return true
}

// persistWithRetry tries the initial write plus one retry per backoff step.
func (f *Flusher) persistWithRetry(sess models.Session) {
	var err error
	for attempt := 0; ; attempt++ {
		err = f.storage.Persist(context.Background(), sess)
		if err == nil {
			return
		}
		if attempt >= len(flushBackoff) {
			break
		}
		f.logger.Warn("session persist failed, retrying",
			"session_id", sess.ID,
			"attempt", attempt+1,
			"backoff", flushBackoff[attempt],
			"error", err)
		select {
		case <-time.After(flushBackoff[attempt]):
		case <-f.stopCh:
			// Shutting down; retry without the wait.
		}
	}

	wrapped := &storageError{sessionID: sess.ID, cause: err}
	f.logger.Error("session persist abandoned",
		"session_id", sess.ID,
		"error", wrapped)
	if f.onError != nil {
		f.onError(sess.ID, wrapped)
	}
}

// storageError wraps a persist failure so callers can match
// ErrStorageUnavailable with errors.Is.
type storageError struct {
	sessionID string
	cause     error
}

func (e *storageError) Error() string {
	return "session storage unavailable for " + e.sessionID + ": " + e.cause.Error()
}

func (e *storageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.cause} }
