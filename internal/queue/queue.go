// Package queue implements the Execution Queue (spec.md §4.3): a durable
// three-tier store of pending/in_progress/completed execution attempts with
// exponential backoff and crash recovery. Grounded on the teacher's
// internal/order.PersistentQueue (WAL-backed durability, Recover() on
// startup) generalized from a single queue+WAL file into the two-file
// pending/history layout spec.md calls for, since our retry/backoff
// semantics need full entries rewritten on every transition rather than a
// replay log.
package queue

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"saturn-copier/pkg/persist"
)

// Status is the lifecycle stage of a queued execution attempt.
type Status string

const (
	StatusPending            Status = "pending"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusMaxRetriesExceeded Status = "max_retries_exceeded"
)

// DefaultMaxAttempts and HistoryCap are spec.md §4.3's defaults.
const (
	DefaultMaxAttempts = 3
	HistoryCap         = 1000
)

// Entry is one queued execution attempt.
type Entry struct {
	ID           string    `json:"id"`
	ReceiverID   string    `json:"receiver_id"`
	TerminalID   string    `json:"terminal_id"`
	Event        any       `json:"event"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	Status       Status    `json:"status"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Result is a terminal outcome appended to history.
type Result struct {
	Entry     Entry     `json:"entry"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Status    Status    `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

type pendingDoc struct {
	Pending    []Entry `json:"pending"`
	InProgress []Entry `json:"in_progress"`
}

type historyDoc struct {
	Completed []Result `json:"completed"`
}

// Queue is the mutex-guarded, persisted execution queue.
type Queue struct {
	mu          sync.Mutex
	pendingPath string
	historyPath string

	pending    []Entry
	inProgress map[string]Entry
	completed  []Result
}

// New creates a queue persisted at pendingPath/historyPath.
func New(pendingPath, historyPath string) *Queue {
	return &Queue{
		pendingPath: pendingPath,
		historyPath: historyPath,
		inProgress:  make(map[string]Entry),
	}
}

// Load recovers queue state from disk, performing crash recovery: any entry
// found in_progress is rewritten to pending with next_retry_at=now, on the
// assumption the process died mid-attempt (spec.md §4.3).
func (q *Queue) Load() error {
	q.mu.Lock()

	var pdoc pendingDoc
	found, err := persist.ReadJSON(q.pendingPath, &pdoc)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if found {
		q.pending = pdoc.Pending
		now := time.Now()
		for _, e := range pdoc.InProgress {
			e.Status = StatusPending
			e.NextRetryAt = now
			q.pending = append(q.pending, e)
		}
		if len(pdoc.InProgress) > 0 {
			log.Printf("queue: recovered %d in-flight entries to pending after restart", len(pdoc.InProgress))
		}
	}
	q.inProgress = make(map[string]Entry)

	var hdoc historyDoc
	found, err = persist.ReadJSON(q.historyPath, &hdoc)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if found {
		q.completed = hdoc.Completed
	}

	pendingSnapshot, historySnapshot := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.persistPending(pendingSnapshot); err != nil {
		return err
	}
	return q.persistHistory(historySnapshot)
}

// snapshotLocked copies out both documents so I/O can happen after the
// mutex is released (spec.md §5).
func (q *Queue) snapshotLocked() (pendingDoc, historyDoc) {
	pending := append([]Entry(nil), q.pending...)
	completed := append([]Result(nil), q.completed...)
	return pendingDoc{Pending: pending, InProgress: inProgressSlice(q.inProgress)}, historyDoc{Completed: completed}
}

func (q *Queue) persistPending(doc pendingDoc) error {
	return persist.WriteJSON(q.pendingPath, doc)
}

func (q *Queue) persistHistory(doc historyDoc) error {
	return persist.WriteJSON(q.historyPath, doc)
}

func inProgressSlice(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// Enqueue adds a new execution attempt to the pending tail.
func (q *Queue) Enqueue(receiverID, terminalID string, event any) (Entry, error) {
	q.mu.Lock()
	e := Entry{
		ID:          uuid.NewString(),
		ReceiverID:  receiverID,
		TerminalID:  terminalID,
		Event:       event,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		NextRetryAt: time.Now(),
		Status:      StatusPending,
		EnqueuedAt:  time.Now(),
	}
	q.pending = append(q.pending, e)
	doc, _ := q.snapshotLocked()
	q.mu.Unlock()

	return e, q.persistPending(doc)
}

// EnqueueClaimed creates a new entry already in in_progress, atomically
// claiming it for the caller. Used by the Submitter's synchronous fast path
// (internal/submit.Router.Submit) so the entry never sits in pending where a
// concurrently polling RunWorkers goroutine could Dequeue it and send the
// same command a second time.
func (q *Queue) EnqueueClaimed(receiverID, terminalID string, event any) (Entry, error) {
	q.mu.Lock()
	e := Entry{
		ID:          uuid.NewString(),
		ReceiverID:  receiverID,
		TerminalID:  terminalID,
		Event:       event,
		Attempts:    1,
		MaxAttempts: DefaultMaxAttempts,
		NextRetryAt: time.Now(),
		Status:      StatusInProgress,
		EnqueuedAt:  time.Now(),
	}
	q.inProgress[e.ID] = e
	doc, _ := q.snapshotLocked()
	q.mu.Unlock()

	return e, q.persistPending(doc)
}

// Dequeue returns the first pending entry eligible for retry (next_retry_at
// <= now), increments its attempts, and moves it to in_progress. Returns
// ok=false if no entry is eligible.
func (q *Queue) Dequeue() (Entry, bool, error) {
	q.mu.Lock()
	now := time.Now()
	for i, e := range q.pending {
		if e.NextRetryAt.After(now) {
			continue
		}
		e.Attempts++
		e.Status = StatusInProgress
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.inProgress[e.ID] = e
		doc, _ := q.snapshotLocked()
		q.mu.Unlock()
		return e, true, q.persistPending(doc)
	}
	q.mu.Unlock()
	return Entry{}, false, nil
}

// Complete removes id from in_progress and records its outcome (success or
// failure, as passed) in history.
func (q *Queue) Complete(id string, success bool, errMsg string) error {
	q.mu.Lock()
	e, ok := q.inProgress[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.inProgress, id)

	e.Status = StatusCompleted
	q.appendHistoryLocked(Result{Entry: e, Success: success, Error: errMsg, Status: StatusCompleted, FinishedAt: time.Now()})

	pdoc, hdoc := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.persistPending(pdoc); err != nil {
		return err
	}
	return q.persistHistory(hdoc)
}

// Fail reports a retryable failure for id. If attempts remain, the entry
// returns to pending with exponential backoff (2^(attempts-1) seconds: 1s
// after the first attempt, 2s after the second); otherwise it is recorded terminal as max_retries_exceeded.
func (q *Queue) Fail(id string, errMsg string) error {
	q.mu.Lock()
	e, ok := q.inProgress[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.inProgress, id)

	if e.Attempts < e.MaxAttempts {
		backoff := time.Duration(1<<uint(e.Attempts-1)) * time.Second
		e.NextRetryAt = time.Now().Add(backoff)
		e.Status = StatusPending
		q.pending = append(q.pending, e)
		doc, _ := q.snapshotLocked()
		q.mu.Unlock()
		return q.persistPending(doc)
	}

	e.Status = StatusMaxRetriesExceeded
	q.appendHistoryLocked(Result{Entry: e, Success: false, Error: errMsg, Status: StatusMaxRetriesExceeded, FinishedAt: time.Now()})
	pdoc, hdoc := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.persistPending(pdoc); err != nil {
		return err
	}
	return q.persistHistory(hdoc)
}

func (q *Queue) appendHistoryLocked(r Result) {
	q.completed = append(q.completed, r)
	if len(q.completed) > HistoryCap {
		q.completed = q.completed[len(q.completed)-HistoryCap:]
	}
}

// PendingLen, InProgressLen, and History are inspection helpers for tests
// and the Local Control API.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) InProgressLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

func (q *Queue) History() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Result, len(q.completed))
	copy(out, q.completed)
	return out
}
