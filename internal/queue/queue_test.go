package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q := New(filepath.Join(dir, "pending.json"), filepath.Join(dir, "history.json"))
	if err := q.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return q
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue("r1", "t1", map[string]any{"symbol": "EURUSD"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e, ok, err := q.Dequeue()
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if e.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first dequeue, got %d", e.Attempts)
	}
	if q.InProgressLen() != 1 {
		t.Fatalf("expected 1 in-progress entry")
	}

	if err := q.Complete(e.ID, true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if q.InProgressLen() != 0 {
		t.Fatalf("expected 0 in-progress after complete")
	}
	history := q.History()
	if len(history) != 1 || !history[0].Success {
		t.Fatalf("expected one successful history entry, got %+v", history)
	}
}

func TestDequeueSkipsEntriesNotYetEligible(t *testing.T) {
	q := newTestQueue(t)
	_, _ = q.Enqueue("r1", "t1", nil)

	q.mu.Lock()
	q.pending[0].NextRetryAt = time.Now().Add(time.Hour)
	q.mu.Unlock()

	_, ok, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatalf("expected no eligible entry")
	}
}

func TestFailRetriesWithBackoffThenMaxRetriesExceeded(t *testing.T) {
	q := newTestQueue(t)
	_, _ = q.Enqueue("r1", "t1", nil)

	var lastID string
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		e, ok, err := q.Dequeue()
		if err != nil || !ok {
			t.Fatalf("dequeue attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		if e.Attempts != attempt {
			t.Fatalf("attempt %d: expected Attempts=%d, got %d", attempt, attempt, e.Attempts)
		}
		lastID = e.ID
		if err := q.Fail(e.ID, "timeout"); err != nil {
			t.Fatalf("fail: %v", err)
		}

		if attempt < DefaultMaxAttempts {
			if q.PendingLen() != 1 {
				t.Fatalf("attempt %d: expected entry back in pending", attempt)
			}
			q.mu.Lock()
			q.pending[0].NextRetryAt = time.Now().Add(-time.Second)
			q.mu.Unlock()
		}
	}

	if q.PendingLen() != 0 {
		t.Fatalf("expected pending empty after max retries exceeded")
	}
	history := q.History()
	if len(history) != 1 || history[0].Status != StatusMaxRetriesExceeded {
		t.Fatalf("expected one max_retries_exceeded history entry, got %+v", history)
	}
	if history[0].Entry.ID != lastID {
		t.Fatalf("history entry id mismatch")
	}
}

func TestCrashRecoveryMovesInProgressBackToPending(t *testing.T) {
	dir := t.TempDir()
	pendingPath := filepath.Join(dir, "pending.json")
	historyPath := filepath.Join(dir, "history.json")

	q1 := New(pendingPath, historyPath)
	_ = q1.Load()
	_, _ = q1.Enqueue("r1", "t1", nil)
	e, _, _ := q1.Dequeue()
	if q1.InProgressLen() != 1 {
		t.Fatalf("expected in-progress entry before simulated crash")
	}

	q2 := New(pendingPath, historyPath)
	if err := q2.Load(); err != nil {
		t.Fatalf("load after crash: %v", err)
	}
	if q2.InProgressLen() != 0 {
		t.Fatalf("expected in_progress cleared after recovery")
	}
	if q2.PendingLen() != 1 {
		t.Fatalf("expected recovered entry in pending, got %d", q2.PendingLen())
	}

	e2, ok, err := q2.Dequeue()
	if err != nil || !ok {
		t.Fatalf("dequeue after recovery: ok=%v err=%v", ok, err)
	}
	if e2.ID != e.ID {
		t.Fatalf("expected same entry id to survive recovery")
	}
	if e2.Attempts != 2 {
		t.Fatalf("expected attempts counter preserved and incremented (2), got %d", e2.Attempts)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < HistoryCap+5; i++ {
		q.mu.Lock()
		q.appendHistoryLocked(Result{Entry: Entry{ID: "x"}, Status: StatusCompleted})
		q.mu.Unlock()
	}
	if len(q.History()) != HistoryCap {
		t.Fatalf("expected history capped at %d, got %d", HistoryCap, len(q.History()))
	}
}
