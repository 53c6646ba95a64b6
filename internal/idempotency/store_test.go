package idempotency

import (
	"path/filepath"
	"testing"
)

func TestInsertContainsAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_events.txt")
	s := New(path, 0)

	key := "entry:12345:67890:EURUSD:2024-01-15T10:00:00Z"
	if s.Contains(key) {
		t.Fatalf("key should not be present before insert")
	}
	if err := s.Insert(key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !s.Contains(key) {
		t.Fatalf("key should be present after insert")
	}

	// Duplicate insert is a no-op.
	if err := s.Insert(key); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected len 1 after duplicate insert, got %d", s.Len())
	}

	reloaded := New(path, 0)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reloaded.Contains(key) {
		t.Fatalf("key should survive reload")
	}
}

func TestFIFOEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_events.txt")
	s := New(path, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := s.Insert(k); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}

	if s.Contains("a") {
		t.Fatalf("oldest key should have been FIFO-evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if !s.Contains(k) {
			t.Fatalf("key %s should still be present", k)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("expected len 3, got %d", s.Len())
	}
}

func TestLoadTruncatesToTrailingWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_events.txt")
	s := New(path, 100)
	for _, k := range []string{"1", "2", "3", "4", "5"} {
		_ = s.Insert(k)
	}

	reloaded := New(path, 3)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Contains("1") || reloaded.Contains("2") {
		t.Fatalf("expected only trailing window to survive load")
	}
	if !reloaded.Contains("5") {
		t.Fatalf("expected most recent key to survive load")
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_events.txt")
	s := New(path, 0)
	_ = s.Insert("x")
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.Contains("x") || s.Len() != 0 {
		t.Fatalf("expected empty store after clear")
	}
}
