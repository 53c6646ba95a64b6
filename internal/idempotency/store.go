// Package idempotency implements the bounded FIFO set of processed event
// keys described in spec.md §4.1: a key is marked at most once, eviction is
// FIFO (not LRU), and the set is persisted to a single file after every
// insert so it survives process restart.
package idempotency

import (
	"bufio"
	"log"
	"os"
	"strings"
	"sync"

	"saturn-copier/pkg/persist"
)

// DefaultCapacity is the FIFO cap from spec.md §4.1.
const DefaultCapacity = 10000

// Store is a durable, bounded, FIFO-evicted set of idempotency keys.
type Store struct {
	mu       sync.Mutex
	path     string
	capacity int
	order    []string        // FIFO order, oldest first
	present  map[string]bool
}

// New creates a store backed by the newline-delimited key file at path.
// Capacity <= 0 uses DefaultCapacity.
func New(path string, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		path:     path,
		capacity: capacity,
		present:  make(map[string]bool),
	}
}

// Load reads the persisted key file, keeping only the trailing window if
// the file exceeds the configured capacity (spec.md §4.1: "if it exceeds
// the cap, keep the trailing window (most recent)").
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(lines) > s.capacity {
		lines = lines[len(lines)-s.capacity:]
	}

	s.order = s.order[:0]
	s.present = make(map[string]bool, len(lines))
	for _, k := range lines {
		if !s.present[k] {
			s.present[k] = true
			s.order = append(s.order, k)
		}
	}

	log.Printf("idempotency: loaded %d keys from %s", len(s.order), s.path)
	return nil
}

// Contains reports whether key was previously inserted and not yet evicted.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[key]
}

// Insert marks key as processed. A duplicate insert is a no-op. When the
// set is at capacity, the oldest keys are evicted (FIFO, never LRU — a
// re-inserted key does not move to the tail; inserting is itself a no-op
// for duplicates so this never happens in practice) until there is room.
func (s *Store) Insert(key string) error {
	s.mu.Lock()
	if s.present[key] {
		s.mu.Unlock()
		return nil
	}

	s.present[key] = true
	s.order = append(s.order, key)
	for len(s.order) > s.capacity {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.present, evicted)
	}
	snapshot := append([]string(nil), s.order...)
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Clear empties the store and persists the empty state.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.order = nil
	s.present = make(map[string]bool)
	s.mu.Unlock()
	return s.persist(nil)
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) persist(keys []string) error {
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('\n')
	}
	return persist.WriteFile(s.path, []byte(sb.String()))
}
