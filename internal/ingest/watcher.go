// Package ingest implements the File-Watch Ingestor (spec.md §4.8): watches
// the master's pending-queue directory for new TradeEvent files, applies
// the stability/retry/idempotency gate, and invokes the Fan-out Engine.
// Grounded on the teacher's internal/reconciliation.Service ticker-loop
// shape and internal/order.PersistentQueue's mark-before-delete durability
// reasoning, generalized from polling the exchange to polling a directory
// via fsnotify, the watcher library the wider example pack reaches for.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/idempotency"
	"saturn-copier/internal/tradeevent"
)

const (
	writerStabilityDelay = 150 * time.Millisecond
	sizeCheckDelay       = 50 * time.Millisecond
	readRetries          = 3
	readRetryDelay       = 100 * time.Millisecond
	shutdownPollInterval = 500 * time.Millisecond
)

// Processor invokes the Fan-out Engine for one decoded event. Returning an
// error only logs; the ingestor has already committed to processing this
// event (idempotency key is marked first, per spec.md §4.8 step 7).
type Processor interface {
	Process(ctx context.Context, ev tradeevent.Event, cfg configmodel.CopierConfig) error
}

// ConfigProvider supplies the currently-loaded policy, or ok=false if the
// agent has no config loaded yet.
type ConfigProvider func() (configmodel.CopierConfig, bool)

// Watcher watches a pending directory and fans out well-formed, non-
// duplicate TradeEvent files.
type Watcher struct {
	Dir       string
	Idempo    *idempotency.Store
	Config    ConfigProvider
	Processor Processor

	shutdown atomic.Bool
}

// Stop signals the watcher's event loop to exit; it observes the flag
// within shutdownPollInterval.
func (w *Watcher) Stop() { w.shutdown.Store(true) }

// Run sweeps pre-existing files in Dir, then watches for new creations
// until Stop is called or ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.sweepExisting(ctx); err != nil {
		log.Printf("ingest: startup sweep error: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("ingest: watch %s: %w", w.Dir, err)
	}

	for {
		if w.shutdown.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				continue
			}
			w.handleFile(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("ingest: watcher error: %v", err)
		case <-time.After(shutdownPollInterval):
			// bounds how long Stop() takes to be observed
		}
	}
}

func (w *Watcher) sweepExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		w.handleFile(ctx, filepath.Join(w.Dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) handleFile(ctx context.Context, path string) {
	time.Sleep(writerStabilityDelay)

	if !w.isStable(path) {
		return
	}

	data, err := w.readWithRetries(path)
	if err != nil {
		log.Printf("ingest: giving up reading %s: %v", path, err)
		return
	}

	var ev tradeevent.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("ingest: malformed event file %s, deleting: %v", path, err)
		_ = os.Remove(path)
		return
	}

	key := ev.IdempotencyKey()
	if w.Idempo.Contains(key) {
		log.Printf("ingest: duplicate event %s, deleting", key)
		_ = os.Remove(path)
		return
	}

	cfg, ok := w.Config()
	if !ok {
		log.Printf("ingest: agent has no config loaded yet, leaving %s for later", path)
		return
	}

	// Mark before delete (spec.md §4.8 step 7): losing the dedup record on
	// crash risks double execution, which is the worse failure mode.
	if err := w.Idempo.Insert(key); err != nil {
		log.Printf("ingest: failed to persist idempotency key %s: %v", key, err)
		return
	}

	if err := w.Processor.Process(ctx, ev, cfg); err != nil {
		log.Printf("ingest: fan-out error for %s: %v", key, err)
	}

	_ = os.Remove(path)
}

// isStable reports whether the file's size is unchanged across a 50ms
// window, indicating the writer has finished.
func (w *Watcher) isStable(path string) bool {
	info1, err := os.Stat(path)
	if err != nil {
		return false
	}
	time.Sleep(sizeCheckDelay)
	info2, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info1.Size() == info2.Size()
}

func (w *Watcher) readWithRetries(path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		lastErr = err
		time.Sleep(readRetryDelay)
	}
	return nil, lastErr
}
