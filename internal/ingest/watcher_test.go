package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/idempotency"
	"saturn-copier/internal/tradeevent"
)

type recordingProcessor struct {
	events []tradeevent.Event
}

func (p *recordingProcessor) Process(_ context.Context, ev tradeevent.Event, _ configmodel.CopierConfig) error {
	p.events = append(p.events, ev)
	return nil
}

func writeEvent(t *testing.T, path string, ev tradeevent.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestWatcher(t *testing.T, processor Processor, configured bool) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	store := idempotency.New(filepath.Join(dir, "idempotency.log"), idempotency.DefaultCapacity)

	w := &Watcher{
		Dir:    dir,
		Idempo: store,
		Config: func() (configmodel.CopierConfig, bool) { return configmodel.CopierConfig{}, configured },
	}
	if processor != nil {
		w.Processor = processor
	}
	return w, dir
}

func TestHandleFileProcessesWellFormedEvent(t *testing.T) {
	processor := &recordingProcessor{}
	w, dir := newTestWatcher(t, processor, true)

	ts := int64(1)
	path := filepath.Join(dir, "evt.json")
	writeEvent(t, path, tradeevent.Event{EventType: tradeevent.KindEntry, Ticket: ts, Symbol: "EURUSD", Timestamp: "t1"})

	w.handleFile(context.Background(), path)

	if len(processor.events) != 1 {
		t.Fatalf("expected 1 processed event, got %d", len(processor.events))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected source file deleted after processing")
	}
}

func TestHandleFileDeletesMalformedFile(t *testing.T) {
	processor := &recordingProcessor{}
	w, dir := newTestWatcher(t, processor, true)

	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w.handleFile(context.Background(), path)

	if len(processor.events) != 0 {
		t.Fatalf("expected no events processed for malformed file")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected malformed file deleted")
	}
}

func TestHandleFileSkipsDuplicateIdempotencyKey(t *testing.T) {
	processor := &recordingProcessor{}
	w, dir := newTestWatcher(t, processor, true)

	ev := tradeevent.Event{EventType: tradeevent.KindEntry, Ticket: 5, Symbol: "EURUSD", Timestamp: "dup"}
	if err := w.Idempo.Insert(ev.IdempotencyKey()); err != nil {
		t.Fatalf("seed idempotency: %v", err)
	}

	path := filepath.Join(dir, "dup.json")
	writeEvent(t, path, ev)

	w.handleFile(context.Background(), path)

	if len(processor.events) != 0 {
		t.Fatalf("expected duplicate event not processed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected duplicate file deleted")
	}
}

func TestHandleFileLeavesFileWhenNotConfigured(t *testing.T) {
	processor := &recordingProcessor{}
	w, dir := newTestWatcher(t, processor, false)

	path := filepath.Join(dir, "evt.json")
	writeEvent(t, path, tradeevent.Event{EventType: tradeevent.KindEntry, Ticket: 9, Symbol: "EURUSD", Timestamp: "t9"})

	w.handleFile(context.Background(), path)

	if len(processor.events) != 0 {
		t.Fatalf("expected no processing without config")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file left in place when agent has no config, got stat error: %v", err)
	}
}

func TestSweepExistingProcessesPendingFiles(t *testing.T) {
	processor := &recordingProcessor{}
	w, dir := newTestWatcher(t, processor, true)

	writeEvent(t, filepath.Join(dir, "a.json"), tradeevent.Event{EventType: tradeevent.KindEntry, Ticket: 1, Symbol: "EURUSD", Timestamp: "a"})
	writeEvent(t, filepath.Join(dir, "b.json"), tradeevent.Event{EventType: tradeevent.KindEntry, Ticket: 2, Symbol: "GBPUSD", Timestamp: "b"})

	if err := w.sweepExisting(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(processor.events) != 2 {
		t.Fatalf("expected 2 events swept, got %d", len(processor.events))
	}
}
