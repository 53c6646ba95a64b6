package submit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"saturn-copier/internal/queue"
	"saturn-copier/internal/rpc"
)

type fakeClients struct {
	dir string
}

func (f fakeClients) Client(receiverID string) (*rpc.Client, bool) { return rpc.New(f.dir), true }
func (f fakeClients) TerminalID(receiverID string) string          { return "t1" }

// respondLoop watches dir for cmd_*.json files and writes a matching
// resp_*.json for each new one with the given response, looping until stopped.
func respondLoop(t *testing.T, dir string, stop <-chan struct{}, respond func() rpc.Response) {
	t.Helper()
	go func() {
		seen := map[string]bool{}
		for {
			select {
			case <-stop:
				return
			default:
			}
			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				name := e.Name()
				if !strings.HasPrefix(name, "cmd_") || seen[name] {
					continue
				}
				seen[name] = true
				ts := strings.TrimSuffix(strings.TrimPrefix(name, "cmd_"), ".json")
				resp := respond()
				resp.Timestamp = 0
				data, _ := json.Marshal(resp)
				_ = os.WriteFile(filepath.Join(dir, "resp_"+ts+".json"), data, 0o644)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestSubmitEnqueuesAndCompletesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "pending.json"), filepath.Join(dir, "history.json"))

	stop := make(chan struct{})
	defer close(stop)
	respondLoop(t, dir, stop, func() rpc.Response {
		return rpc.Response{Success: true, ExecutedPrice: 1.1}
	})

	r := New(q, fakeClients{dir: dir})
	resp, err := r.Submit(context.Background(), "r1", rpc.Request{Action: "entry", Symbol: "EURUSD", Lots: 0.1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if q.PendingLen() != 0 || q.InProgressLen() != 0 {
		t.Fatalf("expected queue drained after completion, pending=%d inprogress=%d", q.PendingLen(), q.InProgressLen())
	}
	if len(q.History()) != 1 {
		t.Fatalf("expected one history entry, got %d", len(q.History()))
	}
}

func TestSubmitRetryableFailureLeavesEntryForWorker(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "pending.json"), filepath.Join(dir, "history.json"))

	stop := make(chan struct{})
	defer close(stop)
	respondLoop(t, dir, stop, func() rpc.Response {
		return rpc.Response{Success: false, Error: "requote"}
	})

	r := New(q, fakeClients{dir: dir})
	resp, err := r.Submit(context.Background(), "r1", rpc.Request{Action: "entry", Symbol: "EURUSD", Lots: 0.1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(resp.Error, "queued for retry") {
		t.Fatalf("expected queued-for-retry response, got %+v", resp)
	}
	if q.PendingLen() != 1 {
		t.Fatalf("expected entry left pending for the worker pool, got %d", q.PendingLen())
	}
}

func TestSubmitDoesNotRaceRunWorkersForTheSameEntry(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "pending.json"), filepath.Join(dir, "history.json"))

	var cmdFiles int32
	stop := make(chan struct{})
	defer close(stop)
	respondLoop(t, dir, stop, func() rpc.Response {
		atomic.AddInt32(&cmdFiles, 1)
		return rpc.Response{Success: true}
	})

	r := New(q, fakeClients{dir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.RunWorkers(ctx, 4, 2*time.Millisecond)

	resp, err := r.Submit(context.Background(), "r1", rpc.Request{Action: "entry", Symbol: "EURUSD", Lots: 0.1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	// Give any wrongly-racing worker time to also pick up the entry before
	// asserting exactly one command was dispatched.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&cmdFiles); got != 1 {
		t.Fatalf("expected exactly one dispatched command, got %d (double dispatch)", got)
	}
	if q.PendingLen() != 0 || q.InProgressLen() != 0 {
		t.Fatalf("expected queue drained, pending=%d inprogress=%d", q.PendingLen(), q.InProgressLen())
	}
}

func TestRunWorkersEventuallySucceeds(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "pending.json"), filepath.Join(dir, "history.json"))

	var attempts int32
	stop := make(chan struct{})
	defer close(stop)
	respondLoop(t, dir, stop, func() rpc.Response {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return rpc.Response{Success: false, Error: "busy"}
		}
		return rpc.Response{Success: true}
	})

	r := New(q, fakeClients{dir: dir})
	if _, err := r.Submit(context.Background(), "r1", rpc.Request{Action: "entry", Symbol: "EURUSD", Lots: 0.1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if q.PendingLen() != 1 {
		t.Fatalf("expected one pending entry before workers run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The queue's backoff after one failed attempt is 2^(1-1) = 1s; wait it
	// out, then let the worker pick the entry back up.
	time.Sleep(1100 * time.Millisecond)
	for i := 0; i < 20 && len(q.History()) == 0; i++ {
		r.attemptOne(ctx)
		time.Sleep(20 * time.Millisecond)
	}

	if len(q.History()) != 1 || !q.History()[0].Success {
		t.Fatalf("expected eventual success in history, got %+v", q.History())
	}
}
