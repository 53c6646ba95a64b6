// Package submit implements the Submitter half of spec.md §4.3/§4.6: routes
// each Fan-out Engine submission through the per-receiver Receiver RPC,
// durably tracking the attempt in the Execution Queue so a retryable
// failure survives for the background worker pool to retry with backoff
// instead of being lost. Grounded on the teacher's internal/order
// worker-pool-over-PersistentQueue shape, generalized from a single
// exchange order queue to the per-receiver command-directory RPC this
// agent speaks.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"saturn-copier/internal/queue"
	"saturn-copier/internal/rpc"
)

// Clients resolves a receiver's RPC client and terminal id.
type Clients interface {
	Client(receiverID string) (*rpc.Client, bool)
	TerminalID(receiverID string) string
}

// Router is a fanout.Submitter backed by the Execution Queue: every
// submission is enqueued first (durability), then attempted immediately;
// a retryable failure is left in the queue (pending, backed off) for
// Router.RunWorkers' background pool rather than surfaced as terminal.
type Router struct {
	Queue   *queue.Queue
	Clients Clients
}

// New builds a Router over an already-loaded queue and client resolver.
func New(q *queue.Queue, clients Clients) *Router {
	return &Router{Queue: q, Clients: clients}
}

// Submit implements fanout.Submitter. The entry is enqueued already
// claimed (in_progress) via Queue.EnqueueClaimed rather than Enqueue+
// Dequeue, so it is never visible to RunWorkers' background pollers while
// this call is in flight — otherwise a worker's ticker firing between an
// Enqueue and a following Dequeue could steal the entry and send the same
// command concurrently, double-dispatching it to the receiver.
func (r *Router) Submit(ctx context.Context, receiverID string, req rpc.Request) (rpc.Response, error) {
	client, ok := r.Clients.Client(receiverID)
	if !ok {
		return rpc.Response{}, fmt.Errorf("submit: no rpc client configured for receiver %s", receiverID)
	}

	entry, err := r.Queue.EnqueueClaimed(receiverID, r.Clients.TerminalID(receiverID), req)
	if err != nil {
		log.Printf("submit: failed to durably enqueue for %s: %v", receiverID, err)
	}

	resp, sendErr := client.Send(ctx, req)
	if sendErr == nil {
		if !resp.Success && rpc.IsRetryable(resp.Error) {
			_ = r.Queue.Fail(entry.ID, resp.Error)
			return rpc.Response{Error: fmt.Sprintf("queued for retry: %s", resp.Error)}, nil
		}
		_ = r.Queue.Complete(entry.ID, resp.Success, resp.Error)
		return resp, nil
	}

	if rpc.IsRetryable(sendErr.Error()) {
		_ = r.Queue.Fail(entry.ID, sendErr.Error())
		return rpc.Response{Error: fmt.Sprintf("queued for retry: %v", sendErr)}, nil
	}

	_ = r.Queue.Complete(entry.ID, false, sendErr.Error())
	return rpc.Response{}, sendErr
}

// RunWorkers starts n background workers polling the queue for entries
// whose backoff has elapsed, retrying them against the Receiver RPC until
// they succeed, exhaust retries, or ctx is cancelled.
func (r *Router) RunWorkers(ctx context.Context, n int, pollInterval time.Duration) {
	if n <= 0 {
		n = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for i := 0; i < n; i++ {
		go r.workerLoop(ctx, pollInterval)
	}
}

func (r *Router) workerLoop(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.attemptOne(ctx)
		}
	}
}

func (r *Router) attemptOne(ctx context.Context) {
	entry, ok, err := r.Queue.Dequeue()
	if err != nil || !ok {
		return
	}

	client, ok := r.Clients.Client(entry.ReceiverID)
	if !ok {
		_ = r.Queue.Complete(entry.ID, false, "no rpc client configured for receiver")
		return
	}

	req, err := decodeRequest(entry.Event)
	if err != nil {
		_ = r.Queue.Complete(entry.ID, false, fmt.Sprintf("corrupt queued request: %v", err))
		return
	}

	resp, sendErr := client.Send(ctx, req)
	if sendErr == nil {
		if !resp.Success && rpc.IsRetryable(resp.Error) {
			_ = r.Queue.Fail(entry.ID, resp.Error)
			return
		}
		if err := r.Queue.Complete(entry.ID, resp.Success, resp.Error); err != nil {
			log.Printf("submit: worker complete error for %s: %v", entry.ID, err)
		}
		return
	}

	if rpc.IsRetryable(sendErr.Error()) {
		_ = r.Queue.Fail(entry.ID, sendErr.Error())
		return
	}
	_ = r.Queue.Complete(entry.ID, false, sendErr.Error())
}

// decodeRequest recovers a queue.Entry's Event back into an rpc.Request.
// Entries enqueued this process run hold the struct directly; entries
// recovered from disk after a restart hold the generic JSON shape
// persist.ReadJSON produced, so round-trip through JSON either way.
func decodeRequest(event any) (rpc.Request, error) {
	if req, ok := event.(rpc.Request); ok {
		return req, nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return rpc.Request{}, err
	}
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return rpc.Request{}, err
	}
	return req, nil
}
