// Package rpc implements the Receiver RPC (spec.md §4.6): a file-based
// request/response protocol against a per-receiver command directory.
// Grounded on the teacher's internal/order.PersistentQueue atomic-rename
// write pattern and pkg/exchanges request/response client shapes,
// generalized from an HTTP/websocket exchange client to a filesystem
// mailbox since the receiver terminal has no network surface to call.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"saturn-copier/pkg/persist"
)

// Tunables as vars, not consts, so tests can shrink them; production wiring
// never overrides these defaults.
var (
	timeout         = 15 * time.Second
	pollInterval    = 50 * time.Millisecond
	writerStability = 20 * time.Millisecond
)

// Request is the command payload dropped into the receiver's directory.
type Request struct {
	Action           string   `json:"action"`
	Symbol           string   `json:"symbol"`
	Direction        string   `json:"direction"`
	Lots             float64  `json:"lots"`
	SL               *float64 `json:"sl,omitempty"`
	TP               *float64 `json:"tp,omitempty"`
	MaxSlippagePips  float64  `json:"max_slippage_pips"`
	Timestamp        int64    `json:"timestamp"`
	MasterPositionID *int64   `json:"master_position_id,omitempty"`
}

// Response is the receiver terminal's reply.
type Response struct {
	Success            bool    `json:"success"`
	ExecutedPrice      float64 `json:"executed_price"`
	SlippagePips       float64 `json:"slippage_pips"`
	Error              string  `json:"error,omitempty"`
	Timestamp          int64   `json:"timestamp"`
	ReceiverPositionID *int64  `json:"receiver_position_id,omitempty"`
}

// retryableSubstrings classify a response error as retryable (spec.md §4.6).
var retryableSubstrings = []string{
	"timeout", "busy", "try again", "connection", "temporary",
	"requote", "off quotes", "market closed", "no prices", "trade context",
	"10004", "10006", "10021",
}

// IsRetryable reports whether an error message indicates a transient
// condition the Execution Queue should retry, rather than a terminal one.
func IsRetryable(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, s := range retryableSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Client issues Request/Response exchanges against a receiver's command
// directory.
type Client struct {
	dir string
}

// New creates a Client rooted at the receiver's command directory.
func New(dir string) *Client {
	return &Client{dir: dir}
}

// ErrTimeout is returned when no response arrives within spec.md's 15s
// window.
var ErrTimeout = fmt.Errorf("rpc: timed out waiting for receiver response")

// Send writes req as cmd_<timestamp>.json, polls for resp_<timestamp>.json,
// and returns the parsed response. Both files are deleted once consumed; on
// timeout the command file is deleted and ErrTimeout is returned.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
		req.Timestamp = ts
	}
	cmdPath := filepath.Join(c.dir, fmt.Sprintf("cmd_%d.json", ts))
	respPath := filepath.Join(c.dir, fmt.Sprintf("resp_%d.json", ts))

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Response{}, err
	}
	if err := persist.WriteFile(cmdPath, data); err != nil {
		return Response{}, fmt.Errorf("rpc: write command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = os.Remove(cmdPath)
			return Response{}, ErrTimeout
		case <-ticker.C:
			if _, err := os.Stat(respPath); err != nil {
				continue
			}
			time.Sleep(writerStability)

			raw, err := os.ReadFile(respPath)
			if err != nil {
				continue // writer may still be mid-write; retry next tick
			}
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			_ = os.Remove(respPath)
			_ = os.Remove(cmdPath)
			return resp, nil
		}
	}
}
