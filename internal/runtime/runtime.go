// Package runtime holds the agent's consolidated in-process state
// (spec.md §5): is_running, the loaded config, last sync time, a bounded
// ring of recent executions, the last error, and cached account
// readings. Grounded on the teacher's internal/state.Manager (RWMutex-
// guarded in-memory cache backing read-mostly lookups) generalized from a
// single position map into the several small fields spec.md §5 names, all
// under one lock. Nothing here is persisted to disk; it is rebuilt from the
// durable stores (internal/safety, internal/queue, internal/configmodel) on
// every restart.
package runtime

import (
	"sync"
	"time"

	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/fanout"
)

const recentExecutionsCap = 100

// AccountSnapshot is a cached receiver account reading with its fetch time,
// so callers can decide whether it is fresh enough to trust.
type AccountSnapshot struct {
	Balance   float64
	Equity    float64
	FetchedAt time.Time
}

// Snapshot is the read-only view the Local Control API's GET /status
// endpoint serializes.
type Snapshot struct {
	IsRunning        bool
	ConfigHash       string
	LastSyncTime     time.Time
	LastError        string
	RecentExecutions []fanout.ExecutionResult
}

// Runtime is the single mutex-guarded consolidated state object.
type Runtime struct {
	mu sync.Mutex

	isRunning    bool
	config       configmodel.CopierConfig
	lastSyncTime time.Time
	lastError    string
	recent       []fanout.ExecutionResult
	accountCache map[string]AccountSnapshot
}

// New returns an idle Runtime with no config loaded yet.
func New() *Runtime {
	return &Runtime{accountCache: make(map[string]AccountSnapshot)}
}

// SetRunning flips the is_running flag (start/stop of the ingest+queue
// pipeline).
func (r *Runtime) SetRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isRunning = running
}

// IsRunning reports the current run state.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isRunning
}

// SetConfig swaps the loaded CopierConfig, used by /config/reload.
func (r *Runtime) SetConfig(cfg configmodel.CopierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Config returns the currently loaded config.
func (r *Runtime) Config() configmodel.CopierConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// TouchSync records the instant a reconciliation or fan-out cycle
// completed.
func (r *Runtime) TouchSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSyncTime = time.Now()
}

// SetLastError records the most recent operational error, or clears it
// with an empty string.
func (r *Runtime) SetLastError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
}

// RecordExecution appends to the bounded recent-executions ring.
func (r *Runtime) RecordExecution(res fanout.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, res)
	if len(r.recent) > recentExecutionsCap {
		r.recent = r.recent[len(r.recent)-recentExecutionsCap:]
	}
}

// CachedAccount returns the cached snapshot for receiverID if it is no
// older than maxAge.
func (r *Runtime) CachedAccount(receiverID string, maxAge time.Duration) (AccountSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.accountCache[receiverID]
	if !ok || time.Since(snap.FetchedAt) > maxAge {
		return AccountSnapshot{}, false
	}
	return snap, true
}

// SetCachedAccount updates the cached account reading for receiverID.
func (r *Runtime) SetCachedAccount(receiverID string, snap AccountSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	r.accountCache[receiverID] = snap
}

// Snapshot returns a consistent read-only copy of the consolidated state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	recent := make([]fanout.ExecutionResult, len(r.recent))
	copy(recent, r.recent)
	return Snapshot{
		IsRunning:        r.isRunning,
		ConfigHash:       r.config.ConfigHash,
		LastSyncTime:     r.lastSyncTime,
		LastError:        r.lastError,
		RecentExecutions: recent,
	}
}
