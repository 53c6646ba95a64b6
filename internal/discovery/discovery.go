// Package discovery implements the Terminal Discovery interface boundary
// spec.md §4.8 assumes (locating master/receiver MT5 data folders) with the
// manually-configured-path implementation SPEC_FULL.md §3.4 calls the
// supported production path; full install-tree scanning is out of scope.
// The 30s TTL cache and scan-rate limiting follow spec.md §5's "terminal
// discovery results are cached for 30s behind a mutex" requirement,
// grounded on the teacher's internal/state.Manager caching shape and using
// golang.org/x/time/rate the way the wider example pack does for bounding
// re-scan frequency under filesystem storms.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TerminalInfo is what a Discoverer knows about one MT5 terminal's data
// folder.
type TerminalInfo struct {
	TerminalID   string
	DataFolder   string
	HeartbeatAge time.Duration
	Online       bool
}

// Discoverer resolves terminal data folders, master or receiver.
type Discoverer interface {
	Discover(ctx context.Context) ([]TerminalInfo, error)
}

const cacheTTL = 30 * time.Second

// Manual is the supported production Discoverer: a fixed, operator-supplied
// list of terminal data folder paths, each checked for existence and
// (if present) a heartbeat.json freshness read.
type Manual struct {
	Paths map[string]string // terminal_id -> data folder path

	limiter *rate.Limiter

	mu        sync.Mutex
	cached    []TerminalInfo
	cachedAt  time.Time
	heartbeat func(dataFolder string) (time.Duration, bool)
}

// NewManual builds a Manual discoverer over the given terminal_id->path
// map. heartbeatFn reads a terminal's heartbeat age; pass nil to use
// readHeartbeatAge, which looks for CopierQueue/heartbeat.json (falling
// back to the legacy CopierHeartbeat.json).
func NewManual(paths map[string]string, heartbeatFn func(dataFolder string) (time.Duration, bool)) *Manual {
	if heartbeatFn == nil {
		heartbeatFn = readHeartbeatAge
	}
	return &Manual{
		Paths:     paths,
		limiter:   rate.NewLimiter(rate.Every(cacheTTL), 1),
		heartbeat: heartbeatFn,
	}
}

// Discover returns the cached scan if it is younger than 30s; otherwise it
// rescans, subject to the rate limiter so a burst of callers during a
// filesystem storm collapses into one scan.
func (m *Manual) Discover(ctx context.Context) ([]TerminalInfo, error) {
	m.mu.Lock()
	if time.Since(m.cachedAt) < cacheTTL && m.cached != nil {
		out := append([]TerminalInfo(nil), m.cached...)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	if !m.limiter.Allow() {
		m.mu.Lock()
		out := append([]TerminalInfo(nil), m.cached...)
		m.mu.Unlock()
		return out, nil
	}

	scanned := m.scan()

	m.mu.Lock()
	m.cached = scanned
	m.cachedAt = time.Now()
	out := append([]TerminalInfo(nil), scanned...)
	m.mu.Unlock()
	return out, nil
}

func (m *Manual) scan() []TerminalInfo {
	out := make([]TerminalInfo, 0, len(m.Paths))
	for id, path := range m.Paths {
		info := TerminalInfo{TerminalID: id, DataFolder: path}
		if _, err := os.Stat(path); err == nil {
			if age, ok := m.heartbeat(path); ok {
				info.HeartbeatAge = age
				info.Online = age <= 30*time.Second
			}
		}
		out = append(out, info)
	}
	return out
}

func readHeartbeatAge(dataFolder string) (time.Duration, bool) {
	for _, rel := range []string{
		"MQL5/Files/CopierQueue/heartbeat.json",
		"MQL5/Files/CopierHeartbeat.json",
	} {
		fi, err := os.Stat(filepath.Join(dataFolder, rel))
		if err == nil {
			return time.Since(fi.ModTime()), true
		}
	}
	return 0, false
}
