// Package safety implements the per-receiver Safety Ledger (spec.md §4.2):
// durable daily P&L/drawdown/pause tracking with trading-day rollover.
// Grounded on the teacher's internal/risk.Manager (config-backed evaluation
// with a sticky pause state) and original_source/.../copier/safety.rs (the
// exact trading-day arithmetic and reset-then-evaluate ordering).
package safety

import (
	"fmt"
	"log"
	"sync"
	"time"

	"saturn-copier/pkg/persist"
)

// Verdict is the outcome of a safety check.
type Verdict int

const (
	Allowed Verdict = iota
	Warning
	Blocked
)

// CheckResult carries the verdict plus an explanatory message.
type CheckResult struct {
	Verdict Verdict
	Reason  string
}

// Config is the per-receiver safety policy (derived from ReceiverConfig).
type Config struct {
	MaxDailyLossPercent  *float64
	MaxDailyLossAmount   *float64
	MaxDrawdownPercent   *float64
	MinEquity            *float64
	MaxTradesPerDay      *int
	PropFirmSafeMode     bool
	MaxConsecutiveLosses *int // default 3 if PropFirmSafeMode and unset
}

// State is the durable per-receiver safety state (spec.md §3).
type State struct {
	DailyPnL          float64   `json:"daily_pnl"`
	TradesToday       int       `json:"trades_today"`
	WinsToday         int       `json:"wins_today"`
	LossesToday       int       `json:"losses_today"`
	HighWaterMark     float64   `json:"high_water_mark"`
	CurrentEquity     float64   `json:"current_equity"`
	StartingBalance   float64   `json:"starting_balance"`
	LastResetDate     string    `json:"last_reset_date"` // YYYY-MM-DD trading day
	IsSafetyPaused    bool      `json:"is_safety_paused"`
	PauseReason       string    `json:"pause_reason,omitempty"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	LastUpdated       time.Time `json:"last_updated"`
}

type document struct {
	Receivers         map[string]*State `json:"receivers"`
	Version           int               `json:"version"`
	DailyResetHourUTC int               `json:"daily_reset_hour_utc"`
}

// Ledger is the durable, mutex-guarded store of ReceiverSafetyState.
type Ledger struct {
	mu                sync.Mutex
	path              string
	receivers         map[string]*State
	dailyResetHourUTC int
}

// NewLedger creates a ledger persisted at path with the given trading-day
// reset hour (0-23 UTC, clamped).
func NewLedger(path string, dailyResetHourUTC int) *Ledger {
	if dailyResetHourUTC < 0 {
		dailyResetHourUTC = 0
	}
	if dailyResetHourUTC > 23 {
		dailyResetHourUTC = 23
	}
	return &Ledger{
		path:              path,
		receivers:         make(map[string]*State),
		dailyResetHourUTC: dailyResetHourUTC,
	}
}

// Load reads the persisted ledger document. A missing file is empty state.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := document{Receivers: make(map[string]*State)}
	found, err := persist.ReadJSON(l.path, &doc)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if doc.Receivers == nil {
		doc.Receivers = make(map[string]*State)
	}
	l.receivers = doc.Receivers
	if doc.DailyResetHourUTC != 0 {
		l.dailyResetHourUTC = doc.DailyResetHourUTC
	}
	log.Printf("safety: loaded state for %d receivers from %s", len(l.receivers), l.path)
	return nil
}

// tradingDay returns the trading day (spec.md §4.2) for instant t given the
// configured reset hour: date(t) if hour(t) >= reset_hour, else date(t)-1.
func tradingDay(t time.Time, resetHourUTC int) string {
	t = t.UTC()
	if t.Hour() < resetHourUTC {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}

func (l *Ledger) stateLocked(receiverID string) *State {
	s, ok := l.receivers[receiverID]
	if !ok {
		s = &State{LastResetDate: tradingDay(time.Now(), l.dailyResetHourUTC)}
		l.receivers[receiverID] = s
	}
	return s
}

// rolloverLocked resets daily fields if the trading day has advanced.
// Rollover clears is_safety_paused (spec.md §9 Open Question, resolved by
// original_source/.../safety.rs's check_daily_reset, which unconditionally
// clears the pause on rollover).
func (l *Ledger) rolloverLocked(s *State, now time.Time) {
	today := tradingDay(now, l.dailyResetHourUTC)
	if s.LastResetDate == today {
		return
	}
	s.DailyPnL = 0
	s.TradesToday = 0
	s.WinsToday = 0
	s.LossesToday = 0
	s.ConsecutiveLosses = 0
	s.IsSafetyPaused = false
	s.PauseReason = ""
	s.LastResetDate = today
}

// snapshotLocked copies out the serializable document so the caller can
// persist it after releasing the mutex (spec.md §5: file I/O never happens
// while a lock is held).
func (l *Ledger) snapshotLocked() document {
	receivers := make(map[string]*State, len(l.receivers))
	for id, s := range l.receivers {
		copyOfState := *s
		receivers[id] = &copyOfState
	}
	return document{Receivers: receivers, Version: 1, DailyResetHourUTC: l.dailyResetHourUTC}
}

func (l *Ledger) persist(doc document) error {
	return persist.WriteJSON(l.path, doc)
}

// InitializeReceiver seeds starting balance/equity on first observation.
func (l *Ledger) InitializeReceiver(receiverID string, startingBalance, currentEquity float64) error {
	l.mu.Lock()
	s := l.stateLocked(receiverID)
	l.rolloverLocked(s, time.Now())

	if s.StartingBalance == 0 {
		s.StartingBalance = startingBalance
	}
	s.CurrentEquity = currentEquity
	if currentEquity > s.HighWaterMark {
		s.HighWaterMark = currentEquity
	}
	s.LastUpdated = time.Now()
	doc := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(doc)
}

// UpdateEquity records the latest equity reading and advances the high
// water mark.
func (l *Ledger) UpdateEquity(receiverID string, equity float64) error {
	l.mu.Lock()
	s := l.stateLocked(receiverID)
	l.rolloverLocked(s, time.Now())

	s.CurrentEquity = equity
	if equity > s.HighWaterMark {
		s.HighWaterMark = equity
	}
	s.LastUpdated = time.Now()
	doc := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(doc)
}

// RecordTradeResult updates daily P&L/trade counters after an execution.
func (l *Ledger) RecordTradeResult(receiverID string, pnl float64, isWinner bool) error {
	l.mu.Lock()
	s := l.stateLocked(receiverID)
	l.rolloverLocked(s, time.Now())

	s.DailyPnL += pnl
	s.TradesToday++
	if isWinner {
		s.WinsToday++
		s.ConsecutiveLosses = 0
	} else {
		s.LossesToday++
		s.ConsecutiveLosses++
	}
	s.LastUpdated = time.Now()
	doc := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(doc)
}

// Unpause clears a sticky pause (explicit operator action).
func (l *Ledger) Unpause(receiverID string) error {
	l.mu.Lock()
	s, ok := l.receivers[receiverID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	s.IsSafetyPaused = false
	s.PauseReason = ""
	s.LastUpdated = time.Now()
	doc := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(doc)
}

// ForcePause sets a sticky pause regardless of the usual trigger thresholds,
// for manual operator intervention (the Local Control API's pause endpoint).
func (l *Ledger) ForcePause(receiverID, reason string) error {
	l.mu.Lock()
	s, ok := l.receivers[receiverID]
	if !ok {
		s = &State{StartingBalance: 0}
		l.receivers[receiverID] = s
	}
	l.pauseLocked(s, reason)
	doc := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(doc)
}

// State returns a copy of the receiver's current safety state.
func (l *Ledger) State(receiverID string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.receivers[receiverID]
	if !ok {
		return State{}
	}
	return *s
}

func (l *Ledger) pauseLocked(s *State, reason string) {
	s.IsSafetyPaused = true
	s.PauseReason = reason
	s.LastUpdated = time.Now()
	log.Printf("⚠️ safety: pausing receiver: %s", reason)
}

// Check evaluates the safety gate in the order defined by spec.md §4.2 and
// returns the first matching verdict.
func (l *Ledger) Check(receiverID string, cfg Config) (result CheckResult, err error) {
	l.mu.Lock()
	defer func() {
		doc := l.snapshotLocked()
		l.mu.Unlock()
		if persistErr := l.persist(doc); err == nil {
			err = persistErr
		}
	}()

	s := l.stateLocked(receiverID)
	l.rolloverLocked(s, time.Now())

	// 1. Sticky pause.
	if s.IsSafetyPaused {
		return CheckResult{Verdict: Blocked, Reason: s.PauseReason}, nil
	}

	// 2. Daily loss percent.
	if cfg.MaxDailyLossPercent != nil {
		limit := s.StartingBalance * (*cfg.MaxDailyLossPercent / 100)
		if limit > 0 {
			if s.DailyPnL <= -limit {
				reason := fmt.Sprintf("Daily loss limit reached: $%.2f (%.0f%% of $%.0f)", -s.DailyPnL, *cfg.MaxDailyLossPercent, s.StartingBalance)
				l.pauseLocked(s, reason)
				return CheckResult{Verdict: Blocked, Reason: reason}, nil
			}
			if s.DailyPnL <= -0.8*limit {
				reason := fmt.Sprintf("Approaching daily loss limit: $%.2f of $%.2f", -s.DailyPnL, limit)
				return CheckResult{Verdict: Warning, Reason: reason}, nil
			}
		}
	}

	// 3. Daily loss amount.
	if cfg.MaxDailyLossAmount != nil && *cfg.MaxDailyLossAmount > 0 {
		if s.DailyPnL <= -*cfg.MaxDailyLossAmount {
			reason := fmt.Sprintf("Daily loss limit reached: $%.2f", -s.DailyPnL)
			l.pauseLocked(s, reason)
			return CheckResult{Verdict: Blocked, Reason: reason}, nil
		}
	}

	// 4. Drawdown.
	if cfg.MaxDrawdownPercent != nil && s.HighWaterMark > 0 {
		drawdownPct := (s.HighWaterMark - s.CurrentEquity) / s.HighWaterMark * 100
		if drawdownPct >= *cfg.MaxDrawdownPercent {
			reason := fmt.Sprintf("Maximum drawdown reached: %.1f%% (limit %.0f%%)", drawdownPct, *cfg.MaxDrawdownPercent)
			l.pauseLocked(s, reason)
			return CheckResult{Verdict: Blocked, Reason: reason}, nil
		}
		if drawdownPct >= 0.8**cfg.MaxDrawdownPercent {
			reason := fmt.Sprintf("Approaching drawdown limit: %.1f%% of %.0f%%", drawdownPct, *cfg.MaxDrawdownPercent)
			return CheckResult{Verdict: Warning, Reason: reason}, nil
		}
	}

	// 5. Minimum equity.
	if cfg.MinEquity != nil && s.CurrentEquity > 0 && s.CurrentEquity < *cfg.MinEquity {
		reason := fmt.Sprintf("Below minimum equity: $%.2f (minimum $%.2f)", s.CurrentEquity, *cfg.MinEquity)
		l.pauseLocked(s, reason)
		return CheckResult{Verdict: Blocked, Reason: reason}, nil
	}

	// 6. Max trades per day (no pause; self-healing at rollover).
	if cfg.MaxTradesPerDay != nil && s.TradesToday >= *cfg.MaxTradesPerDay {
		reason := fmt.Sprintf("Maximum daily trades reached: %d (limit %d)", s.TradesToday, *cfg.MaxTradesPerDay)
		return CheckResult{Verdict: Blocked, Reason: reason}, nil
	}

	// 7. Prop-firm consecutive-loss warning.
	if cfg.PropFirmSafeMode {
		maxConsecutive := 3
		if cfg.MaxConsecutiveLosses != nil {
			maxConsecutive = *cfg.MaxConsecutiveLosses
		}
		if s.ConsecutiveLosses >= maxConsecutive {
			reason := fmt.Sprintf("%d consecutive losses - consider pausing", s.ConsecutiveLosses)
			return CheckResult{Verdict: Warning, Reason: reason}, nil
		}
	}

	return CheckResult{Verdict: Allowed}, nil
}
