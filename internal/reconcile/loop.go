// Package reconcile implements the Reconciliation Loop (spec.md §4.9): a
// long-lived periodic task comparing master and receiver open positions and
// acting on discrepancies within configured limits. Grounded directly on
// the teacher's internal/reconciliation.Service (ticker loop shape,
// syncPosition/handleReport naming, emoji-prefixed log lines), generalized
// from a single exchange reconciliation to per-receiver position mapping
// files.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"saturn-copier/internal/cmdemit"
)

// DiscrepancyKind enumerates the taxonomy from spec.md §4.9.
type DiscrepancyKind string

const (
	MissingOnReceiver  DiscrepancyKind = "missing_on_receiver"
	OrphanedOnReceiver DiscrepancyKind = "orphaned_on_receiver"
	VolumeMismatch     DiscrepancyKind = "volume_mismatch"
	DirectionMismatch  DiscrepancyKind = "direction_mismatch"
	SLMismatch         DiscrepancyKind = "sl_mismatch"
	TPMismatch         DiscrepancyKind = "tp_mismatch"
)

// Position is one open position, from either the master feed or a
// receiver's position-mapping file.
type Position struct {
	MasterPositionID int64
	Symbol           string
	Direction        string
	Volume           float64
	SL               float64
	TP               float64
}

// Discrepancy is one detected mismatch between a master and receiver
// position.
type Discrepancy struct {
	ReceiverID string
	Kind       DiscrepancyKind
	Master     *Position
	Receiver   *Position
	DetectedAt time.Time
}

// ActionFlags gates which discrepancy kinds are auto-corrected (spec.md
// §4.9). All default false except AutoSyncSLTP.
type ActionFlags struct {
	AutoOpenMissing   bool
	AutoCloseOrphaned bool
	AutoSyncSLTP      bool
	AutoAdjustVolume  bool // never auto-acted even when true; logged only
}

// DefaultActionFlags matches spec.md's stated defaults.
func DefaultActionFlags() ActionFlags {
	return ActionFlags{AutoSyncSLTP: true}
}

const actionLogCap = 100

// ReceiverSource reads one receiver's current positions and exposes where
// to drop sync commands for it.
type ReceiverSource interface {
	ReceiverIDs() []string
	MasterPositions() ([]Position, error)
	ReceiverPositions(receiverID string) ([]Position, error)
	Emitter(receiverID string) *cmdemit.Emitter
	Flags(receiverID string) ActionFlags
}

// Auditor persists a supplemental, queryable history of reconciliation
// passes and findings (spec.md §3.3). Best-effort: the bounded in-memory
// ActionLog remains authoritative for anything the loop itself needs.
type Auditor interface {
	RecordReport(receiverID string, discrepancyCount, actedCount int)
	RecordDiscrepancy(receiverID string, d Discrepancy, acted bool)
}

// Loop is the long-lived reconciliation task.
type Loop struct {
	Source   ReceiverSource
	Interval time.Duration
	Audit    Auditor

	actionLog []Discrepancy
}

// DefaultInterval matches spec.md's 30s default (the loop is disabled by
// default; callers only start it when explicitly enabled).
const DefaultInterval = 30 * time.Second

// Run ticks every l.Interval (or DefaultInterval if unset) until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce()
		}
	}
}

// RunOnce executes a single reconciliation cycle across all receivers.
func (l *Loop) RunOnce() {
	master, err := l.Source.MasterPositions()
	if err != nil {
		log.Printf("❌ reconcile: failed to read master positions: %v", err)
		return
	}

	for _, receiverID := range l.Source.ReceiverIDs() {
		receiverPositions, err := l.Source.ReceiverPositions(receiverID)
		if err != nil {
			log.Printf("⚠️ reconcile: %s: failed to read positions: %v", receiverID, err)
			continue
		}
		discrepancies := diff(receiverID, master, receiverPositions)
		if len(discrepancies) == 0 {
			continue
		}
		log.Printf("📊 reconcile: %s: %d discrepancies found", receiverID, len(discrepancies))
		l.act(receiverID, discrepancies)
	}
}

func diff(receiverID string, master, receiver []Position) []Discrepancy {
	masterByID := make(map[int64]Position, len(master))
	for _, p := range master {
		masterByID[p.MasterPositionID] = p
	}
	receiverByID := make(map[int64]Position, len(receiver))
	for _, p := range receiver {
		receiverByID[p.MasterPositionID] = p
	}

	now := time.Now()
	var out []Discrepancy

	for id, m := range masterByID {
		r, ok := receiverByID[id]
		if !ok {
			mCopy := m
			out = append(out, Discrepancy{ReceiverID: receiverID, Kind: MissingOnReceiver, Master: &mCopy, DetectedAt: now})
			continue
		}
		out = append(out, comparePositions(receiverID, m, r, now)...)
	}
	for id, r := range receiverByID {
		if _, ok := masterByID[id]; !ok {
			rCopy := r
			out = append(out, Discrepancy{ReceiverID: receiverID, Kind: OrphanedOnReceiver, Receiver: &rCopy, DetectedAt: now})
		}
	}
	return out
}

func comparePositions(receiverID string, m, r Position, now time.Time) []Discrepancy {
	var out []Discrepancy
	mCopy, rCopy := m, r

	if m.Volume != 0 && math.Abs(m.Volume-r.Volume) > 0.1*math.Abs(m.Volume) {
		out = append(out, Discrepancy{ReceiverID: receiverID, Kind: VolumeMismatch, Master: &mCopy, Receiver: &rCopy, DetectedAt: now})
	}
	if m.Direction != r.Direction {
		out = append(out, Discrepancy{ReceiverID: receiverID, Kind: DirectionMismatch, Master: &mCopy, Receiver: &rCopy, DetectedAt: now})
	}
	if math.Abs(m.SL-r.SL) > 0.0001 {
		out = append(out, Discrepancy{ReceiverID: receiverID, Kind: SLMismatch, Master: &mCopy, Receiver: &rCopy, DetectedAt: now})
	}
	if math.Abs(m.TP-r.TP) > 0.0001 {
		out = append(out, Discrepancy{ReceiverID: receiverID, Kind: TPMismatch, Master: &mCopy, Receiver: &rCopy, DetectedAt: now})
	}
	return out
}

func (l *Loop) act(receiverID string, discrepancies []Discrepancy) {
	flags := l.Source.Flags(receiverID)
	emitter := l.Source.Emitter(receiverID)

	actedCount := 0
	for _, d := range discrepancies {
		acted := false
		switch d.Kind {
		case MissingOnReceiver:
			if flags.AutoOpenMissing {
				acted = l.emitOpen(emitter, d)
			}
		case OrphanedOnReceiver:
			if flags.AutoCloseOrphaned {
				acted = l.emitClose(emitter, d)
			}
		case SLMismatch, TPMismatch:
			if flags.AutoSyncSLTP {
				acted = l.emitSyncSLTP(emitter, d)
			}
		case VolumeMismatch:
			// Never auto-acted, even when AutoAdjustVolume is true:
			// logged only, per spec.md §4.9.
			log.Printf("⚠️ reconcile: %s: volume_mismatch logged, not auto-corrected (master=%v receiver=%v)", receiverID, d.Master.Volume, d.Receiver.Volume)
		case DirectionMismatch:
			log.Printf("⚠️ reconcile: %s: direction_mismatch detected, never auto-corrected", receiverID)
		}
		if acted {
			actedCount++
			log.Printf("✅ reconcile: %s: acted on %s", receiverID, d.Kind)
		}
		l.appendActionLog(d)
		if l.Audit != nil {
			l.Audit.RecordDiscrepancy(receiverID, d, acted)
		}
	}
	if l.Audit != nil {
		l.Audit.RecordReport(receiverID, len(discrepancies), actedCount)
	}
}

func (l *Loop) emitOpen(e *cmdemit.Emitter, d Discrepancy) bool {
	vol := d.Master.Volume
	id := d.Master.MasterPositionID
	err := e.Emit(cmdemit.Command{Kind: cmdemit.KindOpen, MasterPositionID: &id, Symbol: d.Master.Symbol, Direction: d.Master.Direction, Volume: &vol})
	return logEmitErr(err)
}

func (l *Loop) emitClose(e *cmdemit.Emitter, d Discrepancy) bool {
	id := d.Receiver.MasterPositionID
	err := e.Emit(cmdemit.Command{Kind: cmdemit.KindClose, MasterPositionID: &id})
	return logEmitErr(err)
}

func (l *Loop) emitSyncSLTP(e *cmdemit.Emitter, d Discrepancy) bool {
	id := d.Master.MasterPositionID
	sl, tp := d.Master.SL, d.Master.TP
	err := e.Emit(cmdemit.Command{Kind: cmdemit.KindModifySLTP, MasterPositionID: &id, SL: &sl, TP: &tp})
	return logEmitErr(err)
}

func logEmitErr(err error) bool {
	if err != nil {
		log.Printf("❌ reconcile: command emit failed: %v", err)
		return false
	}
	return true
}

func (l *Loop) appendActionLog(d Discrepancy) {
	l.actionLog = append(l.actionLog, d)
	if len(l.actionLog) > actionLogCap {
		l.actionLog = l.actionLog[len(l.actionLog)-actionLogCap:]
	}
}

// ActionLog returns a copy of the bounded action log.
func (l *Loop) ActionLog() []Discrepancy {
	out := make([]Discrepancy, len(l.actionLog))
	copy(out, l.actionLog)
	return out
}

// ParsePositionMappingFile parses a receiver's position-mapping file,
// trying JSON first and falling back to the pipe-delimited format
// "master_id|receiver_id|symbol|direction|volume|sl|tp" per spec.md §4.9.
func ParsePositionMappingFile(path string) ([]Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var positions []Position
	if err := json.Unmarshal(data, &positions); err == nil {
		return positions, nil
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	out := make([]Position, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 7 {
			return nil, fmt.Errorf("reconcile: malformed pipe-delimited line: %q", line)
		}
		masterID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reconcile: bad master_id in %q: %w", line, err)
		}
		volume, _ := strconv.ParseFloat(fields[4], 64)
		sl, _ := strconv.ParseFloat(fields[5], 64)
		tp, _ := strconv.ParseFloat(fields[6], 64)
		out = append(out, Position{
			MasterPositionID: masterID,
			Symbol:           fields[2],
			Direction:        fields[3],
			Volume:           volume,
			SL:               sl,
			TP:               tp,
		})
	}
	return out, nil
}
