// Package audit implements the Audit Store (spec.md §3.3, as expanded): a
// modernc.org/sqlite-backed supplemental store for execution history,
// reconciliation reports, and config-hash lineage. Grounded on the
// teacher's internal/reconciliation.Service.saveReport, which the teacher
// left as a "TODO: Implement database save" placeholder — this package is
// that implementation, generalized to the copier's receiver-scoped records
// and fully wired to pkg/db instead of left unimplemented.
//
// Nothing in the agent reads from this store to make a trading decision;
// every write here is best-effort and every failure is logged, never
// returned up into the fan-out or reconciliation hot paths.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"saturn-copier/internal/fanout"
	"saturn-copier/internal/persistence"
	"saturn-copier/internal/reconcile"
	"saturn-copier/internal/safety"
	"saturn-copier/pkg/db"
)

// Store adapts pkg/db.Database to the Auditor interfaces that fanout.Engine
// and reconcile.Loop call into.
type Store struct {
	DB *db.Database

	// Batch, when set, routes RecordExecution writes through
	// internal/persistence.BatchWriter instead of one INSERT per call.
	// Execution audit rows are the store's highest-frequency write path
	// (one per fan-out attempt, every receiver, every event), so this is
	// the one write batching actually pays for.
	Batch *persistence.BatchWriter
}

// New wraps an already-opened, already-migrated database.
func New(database *db.Database) *Store {
	return &Store{DB: database}
}

// NewBatched wraps database and routes execution-audit writes through a
// BatchWriter flushing every maxSize rows or interval, whichever comes
// first.
func NewBatched(database *db.Database, maxSize int, interval time.Duration) *Store {
	return &Store{DB: database, Batch: persistence.NewBatchWriter(database.DB, maxSize, interval)}
}

// RecordExecution persists one fan-out attempt. Implements fanout.Auditor.
func (s *Store) RecordExecution(rec fanout.AuditRecord) {
	if s == nil || s.DB == nil {
		return
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := "blocked"
	if rec.Success {
		status = "success"
	} else if rec.ErrorMessage == "" {
		status = "pending"
	} else {
		status = "failed"
	}

	if s.Batch != nil {
		s.Batch.WriteQuery(`
			INSERT INTO executions (
				id, receiver_id, terminal_id, master_symbol, mapped_symbol, lots, direction, status, reason, error, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		`, id, rec.ReceiverID, rec.TerminalID, rec.MasterSymbol, rec.MappedSymbol, rec.Lots, rec.Direction, status, rec.Reason, rec.ErrorMessage, rec.ExecutedAt)
		return
	}

	err := s.DB.InsertExecution(context.Background(), db.ExecutionRecord{
		ID:           id,
		ReceiverID:   rec.ReceiverID,
		TerminalID:   rec.TerminalID,
		MasterSymbol: rec.MasterSymbol,
		MappedSymbol: rec.MappedSymbol,
		Lots:         rec.Lots,
		Direction:    rec.Direction,
		Status:       status,
		Reason:       rec.Reason,
		Error:        rec.ErrorMessage,
		CreatedAt:    rec.ExecutedAt,
	})
	if err != nil {
		log.Printf("audit: failed to record execution for %s: %v", rec.ReceiverID, err)
	}
}

// Close flushes and stops the batch writer, if one is attached.
func (s *Store) Close() error {
	if s.Batch != nil {
		return s.Batch.Close()
	}
	return nil
}

// RecordReceiverStatus mirrors the safety ledger's latest state for a
// receiver. Implements fanout.Auditor.
func (s *Store) RecordReceiverStatus(receiverID string, st safety.State) {
	if s == nil || s.DB == nil {
		return
	}
	err := s.DB.UpsertReceiverStatus(context.Background(), db.ReceiverStatus{
		ReceiverID:        receiverID,
		Paused:            st.IsSafetyPaused,
		PauseReason:       st.PauseReason,
		DailyLoss:         st.DailyPnL,
		ConsecutiveLosses: st.ConsecutiveLosses,
		LastEquity:        st.CurrentEquity,
	})
	if err != nil {
		log.Printf("audit: failed to record receiver status for %s: %v", receiverID, err)
	}
	if st.IsSafetyPaused {
		s.recordSafetyEvent(receiverID, "paused", st.PauseReason)
	}
}

func (s *Store) recordSafetyEvent(receiverID, event, detail string) {
	err := s.DB.InsertSafetyEvent(context.Background(), db.SafetyEvent{
		ReceiverID: receiverID,
		Event:      event,
		Detail:     detail,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		log.Printf("audit: failed to record safety event for %s: %v", receiverID, err)
	}
}

// RecordReport persists a reconciliation pass summary. Implements
// reconcile.Auditor.
func (s *Store) RecordReport(receiverID string, discrepancyCount, actedCount int) {
	if s == nil || s.DB == nil {
		return
	}
	err := s.DB.InsertReconciliationReport(context.Background(), db.ReconciliationReportRecord{
		ReceiverID:       receiverID,
		DiscrepancyCount: discrepancyCount,
		ActedCount:       actedCount,
		RanAt:            time.Now(),
	})
	if err != nil {
		log.Printf("audit: failed to record reconciliation report for %s: %v", receiverID, err)
	}
}

// RecordDiscrepancy persists one reconciliation finding. Implements
// reconcile.Auditor.
func (s *Store) RecordDiscrepancy(receiverID string, d reconcile.Discrepancy, acted bool) {
	if s == nil || s.DB == nil {
		return
	}
	var masterID int64
	var detail string
	if d.Master != nil {
		masterID = d.Master.MasterPositionID
		detail = d.Master.Symbol
	} else if d.Receiver != nil {
		masterID = d.Receiver.MasterPositionID
		detail = d.Receiver.Symbol
	}
	err := s.DB.InsertDiscrepancy(context.Background(), db.DiscrepancyRecord{
		ReceiverID:       receiverID,
		MasterPositionID: masterID,
		Kind:             string(d.Kind),
		Detail:           detail,
		Acted:            acted,
		DetectedAt:       d.DetectedAt,
	})
	if err != nil {
		log.Printf("audit: failed to record discrepancy for %s: %v", receiverID, err)
	}
}

// RecordConfigChange records a CopierConfig hash transition, skipping the
// write entirely when the hash is unchanged.
func (s *Store) RecordConfigChange(oldHash, newHash string) {
	if s == nil || s.DB == nil || oldHash == newHash {
		return
	}
	if err := s.DB.InsertConfigChange(context.Background(), oldHash, newHash); err != nil {
		log.Printf("audit: failed to record config change: %v", err)
	}
}

// ExecutionHistory returns recent executions for the Local Control API's
// GET /executions/history endpoint.
func (s *Store) ExecutionHistory(receiverID string, limit int) ([]db.ExecutionRecord, error) {
	return s.DB.ListExecutions(context.Background(), receiverID, limit)
}

// ReceiverStatuses returns the latest safety snapshot for every receiver.
func (s *Store) ReceiverStatuses() ([]db.ReceiverStatus, error) {
	return s.DB.ListReceiverStatuses(context.Background())
}
