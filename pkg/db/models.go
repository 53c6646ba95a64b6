package db

import (
	"context"
	"database/sql"
	"time"
)

// ExecutionRecord is one fan-out attempt recorded for the Local Control API's
// execution history endpoint and for support triage.
type ExecutionRecord struct {
	ID           string
	ReceiverID   string
	TerminalID   string
	MasterSymbol string
	MappedSymbol string
	Lots         float64
	Direction    string
	Status       string
	Reason       string
	Error        string
	CreatedAt    time.Time
}

// DiscrepancyRecord is one reconciliation finding.
type DiscrepancyRecord struct {
	ID               int64
	ReceiverID       string
	MasterPositionID int64
	Kind             string
	Detail           string
	Acted            bool
	DetectedAt       time.Time
}

// ReceiverStatus is the latest known snapshot of a receiver's safety state.
type ReceiverStatus struct {
	ReceiverID        string
	TerminalID        string
	Paused            bool
	PauseReason       string
	DailyLoss         float64
	ConsecutiveLosses int
	LastEquity        float64
	UpdatedAt         time.Time
}

// SafetyEvent is a logged pause/unpause/warn transition.
type SafetyEvent struct {
	ID         int64
	ReceiverID string
	Event      string
	Detail     string
	CreatedAt  time.Time
}

// InsertExecution records one fan-out attempt. Best-effort: callers must not
// block the fan-out pipeline on this store being reachable.
func (d *Database) InsertExecution(ctx context.Context, e ExecutionRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO executions (
			id, receiver_id, terminal_id, master_symbol, mapped_symbol, lots, direction, status, reason, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.ReceiverID, e.TerminalID, e.MasterSymbol, e.MappedSymbol, e.Lots, e.Direction, e.Status, e.Reason, e.Error, e.CreatedAt)
	return err
}

// ListExecutions returns the most recent executions, optionally filtered by
// receiver (empty string means all receivers).
func (d *Database) ListExecutions(ctx context.Context, receiverID string, limit int) ([]ExecutionRecord, error) {
	query := `
		SELECT id, receiver_id, terminal_id, master_symbol, COALESCE(mapped_symbol, ''),
		       COALESCE(lots, 0), COALESCE(direction, ''), status, COALESCE(reason, ''), COALESCE(error, ''), created_at
		FROM executions`
	args := []any{}
	if receiverID != "" {
		query += ` WHERE receiver_id = ?`
		args = append(args, receiverID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var e ExecutionRecord
		if err := rows.Scan(&e.ID, &e.ReceiverID, &e.TerminalID, &e.MasterSymbol, &e.MappedSymbol,
			&e.Lots, &e.Direction, &e.Status, &e.Reason, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertDiscrepancy records a reconciliation finding.
func (d *Database) InsertDiscrepancy(ctx context.Context, disc DiscrepancyRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO discrepancies (receiver_id, master_position_id, kind, detail, acted, detected_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, disc.ReceiverID, disc.MasterPositionID, disc.Kind, disc.Detail, disc.Acted, disc.DetectedAt)
	return err
}

// ListDiscrepancies returns recent discrepancies for a receiver.
func (d *Database) ListDiscrepancies(ctx context.Context, receiverID string, limit int) ([]DiscrepancyRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, receiver_id, master_position_id, kind, COALESCE(detail, ''), acted, detected_at
		FROM discrepancies
		WHERE receiver_id = ?
		ORDER BY detected_at DESC
		LIMIT ?
	`, receiverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DiscrepancyRecord
	for rows.Next() {
		var disc DiscrepancyRecord
		if err := rows.Scan(&disc.ID, &disc.ReceiverID, &disc.MasterPositionID, &disc.Kind, &disc.Detail, &disc.Acted, &disc.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, disc)
	}
	return out, rows.Err()
}

// UpsertReceiverStatus stores the latest safety snapshot for a receiver.
func (d *Database) UpsertReceiverStatus(ctx context.Context, s ReceiverStatus) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO receiver_status (
			receiver_id, terminal_id, paused, pause_reason, daily_loss, consecutive_losses, last_equity, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(receiver_id) DO UPDATE SET
			terminal_id = excluded.terminal_id,
			paused = excluded.paused,
			pause_reason = excluded.pause_reason,
			daily_loss = excluded.daily_loss,
			consecutive_losses = excluded.consecutive_losses,
			last_equity = excluded.last_equity,
			updated_at = CURRENT_TIMESTAMP
	`, s.ReceiverID, s.TerminalID, s.Paused, s.PauseReason, s.DailyLoss, s.ConsecutiveLosses, s.LastEquity)
	return err
}

// GetReceiverStatus returns nil, nil if no status has been recorded yet.
func (d *Database) GetReceiverStatus(ctx context.Context, receiverID string) (*ReceiverStatus, error) {
	var s ReceiverStatus
	err := d.DB.QueryRowContext(ctx, `
		SELECT receiver_id, COALESCE(terminal_id, ''), paused, COALESCE(pause_reason, ''),
		       daily_loss, consecutive_losses, COALESCE(last_equity, 0), updated_at
		FROM receiver_status WHERE receiver_id = ?
	`, receiverID).Scan(&s.ReceiverID, &s.TerminalID, &s.Paused, &s.PauseReason, &s.DailyLoss, &s.ConsecutiveLosses, &s.LastEquity, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListReceiverStatuses returns every receiver's latest snapshot.
func (d *Database) ListReceiverStatuses(ctx context.Context) ([]ReceiverStatus, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT receiver_id, COALESCE(terminal_id, ''), paused, COALESCE(pause_reason, ''),
		       daily_loss, consecutive_losses, COALESCE(last_equity, 0), updated_at
		FROM receiver_status ORDER BY receiver_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceiverStatus
	for rows.Next() {
		var s ReceiverStatus
		if err := rows.Scan(&s.ReceiverID, &s.TerminalID, &s.Paused, &s.PauseReason, &s.DailyLoss, &s.ConsecutiveLosses, &s.LastEquity, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSafetyEvent records a pause/unpause/warn transition.
func (d *Database) InsertSafetyEvent(ctx context.Context, ev SafetyEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO safety_events (receiver_id, event, detail, created_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, ev.ReceiverID, ev.Event, ev.Detail, ev.CreatedAt)
	return err
}

// ReconciliationReportRecord summarizes one reconciliation pass for a
// receiver, beyond what the 100-entry bounded in-memory action log keeps.
type ReconciliationReportRecord struct {
	ID               int64
	ReceiverID       string
	DiscrepancyCount int
	ActedCount       int
	RanAt            time.Time
}

// InsertReconciliationReport records a reconciliation pass summary.
func (d *Database) InsertReconciliationReport(ctx context.Context, r ReconciliationReportRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (receiver_id, discrepancy_count, acted_count, ran_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, r.ReceiverID, r.DiscrepancyCount, r.ActedCount, r.RanAt)
	return err
}

// ListReconciliationReports returns recent reports for a receiver.
func (d *Database) ListReconciliationReports(ctx context.Context, receiverID string, limit int) ([]ReconciliationReportRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, receiver_id, discrepancy_count, acted_count, ran_at
		FROM reconciliation_reports
		WHERE receiver_id = ?
		ORDER BY ran_at DESC
		LIMIT ?
	`, receiverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReconciliationReportRecord
	for rows.Next() {
		var r ReconciliationReportRecord
		if err := rows.Scan(&r.ID, &r.ReceiverID, &r.DiscrepancyCount, &r.ActedCount, &r.RanAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertConfigChange records a CopierConfig hash transition for lineage.
func (d *Database) InsertConfigChange(ctx context.Context, oldHash, newHash string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO config_history (old_hash, new_hash, changed_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
	`, oldHash, newHash)
	return err
}

// LatestConfigHash returns the newest recorded config hash, or "" if none.
func (d *Database) LatestConfigHash(ctx context.Context) (string, error) {
	var hash string
	err := d.DB.QueryRowContext(ctx, `SELECT new_hash FROM config_history ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}
