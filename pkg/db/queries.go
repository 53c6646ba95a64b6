package db

import (
	"context"
	"fmt"
	"time"
)

// PruneExecutionsBefore deletes execution rows older than cutoff, keeping
// the audit database bounded on long-running installs. Nothing in this
// module calls it on a schedule; it is never required for correctness
// since the JSON execution queue is authoritative.
func (d *Database) PruneExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

// PruneDiscrepanciesOlderThanRows keeps only the most recent maxRows
// discrepancy entries per receiver.
func (d *Database) PruneDiscrepanciesOlderThanRows(ctx context.Context, receiverID string, maxRows int) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM discrepancies
		WHERE receiver_id = ? AND id NOT IN (
			SELECT id FROM discrepancies WHERE receiver_id = ? ORDER BY detected_at DESC LIMIT ?
		)
	`, receiverID, receiverID, maxRows)
	if err != nil {
		return fmt.Errorf("prune discrepancies: %w", err)
	}
	return nil
}
