package db

import (
	"database/sql"
	"fmt"
)

// schema backs internal/audit, a supplemental queryable store alongside the
// mandatory JSON persistence (internal/queue, internal/safety). Nothing here
// is authoritative; the agent must keep running if this database is deleted.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    receiver_id TEXT NOT NULL,
    terminal_id TEXT NOT NULL,
    master_symbol TEXT NOT NULL,
    mapped_symbol TEXT,
    lots REAL,
    direction TEXT,
    status TEXT NOT NULL,
    reason TEXT,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_executions_receiver ON executions(receiver_id);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);

CREATE TABLE IF NOT EXISTS discrepancies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    receiver_id TEXT NOT NULL,
    master_position_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    detail TEXT,
    acted INTEGER DEFAULT 0,
    detected_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_discrepancies_receiver ON discrepancies(receiver_id);

CREATE TABLE IF NOT EXISTS receiver_status (
    receiver_id TEXT PRIMARY KEY,
    terminal_id TEXT,
    paused INTEGER DEFAULT 0,
    pause_reason TEXT,
    daily_loss REAL DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    last_equity REAL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS safety_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    receiver_id TEXT NOT NULL,
    event TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_safety_events_receiver ON safety_events(receiver_id);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    receiver_id TEXT NOT NULL,
    discrepancy_count INTEGER DEFAULT 0,
    acted_count INTEGER DEFAULT 0,
    ran_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS config_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    old_hash TEXT,
    new_hash TEXT NOT NULL,
    changed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ensureColumn adds a column if it does not already exist. Kept for future
// migrations; unused until the schema above needs its first ALTER.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
