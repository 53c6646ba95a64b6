package db

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return database
}

func TestInsertAndListExecutions(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.InsertExecution(ctx, ExecutionRecord{ID: "e1", ReceiverID: "r1", MasterSymbol: "EURUSD", Status: "allowed", Lots: 0.5}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.InsertExecution(ctx, ExecutionRecord{ID: "e2", ReceiverID: "r2", MasterSymbol: "GBPUSD", Status: "blocked"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := d.ListExecutions(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(all))
	}

	filtered, err := d.ListExecutions(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ReceiverID != "r1" {
		t.Fatalf("expected 1 execution for r1, got %+v", filtered)
	}
}

func TestReceiverStatusUpsert(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if got, err := d.GetReceiverStatus(ctx, "r1"); err != nil || got != nil {
		t.Fatalf("expected nil status before any write, got %+v err=%v", got, err)
	}

	if err := d.UpsertReceiverStatus(ctx, ReceiverStatus{ReceiverID: "r1", Paused: false, DailyLoss: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := d.UpsertReceiverStatus(ctx, ReceiverStatus{ReceiverID: "r1", Paused: true, PauseReason: "daily_loss_amount", DailyLoss: 250}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := d.GetReceiverStatus(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || !got.Paused || got.PauseReason != "daily_loss_amount" || got.DailyLoss != 250 {
		t.Fatalf("unexpected status after second upsert: %+v", got)
	}

	statuses, err := d.ListReceiverStatuses(ctx)
	if err != nil || len(statuses) != 1 {
		t.Fatalf("expected 1 status row, got %+v err=%v", statuses, err)
	}
}

func TestDiscrepancyInsertAndPrune(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := d.InsertDiscrepancy(ctx, DiscrepancyRecord{ReceiverID: "r1", MasterPositionID: int64(i), Kind: "volume_mismatch"}); err != nil {
			t.Fatalf("insert discrepancy %d: %v", i, err)
		}
	}

	discs, err := d.ListDiscrepancies(ctx, "r1", 10)
	if err != nil || len(discs) != 5 {
		t.Fatalf("expected 5 discrepancies, got %d err=%v", len(discs), err)
	}

	if err := d.PruneDiscrepanciesOlderThanRows(ctx, "r1", 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	discs, err = d.ListDiscrepancies(ctx, "r1", 10)
	if err != nil || len(discs) != 2 {
		t.Fatalf("expected 2 discrepancies after prune, got %d err=%v", len(discs), err)
	}
}

func TestPruneExecutionsBefore(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	if err := d.InsertExecution(ctx, ExecutionRecord{ID: "old", ReceiverID: "r1", MasterSymbol: "EURUSD", Status: "allowed", CreatedAt: old}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := d.InsertExecution(ctx, ExecutionRecord{ID: "new", ReceiverID: "r1", MasterSymbol: "EURUSD", Status: "allowed", CreatedAt: recent}); err != nil {
		t.Fatalf("insert new: %v", err)
	}

	affected, err := d.PruneExecutionsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row pruned, got %d", affected)
	}

	remaining, err := d.ListExecutions(ctx, "", 10)
	if err != nil || len(remaining) != 1 || remaining[0].ID != "new" {
		t.Fatalf("unexpected remaining executions: %+v err=%v", remaining, err)
	}
}
