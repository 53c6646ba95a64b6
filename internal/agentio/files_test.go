package agentio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMasterPositionsMissingFileIsEmpty(t *testing.T) {
	positions, err := ReadMasterPositions(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || positions != nil {
		t.Fatalf("expected nil, nil for missing file, got %+v, %v", positions, err)
	}
}

func TestReadMasterPositionsParsesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open_positions.json")
	body := `{"positions":[{"master_position_id":1,"symbol":"EURUSD","direction":"buy","volume":1.0,"sl":1.05,"tp":1.2}],"updated_at":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	positions, err := ReadMasterPositions(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "EURUSD" || positions[0].MasterPositionID != 1 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}

func TestReadReceiverPositionsJSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copier-positions.json")
	body := `[{"master_position_id":1,"symbol":"EURUSD","direction":"buy","volume":0.5,"sl":0,"tp":0}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	positions, err := ReadReceiverPositions(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(positions) != 1 || positions[0].Volume != 0.5 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}

func TestReadReceiverPositionsPipeDelimitedFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copier-positions.json")
	body := "1|r1|EURUSD|buy|0.5|1.05|1.2\n2|r1|GBPUSD|sell|0.2|1.3|1.1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	positions, err := ReadReceiverPositions(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(positions), positions)
	}
	if positions[0].Symbol != "EURUSD" || positions[1].Direction != "sell" {
		t.Fatalf("unexpected parse: %+v", positions)
	}
}

func TestReadAccountInfoMissingFileNotOK(t *testing.T) {
	if _, ok := ReadAccountInfo(filepath.Join(t.TempDir(), "nope.json")); ok {
		t.Fatalf("expected ok=false for missing account info file")
	}
}

func TestReadAccountInfoParsesBalanceAndEquity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CopierAccountInfo.json")
	body := `{"account_number":"123","broker":"Demo","balance":10000,"equity":9800}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, ok := ReadAccountInfo(path)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if info.Balance != 10000 || info.Equity != 9800 {
		t.Fatalf("unexpected account info: %+v", info)
	}
}
