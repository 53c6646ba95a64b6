// Package agentio reads the small set of JSON/pipe-delimited files the MT5
// terminals write for the agent to consume (spec.md §6's External
// Interfaces): the master's open-positions snapshot, a receiver's position
// mapping, and a receiver's account info file. Grounded on the teacher's
// internal/order.PersistentQueue pattern of tolerant, missing-file-is-empty
// reads, generalized from that package's WAL entries to these one-shot
// terminal snapshots.
package agentio

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"saturn-copier/internal/reconcile"
)

// openPositionsDoc is the master's CopierQueue/open_positions.json payload.
type openPositionsDoc struct {
	Positions []struct {
		MasterPositionID int64   `json:"master_position_id"`
		Symbol           string  `json:"symbol"`
		Direction        string  `json:"direction"`
		Volume           float64 `json:"volume"`
		SL               float64 `json:"sl"`
		TP               float64 `json:"tp"`
	} `json:"positions"`
	UpdatedAt string `json:"updated_at"`
}

// ReadMasterPositions parses the master's open-positions snapshot. A
// missing file is not an error: it means the master has reported no open
// positions (or hasn't written one yet).
func ReadMasterPositions(path string) ([]reconcile.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc openPositionsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make([]reconcile.Position, 0, len(doc.Positions))
	for _, p := range doc.Positions {
		out = append(out, reconcile.Position{
			MasterPositionID: p.MasterPositionID,
			Symbol:           p.Symbol,
			Direction:        p.Direction,
			Volume:           p.Volume,
			SL:               p.SL,
			TP:               p.TP,
		})
	}
	return out, nil
}

// receiverPositionRow mirrors one entry of copier-positions.json.
type receiverPositionRow struct {
	MasterPositionID int64   `json:"master_position_id"`
	Symbol           string  `json:"symbol"`
	Direction        string  `json:"direction"`
	Volume           float64 `json:"volume"`
	SL               float64 `json:"sl"`
	TP               float64 `json:"tp"`
}

// ReadReceiverPositions parses a receiver's copier-positions.json, trying
// the JSON array form first and falling back to pipe-delimited rows
// (master_id|receiver_id|symbol|direction|volume|sl|tp) for backwards
// compatibility with older receiver helpers.
func ReadReceiverPositions(path string) ([]reconcile.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var rows []receiverPositionRow
	if err := json.Unmarshal(data, &rows); err == nil {
		out := make([]reconcile.Position, 0, len(rows))
		for _, r := range rows {
			out = append(out, reconcile.Position{
				MasterPositionID: r.MasterPositionID,
				Symbol:           r.Symbol,
				Direction:        r.Direction,
				Volume:           r.Volume,
				SL:               r.SL,
				TP:               r.TP,
			})
		}
		return out, nil
	}

	return parsePipeDelimited(trimmed)
}

func parsePipeDelimited(body string) ([]reconcile.Position, error) {
	var out []reconcile.Position
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 7 {
			continue
		}
		masterID, _ := strconv.ParseInt(fields[0], 10, 64)
		volume, _ := strconv.ParseFloat(fields[4], 64)
		sl, _ := strconv.ParseFloat(fields[5], 64)
		tp, _ := strconv.ParseFloat(fields[6], 64)
		out = append(out, reconcile.Position{
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

// AccountInfo is a receiver's CopierAccountInfo.json payload.
type AccountInfo struct {
	AccountNumber string  `json:"account_number"`
	Broker        string  `json:"broker"`
	Server        string  `json:"server"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Margin        float64 `json:"margin"`
	FreeMargin    float64 `json:"free_margin"`
	Leverage      float64 `json:"leverage"`
	Currency      string  `json:"currency"`
}

// ReadAccountInfo reads a receiver's account info file, returning ok=false
// if it does not exist or is malformed (best-effort, callers fall back to
// a default balance/equity per spec.md §4.7).
func ReadAccountInfo(path string) (AccountInfo, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AccountInfo{}, false
	}
	var info AccountInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return AccountInfo{}, false
	}
	return info, true
}
