// Package fanout implements the Fan-out Engine (spec.md §4.7): given one
// TradeEvent and a CopierConfig, drives the safety check, symbol mapping,
// lot sizing, and submission pipeline independently for every receiver.
// Grounded on the teacher's internal/reconciliation.Service loop structure
// (per-entity independent processing, one failure never blocking another)
// and internal/risk.Manager's evaluate-then-act sequencing.
package fanout

import (
	"context"
	"fmt"
	"log"
	"time"

	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/events"
	"saturn-copier/internal/lotcalc"
	"saturn-copier/internal/rpc"
	"saturn-copier/internal/safety"
	"saturn-copier/internal/symbolmap"
	"saturn-copier/internal/tradeevent"
)

// ExecutionResult is the per-receiver outcome of one fan-out attempt
// (spec.md §3).
type ExecutionResult struct {
	ID                 string    `json:"id"`
	ReceiverID         string    `json:"receiver_id"`
	Success            bool      `json:"success"`
	ExecutedPrice      float64   `json:"executed_price"`
	SlippagePips       float64   `json:"slippage_pips"`
	ReceiverPositionID *int64    `json:"receiver_position_id,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	ExecutedAt         time.Time `json:"executed_at"`
	Attempts           int       `json:"attempts"`
}

// AccountInfoProvider loads a receiver's current balance/equity, best
// effort. Submitter abstracts either a direct Receiver RPC call
// (synchronous mode) or enqueuing into the Execution Queue (production).
type AccountInfoProvider interface {
	AccountInfo(receiverID string) (balance, equity float64, ok bool)
}

type Submitter interface {
	Submit(ctx context.Context, receiverID string, req rpc.Request) (rpc.Response, error)
}

// SymbolCatalog resolves receiver-side candidate symbols for the mapper.
type SymbolCatalog interface {
	Candidates(receiverID string) []symbolmap.Candidate
	MasterSpecs(masterSymbol string) symbolmap.Specs
}

// AuditRecord carries the supplemental detail the audit store persists
// alongside each ExecutionResult (spec.md §3.3's queryable execution
// mirror). Kept separate from ExecutionResult so the wire contract that
// callers serialize stays exactly what spec.md §3 defines.
type AuditRecord struct {
	ExecutionResult
	TerminalID   string
	MasterSymbol string
	MappedSymbol string
	Direction    string
	Lots         float64
	Reason       string
}

// Auditor persists a best-effort copy of each execution attempt. Failures
// are logged, never propagated: nothing reads the audit store to make a
// trading decision.
type Auditor interface {
	RecordExecution(AuditRecord)
	RecordReceiverStatus(receiverID string, s safety.State)
}

const (
	defaultBalance   = 10000.0
	recentResultsCap = 100
)

// Engine wires the Safety Ledger, Symbol Mapper, and Lot Calculator into the
// per-event, per-receiver fan-out described in spec.md §4.7.
type Engine struct {
	Ledger   *safety.Ledger
	Accounts AccountInfoProvider
	Symbols  SymbolCatalog
	Submit   Submitter
	Publish  func(events.Event, any)
	Audit    Auditor

	recent []ExecutionResult
}

// Process runs the event through every receiver in cfg, independently.
func (e *Engine) Process(ctx context.Context, ev tradeevent.Event, cfg configmodel.CopierConfig) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(cfg.Receivers))
	for _, r := range cfg.Receivers {
		results = append(results, e.processReceiver(ctx, ev, r))
	}
	return results
}

func (e *Engine) processReceiver(ctx context.Context, ev tradeevent.Event, r configmodel.ReceiverConfig) ExecutionResult {
	result := ExecutionResult{ReceiverID: r.ReceiverID, ExecutedAt: time.Now()}

	safetyCfg := safetyConfigFromReceiver(r)

	balance, equity := defaultBalance, defaultBalance
	if e.Accounts != nil {
		if b, eq, ok := e.Accounts.AccountInfo(r.ReceiverID); ok {
			balance, equity = b, eq
		}
	}
	_ = e.Ledger.UpdateEquity(r.ReceiverID, equity)

	check, err := e.Ledger.Check(r.ReceiverID, safetyCfg)
	if e.Audit != nil {
		e.Audit.RecordReceiverStatus(r.ReceiverID, e.Ledger.State(r.ReceiverID))
	}
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("safety check error: %v", err)
		e.recordBlocked(r.ReceiverID, result.ErrorMessage)
		e.audit(AuditRecord{ExecutionResult: result, TerminalID: r.TerminalID, MasterSymbol: ev.Symbol, Reason: result.ErrorMessage})
		return result
	}
	if check.Verdict == safety.Blocked {
		result.ErrorMessage = check.Reason
		e.recordBlocked(r.ReceiverID, check.Reason)
		e.audit(AuditRecord{ExecutionResult: result, TerminalID: r.TerminalID, MasterSymbol: ev.Symbol, Reason: check.Reason})
		return result
	}
	if check.Verdict == safety.Warning {
		log.Printf("⚠️ fanout: %s proceeding under warning: %s", r.ReceiverID, check.Reason)
	}

	receiverSymbol := ev.Symbol
	var mapping symbolmap.Result
	if e.Symbols != nil {
		masterSpecs := e.Symbols.MasterSpecs(ev.Symbol)
		mapping = symbolmap.Resolve(ev.Symbol, masterSpecs, e.Symbols.Candidates(r.ReceiverID))
		if mapping.ReceiverSymbol != "" {
			receiverSymbol = mapping.ReceiverSymbol
		}
	}

	masterBalance := ev.MasterBalance
	lotResult := lotcalc.Calculate(lotcalc.Input{
		Mode:            r.RiskMode,
		RiskValue:       r.RiskValue,
		MasterLots:      ev.Lots,
		Price:           ev.Price,
		SL:              ev.SL,
		MasterBalance:   masterBalance,
		ReceiverBalance: &balance,
		Symbol:          symbolInfoFor(ev, mapping),
	})
	if lotResult.Warning != "" {
		log.Printf("lotcalc: %s %s: %s", r.ReceiverID, ev.Symbol, lotResult.Warning)
	}

	req := rpc.Request{
		Action:          string(ev.EventType),
		Symbol:          receiverSymbol,
		Direction:       string(ev.Direction),
		Lots:            lotResult.Lots,
		SL:              ev.SL,
		TP:              ev.TP,
		MaxSlippagePips: r.MaxSlippagePips,
		Timestamp:       time.Now().UnixMilli(),
	}

	resp, err := e.Submit.Submit(ctx, r.ReceiverID, req)
	if err != nil {
		result.ErrorMessage = err.Error()
		e.recordTerminalFailure(r.ReceiverID, result.ErrorMessage)
		e.audit(AuditRecord{ExecutionResult: result, TerminalID: r.TerminalID, MasterSymbol: ev.Symbol, MappedSymbol: receiverSymbol, Direction: string(ev.Direction), Lots: lotResult.Lots, Reason: result.ErrorMessage})
		return result
	}

	result.Success = resp.Success
	result.ExecutedPrice = resp.ExecutedPrice
	result.SlippagePips = resp.SlippagePips
	result.ReceiverPositionID = resp.ReceiverPositionID
	result.ErrorMessage = resp.Error

	rec := AuditRecord{ExecutionResult: result, TerminalID: r.TerminalID, MasterSymbol: ev.Symbol, MappedSymbol: receiverSymbol, Direction: string(ev.Direction), Lots: lotResult.Lots, Reason: resp.Error}
	if resp.Success {
		_ = e.Ledger.RecordTradeResult(r.ReceiverID, 0, true)
		e.appendRecent(result)
		e.publish(events.EventExecutionRecorded, result)
	} else {
		e.recordTerminalFailure(r.ReceiverID, resp.Error)
	}
	e.audit(rec)
	return result
}

func (e *Engine) audit(rec AuditRecord) {
	if e.Audit != nil {
		e.Audit.RecordExecution(rec)
	}
}

// symbolInfoFor builds the Lot Calculator's SymbolInfo from the TradeEvent's
// master-side contract facts (tick_value/contract_size/digits/point, carried
// on every event per spec.md §3) and the resolved receiver symbol's
// configured type classification and lot bounds (spec.md §4.4/§4.5). Without
// this, every SL-based risk mode silently sizes off a zero-value SymbolInfo.
func symbolInfoFor(ev tradeevent.Event, mapping symbolmap.Result) lotcalc.SymbolInfo {
	info := lotcalc.SymbolInfo{
		Type:    lotcalc.SymbolType(mapping.Type),
		MinLot:  mapping.MinLot,
		MaxLot:  mapping.MaxLot,
		LotStep: mapping.LotStep,
	}
	if ev.TickValue != nil {
		info.TickValue = *ev.TickValue
	}
	if ev.ContractSize != nil {
		info.ContractSize = *ev.ContractSize
	}
	if ev.Digits != nil {
		info.Digits = *ev.Digits
	}
	if ev.Point != nil {
		info.Point = *ev.Point
	}
	return info
}

func safetyConfigFromReceiver(r configmodel.ReceiverConfig) safety.Config {
	return safety.Config{
		MaxDailyLossPercent:  r.MaxDailyLossPercent,
		MaxDailyLossAmount:   r.MaxDailyLossAmount,
		MaxDrawdownPercent:   r.MaxDrawdownPercent,
		MinEquity:            r.MinEquity,
		MaxTradesPerDay:      r.MaxTradesPerDay,
		PropFirmSafeMode:     r.PropFirmSafeMode,
		MaxConsecutiveLosses: r.MaxConsecutiveLoss,
	}
}

func (e *Engine) recordBlocked(receiverID, reason string) {
	e.appendRecent(ExecutionResult{ReceiverID: receiverID, ErrorMessage: reason, ExecutedAt: time.Now()})
	e.publish(events.EventExecutionBlocked, reason)
}

func (e *Engine) recordTerminalFailure(receiverID, reason string) {
	e.appendRecent(ExecutionResult{ReceiverID: receiverID, ErrorMessage: reason, ExecutedAt: time.Now()})
	e.publish(events.EventExecutionBlocked, reason)
}

func (e *Engine) appendRecent(r ExecutionResult) {
	e.recent = append(e.recent, r)
	if len(e.recent) > recentResultsCap {
		e.recent = e.recent[len(e.recent)-recentResultsCap:]
	}
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.Publish != nil {
		e.Publish(ev, payload)
	}
}

// Recent returns a copy of the engine's recent-executions ring.
func (e *Engine) Recent() []ExecutionResult {
	out := make([]ExecutionResult, len(e.recent))
	copy(out, e.recent)
	return out
}
