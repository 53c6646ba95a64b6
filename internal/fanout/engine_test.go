package fanout

import (
	"context"
	"path/filepath"
	"testing"

	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/events"
	"saturn-copier/internal/rpc"
	"saturn-copier/internal/safety"
	"saturn-copier/internal/symbolmap"
	"saturn-copier/internal/tradeevent"
)

type fakeAccounts struct{ balance, equity float64 }

func (f fakeAccounts) AccountInfo(string) (float64, float64, bool) { return f.balance, f.equity, true }

type fakeSubmitter struct {
	resp rpc.Response
	err  error
	got  []rpc.Request
}

func (f *fakeSubmitter) Submit(_ context.Context, _ string, req rpc.Request) (rpc.Response, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

type fakeCatalog struct{ candidates []symbolmap.Candidate }

func (f fakeCatalog) Candidates(string) []symbolmap.Candidate { return f.candidates }
func (f fakeCatalog) MasterSpecs(string) symbolmap.Specs       { return symbolmap.Specs{} }

func testLedger(t *testing.T) *safety.Ledger {
	t.Helper()
	return safety.NewLedger(filepath.Join(t.TempDir(), "safety.json"), 0)
}

func f64(v float64) *float64 { return &v }
func intPtr(v int) *int      { return &v }

func TestProcessSuccessfulSubmission(t *testing.T) {
	ledger := testLedger(t)
	submitter := &fakeSubmitter{resp: rpc.Response{Success: true, ExecutedPrice: 1.1000}}
	var published []events.Event

	engine := &Engine{
		Ledger:   ledger,
		Accounts: fakeAccounts{balance: 20000, equity: 20000},
		Symbols:  fakeCatalog{candidates: []symbolmap.Candidate{{Symbol: "EURUSD.pro"}}},
		Submit:   submitter,
		Publish:  func(e events.Event, _ any) { published = append(published, e) },
	}

	cfg := configmodel.CopierConfig{Receivers: []configmodel.ReceiverConfig{
		{ReceiverID: "r1", RiskMode: configmodel.RiskModeLotMultiplier, RiskValue: 1.0},
	}}
	ev := tradeevent.Event{EventType: tradeevent.KindEntry, Symbol: "EURUSD", Lots: 0.5, Price: 1.0950, Direction: tradeevent.DirectionBuy}

	results := engine.Process(context.Background(), ev, cfg)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected successful result, got %+v", results)
	}
	if len(submitter.got) != 1 || submitter.got[0].Symbol != "EURUSD.pro" {
		t.Fatalf("expected mapped symbol EURUSD.pro, got %+v", submitter.got)
	}
	if len(published) == 0 || published[0] != events.EventExecutionRecorded {
		t.Fatalf("expected execution.recorded published, got %v", published)
	}
	if len(engine.Recent()) != 1 {
		t.Fatalf("expected recent executions ring to have 1 entry")
	}
}

func TestProcessBlockedBySafetyNeverSubmits(t *testing.T) {
	ledger := testLedger(t)
	_ = ledger.InitializeReceiver("r1", 10000, 10000)
	_ = ledger.RecordTradeResult("r1", -500, false)

	submitter := &fakeSubmitter{resp: rpc.Response{Success: true}}
	engine := &Engine{Ledger: ledger, Submit: submitter}

	cfg := configmodel.CopierConfig{Receivers: []configmodel.ReceiverConfig{
		{ReceiverID: "r1", RiskMode: configmodel.RiskModeMirror, MaxDailyLossAmount: f64(400)},
	}}
	ev := tradeevent.Event{EventType: tradeevent.KindEntry, Symbol: "EURUSD", Lots: 0.1, Direction: tradeevent.DirectionBuy}

	results := engine.Process(context.Background(), ev, cfg)
	if results[0].Success {
		t.Fatalf("expected blocked result, got success")
	}
	if len(submitter.got) != 0 {
		t.Fatalf("expected no submission when blocked, got %d", len(submitter.got))
	}
}

// TestProcessWiresSymbolInfoIntoLotSizing guards against SL-based risk modes
// silently sizing off a zero-value SymbolInfo: the event's tick_value/point/
// digits and the mapped receiver symbol's type/max_lot must both reach the
// Lot Calculator.
func TestProcessWiresSymbolInfoIntoLotSizing(t *testing.T) {
	ledger := testLedger(t)
	submitter := &fakeSubmitter{resp: rpc.Response{Success: true}}

	engine := &Engine{
		Ledger:   ledger,
		Accounts: fakeAccounts{balance: 50000, equity: 50000},
		Symbols: fakeCatalog{candidates: []symbolmap.Candidate{
			{Symbol: "EURUSD.pro", Type: "forex", MaxLot: 50},
		}},
		Submit: submitter,
	}

	cfg := configmodel.CopierConfig{Receivers: []configmodel.ReceiverConfig{
		{ReceiverID: "r1", RiskMode: configmodel.RiskModeRiskPercent, RiskValue: 1.0},
	}}
	price, sl := 1.10500, 1.10000
	ev := tradeevent.Event{
		EventType:    tradeevent.KindEntry,
		Symbol:       "EURUSD",
		Price:        price,
		SL:           f64(sl),
		Direction:    tradeevent.DirectionBuy,
		TickValue:    f64(1.0),
		Point:        f64(0.00001),
		Digits:       intPtr(5),
		ContractSize: f64(100000),
	}

	results := engine.Process(context.Background(), ev, cfg)
	if !results[0].Success {
		t.Fatalf("expected successful result, got %+v", results[0])
	}
	if len(submitter.got) != 1 {
		t.Fatalf("expected one submission, got %d", len(submitter.got))
	}
	// Risk 1% of 50,000 = 500. SL distance 500 points at 0.10/point/lot (5-digit
	// forex) -> value per lot 50 -> 10 lots, clamped to the mapped MaxLot of 50.
	if got := submitter.got[0].Lots; got <= 0 || got > 50 {
		t.Fatalf("expected a lot size sized from the mapped symbol's facts, got %v", got)
	}
}

func TestOneReceiverFailureDoesNotBlockAnother(t *testing.T) {
	ledger := testLedger(t)
	_ = ledger.InitializeReceiver("r1", 10000, 10000)
	_ = ledger.RecordTradeResult("r1", -1000, false) // will be blocked below

	submitter := &fakeSubmitter{resp: rpc.Response{Success: true}}
	engine := &Engine{Ledger: ledger, Submit: submitter}

	cfg := configmodel.CopierConfig{Receivers: []configmodel.ReceiverConfig{
		{ReceiverID: "r1", RiskMode: configmodel.RiskModeMirror, MaxDailyLossAmount: f64(500)},
		{ReceiverID: "r2", RiskMode: configmodel.RiskModeMirror},
	}}
	ev := tradeevent.Event{EventType: tradeevent.KindEntry, Symbol: "EURUSD", Lots: 0.1, Direction: tradeevent.DirectionBuy}

	results := engine.Process(context.Background(), ev, cfg)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Success {
		t.Fatalf("expected r1 blocked")
	}
	if !results[1].Success {
		t.Fatalf("expected r2 to still succeed despite r1 being blocked")
	}
}
