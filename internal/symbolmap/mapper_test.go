package symbolmap

import "testing"

func TestExactMatch(t *testing.T) {
	r := Resolve("EURUSD", Specs{}, []Candidate{{Symbol: "EURUSD"}, {Symbol: "EURUSD.pro"}})
	if r.Method != MatchExact || r.ReceiverSymbol != "EURUSD" || r.Confidence != 100 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestNormalizedStripsBrokerSuffix(t *testing.T) {
	r := Resolve("EURUSD", Specs{}, []Candidate{{Symbol: "eurusd.pro"}})
	if r.Method != MatchNormalized || r.ReceiverSymbol != "eurusd.pro" || r.Confidence != 90 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestNormalizedPrefersLongestSuffix(t *testing.T) {
	// ".micro" must win over a spurious shorter match; only one candidate
	// here but the normalization itself must strip ".micro" wholesale, not
	// leave a stray ".m" ambiguity.
	if got := normalize("XAUUSD.micro"); got != "XAUUSD" {
		t.Fatalf("expected XAUUSD, got %s", got)
	}
	if got := normalize("XAUUSD.m"); got != "XAUUSD" {
		t.Fatalf("expected XAUUSD, got %s", got)
	}
}

func TestSpecsMatchUniqueCandidate(t *testing.T) {
	masterSpecs := Specs{ContractSize: 100000, Digits: 5, TickSize: 0.00001}
	r := Resolve("EURUSD", masterSpecs, []Candidate{
		{Symbol: "EU.RAW2", Specs: Specs{ContractSize: 100500, Digits: 5, TickSize: 0.00001}},
		{Symbol: "GBPJPY", Specs: Specs{ContractSize: 100000, Digits: 3, TickSize: 0.001}},
	})
	if r.Method != MatchSpecs || r.ReceiverSymbol != "EU.RAW2" || r.Confidence != 50 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestSpecsAmbiguousWhenMultipleMatch(t *testing.T) {
	masterSpecs := Specs{ContractSize: 100000, Digits: 5, TickSize: 0.00001}
	r := Resolve("EURUSD", masterSpecs, []Candidate{
		{Symbol: "A", Specs: Specs{ContractSize: 100000, Digits: 5, TickSize: 0.00001}},
		{Symbol: "B", Specs: Specs{ContractSize: 100050, Digits: 5, TickSize: 0.00001}},
	})
	if r.Method != MatchSpecsAmbiguous {
		t.Fatalf("expected specs_ambiguous, got %v", r.Method)
	}
	if len(r.Candidates) != 2 {
		t.Fatalf("expected 2 ambiguous candidates, got %d", len(r.Candidates))
	}
}

func TestUnmappedWhenNothingMatches(t *testing.T) {
	r := Resolve("USDCAD", Specs{ContractSize: 100000, Digits: 5, TickSize: 0.00001}, []Candidate{
		{Symbol: "EURUSD", Specs: Specs{ContractSize: 100000, Digits: 5, TickSize: 0.0001}},
	})
	if r.Method != MatchUnmapped || r.Confidence != 0 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestSpecsToleranceOnePercentBoundary(t *testing.T) {
	if !specsMatch(Specs{ContractSize: 100000, Digits: 2, TickSize: 0.01}, Specs{ContractSize: 100999, Digits: 2, TickSize: 0.01}) {
		t.Fatalf("expected match within 1%% contract size tolerance")
	}
	if specsMatch(Specs{ContractSize: 100000, Digits: 2, TickSize: 0.01}, Specs{ContractSize: 102000, Digits: 2, TickSize: 0.01}) {
		t.Fatalf("expected no match beyond 1%% contract size tolerance")
	}
}
