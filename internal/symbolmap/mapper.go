// Package symbolmap resolves a master symbol to a receiver symbol (spec.md
// §4.5), trying exact match, broker-suffix normalization, then a contract
// specs heuristic, in that priority order. Grounded on the teacher's
// pkg/exchanges symbol-normalization helpers, generalized from a single
// exchange's naming quirks to the broker-suffix list spec.md enumerates.
package symbolmap

import (
	"fmt"
	"math"
	"strings"
)

// MatchMethod tags how a mapping was resolved.
type MatchMethod string

const (
	MatchExact          MatchMethod = "exact"
	MatchNormalized     MatchMethod = "normalized"
	MatchSpecs          MatchMethod = "specs"
	MatchSpecsAmbiguous MatchMethod = "specs_ambiguous"
	MatchUnmapped       MatchMethod = "unmapped"
)

// suffixes is tried longest-first so ".micro" is preferred over a
// hypothetical shorter prefix collision; stable order otherwise doesn't
// matter since at most one suffix is stripped.
var suffixes = []string{
	".micro", ".mini", ".cent", ".cash", ".pro", ".raw", ".ecn", ".stp",
	".m", ".a", ".i",
}

// Specs carries the contract facts used by the specs-match tier.
type Specs struct {
	ContractSize float64
	Digits       int
	TickSize     float64
}

// Candidate is one receiver-side symbol available for mapping, carrying the
// contract classification the Lot Calculator needs once this candidate is
// chosen (spec.md §4.4's symbol-type-classified risk-from-SL conversion).
type Candidate struct {
	Symbol string
	Specs  Specs

	Type    string
	MinLot  float64
	MaxLot  float64
	LotStep float64
}

// Result is the outcome of resolving one master symbol.
type Result struct {
	MasterSymbol   string
	ReceiverSymbol string
	Method         MatchMethod
	Confidence     int
	Candidates     []string // populated only for specs_ambiguous

	// Type/MinLot/MaxLot/LotStep mirror the matched Candidate's fields
	// (zero unless Method is one of the matched kinds).
	Type    string
	MinLot  float64
	MaxLot  float64
	LotStep float64
}

// Resolve maps masterSymbol against the receiver's available candidates,
// trying each tier in priority order and returning on the first match.
func Resolve(masterSymbol string, masterSpecs Specs, candidates []Candidate) Result {
	// 1. Exact, case-sensitive.
	for _, c := range candidates {
		if c.Symbol == masterSymbol {
			return resultFor(masterSymbol, c, MatchExact, 100)
		}
	}

	// 2. Normalized: upper-case both sides, strip one trailing suffix.
	normMaster := normalize(masterSymbol)
	for _, c := range candidates {
		if normalize(c.Symbol) == normMaster {
			return resultFor(masterSymbol, c, MatchNormalized, 90)
		}
	}

	// 3. Specs match: contract size, digits, and tick-size order of
	// magnitude within ±1%.
	var matches []Candidate
	for _, c := range candidates {
		if specsMatch(masterSpecs, c.Specs) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		// fall through to unmapped
	case 1:
		return resultFor(masterSymbol, matches[0], MatchSpecs, 50)
	default:
		names := make([]string, len(matches))
		for i, c := range matches {
			names[i] = c.Symbol
		}
		return Result{MasterSymbol: masterSymbol, Method: MatchSpecsAmbiguous, Confidence: 50, Candidates: names}
	}

	// 4. Unmapped; caller must resolve manually.
	return Result{MasterSymbol: masterSymbol, Method: MatchUnmapped, Confidence: 0}
}

// resultFor builds a matched Result, carrying the chosen candidate's
// contract classification through to the caller.
func resultFor(masterSymbol string, c Candidate, method MatchMethod, confidence int) Result {
	return Result{
		MasterSymbol:   masterSymbol,
		ReceiverSymbol: c.Symbol,
		Method:         method,
		Confidence:     confidence,
		Type:           c.Type,
		MinLot:         c.MinLot,
		MaxLot:         c.MaxLot,
		LotStep:        c.LotStep,
	}
}

// normalize upper-cases a symbol and strips the longest matching trailing
// suffix from the broker-suffix list, once.
func normalize(symbol string) string {
	upper := strings.ToUpper(symbol)
	best := ""
	for _, suf := range suffixes {
		sufUpper := strings.ToUpper(suf)
		if strings.HasSuffix(upper, sufUpper) && len(sufUpper) > len(best) {
			best = sufUpper
		}
	}
	if best != "" {
		return strings.TrimSuffix(upper, best)
	}
	return upper
}

// specsMatch reports whether two contract specs agree within tolerance:
// exact digit count, and contract size / tick size within ±1%.
func specsMatch(a, b Specs) bool {
	if a.Digits != b.Digits {
		return false
	}
	if !withinPercent(a.ContractSize, b.ContractSize, 1) {
		return false
	}
	if !withinPercent(a.TickSize, b.TickSize, 1) {
		return false
	}
	return true
}

func withinPercent(a, b, pct float64) bool {
	if a == 0 && b == 0 {
		return true
	}
	if a == 0 || b == 0 {
		return false
	}
	diff := math.Abs(a-b) / math.Abs(a) * 100
	return diff <= pct
}

// String renders a Result for logging.
func (r Result) String() string {
	if r.Method == MatchSpecsAmbiguous {
		return fmt.Sprintf("%s -> ambiguous among %v", r.MasterSymbol, r.Candidates)
	}
	if r.Method == MatchUnmapped {
		return fmt.Sprintf("%s -> unmapped", r.MasterSymbol)
	}
	return fmt.Sprintf("%s -> %s (%s, confidence %d)", r.MasterSymbol, r.ReceiverSymbol, r.Method, r.Confidence)
}
