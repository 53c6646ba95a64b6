// Package lotcalc implements the pure Lot Calculator (spec.md §4.4): a
// referentially transparent function from risk policy + event + accounts to
// a receiver lot size. No I/O, no hidden state — grounded on the teacher's
// internal/risk.Manager sizing logic, generalized to the mode table and
// risk-from-SL conversion spec.md describes (the Rust original's
// lot_calculator.rs used a single flat pip_value=10 approximation; spec.md's
// distillation replaces that with the symbol-type-aware conversion below,
// which this implementation follows as the authoritative design).
package lotcalc

import (
	"math"

	"saturn-copier/internal/configmodel"
)

// SymbolType classifies a symbol for risk-from-SL conversion.
type SymbolType string

const (
	SymbolForex     SymbolType = "forex"
	SymbolIndex     SymbolType = "index"
	SymbolCFD       SymbolType = "cfd"
	SymbolCommodity SymbolType = "commodity"
	SymbolCrypto    SymbolType = "crypto"
)

// SymbolInfo carries the per-symbol facts needed to convert a price
// distance into a monetary risk amount.
type SymbolInfo struct {
	Type         SymbolType
	ContractSize float64
	TickValue    float64 // monetary value of one point move, one lot
	Point        float64 // smallest price increment
	Digits       int
	MinLot       float64
	MaxLot       float64
	LotStep      float64
}

// Defaults applied when a field of SymbolInfo is unset (zero).
const (
	defaultMinLot  = 0.01
	defaultMaxLot  = 100.0
	defaultLotStep = 0.01
)

// Input bundles everything calculate_lots needs.
type Input struct {
	Mode            configmodel.RiskMode
	RiskValue       float64
	MasterLots      float64
	Price           float64
	SL              *float64
	MasterBalance   *float64
	ReceiverBalance *float64
	Symbol          SymbolInfo
}

// Warning is returned (non-fatal) when a degenerate input forced a fallback.
type Result struct {
	Lots    float64
	Warning string
}

// Calculate computes the receiver's lot size per spec.md §4.4's mode table,
// then rounds to 0.01 and clamps to [min_lot, max_lot] stepped by lot_step.
func Calculate(in Input) Result {
	var lots float64
	var warning string

	switch in.Mode {
	case configmodel.RiskModeFixedLot:
		lots = in.RiskValue

	case configmodel.RiskModeLotMultiplier:
		lots = in.MasterLots * in.RiskValue

	case configmodel.RiskModeBalanceMultiplier:
		if in.MasterBalance != nil && *in.MasterBalance > 0 && in.ReceiverBalance != nil {
			lots = in.MasterLots * (*in.ReceiverBalance / *in.MasterBalance) * in.RiskValue
		} else {
			lots = in.MasterLots
			warning = "balance_multiplier missing master/receiver balance; falling back to master lots"
		}

	case configmodel.RiskModeMirror:
		lots = in.MasterLots

	case configmodel.RiskModeRiskPercent:
		if in.ReceiverBalance == nil {
			lots = in.MasterLots
			warning = "risk_percent missing receiver balance; falling back to master lots"
			break
		}
		riskAmount := *in.ReceiverBalance * in.RiskValue / 100
		lots, warning = riskFromSL(riskAmount, in)

	case configmodel.RiskModeRiskDollar, configmodel.RiskModeIntent:
		// spec.md §9: intent is under-specified in the source; treated
		// identically to risk_dollar here, per the design's resolution.
		riskAmount := in.RiskValue
		lots, warning = riskFromSL(riskAmount, in)

	default:
		lots = in.MasterLots
		warning = "unknown risk mode; falling back to master lots"
	}

	lots = clamp(round001(lots), in.Symbol)
	return Result{Lots: lots, Warning: warning}
}

// riskFromSL computes lots from a monetary risk budget and the |price-SL|
// distance, using the symbol-type conversion of value-per-point.
func riskFromSL(riskAmount float64, in Input) (float64, string) {
	if in.SL == nil {
		return in.MasterLots, "missing stop loss for SL-based risk mode; falling back to master lots"
	}

	distance := math.Abs(in.Price - *in.SL)
	if distance <= 0 {
		return 0.01, "" // degenerate zero SL distance
	}

	valuePerLot := valuePerPointPerLot(in.Symbol) * pointsIn(distance, in.Symbol)
	if valuePerLot <= 0 {
		return 0.01, ""
	}

	return riskAmount / valuePerLot, ""
}

// pointsIn converts a raw price distance into a count of "points" for the
// symbol's value-per-point conversion, using Point when known.
func pointsIn(distance float64, sym SymbolInfo) float64 {
	if sym.Point > 0 {
		return distance / sym.Point
	}
	return distance
}

// valuePerPointPerLot returns the monetary value of one point of movement,
// for one lot, classified by symbol type. Forex divides by 10 for 5-digit
// (fractional pip) brokers, converting points to pips.
func valuePerPointPerLot(sym SymbolInfo) float64 {
	base := sym.TickValue
	if base <= 0 {
		base = 1.0
	}

	switch sym.Type {
	case SymbolForex:
		if sym.Digits == 5 || sym.Digits == 3 {
			return base / 10
		}
		return base
	case SymbolIndex, SymbolCFD, SymbolCommodity:
		return base
	case SymbolCrypto:
		return base
	default:
		return base
	}
}

func round001(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(lots float64, sym SymbolInfo) float64 {
	minLot := sym.MinLot
	if minLot <= 0 {
		minLot = defaultMinLot
	}
	maxLot := sym.MaxLot
	if maxLot <= 0 {
		maxLot = defaultMaxLot
	}
	step := sym.LotStep
	if step <= 0 {
		step = defaultLotStep
	}

	if lots < minLot {
		return minLot
	}
	if lots > maxLot {
		lots = maxLot
	}
	// Round down to the nearest step.
	steps := math.Floor(lots/step + 1e-9)
	stepped := steps * step
	if stepped < minLot {
		stepped = minLot
	}
	return math.Round(stepped*100) / 100
}
