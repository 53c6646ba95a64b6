// Package tradeevent defines the wire record emitted by the master terminal
// and the idempotency key derived from it (spec.md §3).
package tradeevent

import "fmt"

// Kind is the event_type field of a TradeEvent.
type Kind string

const (
	KindEntry  Kind = "entry"
	KindExit   Kind = "exit"
	KindModify Kind = "modify"
)

// Direction is the trade direction.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Event is the JSON record a master terminal drops into CopierQueue/pending.
type Event struct {
	EventType Kind      `json:"event_type"`
	Ticket    int64     `json:"ticket"`
	DealID    *int64    `json:"deal_id,omitempty"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Lots      float64   `json:"lots"`
	Price     float64   `json:"price"`
	SL        *float64  `json:"sl,omitempty"`
	TP        *float64  `json:"tp,omitempty"`
	Timestamp string    `json:"timestamp"` // ISO-8601 UTC

	// Optional numeric context used by the Lot Calculator.
	SLDistancePoints *float64 `json:"sl_distance_points,omitempty"`
	TPDistancePoints *float64 `json:"tp_distance_points,omitempty"`
	MasterBalance    *float64 `json:"master_balance,omitempty"`
	MasterEquity     *float64 `json:"master_equity,omitempty"`
	TickValue        *float64 `json:"tick_value,omitempty"`
	ContractSize     *float64 `json:"contract_size,omitempty"`
	Digits           *int     `json:"digits,omitempty"`
	Point            *float64 `json:"point,omitempty"`
}

// IdempotencyKey computes the deterministic key from spec.md §3:
// "{event_type}:{ticket}:{deal_id}:{symbol}:{timestamp}" for entry/exit,
// "modify:{ticket}:{symbol}:{timestamp}" for modify.
func (e Event) IdempotencyKey() string {
	if e.EventType == KindModify {
		return fmt.Sprintf("modify:%d:%s:%s", e.Ticket, e.Symbol, e.Timestamp)
	}
	dealID := int64(0)
	if e.DealID != nil {
		dealID = *e.DealID
	}
	return fmt.Sprintf("%s:%d:%d:%s:%s", e.EventType, e.Ticket, dealID, e.Symbol, e.Timestamp)
}
