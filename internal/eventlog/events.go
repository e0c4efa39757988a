package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies a domain event variant
type Type string

const (
	TypeOrderPlaced        Type = "order_placed"
	TypeExecutionReceived  Type = "execution_received"
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeRegimeShifted      Type = "regime_shifted"
	TypeRiskLimitBreached  Type = "risk_limit_breached"
	TypeSessionLocked      Type = "session_locked"
	TypeSignalReceived     Type = "signal_received"
	TypeOutcomeRecorded    Type = "outcome_recorded"
	TypeSessionFlattened   Type = "session_flattened"
)

// Side is the direction of an order or execution
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Event is the canonical record in the event store. Sequence ids are
// contiguous and strictly increasing; replay in sequence order reproduces
// any prior read-model state.
type Event struct {
	Seq       int64           `json:"seq" db:"seq"`
	Type      Type            `json:"type" db:"type"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
}

// Decode unmarshals the event payload into the given target struct
func (e Event) Decode(target interface{}) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s event at seq %d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// OrderPlaced records a new order submitted through the broker session
type OrderPlaced struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	ParentID   string          `json:"parent_id,omitempty"`  // bracket correlation
	OCAGroup   string          `json:"oca_group,omitempty"`  // one-cancels-all set
}

// ExecutionReceived records a fill reported by the broker
type ExecutionReceived struct {
	ExecID  string          `json:"exec_id"`
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Shares  decimal.Decimal `json:"shares"`
	Price   decimal.Decimal `json:"price"`
	At      time.Time       `json:"at"`
}

// OrderStatusChanged records a broker-reported order status transition
type OrderStatusChanged struct {
	OrderID   string          `json:"order_id"`
	Status    OrderStatus     `json:"status"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// RegimeShifted records a volatility-regime transition
type RegimeShifted struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RiskLimitBreached records a risk-gate limit trip
type RiskLimitBreached struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// SessionLocked records the session state machine entering the locked state
type SessionLocked struct {
	Reason string `json:"reason"`
}

// SignalReceived records an ingested external alert
type SignalReceived struct {
	SignalID  string `json:"signal_id"`
	Source    string `json:"source"`
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"`
}

// OutcomeRecorded records a closed trade outcome for calibration
type OutcomeRecorded struct {
	EvaluationID string  `json:"evaluation_id"`
	Symbol       string  `json:"symbol"`
	Direction    string  `json:"direction"`
	RMultiple    float64 `json:"r_multiple"`
	Win          bool    `json:"win"`
}

// SessionFlattened records the end-of-day flatten firing
type SessionFlattened struct {
	Positions int `json:"positions"`
	Orders    int `json:"orders"`
}

// typeOf maps a payload struct to its event type
func typeOf(payload interface{}) (Type, error) {
	switch payload.(type) {
	case OrderPlaced, *OrderPlaced:
		return TypeOrderPlaced, nil
	case ExecutionReceived, *ExecutionReceived:
		return TypeExecutionReceived, nil
	case OrderStatusChanged, *OrderStatusChanged:
		return TypeOrderStatusChanged, nil
	case RegimeShifted, *RegimeShifted:
		return TypeRegimeShifted, nil
	case RiskLimitBreached, *RiskLimitBreached:
		return TypeRiskLimitBreached, nil
	case SessionLocked, *SessionLocked:
		return TypeSessionLocked, nil
	case SignalReceived, *SignalReceived:
		return TypeSignalReceived, nil
	case OutcomeRecorded, *OutcomeRecorded:
		return TypeOutcomeRecorded, nil
	case SessionFlattened, *SessionFlattened:
		return TypeSessionFlattened, nil
	default:
		return "", fmt.Errorf("unknown event payload type %T", payload)
	}
}
