package projection

import (
	"time"

	"github.com/shopspring/decimal"

	"tradebridge/internal/eventlog"
)

// OrderState is the read-model view of a single order. FilledQty never
// exceeds OriginalQty; status FILLED implies FilledQty == OriginalQty.
type OrderState struct {
	OrderID     string               `json:"order_id"`
	Symbol      string               `json:"symbol"`
	Side        eventlog.Side        `json:"side"`
	OriginalQty decimal.Decimal      `json:"original_qty"`
	FilledQty   decimal.Decimal      `json:"filled_qty"`
	AvgPrice    decimal.Decimal      `json:"avg_price"`
	Status      eventlog.OrderStatus `json:"status"`
	LastUpdated time.Time            `json:"last_updated"`
	ParentID    string               `json:"parent_id,omitempty"`
	OCAGroup    string               `json:"oca_group,omitempty"`
}

// applyPlaced creates the initial order state from an OrderPlaced event
func applyPlaced(p eventlog.OrderPlaced, at time.Time) OrderState {
	return OrderState{
		OrderID:     p.OrderID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		OriginalQty: p.Qty,
		Status:      eventlog.StatusSubmitted,
		LastUpdated: at,
		ParentID:    p.ParentID,
		OCAGroup:    p.OCAGroup,
	}
}

// applyExecutionToOrder folds a fill into the order state. Fill quantity is
// clamped so FilledQty never exceeds OriginalQty even on a duplicate or
// over-reported execution.
func applyExecutionToOrder(o OrderState, exec eventlog.ExecutionReceived, at time.Time) OrderState {
	remaining := o.OriginalQty.Sub(o.FilledQty)
	fill := exec.Shares
	if fill.GreaterThan(remaining) {
		fill = remaining
	}
	if fill.Sign() <= 0 {
		return o
	}

	// Weighted-average fill price over the filled quantity.
	prevNotional := o.AvgPrice.Mul(o.FilledQty)
	newFilled := o.FilledQty.Add(fill)
	o.AvgPrice = prevNotional.Add(exec.Price.Mul(fill)).Div(newFilled)
	o.FilledQty = newFilled

	if o.FilledQty.Equal(o.OriginalQty) {
		o.Status = eventlog.StatusFilled
	} else {
		o.Status = eventlog.StatusPartial
	}
	o.LastUpdated = at
	return o
}

// applyStatus folds a broker status report into the order state
func applyStatus(o OrderState, sc eventlog.OrderStatusChanged, at time.Time) OrderState {
	o.Status = sc.Status
	if sc.FilledQty.Sign() > 0 && sc.FilledQty.LessThanOrEqual(o.OriginalQty) {
		o.FilledQty = sc.FilledQty
	}
	if sc.AvgPrice.Sign() > 0 {
		o.AvgPrice = sc.AvgPrice
	}
	if sc.Status == eventlog.StatusFilled {
		o.FilledQty = o.OriginalQty
	}
	o.LastUpdated = at
	return o
}
