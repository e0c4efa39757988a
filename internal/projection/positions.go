package projection

import (
	"github.com/shopspring/decimal"

	"tradebridge/internal/eventlog"
)

// PositionState is the read-model view of a single symbol's position.
// Qty is signed: positive long, negative short, zero flat. When Qty returns
// to zero, AvgPrice resets to zero.
type PositionState struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// applyExecutionToPosition folds one execution into the position using the
// netting rules:
//   - same sign (or flat): weighted-average entry, quantity grows
//   - opposing sign: the closing portion realizes P&L against the old
//     average; a residual beyond the close flips the position and starts a
//     fresh lot at the execution price
func applyExecutionToPosition(p PositionState, exec eventlog.ExecutionReceived) PositionState {
	signed := exec.Shares
	if exec.Side == eventlog.SideSell {
		signed = signed.Neg()
	}

	if p.Qty.IsZero() || p.Qty.Sign() == signed.Sign() {
		// Adding to (or opening) a position on the same side.
		absOld := p.Qty.Abs()
		absNew := absOld.Add(exec.Shares)
		p.AvgPrice = p.AvgPrice.Mul(absOld).Add(exec.Price.Mul(exec.Shares)).Div(absNew)
		p.Qty = p.Qty.Add(signed)
		return p
	}

	// Opposing execution: close up to the open quantity first.
	closing := decimal.Min(exec.Shares, p.Qty.Abs())
	if p.Qty.Sign() > 0 {
		// Long being sold: pnl = closing * (price - avg)
		p.RealizedPnL = p.RealizedPnL.Add(closing.Mul(exec.Price.Sub(p.AvgPrice)))
	} else {
		// Short being bought back: pnl = closing * (avg - price)
		p.RealizedPnL = p.RealizedPnL.Add(closing.Mul(p.AvgPrice.Sub(exec.Price)))
	}

	p.Qty = p.Qty.Add(signed)
	switch {
	case p.Qty.IsZero():
		p.AvgPrice = decimal.Zero
	case p.Qty.Sign() == signed.Sign():
		// Side flip: the residual is a fresh position at the execution price.
		p.AvgPrice = exec.Price
	}
	return p
}

// UnrealizedPnL returns the open P&L of the position at the given mark
func (p PositionState) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.Qty.Mul(mark.Sub(p.AvgPrice))
}
