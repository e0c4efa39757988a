package projection

import "github.com/shopspring/decimal"

// RMultiple computes realized P&L per share in units of initial risk:
// (exit - entry) / |entry - stop|, sign-adjusted for shorts. Returns zero
// when there is no risk buffer between entry and stop.
func RMultiple(entry, exit, stop decimal.Decimal, short bool) float64 {
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		return 0
	}
	move := exit.Sub(entry)
	if short {
		move = move.Neg()
	}
	r, _ := move.Div(risk).Float64()
	return r
}
