// Package risk implements the pre-trade gate: position sizing, the session
// state machine with loss lockouts, and the end-of-day flatten scheduler.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebridge/internal/config"
)

// gapHalvingPct is the entry-to-stop distance beyond which the risk-derived
// share count is halved
var gapHalvingPct = decimal.NewFromFloat(0.20)

// SizeInput carries the parameters of one sizing request
type SizeInput struct {
	Entry          decimal.Decimal
	Stop           decimal.Decimal
	Equity         decimal.Decimal
	AvailableFunds decimal.Decimal
	RiskAmount     decimal.Decimal // optional explicit risk budget; zero means derive from risk_pct
}

// SizeResult is the sizing recommendation with its binding constraint
type SizeResult struct {
	Shares         int64           `json:"shares"`
	Binding        string          `json:"binding"` // "risk", "capital", "margin" or "none"
	RiskPerShare   decimal.Decimal `json:"risk_per_share"`
	RiskBudget     decimal.Decimal `json:"risk_budget"`
	SharesByRisk   int64           `json:"shares_by_risk"`
	SharesByCap    int64           `json:"shares_by_capital"`
	SharesByMargin int64           `json:"shares_by_margin"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// Size computes the recommended share count as the minimum of the risk,
// capital and margin constraints. A zero risk buffer returns a zero-share
// recommendation with a warning rather than an error.
func Size(cfg config.RiskConfig, in SizeInput) SizeResult {
	result := SizeResult{Binding: "none"}

	result.RiskPerShare = in.Entry.Sub(in.Stop).Abs()
	if result.RiskPerShare.Sign() <= 0 {
		result.Warnings = append(result.Warnings, "no risk buffer between entry and stop")
		return result
	}
	if in.Entry.Sign() <= 0 {
		result.Warnings = append(result.Warnings, "entry price must be positive")
		return result
	}

	budget := in.Equity.Mul(decimal.NewFromFloat(cfg.RiskPct))
	if in.RiskAmount.Sign() > 0 {
		budget = decimal.Min(in.RiskAmount, budget)
	}
	result.RiskBudget = budget

	sharesByRisk := budget.Div(result.RiskPerShare).Floor()

	gapPct := result.RiskPerShare.Div(in.Entry)
	if gapPct.GreaterThan(gapHalvingPct) {
		sharesByRisk = sharesByRisk.Div(decimal.NewFromInt(2)).Floor()
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("stop is %s%% away from entry; risk-derived size halved",
				gapPct.Mul(decimal.NewFromInt(100)).Round(1)))
	}

	sharesByCap := in.Equity.Mul(decimal.NewFromFloat(cfg.MaxCapitalPct)).Div(in.Entry).Floor()
	sharesByMargin := in.AvailableFunds.Div(in.Entry.Mul(decimal.NewFromFloat(cfg.MarginMultiplier))).Floor()

	result.SharesByRisk = sharesByRisk.IntPart()
	result.SharesByCap = sharesByCap.IntPart()
	result.SharesByMargin = sharesByMargin.IntPart()

	recommended := result.SharesByRisk
	result.Binding = "risk"
	if result.SharesByCap < recommended {
		recommended = result.SharesByCap
		result.Binding = "capital"
	}
	if result.SharesByMargin < recommended {
		recommended = result.SharesByMargin
		result.Binding = "margin"
	}
	if recommended < 0 {
		recommended = 0
	}
	result.Shares = recommended
	return result
}
