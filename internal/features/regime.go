package features

// Volatility regimes used for weight overrides and prompt context
const (
	RegimeLow      = "low"
	RegimeNormal   = "normal"
	RegimeHigh     = "high"
	RegimeTrending = "trending"
	RegimeChop     = "chop"
	RegimeVolatile = "volatile"
)

// Thresholds for the rule-based classifier. Realized vol is per-bar return
// stdev; trend strength is |close - ema| / atr.
const (
	lowVolThreshold      = 0.002
	highVolThreshold     = 0.01
	volatileVolThreshold = 0.02
	trendStrengthMin     = 1.5
	chopRSILow           = 45.0
	chopRSIHigh          = 55.0
)

// classifyRegime maps a computed feature set to a volatility regime.
// Checks run from most extreme to least so volatile beats trending.
func classifyRegime(values map[string]float64) string {
	realVol := values["real_vol"]
	atrVal := values["atr"]
	closePx := values["close"]
	emaVal := values["ema"]
	rsiVal := values["rsi"]

	if realVol >= volatileVolThreshold {
		return RegimeVolatile
	}

	trendStrength := 0.0
	if atrVal > 0 {
		trendStrength = abs(closePx-emaVal) / atrVal
	}
	if trendStrength >= trendStrengthMin {
		return RegimeTrending
	}
	if rsiVal > chopRSILow && rsiVal < chopRSIHigh && trendStrength < 0.5 {
		return RegimeChop
	}

	switch {
	case realVol < lowVolThreshold:
		return RegimeLow
	case realVol >= highVolThreshold:
		return RegimeHigh
	default:
		return RegimeNormal
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
