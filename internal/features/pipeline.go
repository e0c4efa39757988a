// Package features turns buffered market bars into the deterministic
// feature vector the ensemble is prompted with. The same bars always
// produce the same vector; every value is rounded to a fixed precision so
// prompt hashes are stable across runs.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/broker"
)

const (
	atrPeriod   = 14
	emaPeriod   = 20
	rsiPeriod   = 14
	rvolWindow  = 20
	minBars     = atrPeriod + 1
	roundDigits = 6
)

// Vector is the dense feature map for one (symbol, timestamp) pair
type Vector struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"` // time of the last bar used
	Values    map[string]float64 `json:"values"`
	Regime    string             `json:"regime"`
}

// Keys returns the feature names in sorted order. Prompt construction
// iterates this, never the map directly.
func (v Vector) Keys() []string {
	keys := make([]string, 0, len(v.Values))
	for k := range v.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BookSnapshot is an optional top-of-book observation for order-flow
// features. Zero value means no book data; the flow features are omitted.
type BookSnapshot struct {
	BidVolume float64
	AskVolume float64
	BuyVolume float64 // aggressor-side volume over the sample window
	SellVolume float64
}

// Compute derives the feature vector from chronological bars. It needs at
// least minBars bars; fewer is an error, not a partial vector.
func Compute(symbol string, bars []broker.Bar, book BookSnapshot) (Vector, error) {
	if len(bars) < minBars {
		return Vector{}, fmt.Errorf("features: need at least %d bars for %s, got %d", minBars, symbol, len(bars))
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
		volumes[i] = bar.Volume
	}
	last := bars[len(bars)-1]

	values := map[string]float64{
		"close":    round(last.Close),
		"atr":      round(atr(bars, atrPeriod)),
		"vwap_dev": round(vwapDeviation(bars)),
		"rvol":     round(rvol(volumes, rvolWindow)),
		"gap_pct":  round(gapPct(bars)),
		"ema":      round(lastOf(emaSeries(closes, emaPeriod))),
		"rsi":      round(lastOf(rsiSeries(closes, rsiPeriod))),
		"ret_1":    round(pctChange(closes, 1)),
		"ret_5":    round(pctChange(closes, 5)),
		"real_vol": round(realizedVol(closes)),
	}

	if book.BidVolume+book.AskVolume > 0 {
		values["obi"] = round((book.BidVolume - book.AskVolume) / (book.BidVolume + book.AskVolume))
	}
	if book.BuyVolume+book.SellVolume > 0 {
		values["vpin"] = round(math.Abs(book.BuyVolume-book.SellVolume) / (book.BuyVolume + book.SellVolume))
	}

	vec := Vector{
		Symbol:    symbol,
		Timestamp: last.Time.UTC(),
		Values:    values,
		Regime:    classifyRegime(values),
	}
	log.Debug().
		Str("symbol", symbol).
		Time("bar_time", vec.Timestamp).
		Str("regime", vec.Regime).
		Msg("Feature vector computed")
	return vec, nil
}

// emaSeries wraps the channel-based indicator API over a slice
func emaSeries(prices []float64, period int) []float64 {
	if len(prices) < period {
		return nil
	}
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	out := trend.NewEmaWithPeriod[float64](period).Compute(in)
	var values []float64
	for v := range out {
		values = append(values, v)
	}
	return values
}

func rsiSeries(prices []float64, period int) []float64 {
	if len(prices) <= period {
		return nil
	}
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	out := momentum.NewRsiWithPeriod[float64](period).Compute(in)
	var values []float64
	for v := range out {
		values = append(values, v)
	}
	return values
}

// atr is Wilder's average true range. Implemented directly over the bar
// slice since the channel API only carries one series at a time.
func atr(bars []broker.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		highLow := bars[i].High - bars[i].Low
		highClose := math.Abs(bars[i].High - bars[i-1].Close)
		lowClose := math.Abs(bars[i].Low - bars[i-1].Close)
		trs = append(trs, math.Max(highLow, math.Max(highClose, lowClose)))
	}

	// Seed with a simple average, then Wilder smoothing.
	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	value := sum / float64(period)
	for _, tr := range trs[period:] {
		value = (value*float64(period-1) + tr) / float64(period)
	}
	return value
}

// vwapDeviation is (close - vwap) / vwap over the full bar window
func vwapDeviation(bars []broker.Bar) float64 {
	var pv, vol float64
	for _, bar := range bars {
		typical := (bar.High + bar.Low + bar.Close) / 3
		pv += typical * bar.Volume
		vol += bar.Volume
	}
	if vol == 0 {
		return 0
	}
	vwap := pv / vol
	if vwap == 0 {
		return 0
	}
	return (bars[len(bars)-1].Close - vwap) / vwap
}

// rvol is the last bar's volume relative to the trailing average
func rvol(volumes []float64, window int) float64 {
	if len(volumes) < 2 {
		return 1
	}
	start := len(volumes) - 1 - window
	if start < 0 {
		start = 0
	}
	trailing := volumes[start : len(volumes)-1]
	var sum float64
	for _, v := range trailing {
		sum += v
	}
	avg := sum / float64(len(trailing))
	if avg == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}

// gapPct is the last bar's open relative to the prior close
func gapPct(bars []broker.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	prevClose := bars[len(bars)-2].Close
	if prevClose == 0 {
		return 0
	}
	return (bars[len(bars)-1].Open - prevClose) / prevClose
}

// realizedVol is the stdev of simple bar-to-bar returns
func realizedVol(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

func pctChange(closes []float64, lag int) float64 {
	if len(closes) <= lag {
		return 0
	}
	prev := closes[len(closes)-1-lag]
	if prev == 0 {
		return 0
	}
	return closes[len(closes)-1]/prev - 1
}

func lastOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scale := math.Pow10(roundDigits)
	return math.Round(v*scale) / scale
}
