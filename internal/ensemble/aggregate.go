package ensemble

import (
	"math"
	"sort"

	"tradebridge/internal/weights"
)

// DispersionStdev and DispersionRange select how model disagreement is
// measured. Stdev is the default; range (max - min) is more punitive with
// a single outlier.
const (
	DispersionStdev = "stdev"
	DispersionRange = "range"
)

// Aggregate folds per-model outputs into the ensemble score:
//
//	weighted_mean = Σ(W_i × S_i) / Σ(W_i over compliant models)
//	ensemble      = weighted_mean × (1 − k × dispersion/50), clamped [0,100]
//
// Non-compliant outputs contribute nothing. With zero compliant models the
// score is 0 and should_trade is false.
func Aggregate(outputs []ModelOutput, vec weights.Vector, k float64, dispersionMode string, threshold float64) (score, confidence, dispersion float64, shouldTrade bool) {
	var weightSum, scoreSum, confSum float64
	var compliant []ModelOutput
	for _, out := range outputs {
		if !out.Compliant() {
			continue
		}
		w := vec[out.Model]
		compliant = append(compliant, out)
		weightSum += w
		scoreSum += w * out.Score
		confSum += w * out.Confidence
	}
	if len(compliant) == 0 || weightSum == 0 {
		return 0, 0, 0, false
	}

	weightedMean := scoreSum / weightSum
	confidence = confSum / weightSum
	dispersion = computeDispersion(compliant, dispersionMode)

	score = weightedMean * (1 - k*dispersion/50)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	shouldTrade = score >= threshold && majorityAgrees(compliant)
	return score, confidence, dispersion, shouldTrade
}

func computeDispersion(outputs []ModelOutput, mode string) float64 {
	if len(outputs) < 2 {
		return 0
	}
	if mode == DispersionRange {
		scores := make([]float64, len(outputs))
		for i, out := range outputs {
			scores[i] = out.Score
		}
		sort.Float64s(scores)
		return scores[len(scores)-1] - scores[0]
	}

	// Population stdev over compliant scores.
	var mean float64
	for _, out := range outputs {
		mean += out.Score
	}
	mean /= float64(len(outputs))
	var variance float64
	for _, out := range outputs {
		variance += (out.Score - mean) * (out.Score - mean)
	}
	variance /= float64(len(outputs))
	return math.Sqrt(variance)
}

// majorityAgrees is true when more compliant models voted should_trade
// than voted against it. Abstentions (nil) count for neither side; a tie
// resolves to false.
func majorityAgrees(outputs []ModelOutput) bool {
	var yes, no int
	for _, out := range outputs {
		if out.ShouldTrade == nil {
			continue
		}
		if *out.ShouldTrade {
			yes++
		} else {
			no++
		}
	}
	return yes > no
}
