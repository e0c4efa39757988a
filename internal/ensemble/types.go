// Package ensemble runs a trade candidate past three LLM providers in
// parallel and folds their scores into a single weighted decision.
package ensemble

import (
	"time"

	"tradebridge/internal/features"
)

// Compliance failure reasons. A non-compliant model output carries one of
// these and contributes zero weight to aggregation.
const (
	FailTimeout    = "timeout"
	FailParse      = "parse_error"
	FailSchema     = "schema_error"
	FailAPI        = "api_error"
	FailMissingKey = "missing_key"
)

// ModelOutput is one provider's parsed response. Compliant outputs have
// FailReason == "" and a validated score/confidence; ShouldTrade stays nil
// when the model declined to answer the question.
type ModelOutput struct {
	Model       string  `json:"model"`
	Score       float64 `json:"score"`        // [0,100]
	ShouldTrade *bool   `json:"should_trade"` // nil = abstain
	Confidence  float64 `json:"confidence"`   // [0,1]
	Reasoning   string  `json:"reasoning"`
	FailReason  string  `json:"fail_reason,omitempty"`
	LatencyMS   int64   `json:"latency_ms"`
}

// Compliant reports whether this output participates in aggregation
func (o ModelOutput) Compliant() bool {
	return o.FailReason == ""
}

// Result is the aggregated evaluation persisted per trade candidate
type Result struct {
	EvaluationID string          `json:"evaluation_id"`
	Symbol       string          `json:"symbol"`
	Direction    string          `json:"direction"` // "long" or "short"
	Features     features.Vector `json:"features"`
	Outputs      []ModelOutput   `json:"outputs"`
	Score        float64         `json:"ensemble_score"`
	Confidence   float64         `json:"ensemble_confidence"`
	ShouldTrade  bool            `json:"ensemble_should_trade"`
	Dispersion   float64         `json:"dispersion"`
	Regime       string          `json:"regime"`
	PromptHash   string          `json:"prompt_hash"`
	Blocked      bool            `json:"blocked"` // prefilter veto
	BlockReason  string          `json:"block_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
