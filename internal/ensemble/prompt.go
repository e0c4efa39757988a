package ensemble

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"tradebridge/internal/features"
)

const systemPrompt = `You are an intraday equity trade evaluator. Given a ` +
	`feature snapshot, respond with ONLY a JSON object: {"score": <0-100>, ` +
	`"should_trade": <true|false>, "confidence": <0-1>, "reasoning": "<one ` +
	`or two sentences>"}. Score reflects setup quality for the stated ` +
	`direction. No markdown, no prose outside the JSON.`

// BuildPrompt renders the feature vector into a deterministic user prompt.
// Feature keys are emitted in sorted order so identical vectors always
// produce identical prompts (and identical hashes).
func BuildPrompt(symbol, direction string, vec features.Vector) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate a %s entry in %s.\n", direction, symbol)
	fmt.Fprintf(&b, "Bar time: %s\n", vec.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "Volatility regime: %s\n", vec.Regime)
	b.WriteString("Features:\n")
	for _, key := range vec.Keys() {
		fmt.Fprintf(&b, "  %s: %.6f\n", key, vec.Values[key])
	}
	return b.String()
}

// PromptHash is the stable hash recorded with each evaluation for prompt
// drift detection. It covers the system prompt too: editing either text
// changes the hash.
func PromptHash(userPrompt string) string {
	sum := sha256.Sum256([]byte(systemPrompt + "\n" + userPrompt))
	return hex.EncodeToString(sum[:])
}
