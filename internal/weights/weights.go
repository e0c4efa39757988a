// Package weights manages the ensemble model weights: a small file-backed
// JSON document with hot reload, plus the per-regime Dirichlet updater that
// drifts weight toward empirically successful models.
package weights

import (
	"fmt"
	"math"
	"time"
)

// Model names in the weight vector. Adding a provider is a registry entry
// plus a new key here; existing documents default the new key to 0.
const (
	ModelClaude = "claude"
	ModelGPT4o  = "gpt4o"
	ModelGemini = "gemini"
)

// ModelNames lists the ensemble members in canonical order
var ModelNames = []string{ModelClaude, ModelGPT4o, ModelGemini}

// sumTolerance is how far from 1.0 the model weight sum may drift
const sumTolerance = 0.01

// Vector is one set of per-model weights
type Vector map[string]float64

// Document is the persisted weights file
type Document struct {
	Claude          float64           `json:"claude"`
	GPT4o           float64           `json:"gpt4o"`
	Gemini          float64           `json:"gemini"`
	K               float64           `json:"k"` // disagreement penalty
	RegimeOverrides map[string]Vector `json:"regime_overrides,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	SampleSize      int               `json:"sample_size"`
	Source          string            `json:"source"` // "manual", "dirichlet", "default"
}

// Default returns the uniform starting document
func Default() Document {
	third := 1.0 / 3.0
	return Document{
		Claude:    third,
		GPT4o:     third,
		Gemini:    third,
		K:         1.0,
		UpdatedAt: time.Now().UTC(),
		Source:    "default",
	}
}

// Base returns the document's base weight vector
func (d Document) Base() Vector {
	return Vector{
		ModelClaude: d.Claude,
		ModelGPT4o:  d.GPT4o,
		ModelGemini: d.Gemini,
	}
}

// ForRegime returns the weight vector for a volatility regime, falling back
// to the base vector when no override exists
func (d Document) ForRegime(regime string) Vector {
	if override, ok := d.RegimeOverrides[regime]; ok {
		return override
	}
	return d.Base()
}

// Validate checks that every weight vector sums to 1 within tolerance and
// that k is non-negative
func (d Document) Validate() error {
	if err := validateVector("base", d.Base()); err != nil {
		return err
	}
	for regime, vec := range d.RegimeOverrides {
		if err := validateVector(regime, vec); err != nil {
			return err
		}
	}
	if d.K < 0 {
		return fmt.Errorf("weights: k must be non-negative, got %v", d.K)
	}
	return nil
}

func validateVector(name string, vec Vector) error {
	var sum float64
	for model, w := range vec {
		if w < 0 || w > 1 {
			return fmt.Errorf("weights: %s weight for %s out of [0,1]: %v", name, model, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > sumTolerance {
		return fmt.Errorf("weights: %s vector sums to %.4f, want 1.00 +/- %.2f", name, sum, sumTolerance)
	}
	return nil
}
