package ensemble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tradebridge/internal/config"
	"tradebridge/internal/features"
	"tradebridge/internal/weights"
)

// Persister stores a completed evaluation with all per-model outputs in
// one transaction
type Persister interface {
	SaveEvaluation(ctx context.Context, result Result) error
}

// Prefilter can veto an evaluation before any provider is called. A
// blocked evaluation still runs the models for observability but its
// should_trade is forced false.
type Prefilter interface {
	CheckEvaluation(symbol, direction string) (blocked bool, reason string)
}

// Evaluator fans a prompt out to the providers and aggregates the replies
type Evaluator struct {
	providers  []Provider
	weights    *weights.Store
	persister  Persister
	prefilter  Prefilter
	timeout    time.Duration
	threshold  float64
	dispersion string
	logger     zerolog.Logger
}

// NewEvaluator wires the ensemble. persister and prefilter may be nil.
func NewEvaluator(providers []Provider, store *weights.Store, persister Persister, prefilter Prefilter, cfg config.EnsembleConfig, llm config.LLMConfig) *Evaluator {
	timeout := time.Duration(llm.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dispersion := cfg.Dispersion
	if dispersion != DispersionRange {
		dispersion = DispersionStdev
	}
	return &Evaluator{
		providers:  providers,
		weights:    store,
		persister:  persister,
		prefilter:  prefilter,
		timeout:    timeout,
		threshold:  cfg.Threshold,
		dispersion: dispersion,
		logger:     log.With().Str("component", "ensemble").Logger(),
	}
}

// Evaluate runs the full pipeline for one trade candidate. Provider
// failures degrade the ensemble rather than failing it; the only hard
// error is persistence.
func (e *Evaluator) Evaluate(ctx context.Context, symbol, direction string, vec features.Vector) (Result, error) {
	userPrompt := BuildPrompt(symbol, direction, vec)
	result := Result{
		EvaluationID: uuid.New().String(),
		Symbol:       symbol,
		Direction:    direction,
		Features:     vec,
		Regime:       vec.Regime,
		PromptHash:   PromptHash(userPrompt),
		CreatedAt:    time.Now().UTC(),
	}

	if e.prefilter != nil {
		if blocked, reason := e.prefilter.CheckEvaluation(symbol, direction); blocked {
			result.Blocked = true
			result.BlockReason = reason
		}
	}

	result.Outputs = e.fanOut(ctx, userPrompt)

	doc := e.weights.Current()
	vecWeights := doc.ForRegime(vec.Regime)
	result.Score, result.Confidence, result.Dispersion, result.ShouldTrade =
		Aggregate(result.Outputs, vecWeights, doc.K, e.dispersion, e.threshold)
	if result.Blocked {
		result.ShouldTrade = false
	}

	e.logger.Info().
		Str("evaluation_id", result.EvaluationID).
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("score", result.Score).
		Float64("dispersion", result.Dispersion).
		Bool("should_trade", result.ShouldTrade).
		Msg("Ensemble evaluation completed")

	if e.persister != nil {
		if err := e.persister.SaveEvaluation(ctx, result); err != nil {
			return Result{}, err
		}
	}
	return result, nil
}

// fanOut queries every provider in parallel with a per-provider deadline.
// Each slot is filled exactly once, compliant or not; order matches the
// provider list so aggregation is deterministic.
func (e *Evaluator) fanOut(ctx context.Context, userPrompt string) []ModelOutput {
	outputs := make([]ModelOutput, len(e.providers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range e.providers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, e.timeout)
			defer cancel()

			output, err := provider.Evaluate(pctx, systemPrompt, userPrompt)
			if err != nil {
				output.FailReason = failReason(err)
				e.logger.Warn().
					Err(err).
					Str("provider", provider.Name()).
					Str("fail_reason", output.FailReason).
					Msg("Provider evaluation failed")
			}
			output.Model = provider.Name()

			mu.Lock()
			outputs[i] = output
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return outputs
}

// failReason maps a provider error to its compliance reason
func failReason(err error) string {
	var schemaErr schemaError
	var parseErr parseError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.Is(err, errMissingKey):
		return FailMissingKey
	case errors.As(err, &schemaErr):
		return FailSchema
	case errors.As(err, &parseErr):
		return FailParse
	default:
		return FailAPI
	}
}
