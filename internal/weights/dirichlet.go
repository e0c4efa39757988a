package weights

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dirichlet updater constants. Pseudo-counts decay each update so recent
// outcomes dominate; the floor keeps every model from being starved out.
const (
	dirichletDecay  = 0.99
	dirichletFloor  = 0.1
	maxRewardR      = 5.0 // reward clamp in R-multiples
	minSampleToSave = 10  // updates before the posterior replaces base weights
)

// Outcome is one closed trade attributed to the models that scored it
type Outcome struct {
	Regime    string
	RMultiple float64
	// Agreement marks, per model, whether its call matched the trade
	// direction that was taken.
	Agreement map[string]bool
}

// Updater maintains per-regime Dirichlet pseudo-counts over the ensemble
// models and periodically writes the posterior means back to the store
type Updater struct {
	store  *Store
	logger zerolog.Logger

	counts  map[string]map[string]float64 // regime -> model -> alpha
	samples map[string]int
}

// NewUpdater creates a Dirichlet weight updater backed by the store
func NewUpdater(store *Store) *Updater {
	return &Updater{
		store:   store,
		logger:  log.With().Str("component", "weight_updater").Logger(),
		counts:  make(map[string]map[string]float64),
		samples: make(map[string]int),
	}
}

// Observe folds one trade outcome into the pseudo-counts. Models that
// agreed with a winning trade (or disagreed with a losing one) gain count;
// everyone decays first so stale evidence fades.
func (u *Updater) Observe(outcome Outcome) {
	regime := outcome.Regime
	if regime == "" {
		regime = "normal"
	}
	alphas, ok := u.counts[regime]
	if !ok {
		alphas = make(map[string]float64, len(ModelNames))
		for _, name := range ModelNames {
			alphas[name] = 1.0 // uniform prior
		}
		u.counts[regime] = alphas
	}

	reward := math.Min(math.Abs(outcome.RMultiple), maxRewardR)
	won := outcome.RMultiple > 0

	for _, name := range ModelNames {
		alphas[name] *= dirichletDecay
		// Credit models whose call matched the realized outcome.
		if agreed, voted := outcome.Agreement[name]; voted && agreed == won {
			alphas[name] += reward
		}
		// The floor applies to every model, voted or not; otherwise a
		// model absent from the votes decays to zero.
		if alphas[name] < dirichletFloor {
			alphas[name] = dirichletFloor
		}
	}
	u.samples[regime]++
}

// Posterior returns the normalized pseudo-counts for a regime
func (u *Updater) Posterior(regime string) (Vector, int) {
	alphas, ok := u.counts[regime]
	if !ok {
		return nil, 0
	}
	var total float64
	for _, a := range alphas {
		total += a
	}
	vec := make(Vector, len(alphas))
	for name, a := range alphas {
		vec[name] = a / total
	}
	return vec, u.samples[regime]
}

// Flush writes the accumulated posteriors into the weight document as
// regime overrides. Regimes with too few samples are left alone.
func (u *Updater) Flush(ctx context.Context) error {
	doc := u.store.Current()
	changed := false
	for regime := range u.counts {
		vec, n := u.Posterior(regime)
		if n < minSampleToSave {
			continue
		}
		if doc.RegimeOverrides == nil {
			doc.RegimeOverrides = make(map[string]Vector)
		}
		doc.RegimeOverrides[regime] = vec
		doc.SampleSize = n
		changed = true
		u.logger.Debug().
			Str("regime", regime).
			Int("samples", n).
			Msg("Posterior weights flushed")
	}
	if !changed {
		return nil
	}
	doc.Source = "dirichlet"
	if err := u.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to save updated weights: %w", err)
	}
	return nil
}

// Run flushes the posterior on an interval until the context is cancelled
func (u *Updater) Run(ctx context.Context, interval time.Duration, outcomes <-chan Outcome) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			u.Observe(outcome)
		case <-ticker.C:
			if err := u.Flush(ctx); err != nil {
				u.logger.Error().Err(err).Msg("Failed to flush weights")
			}
		}
	}
}
