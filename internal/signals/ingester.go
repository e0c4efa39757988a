// Package signals ingests external alert streams (scanner hits, webhook
// alerts, analyst feeds) into the event log, with a sliding dedup window
// and an optional auto-evaluation hook into the ensemble.
package signals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/config"
	"tradebridge/internal/eventlog"
)

// ErrDuplicate marks a signal suppressed by the dedup window
var ErrDuplicate = errors.New("duplicate signal inside dedup window")

// Signal is one normalized external alert
type Signal struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Symbol     string            `json:"symbol"`
	Direction  string            `json:"direction"` // "long" or "short"
	Price      float64           `json:"price,omitempty"`
	Note       string            `json:"note,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Persister stores accepted signals
type Persister interface {
	SaveSignal(ctx context.Context, sig Signal) error
}

// Evaluator triggers an ensemble evaluation for an accepted signal
type Evaluator interface {
	EvaluateSignal(ctx context.Context, sig Signal)
}

type appender interface {
	Append(ctx context.Context, payload interface{}) (eventlog.Event, error)
}

// Ingester accepts alerts, suppresses duplicates, appends SignalReceived
// events, and optionally kicks off auto-evaluation
type Ingester struct {
	window    time.Duration
	autoEval  bool
	events    appender
	persister Persister
	evaluator Evaluator
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // dedup key -> last accepted
}

// NewIngester creates a signal ingester. persister and evaluator may be
// nil; auto-evaluation needs both the config flag and an evaluator.
func NewIngester(cfg config.SignalsConfig, events appender, persister Persister, evaluator Evaluator) *Ingester {
	window := time.Duration(cfg.DedupWindowSec) * time.Second
	if window == 0 {
		window = 5 * time.Minute
	}
	return &Ingester{
		window:    window,
		autoEval:  cfg.AutoEvaluate,
		events:    events,
		persister: persister,
		evaluator: evaluator,
		logger:    log.With().Str("component", "signals").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the dedup clock (tests)
func (i *Ingester) SetClock(now func() time.Time) { i.now = now }

// dedupKey collapses repeats of the same call on the same symbol
func dedupKey(sig Signal) string {
	return strings.ToUpper(sig.Symbol) + "|" + strings.ToLower(sig.Direction) + "|" + sig.Source
}

// Ingest accepts one alert. Duplicates inside the window return
// ErrDuplicate; accepted signals get an id, an event-log row, and
// (optionally) an async evaluation.
func (i *Ingester) Ingest(ctx context.Context, sig Signal) (Signal, error) {
	if sig.Symbol == "" {
		return Signal{}, fmt.Errorf("signal missing symbol")
	}
	if sig.Direction != "long" && sig.Direction != "short" {
		return Signal{}, fmt.Errorf("signal direction must be long or short, got %q", sig.Direction)
	}

	now := i.now()
	key := dedupKey(sig)

	i.mu.Lock()
	if last, ok := i.seen[key]; ok && now.Sub(last) < i.window {
		i.mu.Unlock()
		i.logger.Debug().
			Str("symbol", sig.Symbol).
			Str("source", sig.Source).
			Msg("Duplicate signal suppressed")
		return Signal{}, ErrDuplicate
	}
	if i.seen == nil {
		i.seen = make(map[string]time.Time)
	}
	i.seen[key] = now
	i.gcLocked(now)
	i.mu.Unlock()

	sig.ID = uuid.New().String()
	sig.ReceivedAt = now.UTC()
	sig.Symbol = strings.ToUpper(sig.Symbol)

	if _, err := i.events.Append(ctx, eventlog.SignalReceived{
		SignalID:  sig.ID,
		Source:    sig.Source,
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
	}); err != nil {
		return Signal{}, fmt.Errorf("failed to append signal event: %w", err)
	}
	if i.persister != nil {
		if err := i.persister.SaveSignal(ctx, sig); err != nil {
			i.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist signal")
		}
	}

	i.logger.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("direction", sig.Direction).
		Str("source", sig.Source).
		Msg("Signal ingested")

	if i.autoEval && i.evaluator != nil {
		i.evaluator.EvaluateSignal(ctx, sig)
	}
	return sig, nil
}

// gcLocked drops dedup entries older than the window. Called with mu held.
func (i *Ingester) gcLocked(now time.Time) {
	for key, last := range i.seen {
		if now.Sub(last) >= i.window {
			delete(i.seen, key)
		}
	}
}
