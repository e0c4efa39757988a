package trade

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradebridge/internal/eventlog"
	"tradebridge/internal/projection"
	"tradebridge/internal/store"
	"tradebridge/internal/weights"
)

// ClosedTrade describes a finished trade to attribute back to the
// evaluation that produced it
type ClosedTrade struct {
	EvaluationID string
	Symbol       string
	Direction    string // long or short
	Entry        decimal.Decimal
	Exit         decimal.Decimal
	Stop         decimal.Decimal
	PnL          decimal.Decimal
}

type evaluationSource interface {
	Evaluation(ctx context.Context, id string) (store.EvaluationRow, error)
	ModelVotes(ctx context.Context, evaluationID string) ([]store.ModelVote, error)
	SaveOutcome(ctx context.Context, o eventlog.OutcomeRecorded) error
}

type sessionSink interface {
	RecordOutcome(ctx context.Context, pnl decimal.Decimal)
}

// OutcomeRecorder closes the calibration loop: it turns a finished trade
// into an R-multiple, logs the outcome, feeds the risk session's loss
// tracking, and attributes the result to the models that voted on it.
type OutcomeRecorder struct {
	events   appender
	source   evaluationSource
	risk     sessionSink
	outcomes chan<- weights.Outcome
	logger   zerolog.Logger
}

// NewOutcomeRecorder wires the outcome path. outcomes may be nil when the
// weight updater is disabled.
func NewOutcomeRecorder(events appender, source evaluationSource, risk sessionSink, outcomes chan<- weights.Outcome) *OutcomeRecorder {
	return &OutcomeRecorder{
		events:   events,
		source:   source,
		risk:     risk,
		outcomes: outcomes,
		logger:   log.With().Str("component", "outcome").Logger(),
	}
}

// Record processes one closed trade end to end
func (r *OutcomeRecorder) Record(ctx context.Context, trade ClosedTrade) (eventlog.OutcomeRecorded, error) {
	if trade.Direction != "long" && trade.Direction != "short" {
		return eventlog.OutcomeRecorded{}, fmt.Errorf("direction must be long or short, got %q", trade.Direction)
	}

	rMultiple := projection.RMultiple(trade.Entry, trade.Exit, trade.Stop, trade.Direction == "short")
	outcome := eventlog.OutcomeRecorded{
		EvaluationID: trade.EvaluationID,
		Symbol:       trade.Symbol,
		Direction:    trade.Direction,
		RMultiple:    rMultiple,
		Win:          rMultiple > 0,
	}

	if _, err := r.events.Append(ctx, outcome); err != nil {
		return eventlog.OutcomeRecorded{}, fmt.Errorf("append outcome: %w", err)
	}
	if err := r.source.SaveOutcome(ctx, outcome); err != nil {
		return eventlog.OutcomeRecorded{}, fmt.Errorf("persist outcome: %w", err)
	}

	if r.risk != nil {
		r.risk.RecordOutcome(ctx, trade.PnL)
	}

	if r.outcomes != nil && trade.EvaluationID != "" {
		if err := r.attribute(ctx, trade, rMultiple); err != nil {
			// Attribution is best effort; the outcome itself is recorded.
			r.logger.Warn().Err(err).Str("evaluation_id", trade.EvaluationID).Msg("Outcome attribution failed")
		}
	}

	r.logger.Info().
		Str("symbol", trade.Symbol).
		Str("evaluation_id", trade.EvaluationID).
		Float64("r_multiple", rMultiple).
		Bool("win", outcome.Win).
		Msg("Trade outcome recorded")
	return outcome, nil
}

// attribute builds the per-model agreement map and pushes it to the
// weight updater. A model "agreed" when it voted to trade the direction
// that was taken; abstainers and non-compliant models do not vote.
func (r *OutcomeRecorder) attribute(ctx context.Context, trade ClosedTrade, rMultiple float64) error {
	row, err := r.source.Evaluation(ctx, trade.EvaluationID)
	if err != nil {
		return err
	}
	votes, err := r.source.ModelVotes(ctx, trade.EvaluationID)
	if err != nil {
		return err
	}

	agreement := make(map[string]bool, len(votes))
	for _, v := range votes {
		if v.FailReason != "" || v.ShouldTrade == nil {
			continue
		}
		agreement[v.Model] = *v.ShouldTrade
	}
	if len(agreement) == 0 {
		return nil
	}

	select {
	case r.outcomes <- weights.Outcome{
		Regime:    row.Regime,
		RMultiple: rMultiple,
		Agreement: agreement,
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
