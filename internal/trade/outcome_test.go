package trade

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/eventlog"
	"tradebridge/internal/store"
	"tradebridge/internal/weights"
)

type fakeEvalSource struct {
	row      store.EvaluationRow
	votes    []store.ModelVote
	outcomes []eventlog.OutcomeRecorded
}

func (f *fakeEvalSource) Evaluation(ctx context.Context, id string) (store.EvaluationRow, error) {
	return f.row, nil
}

func (f *fakeEvalSource) ModelVotes(ctx context.Context, id string) ([]store.ModelVote, error) {
	return f.votes, nil
}

func (f *fakeEvalSource) SaveOutcome(ctx context.Context, o eventlog.OutcomeRecorded) error {
	f.outcomes = append(f.outcomes, o)
	return nil
}

type fakeRiskSink struct {
	pnls []decimal.Decimal
}

func (f *fakeRiskSink) RecordOutcome(ctx context.Context, pnl decimal.Decimal) {
	f.pnls = append(f.pnls, pnl)
}

func boolPtr(b bool) *bool { return &b }

func TestRecordOutcomeLongWin(t *testing.T) {
	events := &memoryLog{}
	source := &fakeEvalSource{
		row: store.EvaluationRow{EvaluationID: "ev-1", Regime: "trending"},
		votes: []store.ModelVote{
			{Model: "claude", ShouldTrade: boolPtr(true)},
			{Model: "gpt4o", ShouldTrade: boolPtr(false)},
			{Model: "gemini", FailReason: "timeout"},
		},
	}
	sink := &fakeRiskSink{}
	outcomes := make(chan weights.Outcome, 1)
	rec := NewOutcomeRecorder(events, source, sink, outcomes)

	// Long 150 -> 154 with stop 148: 2 R of risk buffer, +2R result.
	out, err := rec.Record(context.Background(), ClosedTrade{
		EvaluationID: "ev-1",
		Symbol:       "AAPL",
		Direction:    "long",
		Entry:        decimal.NewFromInt(150),
		Exit:         decimal.NewFromInt(154),
		Stop:         decimal.NewFromInt(148),
		PnL:          decimal.NewFromInt(400),
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out.RMultiple, 0.0001)
	assert.True(t, out.Win)

	require.Len(t, source.outcomes, 1)
	require.Len(t, sink.pnls, 1)
	assert.True(t, sink.pnls[0].Equal(decimal.NewFromInt(400)))

	appended := events.ofType(func(e interface{}) bool {
		_, ok := e.(eventlog.OutcomeRecorded)
		return ok
	})
	assert.Len(t, appended, 1)

	attributed := <-outcomes
	assert.Equal(t, "trending", attributed.Regime)
	assert.InDelta(t, 2.0, attributed.RMultiple, 0.0001)
	// The failed model does not vote; the two compliant calls do.
	assert.Equal(t, map[string]bool{"claude": true, "gpt4o": false}, attributed.Agreement)
}

func TestRecordOutcomeShortLoss(t *testing.T) {
	events := &memoryLog{}
	source := &fakeEvalSource{}
	rec := NewOutcomeRecorder(events, source, nil, nil)

	// Short 100 stopped out at 102 with stop 103: -2/3 R.
	out, err := rec.Record(context.Background(), ClosedTrade{
		Symbol:    "NVDA",
		Direction: "short",
		Entry:     decimal.NewFromInt(100),
		Exit:      decimal.NewFromInt(102),
		Stop:      decimal.NewFromInt(103),
		PnL:       decimal.NewFromInt(-160),
	})
	require.NoError(t, err)
	assert.InDelta(t, -2.0/3.0, out.RMultiple, 0.0001)
	assert.False(t, out.Win)
}

func TestRecordOutcomeBadDirection(t *testing.T) {
	rec := NewOutcomeRecorder(&memoryLog{}, &fakeEvalSource{}, nil, nil)
	_, err := rec.Record(context.Background(), ClosedTrade{Direction: "sideways"})
	assert.Error(t, err)
}

func TestRecordOutcomeAllVotesAbstained(t *testing.T) {
	events := &memoryLog{}
	source := &fakeEvalSource{
		votes: []store.ModelVote{{Model: "claude"}, {Model: "gpt4o", FailReason: "api_error"}},
	}
	outcomes := make(chan weights.Outcome, 1)
	rec := NewOutcomeRecorder(events, source, nil, outcomes)

	_, err := rec.Record(context.Background(), ClosedTrade{
		EvaluationID: "ev-2",
		Symbol:       "AAPL",
		Direction:    "long",
		Entry:        decimal.NewFromInt(150),
		Exit:         decimal.NewFromInt(151),
		Stop:         decimal.NewFromInt(149),
	})
	require.NoError(t, err)

	// No compliant votes: nothing flows to the weight updater.
	select {
	case o := <-outcomes:
		t.Fatalf("unexpected attribution: %+v", o)
	default:
	}
}
