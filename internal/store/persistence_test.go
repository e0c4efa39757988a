package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/ensemble"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/ops"
	"tradebridge/internal/projection"
	"tradebridge/internal/signals"
	"tradebridge/internal/weights"
)

func testStore(t *testing.T) (*Store, *sqlx.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func TestSaveOrderUpsert(t *testing.T) {
	s, db := testStore(t)
	order := projection.OrderState{
		OrderID:     "o-1",
		Symbol:      "AAPL",
		Side:        eventlog.SideBuy,
		OriginalQty: decimal.NewFromInt(100),
		FilledQty:   decimal.Zero,
		AvgPrice:    decimal.Zero,
		Status:      eventlog.StatusSubmitted,
		LastUpdated: time.Now(),
	}
	require.NoError(t, s.SaveOrder(context.Background(), order))

	order.FilledQty = decimal.NewFromInt(100)
	order.Status = eventlog.StatusFilled
	require.NoError(t, s.SaveOrder(context.Background(), order))

	var status string
	require.NoError(t, db.Get(&status, `SELECT status FROM orders WHERE order_id = 'o-1'`))
	assert.Equal(t, "FILLED", status)

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM orders`))
	assert.Equal(t, 1, count)
}

func TestSaveEvaluationAtomic(t *testing.T) {
	s, db := testStore(t)
	yes := true
	result := ensemble.Result{
		EvaluationID: "ev-1",
		Symbol:       "AAPL",
		Direction:    "long",
		Score:        52.9,
		Confidence:   0.7,
		ShouldTrade:  true,
		Dispersion:   8.16,
		Regime:       "normal",
		PromptHash:   "abc123",
		CreatedAt:    time.Now().UTC(),
		Outputs: []ensemble.ModelOutput{
			{Model: "claude", Score: 80, ShouldTrade: &yes, Confidence: 0.9},
			{Model: "gpt4o", Score: 60, ShouldTrade: &yes, Confidence: 0.7},
			{Model: "gemini", FailReason: ensemble.FailTimeout},
		},
	}
	require.NoError(t, s.SaveEvaluation(context.Background(), result))

	row, err := s.Evaluation(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.InDelta(t, 52.9, row.Score, 0.001)
	assert.True(t, row.ShouldTrade)

	var outputs int
	require.NoError(t, db.Get(&outputs, `SELECT COUNT(*) FROM model_outputs WHERE evaluation_id = 'ev-1'`))
	assert.Equal(t, 3, outputs)

	// Duplicate id rolls back entirely: still 3 model outputs.
	err = s.SaveEvaluation(context.Background(), result)
	require.Error(t, err)
	require.NoError(t, db.Get(&outputs, `SELECT COUNT(*) FROM model_outputs WHERE evaluation_id = 'ev-1'`))
	assert.Equal(t, 3, outputs)

	recent, err := s.RecentEvaluations(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestExitPlanRoundTrip(t *testing.T) {
	s, db := testStore(t)
	plan := exitplan.Plan{
		ID:        "p-1",
		Symbol:    "TSLA",
		Direction: "long",
		Entry:     decimal.NewFromInt(200),
		HardStop:  decimal.NewFromInt(195),
		State:     exitplan.StateActive,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SaveExitPlan(context.Background(), plan))
	require.NoError(t, s.SaveExitEvent(context.Background(), "p-1", exitplan.Override{
		Field: "state", Old: "draft", New: "active",
		Reason: exitplan.ReasonManualOverride, Timestamp: time.Now(),
	}))

	plan.State = exitplan.StateProtecting
	require.NoError(t, s.SaveExitPlan(context.Background(), plan))

	var state string
	require.NoError(t, db.Get(&state, `SELECT state FROM exit_plans WHERE plan_id = 'p-1'`))
	assert.Equal(t, "protecting", state)

	var events int
	require.NoError(t, db.Get(&events, `SELECT COUNT(*) FROM exit_events WHERE plan_id = 'p-1'`))
	assert.Equal(t, 1, events)
}

func TestJournal(t *testing.T) {
	s, _ := testStore(t)

	entry, err := s.SaveJournalEntry(context.Background(), JournalEntry{
		Symbol: "AAPL", EntryType: "post_trade", Body: "chased the open, sized down next time", Tags: "discipline",
	})
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)

	entries, err := s.JournalEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "post_trade", entries[0].EntryType)
}

func TestRiskConfigRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	type doc struct {
		RiskPct float64 `json:"risk_pct"`
	}
	require.NoError(t, s.SaveRiskConfig(context.Background(), "default", doc{RiskPct: 0.01}))

	var out doc
	require.NoError(t, s.LoadRiskConfig(context.Background(), "default", &out))
	assert.Equal(t, 0.01, out.RiskPct)
}

func TestSignalAndWeightsAndOutcome(t *testing.T) {
	s, db := testStore(t)

	require.NoError(t, s.SaveSignal(context.Background(), signals.Signal{
		ID: "sig-1", Source: "scanner", Symbol: "AAPL", Direction: "long", ReceivedAt: time.Now(),
	}))
	require.NoError(t, s.RecordWeights(context.Background(), weights.Document{
		Claude: 0.4, GPT4o: 0.4, Gemini: 0.2, K: 1.5, Source: "manual", UpdatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveOutcome(context.Background(), eventlog.OutcomeRecorded{
		EvaluationID: "ev-1", Symbol: "AAPL", Direction: "long", RMultiple: 2.1, Win: true,
	}))

	for table, want := range map[string]int{"signals": 1, "weight_history": 1, "outcomes": 1} {
		var count int
		require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM `+table))
		assert.Equal(t, want, count, table)
	}
}

func TestOpsRepo(t *testing.T) {
	s, _ := testStore(t)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveSample(context.Background(), ops.Sample{
			Time: base.Add(time.Duration(i) * 30 * time.Second),
			Bridge: true, Broker: i != 2, Tunnel: true, EndToEnd: i != 2,
		}))
	}

	samples, err := s.SamplesSince(context.Background(), base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.False(t, samples[1].EndToEnd)

	require.NoError(t, s.SaveOutage(context.Background(), ops.Outage{
		Start: base, End: base.Add(135 * time.Second), DurationS: 135, Components: "broker",
	}))
	outages, err := s.OutagesSince(context.Background(), base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, outages, 1)
	assert.Equal(t, int64(135), outages[0].DurationS)

	require.NoError(t, s.PruneSamplesBefore(context.Background(), base.Add(60*time.Second)))
	samples, err = s.SamplesSince(context.Background(), base)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}
