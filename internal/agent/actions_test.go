package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/ensemble"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/features"
	"tradebridge/internal/ops"
	"tradebridge/internal/projection"
	"tradebridge/internal/risk"
	"tradebridge/internal/signals"
	"tradebridge/internal/store"
	"tradebridge/internal/trade"
	"tradebridge/internal/weights"
)

type fakeOrders struct {
	placed    []trade.OrderRequest
	veto      *trade.VetoError
	cancelled []string
	closed    []projection.PositionState
}

func (f *fakeOrders) Place(ctx context.Context, req trade.OrderRequest) (string, error) {
	if f.veto != nil {
		return "", f.veto
	}
	f.placed = append(f.placed, req)
	return "order-1", nil
}

func (f *fakeOrders) PlaceBracket(ctx context.Context, req trade.BracketRequest) (trade.Bracket, error) {
	if f.veto != nil {
		return trade.Bracket{}, f.veto
	}
	return trade.Bracket{ParentID: "order-1", TakeProfitID: "order-2", StopLossID: "order-3", OCAGroup: "oca-order-1"}, nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrders) ClosePosition(ctx context.Context, pos projection.PositionState) error {
	f.closed = append(f.closed, pos)
	return nil
}

type fakeMarketData struct {
	subs []broker.Subscription
	bars map[string][]broker.Bar
	full bool
}

func (f *fakeMarketData) Subscribe(ctx context.Context, kind broker.Kind, payload broker.SubscribePayload) (string, error) {
	if f.full {
		return "", broker.ErrTooManySubscriptions
	}
	id := "s-" + payload.Symbol
	f.subs = append(f.subs, broker.Subscription{ID: id, Kind: kind, Payload: payload})
	return id, nil
}

func (f *fakeMarketData) Unsubscribe(ctx context.Context, id string) error {
	for i, sub := range f.subs {
		if sub.ID == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return nil
		}
	}
	return broker.ErrUnknownSubscription
}

func (f *fakeMarketData) Buffer(id string, n int) ([]broker.Bar, error) {
	for _, sub := range f.subs {
		if sub.ID == id {
			return f.bars[sub.Payload.Symbol], nil
		}
	}
	return nil, broker.ErrUnknownSubscription
}

func (f *fakeMarketData) RecentBars(symbol string, n int) []broker.Bar {
	return f.bars[symbol]
}

func (f *fakeMarketData) List() []broker.Subscription { return f.subs }

type fakeEval struct{}

func (fakeEval) Evaluate(ctx context.Context, symbol, direction string, vec features.Vector) (ensemble.Result, error) {
	return ensemble.Result{EvaluationID: "ev-1", Symbol: symbol, Direction: direction, Score: 52.9}, nil
}

type fakeFeatures struct{}

func (fakeFeatures) Vector(ctx context.Context, symbol string) (features.Vector, error) {
	return features.Vector{Symbol: symbol, Regime: "normal", Values: map[string]float64{"close": 150}}, nil
}

type fakeSignals struct {
	dup bool
}

func (f *fakeSignals) Ingest(ctx context.Context, sig signals.Signal) (signals.Signal, error) {
	if f.dup {
		return signals.Signal{}, signals.ErrDuplicate
	}
	sig.ID = "sig-1"
	return sig, nil
}

type fakeEvalStore struct {
	journal []store.JournalEntry
}

func (f *fakeEvalStore) Evaluation(ctx context.Context, id string) (store.EvaluationRow, error) {
	return store.EvaluationRow{EvaluationID: id, Score: 52.9}, nil
}

func (f *fakeEvalStore) RecentEvaluations(ctx context.Context, n int) ([]store.EvaluationRow, error) {
	return []store.EvaluationRow{{EvaluationID: "ev-1"}}, nil
}

func (f *fakeEvalStore) SaveJournalEntry(ctx context.Context, entry store.JournalEntry) (store.JournalEntry, error) {
	entry.ID = int64(len(f.journal) + 1)
	f.journal = append(f.journal, entry)
	return entry, nil
}

func (f *fakeEvalStore) JournalEntries(ctx context.Context, n int) ([]store.JournalEntry, error) {
	return f.journal, nil
}

type fakeOutcomes struct{}

func (fakeOutcomes) Record(ctx context.Context, t trade.ClosedTrade) (eventlog.OutcomeRecorded, error) {
	return eventlog.OutcomeRecorded{Symbol: t.Symbol, RMultiple: 2, Win: true}, nil
}

type fakePublisher struct {
	messages map[string]int
}

func (p *fakePublisher) Publish(channel string, payload interface{}) {
	if p.messages == nil {
		p.messages = make(map[string]int)
	}
	p.messages[channel]++
}

type alwaysReady struct{}

func (alwaysReady) Ready() bool { return true }

type okProber struct{}

func (okProber) ProbeBridge(ctx context.Context) bool { return true }
func (okProber) ProbeBroker(ctx context.Context) bool { return true }
func (okProber) ProbeTunnel(ctx context.Context) bool { return true }

type nopRepo struct{}

func (nopRepo) SaveSample(ctx context.Context, s ops.Sample) error { return nil }
func (nopRepo) SamplesSince(ctx context.Context, from time.Time) ([]ops.Sample, error) {
	return nil, nil
}
func (nopRepo) PruneSamplesBefore(ctx context.Context, cutoff time.Time) error { return nil }
func (nopRepo) SaveOutage(ctx context.Context, o ops.Outage) error             { return nil }
func (nopRepo) OutagesSince(ctx context.Context, from time.Time) ([]ops.Outage, error) {
	return nil, nil
}

func testDeps(t *testing.T) (Deps, *fakeOrders, *fakePublisher) {
	t.Helper()
	riskCfg := config.RiskConfig{
		RiskPct: 0.01, MaxCapitalPct: 0.25, MaxDailyLossPct: 0.02,
		MaxConcentrationPct: 0.25, MarginMultiplier: 1, ConsecutiveLossLimit: 3,
	}
	wstore, err := weights.NewStore(filepath.Join(t.TempDir(), "weights.json"), nil)
	require.NoError(t, err)

	orders := &fakeOrders{}
	stream := &fakePublisher{}
	book := projection.New()
	session := risk.NewSession(riskCfg, time.UTC, decimal.NewFromInt(100_000), nil)

	deps := Deps{
		Orders:     orders,
		Book:       book,
		Risk:       session,
		RiskCfg:    riskCfg,
		Flattener:  risk.NewFlattener(config.Clock{Hour: 16}, time.UTC, book, orders, nil),
		Evaluator:  fakeEval{},
		Features:   fakeFeatures{},
		Weights:    wstore,
		Signals:    &fakeSignals{},
		Store:      &fakeEvalStore{},
		ExitPlans:  exitplan.NewManager(nil),
		Ops:        ops.NewSampler(config.OpsConfig{SampleIntervalSec: 30, RetentionDays: 90, OutageMinSec: 60}, okProber{}, nopRepo{}),
		Outcomes:   fakeOutcomes{},
		MarketData: &fakeMarketData{bars: map[string][]broker.Bar{}},
		Stream:     stream,
		Broker:     alwaysReady{},
		StartedAt:  time.Now(),
		Version:    "test",
	}
	return deps, orders, stream
}

func dispatch(t *testing.T, d *Dispatcher, action, params string) interface{} {
	t.Helper()
	result, err := d.Dispatch(context.Background(), "key", Request{
		Action: action,
		Params: json.RawMessage(params),
	})
	require.NoError(t, err, action)
	return result
}

func TestBuiltinActions(t *testing.T) {
	deps, orders, stream := testDeps(t)
	r := NewRegistry()
	RegisterAll(r, deps)
	d := NewDispatcher(r, nil)

	t.Run("get_status", func(t *testing.T) {
		result := dispatch(t, d, "get_status", `{}`).(map[string]interface{})
		assert.Equal(t, "ok", result["status"])
		assert.Equal(t, true, result["broker_ready"])
	})

	t.Run("place_order", func(t *testing.T) {
		result := dispatch(t, d, "place_order", `{"symbol":"AAPL","side":"BUY","qty":100,"limit_price":150}`).(map[string]interface{})
		assert.Equal(t, true, result["placed"])
		require.Len(t, orders.placed, 1)
		assert.Equal(t, "AAPL", orders.placed[0].Symbol)
	})

	t.Run("place_order veto is not an error", func(t *testing.T) {
		orders.veto = &trade.VetoError{Reason: risk.ReasonSessionLocked}
		defer func() { orders.veto = nil }()
		result := dispatch(t, d, "place_order", `{"symbol":"AAPL","side":"BUY","qty":100}`).(map[string]interface{})
		assert.Equal(t, false, result["placed"])
		assert.Equal(t, risk.ReasonSessionLocked, result["reason"])
	})

	t.Run("size_position uses session equity", func(t *testing.T) {
		result := dispatch(t, d, "size_position", `{"entry":150,"stop":148}`).(risk.SizeResult)
		// 1% of 100k = 1000 risk budget over $2/share = 500 by risk;
		// capital cap 25% of 100k / 150 = 166 binds.
		assert.Equal(t, int64(166), result.Shares)
		assert.Equal(t, "capital", result.Binding)
	})

	t.Run("check_risk allowed", func(t *testing.T) {
		result := dispatch(t, d, "check_risk", `{"symbol":"AAPL","side":"BUY","qty":10,"price":150}`).(risk.Decision)
		assert.True(t, result.Allowed)
	})

	t.Run("evaluate_setup publishes eval_created", func(t *testing.T) {
		result := dispatch(t, d, "evaluate_setup", `{"symbol":"AAPL","direction":"long"}`).(ensemble.Result)
		assert.Equal(t, "ev-1", result.EvaluationID)
		assert.Equal(t, 1, stream.messages["eval_created"])
	})

	t.Run("post_journal publishes journal_posted", func(t *testing.T) {
		dispatch(t, d, "post_journal", `{"entry_type":"post_trade","body":"forced the entry"}`)
		assert.Equal(t, 1, stream.messages["journal_posted"])
	})

	t.Run("ingest_signal duplicate", func(t *testing.T) {
		deps.Signals.(*fakeSignals).dup = true
		defer func() { deps.Signals.(*fakeSignals).dup = false }()
		result := dispatch(t, d, "ingest_signal", `{"source":"scanner","symbol":"AAPL","direction":"long"}`).(map[string]interface{})
		assert.Equal(t, false, result["accepted"])
	})

	t.Run("close_position without position", func(t *testing.T) {
		result := dispatch(t, d, "close_position", `{"symbol":"MSFT"}`).(map[string]interface{})
		assert.Equal(t, false, result["closed"])
	})

	t.Run("set_weights invalid sum", func(t *testing.T) {
		_, err := d.Dispatch(context.Background(), "key", Request{
			Action: "set_weights",
			Params: json.RawMessage(`{"claude":0.9,"gpt4o":0.9,"gemini":0.2,"k":1.5}`),
		})
		var paramErr *ParamError
		require.ErrorAs(t, err, &paramErr)
	})

	t.Run("record_outcome", func(t *testing.T) {
		result := dispatch(t, d, "record_outcome",
			`{"symbol":"AAPL","direction":"long","entry":150,"exit":154,"stop":148,"pnl":400}`).(eventlog.OutcomeRecorded)
		assert.True(t, result.Win)
	})

	t.Run("exit plan lifecycle", func(t *testing.T) {
		created := dispatch(t, d, "create_exit_plan",
			`{"symbol":"TSLA","direction":"long","entry":200,"hard_stop":195,"ladder":[{"label":"tp1","price":205,"qty_fraction":0.5}]}`).(exitplan.Plan)
		assert.Equal(t, exitplan.StateDraft, created.State)

		moved := dispatch(t, d, "move_stop",
			`{"plan_id":"`+created.ID+`","stop":196,"reason":"technical"}`).(exitplan.Plan)
		assert.True(t, moved.HardStop.Equal(decimal.NewFromInt(196)))
	})

	t.Run("unknown action names get_status", func(t *testing.T) {
		_, err := d.Dispatch(context.Background(), "key", Request{Action: "nope"})
		var unknown *UnknownActionError
		require.ErrorAs(t, err, &unknown)
		assert.Contains(t, unknown.Valid, "get_status")
	})
}

func TestMarketDataActions(t *testing.T) {
	deps, _, _ := testDeps(t)
	md := deps.MarketData.(*fakeMarketData)
	md.bars["AAPL"] = []broker.Bar{
		{Time: time.Now(), Open: 150, High: 151, Low: 149.5, Close: 150.8, Volume: 12000},
		{Time: time.Now(), Open: 150.8, High: 152, Low: 150.6, Close: 151.9, Volume: 9000},
	}
	r := NewRegistry()
	RegisterAll(r, deps)
	d := NewDispatcher(r, nil)

	t.Run("subscribe defaults to real-time bars", func(t *testing.T) {
		result := dispatch(t, d, "subscribe_market_data", `{"symbol":"AAPL"}`).(map[string]interface{})
		assert.Equal(t, true, result["subscribed"])
		assert.Equal(t, "s-AAPL", result["subscription_id"])
		require.Len(t, md.subs, 1)
		assert.Equal(t, broker.KindRealTimeBars, md.subs[0].Kind)
	})

	t.Run("subscribe rejects unknown kind", func(t *testing.T) {
		_, err := d.Dispatch(context.Background(), "key", Request{
			Action: "subscribe_market_data",
			Params: json.RawMessage(`{"symbol":"AAPL","kind":"tickByTick"}`),
		})
		var paramErr *ParamError
		require.ErrorAs(t, err, &paramErr)
		assert.Equal(t, "kind", paramErr.Field)
	})

	t.Run("subscribe at cap is not an error", func(t *testing.T) {
		md.full = true
		defer func() { md.full = false }()
		result := dispatch(t, d, "subscribe_market_data", `{"symbol":"NVDA"}`).(map[string]interface{})
		assert.Equal(t, false, result["subscribed"])
		assert.Equal(t, "subscription limit reached", result["reason"])
	})

	t.Run("get_bars by symbol", func(t *testing.T) {
		result := dispatch(t, d, "get_bars", `{"symbol":"AAPL"}`).(map[string]interface{})
		bars := result["bars"].([]broker.Bar)
		require.Len(t, bars, 2)
		assert.Equal(t, 151.9, bars[1].Close)
	})

	t.Run("get_bars by subscription id", func(t *testing.T) {
		result := dispatch(t, d, "get_bars", `{"subscription_id":"s-AAPL"}`).(map[string]interface{})
		assert.Len(t, result["bars"], 2)
	})

	t.Run("get_bars unknown id", func(t *testing.T) {
		_, err := d.Dispatch(context.Background(), "key", Request{
			Action: "get_bars",
			Params: json.RawMessage(`{"subscription_id":"s-nope"}`),
		})
		var paramErr *ParamError
		require.ErrorAs(t, err, &paramErr)
		assert.Equal(t, "subscription_id", paramErr.Field)
	})

	t.Run("list and unsubscribe", func(t *testing.T) {
		listed := dispatch(t, d, "list_subscriptions", `{}`).([]broker.Subscription)
		require.Len(t, listed, 1)

		result := dispatch(t, d, "unsubscribe_market_data", `{"subscription_id":"s-AAPL"}`).(map[string]interface{})
		assert.Equal(t, true, result["unsubscribed"])
		assert.Empty(t, md.subs)
	})

	t.Run("unsubscribe unknown id", func(t *testing.T) {
		_, err := d.Dispatch(context.Background(), "key", Request{
			Action: "unsubscribe_market_data",
			Params: json.RawMessage(`{"subscription_id":"s-nope"}`),
		})
		var paramErr *ParamError
		require.ErrorAs(t, err, &paramErr)
	})
}
