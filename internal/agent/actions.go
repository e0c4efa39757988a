package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

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

// Narrow views of the subsystems the action handlers call. The concrete
// services satisfy these; tests swap in fakes.

type orderAPI interface {
	Place(ctx context.Context, req trade.OrderRequest) (string, error)
	PlaceBracket(ctx context.Context, req trade.BracketRequest) (trade.Bracket, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, pos projection.PositionState) error
}

type evalAPI interface {
	Evaluate(ctx context.Context, symbol, direction string, vec features.Vector) (ensemble.Result, error)
}

type featureAPI interface {
	Vector(ctx context.Context, symbol string) (features.Vector, error)
}

type signalAPI interface {
	Ingest(ctx context.Context, sig signals.Signal) (signals.Signal, error)
}

type evalStore interface {
	Evaluation(ctx context.Context, id string) (store.EvaluationRow, error)
	RecentEvaluations(ctx context.Context, n int) ([]store.EvaluationRow, error)
	SaveJournalEntry(ctx context.Context, entry store.JournalEntry) (store.JournalEntry, error)
	JournalEntries(ctx context.Context, n int) ([]store.JournalEntry, error)
}

type marketDataAPI interface {
	Subscribe(ctx context.Context, kind broker.Kind, payload broker.SubscribePayload) (string, error)
	Unsubscribe(ctx context.Context, id string) error
	Buffer(id string, n int) ([]broker.Bar, error)
	RecentBars(symbol string, n int) []broker.Bar
	List() []broker.Subscription
}

type outcomeAPI interface {
	Record(ctx context.Context, trade trade.ClosedTrade) (eventlog.OutcomeRecorded, error)
}

// Publisher pushes a message onto an outbound stream channel
type Publisher interface {
	Publish(channel string, payload interface{})
}

type readiness interface {
	Ready() bool
}

// Deps carries everything the built-in actions need
type Deps struct {
	Orders     orderAPI
	Book       *projection.Projection
	Risk       *risk.Session
	RiskCfg    config.RiskConfig
	Flattener  *risk.Flattener
	Evaluator  evalAPI
	Features   featureAPI
	Weights    *weights.Store
	Signals    signalAPI
	Store      evalStore
	ExitPlans  *exitplan.Manager
	Ops        *ops.Sampler
	Outcomes   outcomeAPI
	MarketData marketDataAPI
	Stream     Publisher
	Broker     readiness
	StartedAt  time.Time
	Version    string
}

func (d Deps) publish(channel string, payload interface{}) {
	if d.Stream != nil {
		d.Stream.Publish(channel, payload)
	}
}

// RegisterAll installs the built-in action families into the registry
func RegisterAll(r *Registry, deps Deps) {
	registerStatusActions(r, deps)
	registerMarketDataActions(r, deps)
	registerOrderActions(r, deps)
	registerEvalActions(r, deps)
	registerRiskActions(r, deps)
	registerWeightActions(r, deps)
	registerSignalActions(r, deps)
	registerJournalActions(r, deps)
	registerExitPlanActions(r, deps)
	registerOpsActions(r, deps)
}

func registerStatusActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "get_status",
		Description: "Bridge status: broker readiness, risk session, regime, uptime",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			state := deps.Book.State()
			result := map[string]interface{}{
				"status":   "ok",
				"uptime_s": int64(time.Since(deps.StartedAt).Seconds()),
				"version":  deps.Version,
				"regime":   state.Regime,
				"last_seq": state.LastSeq,
			}
			if deps.Broker != nil {
				result["broker_ready"] = deps.Broker.Ready()
			}
			if deps.Risk != nil {
				result["session"] = deps.Risk.Snapshot()
			}
			return result, nil
		},
	})
}

var subscriptionKinds = map[string]broker.Kind{
	string(broker.KindRealTimeBars):   broker.KindRealTimeBars,
	string(broker.KindAccountUpdates): broker.KindAccountUpdates,
	string(broker.KindMarketDepth):    broker.KindMarketDepth,
	string(broker.KindQuoteSnapshot):  broker.KindQuoteSnapshot,
}

func registerMarketDataActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "subscribe_market_data",
		Description: "Open a streaming gateway subscription for a symbol",
		Params: []Param{
			{Name: "symbol", Type: "string", Required: true},
			{Name: "kind", Type: "string", Description: "realTimeBars, accountUpdates, marketDepth or quoteSnapshot; defaults to realTimeBars"},
			{Name: "exchange", Type: "string"},
			{Name: "bar_size", Type: "string"},
			{Name: "depth", Type: "integer"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Symbol   string `json:"symbol"`
				Kind     string `json:"kind"`
				Exchange string `json:"exchange"`
				BarSize  string `json:"bar_size"`
				Depth    int    `json:"depth"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			if p.Kind == "" {
				p.Kind = string(broker.KindRealTimeBars)
			}
			kind, ok := subscriptionKinds[p.Kind]
			if !ok {
				return nil, invalid("kind", "unknown subscription kind %q", p.Kind)
			}
			id, err := deps.MarketData.Subscribe(ctx, kind, broker.SubscribePayload{
				Symbol:   p.Symbol,
				Exchange: p.Exchange,
				BarSize:  p.BarSize,
				Depth:    p.Depth,
			})
			// Hitting the cap is a normal outcome, not an error.
			if errors.Is(err, broker.ErrTooManySubscriptions) {
				return map[string]interface{}{"subscribed": false, "reason": "subscription limit reached"}, nil
			}
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"subscribed": true, "subscription_id": id}, nil
		},
	})

	r.MustRegister(Action{
		Name:        "unsubscribe_market_data",
		Description: "Close a streaming subscription",
		Params:      []Param{{Name: "subscription_id", Type: "string", Required: true}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				SubscriptionID string `json:"subscription_id"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.SubscriptionID == "" {
				return nil, missing("subscription_id")
			}
			if err := deps.MarketData.Unsubscribe(ctx, p.SubscriptionID); err != nil {
				if errors.Is(err, broker.ErrUnknownSubscription) {
					return nil, invalid("subscription_id", "unknown subscription")
				}
				return nil, err
			}
			return map[string]interface{}{"unsubscribed": true}, nil
		},
	})

	r.MustRegister(Action{
		Name:        "get_bars",
		Description: "Buffered real-time bars by subscription id or symbol",
		Params: []Param{
			{Name: "subscription_id", Type: "string"},
			{Name: "symbol", Type: "string"},
			{Name: "limit", Type: "integer"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				SubscriptionID string `json:"subscription_id"`
				Symbol         string `json:"symbol"`
				Limit          int    `json:"limit"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 100
			}
			if p.SubscriptionID != "" {
				bars, err := deps.MarketData.Buffer(p.SubscriptionID, limit)
				if errors.Is(err, broker.ErrUnknownSubscription) {
					return nil, invalid("subscription_id", "unknown subscription")
				}
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"bars": bars}, nil
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			return map[string]interface{}{"bars": deps.MarketData.RecentBars(p.Symbol, limit)}, nil
		},
	})

	r.MustRegister(Action{
		Name:        "list_subscriptions",
		Description: "List live gateway subscriptions",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return deps.MarketData.List(), nil
		},
	})
}

type placeOrderParams struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	LimitPrice float64 `json:"limit_price"`
}

func registerOrderActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "place_order",
		Description: "Submit an order through the risk gate",
		Class:       ClassOrders,
		Params: []Param{
			{Name: "symbol", Type: "string", Required: true},
			{Name: "side", Type: "string", Required: true, Description: "BUY or SELL"},
			{Name: "qty", Type: "number", Required: true},
			{Name: "limit_price", Type: "number", Description: "omit for market"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p placeOrderParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			if p.Side == "" {
				return nil, missing("side")
			}
			if p.Qty <= 0 {
				return nil, invalid("qty", "must be positive")
			}
			orderID, err := deps.Orders.Place(ctx, trade.OrderRequest{
				Symbol:     p.Symbol,
				Side:       eventlog.Side(p.Side),
				Qty:        decimal.NewFromFloat(p.Qty),
				LimitPrice: decimal.NewFromFloat(p.LimitPrice),
			})
			// A risk veto is a normal outcome, not an error.
			var veto *trade.VetoError
			if errors.As(err, &veto) {
				return map[string]interface{}{"placed": false, "reason": veto.Reason}, nil
			}
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"placed": true, "order_id": orderID}, nil
		},
	})

	r.MustRegister(Action{
		Name:        "place_bracket",
		Description: "Submit an entry with linked take-profit and stop orders",
		Class:       ClassOrders,
		Params: []Param{
			{Name: "symbol", Type: "string", Required: true},
			{Name: "side", Type: "string", Required: true},
			{Name: "qty", Type: "number", Required: true},
			{Name: "limit_price", Type: "number"},
			{Name: "take_profit", Type: "number", Required: true},
			{Name: "stop_loss", Type: "number", Required: true},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				placeOrderParams
				TakeProfit float64 `json:"take_profit"`
				StopLoss   float64 `json:"stop_loss"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			if p.TakeProfit <= 0 {
				return nil, missing("take_profit")
			}
			if p.StopLoss <= 0 {
				return nil, missing("stop_loss")
			}
			bracket, err := deps.Orders.PlaceBracket(ctx, trade.BracketRequest{
				Symbol:     p.Symbol,
				Side:       eventlog.Side(p.Side),
				Qty:        decimal.NewFromFloat(p.Qty),
				LimitPrice: decimal.NewFromFloat(p.LimitPrice),
				TakeProfit: decimal.NewFromFloat(p.TakeProfit),
				StopLoss:   decimal.NewFromFloat(p.StopLoss),
			})
			var veto *trade.VetoError
			if errors.As(err, &veto) {
				return map[string]interface{}{"placed": false, "reason": veto.Reason}, nil
			}
			if err != nil {
				return nil, err
			}
			return bracket, nil
		},
	})

	r.MustRegister(Action{
		Name:        "cancel_order",
		Description: "Cancel a working order",
		Class:       ClassOrders,
		Params:      []Param{{Name: "order_id", Type: "string", Required: true}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				OrderID string `json:"order_id"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.OrderID == "" {
				return nil, missing("order_id")
			}
			if err := deps.Orders.CancelOrder(ctx, p.OrderID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"cancelled": true}, nil
		},
	})

	r.MustRegister(Action{
		Name:        "close_position",
		Description: "Market-close an open position",
		Class:       ClassOrders,
		Params:      []Param{{Name: "symbol", Type: "string", Required: true}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Symbol string `json:"symbol"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			pos, ok := deps.Book.Position(p.Symbol)
			if !ok || pos.Qty.IsZero() {
				return map[string]interface{}{"closed": false, "reason": "no open position"}, nil
			}
			if err := deps.Orders.ClosePosition(ctx, pos); err != nil {
				return nil, err
			}
			return map[string]interface{}{"closed": true, "qty": pos.Qty}, nil
		},
	})

	r.MustRegister(Action{
		Name:        "get_orders",
		Description: "List orders from the read model",
		Params:      []Param{{Name: "open_only", Type: "boolean"}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				OpenOnly bool `json:"open_only"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.OpenOnly {
				return deps.Book.OpenOrders(), nil
			}
			return deps.Book.Orders(), nil
		},
	})

	r.MustRegister(Action{
		Name:        "get_positions",
		Description: "List positions from the read model",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return deps.Book.Positions(), nil
		},
	})

	r.MustRegister(Action{
		Name:        "flatten_now",
		Description: "Trigger the end-of-day flatten immediately",
		Class:       ClassOrders,
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			if deps.Flattener == nil {
				return nil, invalid("flatten", "end-of-day flatten is disabled")
			}
			fired, err := deps.Flattener.Trigger(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"fired": fired}, nil
		},
	})
}

func registerEvalActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "evaluate_setup",
		Description: "Run the LLM ensemble on a symbol's current features",
		Class:       ClassEvals,
		Params: []Param{
			{Name: "symbol", Type: "string", Required: true},
			{Name: "direction", Type: "string", Required: true, Description: "long or short"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Symbol    string `json:"symbol"`
				Direction string `json:"direction"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			if p.Direction != "long" && p.Direction != "short" {
				return nil, invalid("direction", "must be long or short")
			}
			vec, err := deps.Features.Vector(ctx, p.Symbol)
			if err != nil {
				return nil, err
			}
			result, err := deps.Evaluator.Evaluate(ctx, p.Symbol, p.Direction, vec)
			if err != nil {
				return nil, err
			}
			deps.publish("eval_created", result)
			return result, nil
		},
	})

	r.MustRegister(Action{
		Name:        "get_evaluation",
		Description: "Load one persisted evaluation",
		Params:      []Param{{Name: "evaluation_id", Type: "string", Required: true}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				EvaluationID string `json:"evaluation_id"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.EvaluationID == "" {
				return nil, missing("evaluation_id")
			}
			return deps.Store.Evaluation(ctx, p.EvaluationID)
		},
	})

	r.MustRegister(Action{
		Name:        "list_evaluations",
		Description: "List recent evaluations",
		Params:      []Param{{Name: "limit", Type: "integer"}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Limit int `json:"limit"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return deps.Store.RecentEvaluations(ctx, p.Limit)
		},
	})
}

func registerRiskActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "check_risk",
		Description: "Run the pre-trade risk gate without placing an order",
		Params: []Param{
			{Name: "symbol", Type: "string", Required: true},
			{Name: "side", Type: "string", Required: true},
			{Name: "qty", Type: "number", Required: true},
			{Name: "price", Type: "number"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Symbol string  `json:"symbol"`
				Side   string  `json:"side"`
				Qty    float64 `json:"qty"`
				Price  float64 `json:"price"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			return deps.Risk.CheckRisk(ctx, risk.OrderIntent{
				Symbol: p.Symbol,
				Side:   eventlog.Side(p.Side),
				Qty:    decimal.NewFromFloat(p.Qty),
				Price:  decimal.NewFromFloat(p.Price),
			}), nil
		},
	})

	r.MustRegister(Action{
		Name:        "size_position",
		Description: "Position size from risk, capital and margin constraints",
		Params: []Param{
			{Name: "entry", Type: "number", Required: true},
			{Name: "stop", Type: "number", Required: true},
			{Name: "equity", Type: "number", Description: "defaults to session equity"},
			{Name: "available_funds", Type: "number"},
			{Name: "risk_amount", Type: "number"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Entry          float64 `json:"entry"`
				Stop           float64 `json:"stop"`
				Equity         float64 `json:"equity"`
				AvailableFunds float64 `json:"available_funds"`
				RiskAmount     float64 `json:"risk_amount"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Entry <= 0 {
				return nil, missing("entry")
			}
			if p.Stop <= 0 {
				return nil, missing("stop")
			}
			equity := decimal.NewFromFloat(p.Equity)
			if equity.IsZero() && deps.Risk != nil {
				equity = deps.Risk.Snapshot().Equity
			}
			funds := decimal.NewFromFloat(p.AvailableFunds)
			if funds.IsZero() {
				funds = equity
			}
			return risk.Size(deps.RiskCfg, risk.SizeInput{
				Entry:          decimal.NewFromFloat(p.Entry),
				Stop:           decimal.NewFromFloat(p.Stop),
				Equity:         equity,
				AvailableFunds: funds,
				RiskAmount:     decimal.NewFromFloat(p.RiskAmount),
			}), nil
		},
	})

	r.MustRegister(Action{
		Name:        "get_risk_status",
		Description: "Risk session snapshot",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return deps.Risk.Snapshot(), nil
		},
	})

	r.MustRegister(Action{
		Name:        "lock_session",
		Description: "Manually lock the trading session",
		Params:      []Param{{Name: "reason", Type: "string"}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Reason string `json:"reason"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			deps.Risk.Lock(ctx, p.Reason)
			return deps.Risk.Snapshot(), nil
		},
	})

	r.MustRegister(Action{
		Name:        "unlock_session",
		Description: "Clear a session lock before the daily rollover",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			deps.Risk.Unlock()
			return deps.Risk.Snapshot(), nil
		},
	})
}

func registerWeightActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "get_weights",
		Description: "Current ensemble weight document",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return deps.Weights.Current(), nil
		},
	})

	r.MustRegister(Action{
		Name:        "set_weights",
		Description: "Replace the base ensemble weights",
		Params: []Param{
			{Name: "claude", Type: "number", Required: true},
			{Name: "gpt4o", Type: "number", Required: true},
			{Name: "gemini", Type: "number", Required: true},
			{Name: "k", Type: "number", Required: true, Description: "disagreement penalty"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Claude float64 `json:"claude"`
				GPT4o  float64 `json:"gpt4o"`
				Gemini float64 `json:"gemini"`
				K      float64 `json:"k"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			doc := deps.Weights.Current()
			doc.Claude = p.Claude
			doc.GPT4o = p.GPT4o
			doc.Gemini = p.Gemini
			doc.K = p.K
			doc.Source = "manual"
			doc.UpdatedAt = time.Now().UTC()
			if err := deps.Weights.Save(ctx, doc); err != nil {
				return nil, invalid("weights", "%v", err)
			}
			return doc, nil
		},
	})
}

func registerSignalActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "ingest_signal",
		Description: "Import an external trade alert",
		Class:       ClassCollab,
		Params: []Param{
			{Name: "source", Type: "string", Required: true},
			{Name: "symbol", Type: "string", Required: true},
			{Name: "direction", Type: "string", Required: true},
			{Name: "price", Type: "number"},
			{Name: "note", Type: "string"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Source    string  `json:"source"`
				Symbol    string  `json:"symbol"`
				Direction string  `json:"direction"`
				Price     float64 `json:"price"`
				Note      string  `json:"note"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			sig, err := deps.Signals.Ingest(ctx, signals.Signal{
				Source:    p.Source,
				Symbol:    p.Symbol,
				Direction: p.Direction,
				Price:     p.Price,
				Note:      p.Note,
			})
			if errors.Is(err, signals.ErrDuplicate) {
				return map[string]interface{}{"accepted": false, "reason": "duplicate"}, nil
			}
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"accepted": true, "signal": sig}, nil
		},
	})
}

func registerJournalActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "post_journal",
		Description: "Append a trade journal entry",
		Class:       ClassCollab,
		Params: []Param{
			{Name: "symbol", Type: "string"},
			{Name: "entry_type", Type: "string", Required: true},
			{Name: "body", Type: "string", Required: true},
			{Name: "tags", Type: "string"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Symbol    string `json:"symbol"`
				EntryType string `json:"entry_type"`
				Body      string `json:"body"`
				Tags      string `json:"tags"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.EntryType == "" {
				return nil, missing("entry_type")
			}
			if p.Body == "" {
				return nil, missing("body")
			}
			entry, err := deps.Store.SaveJournalEntry(ctx, store.JournalEntry{
				Symbol: p.Symbol, EntryType: p.EntryType, Body: p.Body, Tags: p.Tags,
			})
			if err != nil {
				return nil, err
			}
			deps.publish("journal_posted", entry)
			return entry, nil
		},
	})

	r.MustRegister(Action{
		Name:        "list_journal",
		Description: "List recent journal entries",
		Class:       ClassCollab,
		Params:      []Param{{Name: "limit", Type: "integer"}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Limit int `json:"limit"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return deps.Store.JournalEntries(ctx, p.Limit)
		},
	})

	r.MustRegister(Action{
		Name:        "record_outcome",
		Description: "Record a closed trade's R-multiple and feed calibration",
		Class:       ClassCollab,
		Params: []Param{
			{Name: "evaluation_id", Type: "string"},
			{Name: "symbol", Type: "string", Required: true},
			{Name: "direction", Type: "string", Required: true},
			{Name: "entry", Type: "number", Required: true},
			{Name: "exit", Type: "number", Required: true},
			{Name: "stop", Type: "number", Required: true},
			{Name: "pnl", Type: "number"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				EvaluationID string  `json:"evaluation_id"`
				Symbol       string  `json:"symbol"`
				Direction    string  `json:"direction"`
				Entry        float64 `json:"entry"`
				Exit         float64 `json:"exit"`
				Stop         float64 `json:"stop"`
				PnL          float64 `json:"pnl"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			if p.Direction != "long" && p.Direction != "short" {
				return nil, invalid("direction", "must be long or short")
			}
			if p.Entry <= 0 {
				return nil, missing("entry")
			}
			outcome, err := deps.Outcomes.Record(ctx, trade.ClosedTrade{
				EvaluationID: p.EvaluationID,
				Symbol:       p.Symbol,
				Direction:    p.Direction,
				Entry:        decimal.NewFromFloat(p.Entry),
				Exit:         decimal.NewFromFloat(p.Exit),
				Stop:         decimal.NewFromFloat(p.Stop),
				PnL:          decimal.NewFromFloat(p.PnL),
			})
			if err != nil {
				return nil, err
			}
			return outcome, nil
		},
	})
}

func registerExitPlanActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "create_exit_plan",
		Description: "Create a draft exit plan for a position",
		Class:       ClassOrders,
		Params: []Param{
			{Name: "symbol", Type: "string", Required: true},
			{Name: "direction", Type: "string", Required: true},
			{Name: "entry", Type: "number", Required: true},
			{Name: "hard_stop", Type: "number", Required: true},
			{Name: "protect_at_r", Type: "number"},
			{Name: "giveback_max", Type: "number"},
			{Name: "ladder", Type: "array", Description: "tp rungs {label, price, qty_fraction}"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Symbol     string  `json:"symbol"`
				Direction  string  `json:"direction"`
				Entry      float64 `json:"entry"`
				HardStop   float64 `json:"hard_stop"`
				ProtectAtR float64 `json:"protect_at_r"`
				Giveback   float64 `json:"giveback_max"`
				Ladder     []struct {
					Label       string  `json:"label"`
					Price       float64 `json:"price"`
					QtyFraction float64 `json:"qty_fraction"`
				} `json:"ladder"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Symbol == "" {
				return nil, missing("symbol")
			}
			plan := exitplan.Plan{
				Symbol:     p.Symbol,
				Direction:  p.Direction,
				Entry:      decimal.NewFromFloat(p.Entry),
				HardStop:   decimal.NewFromFloat(p.HardStop),
				ProtectAtR: p.ProtectAtR,
				GivebackMax: p.Giveback,
			}
			for _, rung := range p.Ladder {
				plan.Ladder = append(plan.Ladder, exitplan.Rung{
					Label:       rung.Label,
					Price:       decimal.NewFromFloat(rung.Price),
					QtyFraction: decimal.NewFromFloat(rung.QtyFraction),
				})
			}
			created, err := deps.ExitPlans.Create(ctx, plan)
			if err != nil {
				return nil, invalid("plan", "%v", err)
			}
			return created, nil
		},
	})

	r.MustRegister(Action{
		Name:        "transition_exit_plan",
		Description: "Move an exit plan through its state machine",
		Class:       ClassOrders,
		Params: []Param{
			{Name: "plan_id", Type: "string", Required: true},
			{Name: "to", Type: "string", Required: true},
			{Name: "reason", Type: "string", Required: true},
			{Name: "notes", Type: "string"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				PlanID string `json:"plan_id"`
				To     string `json:"to"`
				Reason string `json:"reason"`
				Notes  string `json:"notes"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.PlanID == "" {
				return nil, missing("plan_id")
			}
			plan, err := deps.ExitPlans.Transition(ctx, p.PlanID, exitplan.State(p.To), p.Reason, p.Notes)
			if err != nil {
				return nil, invalid("to", "%v", err)
			}
			return plan, nil
		},
	})

	r.MustRegister(Action{
		Name:        "move_stop",
		Description: "Tighten an exit plan's hard stop",
		Class:       ClassOrders,
		Params: []Param{
			{Name: "plan_id", Type: "string", Required: true},
			{Name: "stop", Type: "number", Required: true},
			{Name: "reason", Type: "string", Required: true},
			{Name: "notes", Type: "string"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				PlanID string  `json:"plan_id"`
				Stop   float64 `json:"stop"`
				Reason string  `json:"reason"`
				Notes  string  `json:"notes"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.PlanID == "" {
				return nil, missing("plan_id")
			}
			plan, err := deps.ExitPlans.MoveStop(ctx, p.PlanID, decimal.NewFromFloat(p.Stop), p.Reason, p.Notes)
			if err != nil {
				return nil, invalid("stop", "%v", err)
			}
			return plan, nil
		},
	})

	r.MustRegister(Action{
		Name:        "list_exit_plans",
		Description: "List exit plans",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return deps.ExitPlans.List(), nil
		},
	})
}

func registerOpsActions(r *Registry, deps Deps) {
	r.MustRegister(Action{
		Name:        "get_sla",
		Description: "Availability percentages over 1h/24h/7d/30d plus outages",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return deps.Ops.SLAReport(ctx)
		},
	})
}
