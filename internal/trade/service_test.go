package trade

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/broker"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/projection"
	"tradebridge/internal/risk"
)

type fakeGateway struct {
	mu        sync.Mutex
	ready     bool
	nextReqID int64
	submitted []broker.Request
	handlers  map[int64]broker.Handlers
	cancelled []int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{ready: true, handlers: make(map[int64]broker.Handlers)}
}

func (g *fakeGateway) Submit(ctx context.Context, req broker.Request, handlers broker.Handlers) (*broker.Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return nil, broker.ErrDisconnected
	}
	g.nextReqID++
	g.submitted = append(g.submitted, req)
	g.handlers[g.nextReqID] = handlers
	return &broker.Ticket{ReqID: g.nextReqID}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, reqID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, reqID)
	return nil
}

func (g *fakeGateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// emit delivers a wire event to the handlers registered for reqID
func (g *fakeGateway) emit(reqID int64, eventType string, payload interface{}) {
	g.mu.Lock()
	handlers := g.handlers[reqID]
	g.mu.Unlock()
	raw, _ := json.Marshal(payload)
	if handlers.OnEvent != nil {
		handlers.OnEvent(reqID, broker.WireEvent{ReqID: reqID, Type: eventType, Payload: raw})
	}
}

type fakeGate struct {
	decision risk.Decision
	trades   int
}

func (g *fakeGate) CheckRisk(ctx context.Context, intent risk.OrderIntent) risk.Decision {
	return g.decision
}

func (g *fakeGate) RecordTrade() { g.trades++ }

type memoryLog struct {
	mu     sync.Mutex
	events []interface{}
}

func (l *memoryLog) Append(ctx context.Context, payload interface{}) (eventlog.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, payload)
	return eventlog.Event{Seq: int64(len(l.events))}, nil
}

func (l *memoryLog) ofType(match func(interface{}) bool) []interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []interface{}
	for _, e := range l.events {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func newTestService() (*Service, *fakeGateway, *fakeGate, *memoryLog) {
	gw := newFakeGateway()
	gate := &fakeGate{decision: risk.Decision{Allowed: true}}
	events := &memoryLog{}
	return NewService(gw, gate, events, nil), gw, gate, events
}

func marketBuy(qty int64) OrderRequest {
	return OrderRequest{Symbol: "AAPL", Side: eventlog.SideBuy, Qty: decimal.NewFromInt(qty)}
}

func TestPlaceHappyPath(t *testing.T) {
	svc, gw, gate, events := newTestService()

	orderID, err := svc.Place(context.Background(), marketBuy(100))
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
	assert.Equal(t, 1, gate.trades)

	require.Len(t, gw.submitted, 1)
	assert.Equal(t, "place_order", gw.submitted[0].Method)

	placed := events.ofType(func(e interface{}) bool {
		_, ok := e.(eventlog.OrderPlaced)
		return ok
	})
	require.Len(t, placed, 1)
	assert.Equal(t, orderID, placed[0].(eventlog.OrderPlaced).OrderID)
}

func TestPlaceVetoed(t *testing.T) {
	svc, gw, gate, events := newTestService()
	gate.decision = risk.Decision{Allowed: false, Reason: risk.ReasonSessionLocked}

	_, err := svc.Place(context.Background(), marketBuy(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVetoed))

	var veto *VetoError
	require.True(t, errors.As(err, &veto))
	assert.Equal(t, risk.ReasonSessionLocked, veto.Reason)

	// Nothing reaches the event log or the gateway on a veto.
	assert.Empty(t, gw.submitted)
	assert.Empty(t, events.events)
	assert.Zero(t, gate.trades)
}

func TestPlaceBrokerDown(t *testing.T) {
	svc, gw, _, _ := newTestService()
	gw.ready = false

	_, err := svc.Place(context.Background(), marketBuy(100))
	assert.ErrorIs(t, err, broker.ErrDisconnected)
}

func TestPlaceValidation(t *testing.T) {
	svc, _, _, _ := newTestService()

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"missing symbol", OrderRequest{Side: eventlog.SideBuy, Qty: decimal.NewFromInt(1)}},
		{"bad side", OrderRequest{Symbol: "AAPL", Side: "HOLD", Qty: decimal.NewFromInt(1)}},
		{"zero qty", OrderRequest{Symbol: "AAPL", Side: eventlog.SideBuy}},
		{"negative qty", OrderRequest{Symbol: "AAPL", Side: eventlog.SideSell, Qty: decimal.NewFromInt(-5)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Place(context.Background(), tc.req)
			assert.Error(t, err)
		})
	}
}

func TestExecutionEventAppended(t *testing.T) {
	svc, gw, _, events := newTestService()

	orderID, err := svc.Place(context.Background(), marketBuy(100))
	require.NoError(t, err)

	gw.emit(1, "execution", execReport{
		ExecID: "x-1", Symbol: "AAPL", Side: "BUY",
		Shares: decimal.NewFromInt(100), Price: decimal.NewFromFloat(187.5),
		At: time.Now(),
	})

	execs := events.ofType(func(e interface{}) bool {
		_, ok := e.(eventlog.ExecutionReceived)
		return ok
	})
	require.Len(t, execs, 1)
	exec := execs[0].(eventlog.ExecutionReceived)
	assert.Equal(t, orderID, exec.OrderID)
	assert.Equal(t, "x-1", exec.ExecID)
	assert.True(t, exec.Price.Equal(decimal.NewFromFloat(187.5)))
}

func TestStatusEventAppended(t *testing.T) {
	svc, gw, _, events := newTestService()

	orderID, err := svc.Place(context.Background(), marketBuy(100))
	require.NoError(t, err)

	gw.emit(1, "order_status", statusReport{
		Status: "FILLED", FilledQty: decimal.NewFromInt(100), AvgPrice: decimal.NewFromFloat(187.5),
	})

	changes := events.ofType(func(e interface{}) bool {
		_, ok := e.(eventlog.OrderStatusChanged)
		return ok
	})
	require.Len(t, changes, 1)
	sc := changes[0].(eventlog.OrderStatusChanged)
	assert.Equal(t, orderID, sc.OrderID)
	assert.Equal(t, eventlog.StatusFilled, sc.Status)

	// Terminal status releases the reqId; cancel now fails.
	assert.Error(t, svc.CancelOrder(context.Background(), orderID))
}

func TestCancelOrder(t *testing.T) {
	svc, gw, _, events := newTestService()

	orderID, err := svc.Place(context.Background(), marketBuy(100))
	require.NoError(t, err)

	require.NoError(t, svc.CancelOrder(context.Background(), orderID))
	assert.Equal(t, []int64{1}, gw.cancelled)

	changes := events.ofType(func(e interface{}) bool {
		sc, ok := e.(eventlog.OrderStatusChanged)
		return ok && sc.Status == eventlog.StatusCancelled
	})
	assert.Len(t, changes, 1)

	assert.Error(t, svc.CancelOrder(context.Background(), orderID))
}

func TestPlaceBracket(t *testing.T) {
	svc, gw, gate, events := newTestService()

	bracket, err := svc.PlaceBracket(context.Background(), BracketRequest{
		Symbol:     "TSLA",
		Side:       eventlog.SideBuy,
		Qty:        decimal.NewFromInt(50),
		LimitPrice: decimal.NewFromInt(200),
		TakeProfit: decimal.NewFromInt(210),
		StopLoss:   decimal.NewFromInt(195),
	})
	require.NoError(t, err)
	assert.Len(t, gw.submitted, 3)
	// Only the parent counts against the daily trade cap.
	assert.Equal(t, 1, gate.trades)

	placed := events.ofType(func(e interface{}) bool {
		_, ok := e.(eventlog.OrderPlaced)
		return ok
	})
	require.Len(t, placed, 3)

	parent := placed[0].(eventlog.OrderPlaced)
	tp := placed[1].(eventlog.OrderPlaced)
	sl := placed[2].(eventlog.OrderPlaced)

	assert.Equal(t, bracket.ParentID, parent.OrderID)
	assert.Empty(t, parent.OCAGroup)
	for _, child := range []eventlog.OrderPlaced{tp, sl} {
		assert.Equal(t, bracket.ParentID, child.ParentID)
		assert.Equal(t, bracket.OCAGroup, child.OCAGroup)
		assert.Equal(t, eventlog.SideSell, child.Side)
	}
	assert.True(t, tp.LimitPrice.Equal(decimal.NewFromInt(210)))
	assert.True(t, sl.LimitPrice.Equal(decimal.NewFromInt(195)))
}

func TestPlaceBracketRequiresExits(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.PlaceBracket(context.Background(), BracketRequest{
		Symbol: "TSLA", Side: eventlog.SideBuy, Qty: decimal.NewFromInt(50),
	})
	assert.Error(t, err)
}

func TestClosePosition(t *testing.T) {
	svc, gw, gate, events := newTestService()

	// Short 80 shares: closing buys 80 back, bypassing the risk gate.
	require.NoError(t, svc.ClosePosition(context.Background(), projection.PositionState{
		Symbol: "NVDA", Qty: decimal.NewFromInt(-80),
	}))
	assert.Zero(t, gate.trades)

	placed := events.ofType(func(e interface{}) bool {
		_, ok := e.(eventlog.OrderPlaced)
		return ok
	})
	require.Len(t, placed, 1)
	close := placed[0].(eventlog.OrderPlaced)
	assert.Equal(t, eventlog.SideBuy, close.Side)
	assert.True(t, close.Qty.Equal(decimal.NewFromInt(80)))
	assert.True(t, close.LimitPrice.IsZero())
	require.Len(t, gw.submitted, 1)
}

func TestCloseFlatPositionIsNoop(t *testing.T) {
	svc, gw, _, _ := newTestService()
	require.NoError(t, svc.ClosePosition(context.Background(), projection.PositionState{Symbol: "NVDA"}))
	assert.Empty(t, gw.submitted)
}

var _ risk.Trader = (*Service)(nil)
