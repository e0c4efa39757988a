// Package trade is the order path: every submission runs the risk gate,
// lands in the event log, and is forwarded to the broker session. It also
// executes the end-of-day flatten on behalf of the risk package.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradebridge/internal/broker"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/projection"
	"tradebridge/internal/risk"
)

// ErrVetoed wraps a risk gate rejection. The reason travels with it.
var ErrVetoed = errors.New("order vetoed by risk gate")

// VetoError carries the risk gate's reason for refusing an order
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string { return "order vetoed: " + e.Reason }
func (e *VetoError) Unwrap() error { return ErrVetoed }

// OrderRequest is one order to submit
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       eventlog.Side   `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	LimitPrice decimal.Decimal `json:"limit_price"` // zero = market
	ParentID   string          `json:"parent_id,omitempty"`
	OCAGroup   string          `json:"oca_group,omitempty"`
}

// BracketRequest is a parent entry plus linked exit orders. The children
// share an OCA group: filling or cancelling one cancels the others.
type BracketRequest struct {
	Symbol     string          `json:"symbol"`
	Side       eventlog.Side   `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
}

// Bracket names the three orders placed for a bracket request
type Bracket struct {
	ParentID     string `json:"parent_id"`
	TakeProfitID string `json:"take_profit_id"`
	StopLossID   string `json:"stop_loss_id"`
	OCAGroup     string `json:"oca_group"`
}

type gateway interface {
	Submit(ctx context.Context, req broker.Request, handlers broker.Handlers) (*broker.Ticket, error)
	Cancel(ctx context.Context, reqID int64) error
	Ready() bool
}

type riskGate interface {
	CheckRisk(ctx context.Context, intent risk.OrderIntent) risk.Decision
	RecordTrade()
}

type appender interface {
	Append(ctx context.Context, payload interface{}) (eventlog.Event, error)
}

type orderSaver interface {
	SaveExecution(ctx context.Context, e eventlog.ExecutionReceived) error
}

// Service is the order service
type Service struct {
	session gateway
	gate    riskGate
	events  appender
	saver   orderSaver
	logger  zerolog.Logger

	// reqIDs maps order id -> gateway reqId for cancellation
	reqIDs *reqIDMap
}

// NewService wires the order path. saver may be nil.
func NewService(session gateway, gate riskGate, events appender, saver orderSaver) *Service {
	return &Service{
		session: session,
		gate:    gate,
		events:  events,
		saver:   saver,
		logger:  log.With().Str("component", "trade").Logger(),
		reqIDs:  newReqIDMap(),
	}
}

// Place submits one order through the full path: risk gate, event log,
// broker. A veto returns *VetoError; a down broker returns
// broker.ErrDisconnected.
func (s *Service) Place(ctx context.Context, req OrderRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	decision := s.gate.CheckRisk(ctx, risk.OrderIntent{
		Symbol: req.Symbol,
		Side:   req.Side,
		Qty:    req.Qty,
		Price:  req.LimitPrice,
	})
	if !decision.Allowed {
		s.logger.Warn().
			Str("symbol", req.Symbol).
			Str("reason", decision.Reason).
			Msg("Order vetoed")
		return "", &VetoError{Reason: decision.Reason}
	}
	for _, warning := range decision.Warnings {
		s.logger.Warn().Str("symbol", req.Symbol).Msg(warning)
	}

	if !s.session.Ready() {
		return "", broker.ErrDisconnected
	}

	orderID := uuid.New().String()
	placed := eventlog.OrderPlaced{
		OrderID:    orderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		ParentID:   req.ParentID,
		OCAGroup:   req.OCAGroup,
	}
	if _, err := s.events.Append(ctx, placed); err != nil {
		return "", fmt.Errorf("append order placed: %w", err)
	}

	ticket, err := s.session.Submit(ctx, broker.Request{
		Method: "place_order",
		Params: placed,
	}, broker.Handlers{
		OnEvent: func(reqID int64, event broker.WireEvent) {
			s.handleOrderEvent(orderID, event)
		},
		OnError: func(reqID int64, code int, msg string) {
			s.handleOrderError(orderID, code, msg)
		},
	})
	if err != nil {
		return "", err
	}
	s.reqIDs.put(orderID, ticket.ReqID)
	s.gate.RecordTrade()

	s.logger.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("qty", req.Qty.String()).
		Int64("req_id", ticket.ReqID).
		Msg("Order submitted")
	return orderID, nil
}

// PlaceBracket submits a parent plus linked take-profit and stop orders.
// Only the parent passes the risk gate; the children reduce exposure.
func (s *Service) PlaceBracket(ctx context.Context, req BracketRequest) (Bracket, error) {
	if req.TakeProfit.IsZero() || req.StopLoss.IsZero() {
		return Bracket{}, fmt.Errorf("bracket requires take_profit and stop_loss")
	}

	parentID, err := s.Place(ctx, OrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		return Bracket{}, err
	}

	oca := "oca-" + parentID
	exitSide := opposite(req.Side)

	tpID, err := s.placeChild(ctx, OrderRequest{
		Symbol: req.Symbol, Side: exitSide, Qty: req.Qty,
		LimitPrice: req.TakeProfit, ParentID: parentID, OCAGroup: oca,
	})
	if err != nil {
		return Bracket{}, fmt.Errorf("place take-profit: %w", err)
	}
	slID, err := s.placeChild(ctx, OrderRequest{
		Symbol: req.Symbol, Side: exitSide, Qty: req.Qty,
		LimitPrice: req.StopLoss, ParentID: parentID, OCAGroup: oca,
	})
	if err != nil {
		return Bracket{}, fmt.Errorf("place stop-loss: %w", err)
	}

	return Bracket{ParentID: parentID, TakeProfitID: tpID, StopLossID: slID, OCAGroup: oca}, nil
}

// placeChild submits a bracket child, skipping the risk gate
func (s *Service) placeChild(ctx context.Context, req OrderRequest) (string, error) {
	if !s.session.Ready() {
		return "", broker.ErrDisconnected
	}
	orderID := uuid.New().String()
	placed := eventlog.OrderPlaced{
		OrderID:    orderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		ParentID:   req.ParentID,
		OCAGroup:   req.OCAGroup,
	}
	if _, err := s.events.Append(ctx, placed); err != nil {
		return "", fmt.Errorf("append order placed: %w", err)
	}
	ticket, err := s.session.Submit(ctx, broker.Request{Method: "place_order", Params: placed}, broker.Handlers{
		OnEvent: func(reqID int64, event broker.WireEvent) {
			s.handleOrderEvent(orderID, event)
		},
		OnError: func(reqID int64, code int, msg string) {
			s.handleOrderError(orderID, code, msg)
		},
	})
	if err != nil {
		return "", err
	}
	s.reqIDs.put(orderID, ticket.ReqID)
	return orderID, nil
}

// CancelOrder cancels a working order via its gateway request and appends
// the status change
func (s *Service) CancelOrder(ctx context.Context, orderID string) error {
	reqID, ok := s.reqIDs.take(orderID)
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if err := s.session.Cancel(ctx, reqID); err != nil {
		s.reqIDs.put(orderID, reqID)
		return err
	}
	_, err := s.events.Append(ctx, eventlog.OrderStatusChanged{
		OrderID: orderID,
		Status:  eventlog.StatusCancelled,
	})
	return err
}

// ClosePosition market-closes an open position (flatten path)
func (s *Service) ClosePosition(ctx context.Context, pos projection.PositionState) error {
	if pos.Qty.IsZero() {
		return nil
	}
	side := eventlog.SideSell
	qty := pos.Qty
	if pos.Qty.IsNegative() {
		side = eventlog.SideBuy
		qty = pos.Qty.Neg()
	}

	// Flatten orders bypass the risk gate: they only reduce exposure.
	if !s.session.Ready() {
		return broker.ErrDisconnected
	}
	orderID := uuid.New().String()
	placed := eventlog.OrderPlaced{
		OrderID: orderID,
		Symbol:  pos.Symbol,
		Side:    side,
		Qty:     qty,
	}
	if _, err := s.events.Append(ctx, placed); err != nil {
		return fmt.Errorf("append close order: %w", err)
	}
	_, err := s.session.Submit(ctx, broker.Request{Method: "place_order", Params: placed}, broker.Handlers{
		OnEvent: func(reqID int64, event broker.WireEvent) {
			s.handleOrderEvent(orderID, event)
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("symbol", pos.Symbol).
		Str("qty", qty.String()).
		Str("side", string(side)).
		Msg("Position close submitted")
	return nil
}

// execReport is the gateway's fill payload
type execReport struct {
	ExecID string          `json:"exec_id"`
	Shares decimal.Decimal `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	At     time.Time       `json:"at"`
}

// statusReport is the gateway's order status payload
type statusReport struct {
	Status    string          `json:"status"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// handleOrderEvent translates gateway events for an order into event-log
// appends. Runs on the session read loop; appends use a detached context
// so a cancelled caller does not drop fills.
func (s *Service) handleOrderEvent(orderID string, event broker.WireEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch event.Type {
	case "execution":
		var report execReport
		if err := json.Unmarshal(event.Payload, &report); err != nil {
			s.logger.Error().Err(err).Str("order_id", orderID).Msg("Bad execution payload")
			return
		}
		exec := eventlog.ExecutionReceived{
			ExecID:  report.ExecID,
			OrderID: orderID,
			Symbol:  report.Symbol,
			Side:    eventlog.Side(report.Side),
			Shares:  report.Shares,
			Price:   report.Price,
			At:      report.At,
		}
		if _, err := s.events.Append(ctx, exec); err != nil {
			s.logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to append execution")
			return
		}
		if s.saver != nil {
			if err := s.saver.SaveExecution(ctx, exec); err != nil {
				s.logger.Error().Err(err).Str("exec_id", exec.ExecID).Msg("Failed to persist execution")
			}
		}
	case "order_status":
		var report statusReport
		if err := json.Unmarshal(event.Payload, &report); err != nil {
			s.logger.Error().Err(err).Str("order_id", orderID).Msg("Bad status payload")
			return
		}
		status := eventlog.OrderStatus(report.Status)
		if _, err := s.events.Append(ctx, eventlog.OrderStatusChanged{
			OrderID:   orderID,
			Status:    status,
			FilledQty: report.FilledQty,
			AvgPrice:  report.AvgPrice,
		}); err != nil {
			s.logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to append status change")
		}
		switch status {
		case eventlog.StatusFilled, eventlog.StatusCancelled, eventlog.StatusRejected:
			s.reqIDs.drop(orderID)
		}
	}
}

func (s *Service) handleOrderError(orderID string, code int, msg string) {
	s.logger.Error().
		Str("order_id", orderID).
		Int("code", code).
		Str("msg", msg).
		Msg("Gateway rejected order")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.events.Append(ctx, eventlog.OrderStatusChanged{
		OrderID: orderID,
		Status:  eventlog.StatusRejected,
	}); err != nil {
		s.logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to append rejection")
	}
	s.reqIDs.drop(orderID)
}

func validate(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("order missing symbol")
	}
	if req.Side != eventlog.SideBuy && req.Side != eventlog.SideSell {
		return fmt.Errorf("order side must be BUY or SELL, got %q", req.Side)
	}
	if !req.Qty.IsPositive() {
		return fmt.Errorf("order qty must be positive, got %s", req.Qty)
	}
	return nil
}

func opposite(side eventlog.Side) eventlog.Side {
	if side == eventlog.SideBuy {
		return eventlog.SideSell
	}
	return eventlog.SideBuy
}
