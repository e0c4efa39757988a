package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"tradebridge/internal/eventlog"
)

// SystemState is the projection of process-wide events
type SystemState struct {
	Regime     string `json:"regime"`
	Locked     bool   `json:"locked"`
	LockReason string `json:"lock_reason,omitempty"`
	LastSeq    int64  `json:"last_seq"`
}

// Projection holds the in-memory read models hydrated from the event log.
// Application is deterministic: the same event sequence always produces the
// same state. Events are applied by a single goroutine; reads take a
// consistent snapshot under a read lock.
type Projection struct {
	mu        sync.RWMutex
	orders    map[string]OrderState
	positions map[string]PositionState
	system    SystemState
}

// New creates an empty projection
func New() *Projection {
	return &Projection{
		orders:    make(map[string]OrderState),
		positions: make(map[string]PositionState),
		system:    SystemState{Regime: "normal"},
	}
}

// Hydrate replays the event log from the beginning and applies every event
func (p *Projection) Hydrate(ctx context.Context, store *eventlog.Store) error {
	it, err := store.Replay(ctx, 1)
	if err != nil {
		return fmt.Errorf("hydrate projection: %w", err)
	}
	defer it.Close()

	var applied int
	for it.Next() {
		if err := p.Apply(it.Event()); err != nil {
			return err
		}
		applied++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("hydrate projection: %w", err)
	}

	log.Info().Int("events", applied).Int64("last_seq", p.LastSeq()).Msg("Projection hydrated")
	return nil
}

// Run consumes live events from the subscription channel until the context
// is cancelled or the channel closes. Events at or below the hydrated tail
// are skipped, so attaching the subscriber before hydration is safe.
func (p *Projection) Run(ctx context.Context, events <-chan eventlog.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				log.Warn().Msg("Projection event subscription closed")
				return
			}
			if event.Seq <= p.LastSeq() {
				continue
			}
			if err := p.Apply(event); err != nil {
				log.Error().Err(err).Int64("seq", event.Seq).Msg("Failed to apply event")
			}
		}
	}
}

// Apply folds one event into the read models. Unknown or stale events are
// rejected; events must arrive in sequence order.
func (p *Projection) Apply(event eventlog.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.Seq <= p.system.LastSeq {
		return fmt.Errorf("event seq %d not after projection seq %d", event.Seq, p.system.LastSeq)
	}

	switch event.Type {
	case eventlog.TypeOrderPlaced:
		var placed eventlog.OrderPlaced
		if err := event.Decode(&placed); err != nil {
			return err
		}
		p.orders[placed.OrderID] = applyPlaced(placed, event.Timestamp)

	case eventlog.TypeExecutionReceived:
		var exec eventlog.ExecutionReceived
		if err := event.Decode(&exec); err != nil {
			return err
		}
		if order, ok := p.orders[exec.OrderID]; ok {
			p.orders[exec.OrderID] = applyExecutionToOrder(order, exec, event.Timestamp)
		}
		pos := p.positions[exec.Symbol]
		pos.Symbol = exec.Symbol
		p.positions[exec.Symbol] = applyExecutionToPosition(pos, exec)

	case eventlog.TypeOrderStatusChanged:
		var sc eventlog.OrderStatusChanged
		if err := event.Decode(&sc); err != nil {
			return err
		}
		if order, ok := p.orders[sc.OrderID]; ok {
			p.orders[sc.OrderID] = applyStatus(order, sc, event.Timestamp)
		}

	case eventlog.TypeRegimeShifted:
		var shift eventlog.RegimeShifted
		if err := event.Decode(&shift); err != nil {
			return err
		}
		p.system.Regime = shift.To

	case eventlog.TypeSessionLocked:
		var locked eventlog.SessionLocked
		if err := event.Decode(&locked); err != nil {
			return err
		}
		p.system.Locked = true
		p.system.LockReason = locked.Reason

	case eventlog.TypeSessionFlattened:
		p.system.Locked = false
		p.system.LockReason = ""

	case eventlog.TypeRiskLimitBreached, eventlog.TypeSignalReceived, eventlog.TypeOutcomeRecorded:
		// Persisted for audit; no read-model state here.

	default:
		return fmt.Errorf("unknown event type %q at seq %d", event.Type, event.Seq)
	}

	p.system.LastSeq = event.Seq
	return nil
}

// LastSeq returns the sequence id of the last applied event
func (p *Projection) LastSeq() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.system.LastSeq
}

// Order returns the state of a single order
func (p *Projection) Order(orderID string) (OrderState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	return order, ok
}

// Orders returns all orders sorted by order id
func (p *Projection) Orders() []OrderState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]OrderState, 0, len(p.orders))
	for _, order := range p.orders {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// OpenOrders returns orders still working at the broker
func (p *Projection) OpenOrders() []OrderState {
	all := p.Orders()
	out := all[:0]
	for _, order := range all {
		if order.Status == eventlog.StatusSubmitted || order.Status == eventlog.StatusPartial {
			out = append(out, order)
		}
	}
	return out
}

// Position returns the state of a single symbol's position
func (p *Projection) Position(symbol string) (PositionState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

// Positions returns all positions sorted by symbol
func (p *Projection) Positions() []PositionState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PositionState, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenPositions returns positions with non-zero quantity
func (p *Projection) OpenPositions() []PositionState {
	all := p.Positions()
	out := all[:0]
	for _, pos := range all {
		if !pos.Qty.IsZero() {
			out = append(out, pos)
		}
	}
	return out
}

// State returns a snapshot of the system state
func (p *Projection) State() SystemState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.system
}
