package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/config"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/projection"
)

// Trader executes the flatten: market-close open positions and cancel
// working orders
type Trader interface {
	ClosePosition(ctx context.Context, pos projection.PositionState) error
	CancelOrder(ctx context.Context, orderID string) error
}

// Book exposes the open positions and orders to flatten
type Book interface {
	OpenPositions() []projection.PositionState
	OpenOrders() []projection.OrderState
}

// Flattener closes every open position and cancels every working order at
// a configured local time. Firing is idempotent per calendar day in the
// configured timezone, tracked via firedDay.
type Flattener struct {
	clock  config.Clock
	loc    *time.Location
	book   Book
	trader Trader
	events appender
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	firedDay string
}

// NewFlattener creates the end-of-day flatten scheduler
func NewFlattener(clock config.Clock, loc *time.Location, book Book, trader Trader, events appender) *Flattener {
	return &Flattener{
		clock:  clock,
		loc:    loc,
		book:   book,
		trader: trader,
		events: events,
		logger: log.With().Str("component", "flatten").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the scheduler clock (tests)
func (f *Flattener) SetClock(now func() time.Time) {
	f.now = now
}

// FiredToday reports whether the flatten already ran this calendar day
func (f *Flattener) FiredToday() bool {
	today := f.now().In(f.loc).Format("2006-01-02")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firedDay == today
}

// due reports whether the configured local time has been reached and the
// flatten has not fired yet today
func (f *Flattener) due() bool {
	now := f.now().In(f.loc)
	if f.FiredToday() {
		return false
	}
	trigger := time.Date(now.Year(), now.Month(), now.Day(), f.clock.Hour, f.clock.Minute, 0, 0, f.loc)
	return !now.Before(trigger)
}

// Run checks the schedule until the context is cancelled. The scheduler
// goroutine and the manual flatten_now path both call Trigger; the
// per-day latch makes whichever arrives second a no-op.
func (f *Flattener) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.due() {
				if _, err := f.Trigger(ctx); err != nil {
					f.logger.Error().Err(err).Msg("Flatten trigger failed")
				}
			}
		}
	}
}

// Trigger performs the flatten now. It returns false without acting when
// it already fired this calendar day.
func (f *Flattener) Trigger(ctx context.Context) (bool, error) {
	today := f.now().In(f.loc).Format("2006-01-02")
	f.mu.Lock()
	if f.firedDay == today {
		f.mu.Unlock()
		f.logger.Debug().Msg("Flatten already fired today")
		return false, nil
	}
	f.firedDay = today
	f.mu.Unlock()

	positions := f.book.OpenPositions()
	orders := f.book.OpenOrders()
	f.logger.Info().
		Int("positions", len(positions)).
		Int("orders", len(orders)).
		Msg("End-of-day flatten firing")

	var firstErr error
	for _, pos := range positions {
		if err := f.trader.ClosePosition(ctx, pos); err != nil {
			f.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to close position")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, order := range orders {
		if err := f.trader.CancelOrder(ctx, order.OrderID); err != nil {
			f.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to cancel order")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if f.events != nil {
		if _, err := f.events.Append(ctx, eventlog.SessionFlattened{
			Positions: len(positions),
			Orders:    len(orders),
		}); err != nil {
			f.logger.Error().Err(err).Msg("Failed to append SessionFlattened event")
		}
	}
	return true, firstErr
}
