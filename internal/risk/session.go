package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradebridge/internal/config"
	"tradebridge/internal/eventlog"
)

// State is the session lifecycle state
type State string

const (
	StateOpen   State = "open"
	StateLocked State = "locked"
	StateClosed State = "closed"
)

// Lock reasons surfaced in veto decisions and SessionLocked events
const (
	ReasonDailyLoss         = "daily_loss_exceeded"
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonMaxDailyTrades    = "max_daily_trades"
	ReasonManual            = "manual"
	ReasonSessionLocked     = "session_locked"
)

// appender is the slice of the event store the session needs
type appender interface {
	Append(ctx context.Context, payload interface{}) (eventlog.Event, error)
}

// OrderIntent describes a proposed order for the pre-trade veto
type OrderIntent struct {
	Symbol   string
	Side     eventlog.Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal // qty * price; computed if zero
}

// Decision is the result of a pre-trade risk check. A veto is a normal
// outcome, not an error.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Snapshot is a read-only view of the session state
type Snapshot struct {
	Date              string          `json:"date"`
	State             State           `json:"state"`
	LockReason        string          `json:"lock_reason,omitempty"`
	Equity            decimal.Decimal `json:"equity"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	TradeCount        int             `json:"trade_count"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
}

// Session is the per-trading-day risk state machine:
// open -> locked (loss limits) and open/locked -> closed -> open (calendar
// rollover in the configured timezone). While locked, every order
// submission is vetoed until explicit unlock or rollover.
type Session struct {
	cfg    config.RiskConfig
	loc    *time.Location
	events appender
	logger zerolog.Logger
	now    func() time.Time

	mu                sync.Mutex
	date              string
	state             State
	lockReason        string
	equity            decimal.Decimal
	realized          decimal.Decimal
	tradeCount        int
	consecutiveLosses int
}

// NewSession creates a session for the current trading day
func NewSession(cfg config.RiskConfig, loc *time.Location, equity decimal.Decimal, events appender) *Session {
	s := &Session{
		cfg:    cfg,
		loc:    loc,
		events: events,
		logger: log.With().Str("component", "risk_session").Logger(),
		now:    time.Now,
		state:  StateOpen,
		equity: equity,
	}
	s.date = s.now().In(loc).Format("2006-01-02")
	return s
}

// SetClock overrides the session clock (tests)
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// rollover resets the session when the calendar date changes in the
// configured timezone. Callers must hold s.mu.
func (s *Session) rollover() {
	today := s.now().In(s.loc).Format("2006-01-02")
	if today == s.date {
		return
	}
	s.logger.Info().Str("from", s.date).Str("to", today).Msg("Session date rollover")
	s.date = today
	s.state = StateOpen
	s.lockReason = ""
	s.realized = decimal.Zero
	s.tradeCount = 0
	s.consecutiveLosses = 0
}

// lock transitions to locked and appends a SessionLocked event. Callers
// must hold s.mu.
func (s *Session) lock(ctx context.Context, reason string) {
	if s.state == StateLocked {
		return
	}
	s.state = StateLocked
	s.lockReason = reason
	s.logger.Warn().Str("reason", reason).Msg("Session locked")
	if s.events != nil {
		if _, err := s.events.Append(ctx, eventlog.SessionLocked{Reason: reason}); err != nil {
			s.logger.Error().Err(err).Msg("Failed to append SessionLocked event")
		}
	}
}

// CheckRisk is the pre-trade veto every order submission funnels through
func (s *Session) CheckRisk(ctx context.Context, intent OrderIntent) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()

	if s.state == StateLocked {
		return Decision{Allowed: false, Reason: ReasonSessionLocked}
	}
	if s.state == StateClosed {
		return Decision{Allowed: false, Reason: "session_closed"}
	}

	// Daily loss cap: realized loss as a fraction of equity.
	if s.realized.Sign() < 0 && s.equity.Sign() > 0 {
		lossPct := s.realized.Abs().Div(s.equity)
		if lossPct.GreaterThan(decimal.NewFromFloat(s.cfg.MaxDailyLossPct)) {
			s.lock(ctx, ReasonDailyLoss)
			return Decision{Allowed: false, Reason: ReasonDailyLoss}
		}
	}

	if s.consecutiveLosses >= s.cfg.ConsecutiveLossLimit {
		s.lock(ctx, ReasonConsecutiveLosses)
		return Decision{Allowed: false, Reason: ReasonConsecutiveLosses}
	}

	if s.cfg.MaxDailyTrades > 0 && s.tradeCount >= s.cfg.MaxDailyTrades {
		return Decision{Allowed: false, Reason: ReasonMaxDailyTrades}
	}

	var warnings []string
	notional := intent.Notional
	if notional.IsZero() {
		notional = intent.Qty.Mul(intent.Price)
	}
	if s.equity.Sign() > 0 && notional.Sign() > 0 {
		concentration := notional.Div(s.equity)
		if concentration.GreaterThan(decimal.NewFromFloat(s.cfg.MaxConcentrationPct)) {
			warnings = append(warnings, "order notional exceeds concentration limit")
		}
	}

	return Decision{Allowed: true, Warnings: warnings}
}

// RecordTrade counts an accepted order submission against the daily cap
func (s *Session) RecordTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	s.tradeCount++
}

// RecordOutcome folds a closed trade's P&L into the session and trips the
// loss lockouts when limits are breached
func (s *Session) RecordOutcome(ctx context.Context, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()

	s.realized = s.realized.Add(pnl)
	if pnl.Sign() < 0 {
		s.consecutiveLosses++
	} else if pnl.Sign() > 0 {
		s.consecutiveLosses = 0
	}

	if s.equity.Sign() > 0 && s.realized.Sign() < 0 {
		lossPct := s.realized.Abs().Div(s.equity)
		if lossPct.GreaterThan(decimal.NewFromFloat(s.cfg.MaxDailyLossPct)) {
			s.lock(ctx, ReasonDailyLoss)
			return
		}
	}
	if s.consecutiveLosses >= s.cfg.ConsecutiveLossLimit {
		s.lock(ctx, ReasonConsecutiveLosses)
	}
}

// CheckEvaluation is the ensemble prefilter. A locked or closed session
// does not stop the models from running, but the verdict is forced to
// should_trade=false with the lock reason attached.
func (s *Session) CheckEvaluation(symbol, direction string) (blocked bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()

	switch s.state {
	case StateLocked:
		return true, s.lockReason
	case StateClosed:
		return true, "session_closed"
	}
	return false, ""
}

// SetEquity updates the account equity used for loss-percentage checks
func (s *Session) SetEquity(equity decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = equity
}

// Lock manually locks the session
func (s *Session) Lock(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = ReasonManual
	}
	s.lock(ctx, reason)
}

// Unlock explicitly clears a lock before the date rollover would
func (s *Session) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLocked {
		return
	}
	s.state = StateOpen
	s.lockReason = ""
	s.logger.Info().Msg("Session unlocked")
}

// Snapshot returns a read-only view of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	return Snapshot{
		Date:              s.date,
		State:             s.state,
		LockReason:        s.lockReason,
		Equity:            s.equity,
		RealizedPnL:       s.realized,
		TradeCount:        s.tradeCount,
		ConsecutiveLosses: s.consecutiveLosses,
	}
}
