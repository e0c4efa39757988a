package exitplan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNotFound marks a missing plan id
var ErrNotFound = errors.New("exit plan not found")

// Persister stores plans and their override log rows
type Persister interface {
	SaveExitPlan(ctx context.Context, plan Plan) error
	SaveExitEvent(ctx context.Context, planID string, ov Override) error
}

// Manager owns the live exit plans for the process
type Manager struct {
	mu        sync.RWMutex
	plans     map[string]*Plan
	persister Persister
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager creates an exit plan manager. persister may be nil.
func NewManager(persister Persister) *Manager {
	return &Manager{
		plans:     make(map[string]*Plan),
		persister: persister,
		logger:    log.With().Str("component", "exitplan").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the manager clock (tests)
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Create validates and registers a new draft plan
func (m *Manager) Create(ctx context.Context, plan Plan) (Plan, error) {
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	plan.ID = uuid.New().String()
	plan.State = StateDraft
	plan.CreatedAt = m.now().UTC()
	plan.UpdatedAt = plan.CreatedAt

	m.mu.Lock()
	m.plans[plan.ID] = &plan
	m.mu.Unlock()

	m.persist(ctx, plan)
	m.logger.Info().
		Str("plan_id", plan.ID).
		Str("symbol", plan.Symbol).
		Str("direction", plan.Direction).
		Msg("Exit plan created")
	return plan, nil
}

// Get returns a snapshot of one plan
func (m *Manager) Get(id string) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[id]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return *plan, nil
}

// List returns snapshots of all plans sorted by creation time
func (m *Manager) List() []Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		out = append(out, *plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Transition moves a plan to a new state, appending the override entry.
// Illegal transitions and unknown reasons are rejected.
func (m *Manager) Transition(ctx context.Context, id string, to State, reason, notes string) (Plan, error) {
	if !ValidReason(reason) {
		return Plan{}, fmt.Errorf("invalid override reason %q", reason)
	}

	m.mu.Lock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return Plan{}, ErrNotFound
	}
	if !CanTransition(plan.State, to) {
		from := plan.State
		m.mu.Unlock()
		return Plan{}, fmt.Errorf("illegal exit plan transition %s -> %s", from, to)
	}

	ov := Override{
		Field:     "state",
		Old:       string(plan.State),
		New:       string(to),
		Reason:    reason,
		Notes:     notes,
		Timestamp: m.now().UTC(),
	}
	plan.State = to
	plan.Overrides = append(plan.Overrides, ov)
	plan.UpdatedAt = ov.Timestamp
	snapshot := *plan
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.persistEvent(ctx, snapshot.ID, ov)
	m.logger.Info().
		Str("plan_id", id).
		Str("from", ov.Old).
		Str("to", ov.New).
		Str("reason", reason).
		Msg("Exit plan transitioned")
	return snapshot, nil
}

// MoveStop adjusts the hard stop with a logged override. The stop can only
// tighten (toward price for longs, away for shorts is rejected).
func (m *Manager) MoveStop(ctx context.Context, id string, newStop decimal.Decimal, reason, notes string) (Plan, error) {
	if !ValidReason(reason) {
		return Plan{}, fmt.Errorf("invalid override reason %q", reason)
	}

	m.mu.Lock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return Plan{}, ErrNotFound
	}
	if plan.State == StateExited || plan.State == StateCancelled {
		state := plan.State
		m.mu.Unlock()
		return Plan{}, fmt.Errorf("cannot move stop on %s plan", state)
	}

	loosening := (plan.Direction == "long" && newStop.LessThan(plan.HardStop)) ||
		(plan.Direction == "short" && newStop.GreaterThan(plan.HardStop))
	if loosening {
		old := plan.HardStop
		m.mu.Unlock()
		return Plan{}, fmt.Errorf("stop may only tighten: %s -> %s widens risk", old, newStop)
	}

	ov := Override{
		Field:     "hard_stop",
		Old:       plan.HardStop.String(),
		New:       newStop.String(),
		Reason:    reason,
		Notes:     notes,
		Timestamp: m.now().UTC(),
	}
	plan.HardStop = newStop
	plan.Overrides = append(plan.Overrides, ov)
	plan.UpdatedAt = ov.Timestamp
	snapshot := *plan
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.persistEvent(ctx, snapshot.ID, ov)
	return snapshot, nil
}

// Track folds a price observation into the plan: updates MFE, arms
// protection at the configured R threshold, and reports whether the
// giveback guard demands an exit.
func (m *Manager) Track(ctx context.Context, id string, price decimal.Decimal) (exitNow bool, err error) {
	m.mu.Lock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if plan.State != StateActive && plan.State != StateProtecting && plan.State != StateScaling {
		m.mu.Unlock()
		return false, nil
	}

	var favorable decimal.Decimal
	if plan.Direction == "long" {
		favorable = price.Sub(plan.Entry)
	} else {
		favorable = plan.Entry.Sub(price)
	}
	if favorable.GreaterThan(plan.MFE) {
		plan.MFE = favorable
	}

	protect := plan.State == StateActive && plan.ProtectAtR > 0 && plan.CurrentR(price) >= plan.ProtectAtR
	exitNow = plan.GivebackBreached(price)
	id = plan.ID
	m.mu.Unlock()

	if protect {
		if _, err := m.Transition(ctx, id, StateProtecting, ReasonTechnical, "protect trigger reached"); err != nil {
			return exitNow, err
		}
	}
	return exitNow, nil
}

// RecordFill marks a ladder rung filled and moves the plan to scaling
func (m *Manager) RecordFill(ctx context.Context, id, label string) (Plan, error) {
	m.mu.Lock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return Plan{}, ErrNotFound
	}
	found := false
	for i := range plan.Ladder {
		if plan.Ladder[i].Label == label {
			plan.Ladder[i].Filled = true
			found = true
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return Plan{}, fmt.Errorf("ladder rung %q not found", label)
	}
	state := plan.State
	m.mu.Unlock()

	if state == StateActive || state == StateProtecting {
		return m.Transition(ctx, id, StateScaling, ReasonTechnical, "ladder rung "+label+" filled")
	}
	return m.Get(id)
}

func (m *Manager) persist(ctx context.Context, plan Plan) {
	if m.persister == nil {
		return
	}
	if err := m.persister.SaveExitPlan(ctx, plan); err != nil {
		m.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("Failed to persist exit plan")
	}
}

func (m *Manager) persistEvent(ctx context.Context, planID string, ov Override) {
	if m.persister == nil {
		return
	}
	if err := m.persister.SaveExitEvent(ctx, planID, ov); err != nil {
		m.logger.Error().Err(err).Str("plan_id", planID).Msg("Failed to persist exit event")
	}
}
