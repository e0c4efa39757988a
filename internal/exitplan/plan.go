// Package exitplan manages the exit side of a bracket trade: a hard stop,
// a take-profit ladder, a runner policy for the residual, and an
// append-only override log that records every change with a reason.
package exitplan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the plan lifecycle state
type State string

const (
	StateDraft      State = "draft"
	StateActive     State = "active"
	StateProtecting State = "protecting" // stop moved to lock in gains
	StateScaling    State = "scaling"    // ladder rungs filling
	StateExited     State = "exited"
	StateCancelled  State = "cancelled"
)

// Override reasons. Every plan mutation names one.
const (
	ReasonRevenge        = "revenge"
	ReasonTooEarly       = "too_early"
	ReasonTooLate        = "too_late"
	ReasonFreeze         = "freeze"
	ReasonTilt           = "tilt"
	ReasonNews           = "news"
	ReasonTechnical      = "technical"
	ReasonSizing         = "sizing"
	ReasonManualOverride = "manual_override"
	ReasonSystemError    = "system_error"
)

var validReasons = map[string]bool{
	ReasonRevenge:        true,
	ReasonTooEarly:       true,
	ReasonTooLate:        true,
	ReasonFreeze:         true,
	ReasonTilt:           true,
	ReasonNews:           true,
	ReasonTechnical:      true,
	ReasonSizing:         true,
	ReasonManualOverride: true,
	ReasonSystemError:    true,
}

// ValidReason reports whether s is an accepted override reason
func ValidReason(s string) bool { return validReasons[s] }

// Rung is one take-profit step
type Rung struct {
	Label       string          `json:"label"`
	Price       decimal.Decimal `json:"price"`
	QtyFraction decimal.Decimal `json:"qty_fraction"`
	Filled      bool            `json:"filled"`
}

// RunnerPolicy controls the residual after the ladder fills
type RunnerPolicy struct {
	TrailPct       float64 `json:"trail_pct,omitempty"`
	ATRMultiple    float64 `json:"atr_multiple,omitempty"`
	TimeStopMin    int     `json:"time_stop_min,omitempty"`
	BreakevenTrail bool    `json:"breakeven_trail"`
}

// Override is one append-only log entry for a plan mutation
type Override struct {
	Field     string    `json:"field"`
	Old       string    `json:"old"`
	New       string    `json:"new"`
	Reason    string    `json:"reason"`
	Notes     string    `json:"notes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Plan is the exit plan for one bracket
type Plan struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Direction      string          `json:"direction"` // "long" or "short"
	Entry          decimal.Decimal `json:"entry"`
	HardStop       decimal.Decimal `json:"hard_stop"`
	Ladder         []Rung          `json:"ladder"`
	Runner         RunnerPolicy    `json:"runner"`
	ProtectAtR     float64         `json:"protect_at_r"`    // R-multiple that arms protection
	GivebackMax    float64         `json:"giveback_max"`    // max (MFE-realized)/MFE to concede
	State          State           `json:"state"`
	MFE            decimal.Decimal `json:"mfe"` // per-share, favorable
	Overrides      []Override      `json:"overrides"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// validTransitions is the plan state machine. Cancelled is reachable from
// every non-terminal state.
var validTransitions = map[State][]State{
	StateDraft:      {StateActive, StateCancelled},
	StateActive:     {StateProtecting, StateScaling, StateExited, StateCancelled},
	StateProtecting: {StateScaling, StateExited, StateCancelled},
	StateScaling:    {StateExited, StateCancelled},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks the plan invariants: stop on the correct side of entry
// and ladder fractions summing to at most 1
func (p *Plan) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("exit plan missing symbol")
	}
	if p.Direction != "long" && p.Direction != "short" {
		return fmt.Errorf("exit plan direction must be long or short, got %q", p.Direction)
	}
	if p.HardStop.IsZero() {
		return fmt.Errorf("exit plan requires a hard stop")
	}
	if p.Direction == "long" && p.HardStop.GreaterThanOrEqual(p.Entry) {
		return fmt.Errorf("long plan stop %s must be below entry %s", p.HardStop, p.Entry)
	}
	if p.Direction == "short" && p.HardStop.LessThanOrEqual(p.Entry) {
		return fmt.Errorf("short plan stop %s must be above entry %s", p.HardStop, p.Entry)
	}

	total := decimal.Zero
	for _, rung := range p.Ladder {
		if rung.QtyFraction.IsNegative() {
			return fmt.Errorf("ladder rung %q has negative qty fraction", rung.Label)
		}
		total = total.Add(rung.QtyFraction)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ladder qty fractions sum to %s, must be <= 1", total)
	}
	return nil
}

// RiskPerShare is |entry - hard_stop|
func (p *Plan) RiskPerShare() decimal.Decimal {
	return p.Entry.Sub(p.HardStop).Abs()
}

// CurrentR converts a per-share favorable move into R-multiples
func (p *Plan) CurrentR(price decimal.Decimal) float64 {
	risk := p.RiskPerShare()
	if risk.IsZero() {
		return 0
	}
	var move decimal.Decimal
	if p.Direction == "long" {
		move = price.Sub(p.Entry)
	} else {
		move = p.Entry.Sub(price)
	}
	r, _ := move.Div(risk).Float64()
	return r
}

// GivebackBreached reports whether the fraction of peak favorable
// excursion conceded at the given price exceeds the guard
func (p *Plan) GivebackBreached(price decimal.Decimal) bool {
	if p.GivebackMax <= 0 || p.MFE.IsZero() || !p.MFE.IsPositive() {
		return false
	}
	var current decimal.Decimal
	if p.Direction == "long" {
		current = price.Sub(p.Entry)
	} else {
		current = p.Entry.Sub(price)
	}
	conceded := p.MFE.Sub(current)
	if !conceded.IsPositive() {
		return false
	}
	ratio, _ := conceded.Div(p.MFE).Float64()
	return ratio >= p.GivebackMax
}
