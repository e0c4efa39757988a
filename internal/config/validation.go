package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError describes a single invalid configuration field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all invalid fields found in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for invalid values. The process refuses
// to start on any validation failure.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message})
	}

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		add("app.environment", fmt.Sprintf("unknown environment %q", c.App.Environment))
	}

	if c.Broker.Host == "" {
		add("broker.host", "must not be empty")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		add("broker.port", fmt.Sprintf("invalid port %d", c.Broker.Port))
	}
	if c.Broker.MaxSubscriptions < 1 {
		add("broker.max_subscriptions", "must be at least 1")
	}
	if c.Broker.ReconnectBaseMS < 1 {
		add("broker.reconnect_base_ms", "must be positive")
	}
	if c.Broker.ReconnectMaxMS < c.Broker.ReconnectBaseMS {
		add("broker.reconnect_max_ms", "must be >= reconnect_base_ms")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		add("api.port", fmt.Sprintf("invalid port %d", c.API.Port))
	}
	if c.App.Environment == "production" && c.API.APIKey == "" {
		add("api.api_key", "required in production")
	}

	if c.Database.Path == "" {
		add("database.path", "must not be empty")
	}

	if c.LLM.TimeoutMS < 1000 {
		add("llm.timeout_ms", "must be at least 1000")
	}

	if c.Ensemble.Threshold < 0 || c.Ensemble.Threshold > 100 {
		add("ensemble.threshold", "must be in [0, 100]")
	}
	switch c.Ensemble.Dispersion {
	case "stdev", "range":
	default:
		add("ensemble.dispersion", fmt.Sprintf("must be \"stdev\" or \"range\", got %q", c.Ensemble.Dispersion))
	}

	if c.Risk.RiskPct <= 0 || c.Risk.RiskPct > 0.1 {
		add("risk.risk_pct", "must be in (0, 0.1]")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 0.5 {
		add("risk.max_daily_loss_pct", "must be in (0, 0.5]")
	}
	if c.Risk.MarginMultiplier <= 0 {
		add("risk.margin_multiplier", "must be positive")
	}
	if c.Risk.ConsecutiveLossLimit < 1 {
		add("risk.consecutive_loss_limit", "must be at least 1")
	}

	if c.Flatten.Enabled {
		if _, err := ParseClock(c.Flatten.At); err != nil {
			add("flatten.at", err.Error())
		}
		if _, err := time.LoadLocation(c.Flatten.Timezone); err != nil {
			add("flatten.timezone", fmt.Sprintf("unknown timezone %q", c.Flatten.Timezone))
		}
	}

	if c.Ops.SampleIntervalSec < 1 {
		add("ops.sample_interval_sec", "must be positive")
	}

	if c.MCP.IdleTTLMin < 1 {
		add("mcp.idle_ttl_min", "must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clock is a wall-clock time of day
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an "HH:MM" string
func ParseClock(s string) (Clock, error) {
	var c Clock
	if _, err := fmt.Sscanf(s, "%d:%d", &c.Hour, &c.Minute); err != nil {
		return c, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return c, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return c, nil
}
