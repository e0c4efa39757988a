package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInternal is the sanitized error surfaced when a handler panics or
// fails unexpectedly. The real error goes to the logs only.
var ErrInternal = errors.New("internal error")

// Request is the dispatch envelope: {action, params}
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Dispatcher routes requests to registered actions with rate limiting and
// panic containment
type Dispatcher struct {
	registry *Registry
	limits   *RateLimiter
	logger   zerolog.Logger
}

// NewDispatcher wires a dispatcher over the registry. limits may be nil to
// disable rate limiting (tests).
func NewDispatcher(registry *Registry, limits *RateLimiter) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		limits:   limits,
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Registry exposes the action registry (OpenAPI generation, MCP tools)
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch executes one action for the given API key. Error types carry
// the classification: *UnknownActionError, *ParamError, *RateLimitError,
// or ErrInternal for contained handler failures. Domain errors from
// handlers pass through unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, apiKey string, req Request) (result interface{}, err error) {
	started := time.Now()
	action, ok := d.registry.Get(req.Action)
	if !ok {
		actionsTotal.WithLabelValues(req.Action, "unknown").Inc()
		return nil, &UnknownActionError{Action: req.Action, Valid: d.registry.Names()}
	}

	if d.limits != nil {
		if err := d.limits.Allow(apiKey, action.Class); err != nil {
			actionsTotal.WithLabelValues(req.Action, "rate_limited").Inc()
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("action", req.Action).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
			actionsTotal.WithLabelValues(req.Action, "panic").Inc()
			result, err = nil, ErrInternal
		}
	}()

	result, err = action.Handler(ctx, req.Params)
	actionDuration.WithLabelValues(req.Action).Observe(time.Since(started).Seconds())
	if err != nil {
		var paramErr *ParamError
		if errors.As(err, &paramErr) {
			actionsTotal.WithLabelValues(req.Action, "bad_params").Inc()
		} else {
			actionsTotal.WithLabelValues(req.Action, "error").Inc()
			d.logger.Warn().Err(err).Str("action", req.Action).Msg("Action failed")
		}
		return nil, err
	}
	actionsTotal.WithLabelValues(req.Action, "ok").Inc()
	return result, nil
}

// decodeParams unmarshals an action's params into its declared struct.
// Unknown extra fields are rejected; decode failures name the field.
func decodeParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return &ParamError{Field: fieldFromDecodeError(err), Reason: err.Error()}
	}
	return nil
}

func fieldFromDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Field
	}
	// json: unknown field "xyz"
	msg := err.Error()
	if i := strings.Index(msg, `unknown field "`); i >= 0 {
		rest := msg[i+len(`unknown field "`):]
		if j := strings.Index(rest, `"`); j >= 0 {
			return rest[:j]
		}
	}
	return "params"
}

// missing builds the validation error for an absent required field
func missing(field string) error {
	return &ParamError{Field: field, Reason: "required"}
}

// invalid builds the validation error for a present but unusable field
func invalid(field, format string, args ...interface{}) error {
	return &ParamError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
