// Package agent is the action dispatcher: a registry of named actions with
// declared parameter schemas, per-API-key rate limiting, and OpenAPI
// generation from the registry itself.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Rate-limit classes. Every action belongs to exactly one; the global
// bucket applies on top of the class bucket.
const (
	ClassGlobal = "global"
	ClassOrders = "orders"
	ClassCollab = "collab"
	ClassEvals  = "evals"
)

// Param declares one parameter of an action's schema
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, integer, boolean, array, object
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc executes one action. params is the raw JSON params object.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Action is one registry entry
type Action struct {
	Name        string
	Description string
	Class       string // rate-limit class; empty means global only
	Params      []Param
	Handler     HandlerFunc
}

// Registry maps action names to handlers. It is populated at startup and
// read-only afterwards; the lock covers late registrations in tests.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Duplicate names and nil handlers are refused.
func (r *Registry) Register(a Action) error {
	if a.Name == "" {
		return fmt.Errorf("action name must not be empty")
	}
	if a.Handler == nil {
		return fmt.Errorf("action %s has no handler", a.Name)
	}
	if a.Class == "" {
		a.Class = ClassGlobal
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name]; exists {
		return fmt.Errorf("action %s already registered", a.Name)
	}
	r.actions[a.Name] = a
	return nil
}

// MustRegister registers an action and panics on error (startup wiring)
func (r *Registry) MustRegister(a Action) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get looks up an action by name
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns all registered action names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Actions returns all registered actions sorted by name
func (r *Registry) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UnknownActionError is returned for an action name not in the registry
type UnknownActionError struct {
	Action string
	Valid  []string // sorted
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// ParamError reports a failed parameter validation naming the field
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
}

// RateLimitError reports a denied request with the bucket that tripped
type RateLimitError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for bucket %s", e.Bucket)
}
