package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrTooManySubscriptions is returned when the subscription cap is reached
var ErrTooManySubscriptions = errors.New("subscription limit reached")

// ErrUnknownSubscription is returned for operations on an unknown id
var ErrUnknownSubscription = errors.New("unknown subscription id")

// Kind identifies a subscription stream type
type Kind string

const (
	KindRealTimeBars   Kind = "realTimeBars"
	KindAccountUpdates Kind = "accountUpdates"
	KindMarketDepth    Kind = "marketDepth"
	KindQuoteSnapshot  Kind = "quoteSnapshot"
)

// barBufferSize is the per-subscription streaming buffer capacity
const barBufferSize = 300

// SubscribePayload carries the instrument parameters of a subscription
type SubscribePayload struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	BarSize  string `json:"bar_size,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

// Subscription is one live gateway subscription. The client-facing ID is
// stable across reconnects; ReqID is refreshed on every resurrection.
type Subscription struct {
	ID      string           `json:"id"`
	ReqID   int64            `json:"req_id"`
	Kind    Kind             `json:"kind"`
	Payload SubscribePayload `json:"payload"`

	buf *BarRing
}

// submitter is the slice of Session the registry needs
type submitter interface {
	Submit(ctx context.Context, req Request, handlers Handlers) (*Ticket, error)
	Cancel(ctx context.Context, reqID int64) error
}

// Registry tracks live subscriptions, deduplicates them, buffers their
// streaming data and resurrects them after reconnect.
type Registry struct {
	session submitter
	cap     int
	logger  zerolog.Logger

	mu    sync.RWMutex
	subs  map[string]*Subscription
	byKey map[string]string // (kind,symbol,exchange) -> id
}

// NewRegistry creates a registry with the given subscription cap
func NewRegistry(session submitter, capacity int) *Registry {
	return &Registry{
		session: session,
		cap:     capacity,
		logger:  log.With().Str("component", "subscriptions").Logger(),
		subs:    make(map[string]*Subscription),
		byKey:   make(map[string]string),
	}
}

func subKey(kind Kind, p SubscribePayload) string {
	return fmt.Sprintf("%s|%s|%s", kind, p.Symbol, p.Exchange)
}

// Subscribe establishes a gateway subscription and returns its client id.
// Subscribing to an existing (kind, symbol, exchange) is idempotent and
// returns the existing id.
func (r *Registry) Subscribe(ctx context.Context, kind Kind, payload SubscribePayload) (string, error) {
	r.mu.Lock()
	if id, ok := r.byKey[subKey(kind, payload)]; ok {
		r.mu.Unlock()
		return id, nil
	}
	if len(r.subs) >= r.cap {
		r.mu.Unlock()
		return "", ErrTooManySubscriptions
	}

	sub := &Subscription{
		ID:      "s-" + uuid.NewString(),
		Kind:    kind,
		Payload: payload,
		buf:     NewBarRing(barBufferSize),
	}
	r.subs[sub.ID] = sub
	r.byKey[subKey(kind, payload)] = sub.ID
	r.mu.Unlock()

	if err := r.establish(ctx, sub); err != nil {
		r.mu.Lock()
		delete(r.subs, sub.ID)
		delete(r.byKey, subKey(kind, payload))
		r.mu.Unlock()
		return "", err
	}

	r.logger.Info().
		Str("id", sub.ID).
		Str("kind", string(kind)).
		Str("symbol", payload.Symbol).
		Msg("Subscription established")
	return sub.ID, nil
}

// establish submits the gateway request for a subscription and wires its
// streaming handler into the bar buffer
func (r *Registry) establish(ctx context.Context, sub *Subscription) error {
	ticket, err := r.session.Submit(ctx, Request{
		Method: "subscribe_" + string(sub.Kind),
		Params: sub.Payload,
	}, Handlers{
		OnEvent: func(reqID int64, event WireEvent) {
			if event.Type != "bar" {
				return
			}
			var bar Bar
			if err := json.Unmarshal(event.Payload, &bar); err != nil {
				r.logger.Warn().Err(err).Str("id", sub.ID).Msg("Malformed bar payload")
				return
			}
			sub.buf.Push(bar)
		},
		OnError: func(reqID int64, code int, msg string) {
			r.logger.Error().
				Str("id", sub.ID).
				Int("code", code).
				Str("message", msg).
				Msg("Subscription stream error")
		},
	})
	if err != nil {
		return fmt.Errorf("establish %s subscription for %s: %w", sub.Kind, sub.Payload.Symbol, err)
	}

	r.mu.Lock()
	sub.ReqID = ticket.ReqID
	r.mu.Unlock()
	return nil
}

// Unsubscribe cancels a subscription and removes it from the registry
func (r *Registry) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
		delete(r.byKey, subKey(sub.Kind, sub.Payload))
	}
	r.mu.Unlock()

	if !ok {
		return ErrUnknownSubscription
	}
	if err := r.session.Cancel(ctx, sub.ReqID); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", id, err)
	}
	r.logger.Info().Str("id", id).Msg("Subscription removed")
	return nil
}

// Buffer returns up to n most recent buffered bars for a subscription
func (r *Registry) Buffer(id string, n int) ([]Bar, error) {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSubscription
	}
	return sub.buf.Last(n), nil
}

// RecentBars returns up to n buffered bars for the symbol's real-time bar
// subscription, oldest first. A symbol with no subscription yields nil.
func (r *Registry) RecentBars(symbol string, n int) []Bar {
	r.mu.RLock()
	var sub *Subscription
	for _, s := range r.subs {
		if s.Kind == KindRealTimeBars && s.Payload.Symbol == symbol {
			sub = s
			break
		}
	}
	r.mu.RUnlock()

	if sub == nil {
		return nil
	}
	return sub.buf.Last(n)
}

// List returns a snapshot of all live subscriptions sorted by id
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live subscriptions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Resurrect re-establishes every subscription after a reconnect. Client ids
// are preserved; each subscription receives a fresh gateway reqId.
func (r *Registry) Resurrect(ctx context.Context) error {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := r.establish(ctx, sub); err != nil {
			r.logger.Error().Err(err).Str("id", sub.ID).Msg("Failed to resurrect subscription")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info().
			Str("id", sub.ID).
			Int64("req_id", sub.ReqID).
			Msg("Subscription resurrected")
	}
	return firstErr
}
