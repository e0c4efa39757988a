package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY,
	type      TEXT    NOT NULL,
	timestamp TEXT    NOT NULL,
	payload   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is disconnected; it can detect the gap via sequence
// ids and re-hydrate with Replay.
const subscriberBuffer = 1024

// Store is the append-only, durable event log. Appends are linearized so
// sequence ids are contiguous with no gaps.
type Store struct {
	db *sqlx.DB

	mu   sync.Mutex // serializes Append; guards tail
	tail int64

	subMu  sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Open initializes the event store on the given database, creating the
// events table if needed and recovering the current tail.
func Open(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create events table: %w", err)
	}

	var tail int64
	if err := db.Get(&tail, `SELECT COALESCE(MAX(seq), 0) FROM events`); err != nil {
		return nil, fmt.Errorf("recover event log tail: %w", err)
	}

	log.Info().Int64("tail", tail).Msg("Event log opened")

	return &Store{
		db:   db,
		tail: tail,
		subs: make(map[int]*subscriber),
	}, nil
}

// Tail returns the sequence id of the most recently appended event
func (s *Store) Tail() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// Append persists a domain event and returns it with its assigned sequence
// id. Storage failures are fatal to the originating operation.
func (s *Store) Append(ctx context.Context, payload interface{}) (Event, error) {
	typ, err := typeOf(payload)
	if err != nil {
		return Event{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	s.mu.Lock()
	event := Event{
		Seq:       s.tail + 1,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (seq, type, timestamp, payload) VALUES (?, ?, ?, ?)`,
		event.Seq, string(event.Type), event.Timestamp.Format(time.RFC3339Nano), string(raw),
	)
	if err != nil {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("append event seq %d: %w", event.Seq, err)
	}
	s.tail = event.Seq
	s.mu.Unlock()

	s.publish(event)
	return event, nil
}

// publish delivers the event to every live subscriber. Delivery is
// at-most-once: a subscriber whose buffer is full is disconnected.
func (s *Store) publish(event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, sub := range s.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.Warn().
				Int("subscriber", id).
				Int64("seq", event.Seq).
				Msg("Event subscriber lagging, disconnecting")
			sub.closed = true
			close(sub.ch)
			delete(s.subs, id)
		}
	}
}

// Subscribe attaches a live subscriber starting at the current tail. The
// returned cancel function must be called to release the subscription.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	s.subs[id] = sub

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if cur, ok := s.subs[id]; ok && !cur.closed {
			cur.closed = true
			close(cur.ch)
			delete(s.subs, id)
		}
	}
	return sub.ch, cancel
}

// Iterator is a lazy, ordered, finite cursor over persisted events. It
// terminates at the tail captured when Replay was called and is not
// restartable.
type Iterator struct {
	rows *sqlx.Rows
	cur  Event
	err  error
}

// Replay returns an iterator over events with seq >= from, in sequence
// order, up to the current tail.
func (s *Store) Replay(ctx context.Context, from int64) (*Iterator, error) {
	tail := s.Tail()
	rows, err := s.db.QueryxContext(ctx,
		`SELECT seq, type, timestamp, payload FROM events WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`,
		from, tail,
	)
	if err != nil {
		return nil, fmt.Errorf("replay from seq %d: %w", from, err)
	}
	return &Iterator{rows: rows}, nil
}

// Next advances the iterator. It returns false at the end of the replay
// window or on error; check Err after the loop.
func (it *Iterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}

	var (
		seq     int64
		typ     string
		ts      string
		payload string
	)
	if err := it.rows.Scan(&seq, &typ, &ts, &payload); err != nil {
		it.err = fmt.Errorf("scan event row: %w", err)
		return false
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		it.err = fmt.Errorf("parse event timestamp at seq %d: %w", seq, err)
		return false
	}

	it.cur = Event{
		Seq:       seq,
		Type:      Type(typ),
		Timestamp: parsed,
		Payload:   json.RawMessage(payload),
	}
	return true
}

// Event returns the current event
func (it *Iterator) Event() Event {
	return it.cur
}

// Err returns the first error encountered during iteration
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the iterator's cursor
func (it *Iterator) Close() error {
	return it.rows.Close()
}
