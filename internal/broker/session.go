package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/config"
)

var (
	// ErrDisconnected is returned on submissions while the session is down.
	// Callers must distinguish this from a request timeout: a disconnected
	// session fails immediately and may be retried after reconnect.
	ErrDisconnected = errors.New("broker session disconnected")

	// ErrVersionMismatch is returned when the gateway protocol version is
	// below the configured minimum
	ErrVersionMismatch = errors.New("gateway protocol version below minimum")

	// ErrCancelled is returned when an in-flight request is cancelled
	ErrCancelled = errors.New("request cancelled")
)

// Handlers receive the asynchronous events for one logical request
type Handlers struct {
	OnEvent    func(reqID int64, event WireEvent)
	OnComplete func(reqID int64)
	OnError    func(reqID int64, code int, msg string)
}

// Request is one logical gateway request
type Request struct {
	Method string
	Params interface{}
}

// Ticket tracks a submitted request until its terminator event arrives
type Ticket struct {
	ReqID int64

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func newTicket(reqID int64) *Ticket {
	return &Ticket{ReqID: reqID, done: make(chan struct{})}
}

// Wait blocks until the request completes, fails, or the context expires
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	}
}

func (t *Ticket) complete(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return // already completed
	default:
	}
	t.err = err
	close(t.done)
}

// Dialer abstracts the TCP dial for tests
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type pending struct {
	handlers Handlers
	ticket   *Ticket
}

// Session is the singleton gateway session. ReqIds are strictly increasing
// and never reused within one connection; the counter resets per session.
// Inbound dispatch runs on the read loop, which serializes event delivery
// per reqId.
type Session struct {
	cfg    config.BrokerConfig
	dialer Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	ready     bool
	nextReqID int64
	pending   map[int64]*pending

	reconnectMu sync.Mutex
	onReconnect []func(ctx context.Context) error

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSession creates a broker session. Call Connect to establish it.
func NewSession(cfg config.BrokerConfig) *Session {
	return NewSessionWithDialer(cfg, &net.Dialer{})
}

// NewSessionWithDialer creates a session with a custom dialer (tests)
func NewSessionWithDialer(cfg config.BrokerConfig, dialer Dialer) *Session {
	return &Session{
		cfg:     cfg,
		dialer:  dialer,
		logger:  log.With().Str("component", "broker").Logger(),
		pending: make(map[int64]*pending),
		stopped: make(chan struct{}),
	}
}

// OnReconnect registers a callback invoked after every successful
// (re)connect, before the session is exposed as ready. The subscription
// registry uses this to resurrect its subscriptions.
func (s *Session) OnReconnect(fn func(ctx context.Context) error) {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	s.onReconnect = append(s.onReconnect, fn)
}

// Ready reports whether the session is connected and post-handshake
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Connect establishes the session and starts the read loop. On connection
// loss it reconnects with exponential backoff until Disconnect is called.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.establish(ctx); err != nil {
		return err
	}
	go s.supervise(ctx)
	return nil
}

// establish dials, handshakes and fires reconnect callbacks
func (s *Session) establish(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", addr, err)
	}

	if err := writeFrame(conn, handshake{Type: "handshake", Version: s.cfg.MinServerVersion, ClientID: s.cfg.ClientID}); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	frame, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake ack: %w", err)
	}

	var ack handshakeAck
	if err := json.Unmarshal(frame, &ack); err != nil {
		conn.Close()
		return fmt.Errorf("parse handshake ack: %w", err)
	}
	if ack.ServerVersion < s.cfg.MinServerVersion {
		conn.Close()
		s.logger.Warn().
			Int("server_version", ack.ServerVersion).
			Int("min_version", s.cfg.MinServerVersion).
			Msg("Gateway version below configured minimum")
		return ErrVersionMismatch
	}

	s.mu.Lock()
	s.conn = conn
	s.nextReqID = 0 // reqId counter resets per session
	s.ready = false
	s.mu.Unlock()

	go s.readLoop(conn, reader)

	// Resurrection callbacks run before the session is exposed as ready so
	// subscribers see a fully restored session.
	s.reconnectMu.Lock()
	callbacks := append([]func(ctx context.Context) error(nil), s.onReconnect...)
	s.reconnectMu.Unlock()
	for _, fn := range callbacks {
		if err := fn(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Reconnect callback failed")
		}
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Int("server_version", ack.ServerVersion).Msg("Gateway session established")
	return nil
}

// supervise reconnects with exponential backoff after connection loss
func (s *Session) supervise(ctx context.Context) {
	backoff := time.Duration(s.cfg.ReconnectBaseMS) * time.Millisecond
	maxBackoff := time.Duration(s.cfg.ReconnectMaxMS) * time.Millisecond

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		// Wait for the current connection to die.
		if conn != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case <-s.connLost(conn):
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case <-time.After(backoff):
			}

			s.logger.Warn().Dur("backoff", backoff).Msg("Reconnecting to gateway")
			if err := s.establish(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Reconnect attempt failed")
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Duration(s.cfg.ReconnectBaseMS) * time.Millisecond
			break
		}
	}
}

// connLost returns a channel closed when the given conn is no longer the
// session's active connection
func (s *Session) connLost(conn net.Conn) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			time.Sleep(100 * time.Millisecond)
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != conn {
				return
			}
			select {
			case <-s.stopped:
				return
			default:
			}
		}
	}()
	return ch
}

// readLoop demultiplexes inbound events by reqId until the connection dies
func (s *Session) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		frame, err := readFrame(reader)
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		var event WireEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			s.logger.Error().Err(err).Msg("Malformed gateway frame")
			continue
		}
		s.dispatch(event)
	}
}

// dispatch routes one event to its pending request
func (s *Session) dispatch(event WireEvent) {
	s.mu.Lock()
	p, ok := s.pending[event.ReqID]
	if ok && (event.Done || (event.Type == "error" && !IsNonFatal(event.Code))) {
		delete(s.pending, event.ReqID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Int64("req_id", event.ReqID).Str("type", event.Type).Msg("Event for unknown reqId")
		return
	}

	if event.Type == "error" {
		if IsNonFatal(event.Code) {
			s.logger.Debug().
				Int64("req_id", event.ReqID).
				Int("code", event.Code).
				Str("message", event.Message).
				Msg("Non-fatal gateway notice")
			return
		}
		if p.handlers.OnError != nil {
			p.handlers.OnError(event.ReqID, event.Code, event.Message)
		}
		p.ticket.complete(fmt.Errorf("gateway error %d: %s", event.Code, event.Message))
		return
	}

	if p.handlers.OnEvent != nil {
		p.handlers.OnEvent(event.ReqID, event)
	}
	if event.Done {
		if p.handlers.OnComplete != nil {
			p.handlers.OnComplete(event.ReqID)
		}
		p.ticket.complete(nil)
	}
}

// handleDisconnect fails all pending tickets and clears the connection
func (s *Session) handleDisconnect(conn net.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return // stale read loop from a previous connection
	}
	s.conn = nil
	s.ready = false
	orphaned := s.pending
	s.pending = make(map[int64]*pending)
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn().Err(cause).Int("orphaned", len(orphaned)).Msg("Gateway session lost")

	for reqID, p := range orphaned {
		if p.handlers.OnError != nil {
			p.handlers.OnError(reqID, 0, "disconnected")
		}
		p.ticket.complete(ErrDisconnected)
	}
}

// AllocateReqID returns the next request id, strictly increasing within the
// current session
func (s *Session) AllocateReqID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReqID++
	return s.nextReqID
}

// Submit sends a request and registers its handlers. It fails immediately
// with ErrDisconnected when the session is down.
func (s *Session) Submit(ctx context.Context, req Request, handlers Handlers) (*Ticket, error) {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal request params: %w", err)
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.nextReqID++
	reqID := s.nextReqID
	conn := s.conn
	ticket := newTicket(reqID)
	s.pending[reqID] = &pending{handlers: handlers, ticket: ticket}
	s.mu.Unlock()

	s.writeMu.Lock()
	err = writeFrame(conn, wireRequest{ReqID: reqID, Method: req.Method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return nil, fmt.Errorf("submit %s: %w", req.Method, err)
	}

	s.logger.Debug().Int64("req_id", reqID).Str("method", req.Method).Msg("Request submitted")
	return ticket, nil
}

// Cancel sends a gateway cancel for the given reqId and completes its
// ticket with ErrCancelled
func (s *Session) Cancel(ctx context.Context, reqID int64) error {
	s.mu.Lock()
	p, ok := s.pending[reqID]
	if ok {
		delete(s.pending, reqID)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		err := writeFrame(conn, wireRequest{ReqID: reqID, Method: "cancel"})
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("send cancel for req %d: %w", reqID, err)
		}
	}

	if ok {
		p.ticket.complete(ErrCancelled)
	}
	return nil
}

// Disconnect closes the session and stops the reconnect supervisor
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopped) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.ready = false
	orphaned := s.pending
	s.pending = make(map[int64]*pending)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range orphaned {
		p.ticket.complete(ErrDisconnected)
	}
	s.logger.Info().Msg("Gateway session closed")
}
