// Package stream is the outbound WebSocket fan-out: a fixed channel set,
// per-client subscriptions, and a global monotonic sequence id allocated
// exactly once per published message.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 64
)

// The fixed channel set. Subscribing to anything else is rejected.
const (
	ChannelEvalCreated    = "eval_created"
	ChannelJournalPosted  = "journal_posted"
	ChannelOrderFilled    = "order_filled"
	ChannelExecution      = "execution"
	ChannelPositionUpdate = "position_update"
	ChannelSessionEvent   = "session_event"
	ChannelRegimeShifted  = "regime_shifted"
	ChannelSignalReceived = "signal_received"
	ChannelOutage         = "outage"
)

var validChannels = map[string]bool{
	ChannelEvalCreated:    true,
	ChannelJournalPosted:  true,
	ChannelOrderFilled:    true,
	ChannelExecution:      true,
	ChannelPositionUpdate: true,
	ChannelSessionEvent:   true,
	ChannelRegimeShifted:  true,
	ChannelSignalReceived: true,
	ChannelOutage:         true,
}

// Channels returns the valid channel names
func Channels() []string {
	out := make([]string, 0, len(validChannels))
	for name := range validChannels {
		out = append(out, name)
	}
	return out
}

// Message is one outbound broadcast. SequenceID comes from a single
// counter shared by all channels; clients use it to detect gaps.
type Message struct {
	Channel    string      `json:"channel"`
	SequenceID int64       `json:"sequence_id"`
	Payload    interface{} `json:"payload"`
	Timestamp  time.Time   `json:"timestamp"`
}

// controlMessage is what clients send: subscription changes
type controlMessage struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

type envelope struct {
	channel string
	data    []byte
}

// Client is one connected subscriber
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

// Hub maintains subscribers and fans out published messages
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	seq        atomic.Int64
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewHub creates the outbound stream hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.With().Str("component", "stream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens before the upgrade; cross-origin agents are expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run is the hub loop; call on its own goroutine
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Stream client disconnected")

		case env := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.subscribed(env.channel) {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Slow subscriber: drop the message, keep the client.
					droppedTotal.WithLabelValues(env.channel).Inc()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish broadcasts a payload on a channel. The sequence id is allocated
// here, exactly once, whether or not anyone is subscribed.
func (h *Hub) Publish(channel string, payload interface{}) {
	if !validChannels[channel] {
		h.logger.Error().Str("channel", channel).Msg("Publish to unknown channel dropped")
		return
	}

	msg := Message{
		Channel:    channel,
		SequenceID: h.seq.Add(1),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channel).Msg("Failed to marshal stream message")
		return
	}

	select {
	case h.broadcast <- envelope{channel: channel, data: data}:
		publishedTotal.WithLabelValues(channel).Inc()
	default:
		h.logger.Warn().Str("channel", channel).Msg("Stream broadcast queue full, message dropped")
		droppedTotal.WithLabelValues(channel).Inc()
	}
}

// LastSeq returns the most recently allocated sequence id
func (h *Hub) LastSeq() int64 {
	return h.seq.Load()
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into a stream subscriber connection.
// Clients start with no subscriptions and send {subscribe: [...]} to opt
// in per channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Msg("Stream read error")
			}
			break
		}
		c.handleControl(message)
	}
}

// handleControl applies a subscribe/unsubscribe message. Unknown channels
// are rejected with an error frame; known ones in the same request still
// take effect.
func (c *Client) handleControl(message []byte) {
	var ctl controlMessage
	if err := json.Unmarshal(message, &ctl); err != nil {
		c.sendError("invalid control message")
		return
	}

	c.mu.Lock()
	var unknown []string
	for _, channel := range ctl.Subscribe {
		if !validChannels[channel] {
			unknown = append(unknown, channel)
			continue
		}
		c.subs[channel] = true
	}
	for _, channel := range ctl.Unsubscribe {
		delete(c.subs, channel)
	}
	c.mu.Unlock()

	for _, channel := range unknown {
		c.sendError("unknown channel " + channel)
	}
}

// sendError delivers a per-client error frame. It carries no sequence id:
// sequence ids belong to broadcasts only.
func (c *Client) sendError(reason string) {
	data, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
