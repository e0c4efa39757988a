// Package broker maintains the single multiplexed session to the upstream
// gateway: framed TCP transport, versioned handshake, request-id
// correlation, event demux and reconnect with subscription resurrection.
package broker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single gateway frame. Frames beyond this indicate a
// corrupt stream and terminate the connection.
const maxFrameSize = 1 << 20

// wireRequest is the client->gateway request envelope
type wireRequest struct {
	ReqID  int64           `json:"req_id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WireEvent is one asynchronous gateway message correlated by req_id.
// Completion is signaled by Done or by an error event with a fatal code.
type WireEvent struct {
	ReqID   int64           `json:"req_id"`
	Type    string          `json:"type"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Done    bool            `json:"done,omitempty"`
}

// handshake is the first frame sent after connecting
type handshake struct {
	Type     string `json:"type"`
	Version  int    `json:"version"`
	ClientID int    `json:"client_id"`
}

// handshakeAck is the gateway's reply to the handshake
type handshakeAck struct {
	Type          string `json:"type"`
	ServerVersion int    `json:"server_version"`
}

// nonFatalCodes are gateway pseudo-error codes that carry informational or
// stale-data warnings. They are logged and swallowed; the ticket stays open.
var nonFatalCodes = map[int]bool{
	1100: true, // connectivity lost, gateway will restore
	2104: true, // market data farm connection OK
	2106: true, // historical data farm connection OK
	2107: true, // historical data farm inactive
	2108: true, // market data farm inactive
	2158: true, // sec-def data farm connection OK
}

// IsNonFatal reports whether a gateway error code should be swallowed
func IsNonFatal(code int) bool {
	return nonFatalCodes[code]
}

// writeFrame writes a length-prefixed JSON frame
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame
func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
