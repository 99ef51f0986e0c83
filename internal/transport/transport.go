// Package transport implements the framed duplex WebSocket channel
// described in spec §4.1, adapted from the dial/read-loop/reconnect
// shape the Home Assistant WebSocket client uses for its own
// long-lived connection. Where that client frames one JSON document
// per WebSocket message, this one reassembles events out of a header
// frame followed by a declared number of payload frames, per the
// ninchat wire protocol.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

const (
	subprotocol = "ninchat.com-1"
	socketPath  = "/v2/socket"

	readBufferSize  = 1024 * 1024
	writeBufferSize = 64 * 1024
	maxMessageBytes = 100 * 1024 * 1024
)

// Dialer opens framed connections to a ninchat-compatible server. It
// exists separately from Conn so tests can substitute a fake dialer
// without touching real sockets.
type Dialer interface {
	Dial(ctx context.Context, serverHost string) (*Conn, error)
}

// DefaultDialer dials real WebSocket connections using
// github.com/gorilla/websocket, with the larger read/write buffers
// the Home Assistant client uses for bursty, oversized frames.
type DefaultDialer struct {
	// Header carries any extra HTTP headers to send with the
	// handshake, such as authentication. May be nil.
	Header map[string][]string
}

// Dial opens a WebSocket connection to wss://serverHost/v2/socket
// with the ninchat.com-1 subprotocol.
func (d DefaultDialer) Dial(ctx context.Context, serverHost string) (*Conn, error) {
	u := url.URL{Scheme: "wss", Host: serverHost, Path: socketPath}

	dialer := websocket.Dialer{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		Subprotocols:    []string{subprotocol},
	}

	header := make(map[string][]string, len(d.Header))
	for k, v := range d.Header {
		header[k] = v
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.String(), err)
	}
	ws.SetReadLimit(maxMessageBytes)

	return &Conn{ws: ws}, nil
}

// Header is an inbound or outbound event/action header document: a
// compact JSON object with at least an "action" or "event" key plus
// whatever fields the action or event carries.
type Header = map[string]any

// Conn is one framed duplex connection. A Conn is used by a single
// goroutine for sending and a single (possibly different) goroutine
// for receiving; it does not serialize concurrent Send calls against
// each other beyond what gorilla/websocket already requires (one
// writer at a time), so callers must not call Send from more than one
// goroutine concurrently.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an already-established *websocket.Conn as a Conn. Real
// callers get one from Dialer.Dial; this exists for tests that need to
// hand the engine a connection dialed outside the package (e.g. against
// a plain-ws httptest server instead of the wss:// DefaultDialer uses).
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes frames in order as a single protocol unit: a header
// frame followed by its payload frames. Spec requires no insignificant
// whitespace in the header JSON; callers are expected to have already
// serialized it that way (see the root package's wire encoding).
func (c *Conn) Send(frames [][]byte) error {
	for _, f := range frames {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, f); err != nil {
			return fmt.Errorf("transport: send frame: %w", err)
		}
	}
	return nil
}

// ReadEvent reads one complete event off the wire: a header frame
// declaring a payload frame count via its "frames" field, followed by
// that many payload frames. Empty frames (keep-alives) are skipped
// transparently. If the connection closes after a header but before
// all declared payload frames arrive, ReadEvent returns a
// *PartialEventError wrapping the underlying read error, so the caller
// can log the discarded partial event distinctly from a clean
// disconnect.
func (c *Conn) ReadEvent() (Header, [][]byte, error) {
	var raw []byte
	var err error

	for {
		_, raw, err = c.ws.ReadMessage()
		if err != nil {
			return nil, nil, fmt.Errorf("transport: read header: %w", err)
		}
		if len(raw) == 0 {
			continue // keep-alive
		}
		break
	}

	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, nil, fmt.Errorf("transport: parse header: %w", err)
	}

	frameCount := 0
	if n, ok := header["frames"]; ok {
		switch v := n.(type) {
		case float64:
			frameCount = int(v)
		}
	}

	if frameCount == 0 {
		return header, nil, nil
	}

	payload := make([][]byte, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return nil, nil, &PartialEventError{Header: header, Received: len(payload), Want: frameCount, Err: err}
		}
		payload = append(payload, frame)
	}

	return header, payload, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// IsCloseError reports whether err represents a normal/expected
// WebSocket closure rather than an abnormal disconnect.
func IsCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// PartialEventError is returned by ReadEvent when the connection fails
// in the middle of reading an event's payload frames.
type PartialEventError struct {
	Header   Header
	Received int
	Want     int
	Err      error
}

func (e *PartialEventError) Error() string {
	return fmt.Sprintf("transport: partial event (got %d of %d payload frames): %v", e.Received, e.Want, e.Err)
}

func (e *PartialEventError) Unwrap() error { return e.Err }
