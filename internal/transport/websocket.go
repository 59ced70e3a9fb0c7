package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config parameterizes a WebSocketTransport.
type Config struct {
	// URL is the wss:// (or ws://) endpoint to dial.
	URL string
	// DialTimeout bounds the handshake portion of Connect.
	DialTimeout time.Duration
	// WriteTimeout bounds each individual frame write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// WebSocketTransport is the production Transport: one gorilla/websocket
// connection, read loop decoding length-prefixed frames into EventFrame,
// write path serialized behind a mutex (gorilla connections are not
// safe for concurrent writers).
//
// Mirrors the teacher's server-side websocket.Client read/write-pump split,
// mirrored here for the client side of the same protocol.
type WebSocketTransport struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	events  chan Event
	closing bool
}

// NewWebSocketTransport creates a Transport dialing cfg.URL on Connect.
func NewWebSocketTransport(cfg Config, logger *zap.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("transport.websocket"),
		events: make(chan Event, 64),
	}
}

func (t *WebSocketTransport) Events() <-chan Event { return t.events }

// Connect dials the WebSocket endpoint and, on success, starts the read
// loop. Connect is itself synchronous up through the dial; EventConnected /
// EventDisconnected(err) report the outcome on the events channel so the
// caller (the protocol session) does not block here.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = false
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnecting})

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		t.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("transport: dial: %w", err)})
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnected})
	go t.readLoop(conn)
	return nil
}

// Disconnect closes the underlying connection. Safe to call more than once
// and safe to call with no connection open.
func (t *WebSocketTransport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.closing = true
	t.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

// Send writes one already-framed payload as a single binary WebSocket
// message. WebSocket itself is message-framed, so the 4-byte length prefix
// from internal/wire is redundant on this transport but is still written —
// it keeps the wire format identical across transports (a future raw-TCP
// transport needs it) and lets the session's encode path stay transport
// agnostic.
func (t *WebSocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)

	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// readLoop decodes inbound WebSocket messages into frame payloads until the
// connection errors or is closed, then emits EventDisconnected exactly
// once.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			graceful := t.closing
			t.mu.Unlock()
			if graceful {
				t.emit(Event{Kind: EventDisconnected})
			} else {
				t.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("transport: read: %w", err)})
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) < 4 {
			t.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("transport: short frame (%d bytes)", len(data))})
			return
		}
		n := binary.BigEndian.Uint32(data[:4])
		payload := data[4:]
		if uint32(len(payload)) != n {
			t.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("transport: frame length mismatch: header %d, got %d", n, len(payload))})
			return
		}
		t.emit(Event{Kind: EventFrame, Frame: payload})
	}
}

func (t *WebSocketTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("events channel full, dropping event", zap.Int("kind", int(ev.Kind)))
	}
}
