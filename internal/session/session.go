// Package session implements the protocol session: framing, authentication,
// and RPC multiplexing over a single transport connection (spec §4.2).
//
// The session is a single-threaded cooperative actor: all state lives on one
// goroutine (run), driven by a command channel. It is owned exclusively by
// the connection manager; the transaction and sync engines only ever see it
// through its event stream and the thin command facade below (spec §9).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/transport"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

// AuthTokenFunc returns the current bearer token to present on handshake.
// Supplied by the embedding application's auth.Provider (spec §6.3).
type AuthTokenFunc func() string

// Config parameterizes a Session.
type Config struct {
	// Build is sent as ConnectionInit.build.
	Build int32
	// DefaultRPCTimeout bounds callRpc calls that don't specify one.
	DefaultRPCTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultRPCTimeout <= 0 {
		c.DefaultRPCTimeout = 30 * time.Second
	}
	return c
}

type pendingRPC struct {
	resultCh chan rpcOutcome
	done     bool
}

type rpcOutcome struct {
	result []byte
	err    *wire.RpcError
}

// phase tracks the handshake state for the authFailed-vs-transportDisconnected
// distinction (spec §4.2 Failure model).
type phase int

const (
	phaseIdle phase = iota
	phaseTransportConnecting
	phaseTransportConnected
	phaseAuthenticating
	phaseOpen
)

// cmdKind tags a command sent to the run loop.
type cmdKind int

const (
	cmdStartTransport cmdKind = iota
	cmdStartHandshake
	cmdStopTransport
	cmdSendRPC
	cmdSendPing
	cmdSendAck
)

type command struct {
	kind cmdKind

	// cmdStartHandshake
	token string

	// cmdSendRPC
	method  string
	input   []byte
	replyID chan uint64
	// await is non-nil when the caller (CallRpc) wants the outcome delivered
	// back; registered in the pending map atomically with sending so there
	// is no window where a fast reply could arrive before the caller is
	// listening.
	await chan rpcOutcome

	// cmdSendPing
	nonce uint64
}

// Session frames, authenticates, and multiplexes RPCs over one Transport
// connection (spec §4.2).
type Session struct {
	cfg       Config
	transport transport.Transport
	logger    *zap.Logger
	tracer    trace.Tracer

	cmds chan command

	mu          sync.Mutex
	subscribers []chan Event

	// run-loop-owned state (never touched from other goroutines)
	phase     phase
	nextMsgID uint64
	nextSeq   uint32
	pending   map[uint64]*pendingRPC
	pendingMu sync.Mutex // guards pending map since callRpc's timeout goroutine also touches it
	authToken string
}

// New creates a Session driving t. Call Run in its own goroutine before
// issuing any commands.
func New(cfg Config, t transport.Transport, logger *zap.Logger) *Session {
	return &Session{
		cfg:       cfg.withDefaults(),
		transport: t,
		logger:    logger.Named("session"),
		tracer:    otel.Tracer("github.com/inline-chat/inline-sub014/internal/session"),
		cmds:      make(chan command, 32),
		nextMsgID: 1,
		nextSeq:   1,
		pending:   make(map[uint64]*pendingRPC),
	}
}

// Subscribe returns a new channel receiving every Event published from now
// on. Multiple subscribers are supported — the connection manager and both
// engines each hold their own. Callers must keep draining the channel;
// Run never blocks forever on a slow subscriber (see publish).
func (s *Session) Subscribe() <-chan Event {
	ch := make(chan Event, 128)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	subs := make([]chan Event, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("subscriber channel full, dropping event", zap.Int("kind", int(ev.Kind)))
		}
	}
}

// StartTransport requests the transport dial (spec: session.startTransport).
func (s *Session) StartTransport() {
	s.cmds <- command{kind: cmdStartTransport}
}

// StartHandshake sends ConnectionInit using token. Must only be called
// while transportConnected (spec §4.2); the run loop asserts this.
func (s *Session) StartHandshake(token string) {
	s.cmds <- command{kind: cmdStartHandshake, token: token}
}

// StopTransport gracefully closes the transport (spec: session.stopTransport).
func (s *Session) StopTransport() {
	s.cmds <- command{kind: cmdStopTransport}
}

// SendRpc assigns the next msg id, encodes and transmits an RpcCall frame,
// and returns immediately with the assigned msgId for correlation. It does
// not wait for the result (spec §4.2).
func (s *Session) SendRpc(method string, input []byte) uint64 {
	reply := make(chan uint64, 1)
	s.cmds <- command{kind: cmdSendRPC, method: method, input: input, replyID: reply}
	return <-reply
}

// CallRpc is the convenience wrapper: SendRpc plus awaiting the correlated
// RpcResult/RpcError (or ctx/timeout expiry).
func (s *Session) CallRpc(ctx context.Context, method string, input []byte, timeout time.Duration) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "session.callRpc", trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
	defer span.End()

	result, err := s.callRpc(ctx, method, input, timeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Session) callRpc(ctx context.Context, method string, input []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultRPCTimeout
	}

	reply := make(chan uint64, 1)
	await := make(chan rpcOutcome, 1)
	s.cmds <- command{kind: cmdSendRPC, method: method, input: input, replyID: reply, await: await}
	msgID := <-reply

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-await:
		if outcome.err != nil {
			return nil, fmt.Errorf("session: rpc %s failed: %s (%s)", method, outcome.err.Message, outcome.err.Code)
		}
		return outcome.result, nil
	case <-timer.C:
		s.pendingMu.Lock()
		delete(s.pending, msgID)
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("session: rpc %s timed out after %s", method, timeout)
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, msgID)
		s.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// SendPing transmits a Ping frame with the given nonce.
func (s *Session) SendPing(nonce uint64) {
	s.cmds <- command{kind: cmdSendPing, nonce: nonce}
}

// SendAck transmits an Ack frame for msgID.
func (s *Session) SendAck(msgID uint64) {
	s.cmds <- command{kind: cmdSendAck, nonce: msgID}
}

// Run drives the session's single-threaded event loop until ctx is
// cancelled. Must be called exactly once, in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	transportEvents := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case ev, ok := <-transportEvents:
			if !ok {
				return
			}
			s.handleTransportEvent(ev)
		}
	}
}

func (s *Session) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStartTransport:
		s.phase = phaseTransportConnecting
		go func() {
			ctx, span := s.tracer.Start(context.Background(), "session.connectionAttempt")
			defer span.End()
			if err := s.transport.Connect(ctx); err != nil {
				span.SetStatus(codes.Error, err.Error())
				s.logger.Debug("transport connect returned error", zap.Error(err))
			}
		}()

	case cmdStartHandshake:
		if s.phase != phaseTransportConnected {
			s.logger.Warn("startHandshake called outside transportConnected", zap.Int("phase", int(s.phase)))
			return
		}
		s.phase = phaseAuthenticating
		s.authToken = cmd.token
		s.sendFrame(wire.ClientMessage{
			ID:   s.allocMsgID(),
			Seq:  s.allocSeq(),
			Body: wire.ConnectionInit{Token: cmd.token, Build: s.cfg.Build},
		})

	case cmdStopTransport:
		s.transport.Disconnect()
		s.phase = phaseIdle

	case cmdSendRPC:
		id := s.allocMsgID()
		if cmd.await != nil {
			s.pendingMu.Lock()
			s.pending[id] = &pendingRPC{resultCh: cmd.await}
			s.pendingMu.Unlock()
		}
		s.sendFrame(wire.ClientMessage{
			ID:   id,
			Seq:  s.allocSeq(),
			Body: wire.RpcCall{Method: cmd.method, Input: cmd.input},
		})
		cmd.replyID <- id

	case cmdSendPing:
		s.sendFrame(wire.ClientMessage{
			ID:   s.allocMsgID(),
			Seq:  s.allocSeq(),
			Body: wire.Ping{Nonce: cmd.nonce},
		})

	case cmdSendAck:
		s.sendFrame(wire.ClientMessage{
			ID:   s.allocMsgID(),
			Seq:  s.allocSeq(),
			Body: wire.Ack{MsgID: cmd.nonce},
		})
	}
}

func (s *Session) allocMsgID() uint64 {
	id := s.nextMsgID
	s.nextMsgID++
	return id
}

func (s *Session) allocSeq() uint32 {
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *Session) sendFrame(msg wire.ClientMessage) {
	payload := wire.EncodeClientMessage(msg)
	if err := s.transport.Send(payload); err != nil {
		s.logger.Warn("send failed", zap.Error(err), zap.Uint64("msg_id", msg.ID))
	}
}

func (s *Session) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnecting:
		s.publish(Event{Kind: EventTransportConnecting})

	case transport.EventConnected:
		s.phase = phaseTransportConnected
		s.publish(Event{Kind: EventTransportConnected})

	case transport.EventDisconnected:
		// A disconnect mid-handshake is still reported as a transport
		// failure, not authFailed — authFailed is reserved for an explicit
		// UNAUTHENTICATED RpcError (spec §4.2 Failure model).
		s.phase = phaseIdle
		s.failAllPending(fmt.Errorf("session: transport disconnected"))
		s.publish(Event{Kind: EventTransportDisconnected, Err: ev.Err})

	case transport.EventFrame:
		s.handleFrame(ev.Frame)
	}
}

func (s *Session) handleFrame(payload []byte) {
	msg, err := wire.DecodeServerMessage(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", zap.Error(err))
		s.transport.Disconnect()
		s.publish(Event{Kind: EventTransportDisconnected, Err: fmt.Errorf("session: decode error: %w", err)})
		return
	}

	switch body := msg.Body.(type) {
	case wire.ConnectionOpen:
		s.phase = phaseOpen
		s.publish(Event{Kind: EventProtocolOpen})

	case wire.RpcResult:
		s.resolvePending(body.ReqMsgID, rpcOutcome{result: body.Result})
		s.publish(Event{Kind: EventRpcResult, MsgID: body.ReqMsgID, Result: body.Result})

	case wire.RpcError:
		if s.phase == phaseAuthenticating && body.Code == wire.ErrUnauthenticated {
			s.phase = phaseIdle
			s.publish(Event{Kind: EventAuthFailed})
			return
		}
		s.resolvePending(body.ReqMsgID, rpcOutcome{err: &wire.RpcError{Code: body.Code, Message: body.Message}})
		s.publish(Event{Kind: EventRpcError, MsgID: body.ReqMsgID, Code: body.Code, Message: body.Message})

	case wire.ServerMessage:
		s.publish(Event{Kind: EventUpdates, Updates: body.Updates})

	case wire.Ack:
		s.publish(Event{Kind: EventAck, MsgID: body.MsgID})

	case wire.Pong:
		s.publish(Event{Kind: EventPong, Nonce: body.Nonce})
	}
}

// resolvePending delivers an RPC outcome to a waiting CallRpc, if any, and
// guarantees at most one delivery per msg id (spec §4.2 duplicate
// suppression — a later duplicate for the same id is a no-op here).
func (s *Session) resolvePending(msgID uint64, outcome rpcOutcome) {
	s.pendingMu.Lock()
	p, ok := s.pending[msgID]
	if ok {
		delete(s.pending, msgID)
	}
	s.pendingMu.Unlock()

	if !ok || p.done {
		return
	}
	p.done = true
	p.resultCh <- outcome
}

func (s *Session) failAllPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*pendingRPC)
	s.pendingMu.Unlock()

	for _, p := range pending {
		if p.done {
			continue
		}
		p.done = true
		p.resultCh <- rpcOutcome{err: &wire.RpcError{Code: wire.ErrInternalError, Message: err.Error()}}
	}
}
