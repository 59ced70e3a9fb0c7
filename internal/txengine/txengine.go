// Package txengine implements the transaction engine: a FIFO queue of
// optimistic mutations that survive reconnects (spec §4.3).
//
// Like the session and connection manager, the engine is a single-threaded
// cooperative actor — one goroutine (Run) owns every field below the cmds
// boundary, mirroring the teacher's executor.Executor single-worker queue
// generalized from "one job at a time" to "one dispatched RPC at a time,
// with FIFO ordering and reconnect-aware requeueing".
package txengine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/config"
	"github.com/inline-chat/inline-sub014/internal/connmgr"
	"github.com/inline-chat/inline-sub014/internal/session"
)

// BuildInput renders a transaction's RPC input given its randomId, so the
// same id can be embedded again, unchanged, if the transaction is requeued
// after a reconnect (spec §4.3 at-most-once server effect).
type BuildInput func(randomID uuid.UUID) []byte

// Request describes a mutation to enqueue (spec §3 Transaction).
type Request struct {
	Method     string
	BuildInput BuildInput
	// Optimistic mutates the local store immediately, before the RPC is
	// sent. Runs synchronously inside Send.
	Optimistic func()
	// Apply mutates the local store from the RPC result. A non-nil error
	// fails the transaction with ErrorExecution.
	Apply func(result []byte) error
	// Failed is called with the classified error on any terminal failure,
	// so the caller can roll back or mark the optimistic write as errored.
	Failed func(err *Error)
}

// Outcome is the terminal result delivered through a Handle.
type Outcome struct {
	Result []byte
	Err    *Error
}

// Handle is returned by Send; the caller awaits the transaction's outcome
// on it (spec: "send(transaction) → future<RpcResult | Error>").
type Handle struct {
	id   uuid.UUID
	done chan Outcome
	eng  *Engine
}

// Wait blocks until the transaction reaches a terminal state or ctx is
// cancelled.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case o := <-h.done:
		if o.Err != nil {
			return nil, o.Err
		}
		return o.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel drops the transaction if it has not yet been dispatched to the
// server. A transaction already dispatched (state running or later) is
// unaffected — the engine logs and ignores the request.
func (h *Handle) Cancel() {
	h.eng.cmds <- cmd{kind: cmdCancel, txID: h.id}
}

type txState int

const (
	txQueued txState = iota
	txRunning
	txCompleted
	txFailed
)

type transaction struct {
	id       uuid.UUID
	randomID uuid.UUID
	req      Request
	state    txState
	rpcMsgID uint64
	ackSeen  bool
	done     chan Outcome
	span     trace.Span
}

// rpcSession is the narrow slice of *session.Session the engine needs,
// kept separate so tests can substitute a fake (mirrors connmgr.TokenSource).
type rpcSession interface {
	SendRpc(method string, input []byte) uint64
	Subscribe() <-chan session.Event
}

// connObserver is the narrow slice of *connmgr.Manager the engine needs.
type connObserver interface {
	Subscribe() <-chan connmgr.Snapshot
}

type cmdKind int

const (
	cmdEnqueue cmdKind = iota
	cmdCancel
	cmdSessionEvent
	cmdConnSnapshot
	cmdSettleFired
)

type cmd struct {
	kind cmdKind
	tx   *transaction
	txID uuid.UUID
	sev  session.Event
	snap connmgr.Snapshot
	// cmdSettleFired
	generation int
}

// Engine is the transaction engine (spec §4.3).
type Engine struct {
	cfg    config.ConnectionPolicy
	sess   rpcSession
	conn   connObserver
	logger *zap.Logger
	tracer trace.Tracer

	cmds chan cmd

	// run-loop-owned state
	queue      []*transaction
	running    map[uint64]*transaction // keyed by rpcMsgId
	isOpen     bool
	generation int // bumped on every Open transition, guards stale settle timers
}

// New creates an Engine dispatching over sess, gated by conn's Open/not-Open
// transitions.
func New(cfg config.ConnectionPolicy, sess rpcSession, conn connObserver, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		sess:    sess,
		conn:    conn,
		logger:  logger.Named("txengine"),
		tracer:  otel.Tracer("github.com/inline-chat/inline-sub014/internal/txengine"),
		cmds:    make(chan cmd, 128),
		running: make(map[uint64]*transaction),
	}
}

// Send enqueues req, runs its optimistic hook synchronously, and returns a
// Handle the caller awaits for the terminal outcome (spec §4.3).
func (e *Engine) Send(req Request) *Handle {
	if req.Optimistic != nil {
		req.Optimistic()
	}
	tx := &transaction{
		id:       uuid.New(),
		randomID: uuid.New(),
		req:      req,
		state:    txQueued,
		done:     make(chan Outcome, 1),
	}
	e.cmds <- cmd{kind: cmdEnqueue, tx: tx}
	return &Handle{id: tx.id, done: tx.done, eng: e}
}

// Run drives the engine's event loop until ctx is cancelled. Must be called
// exactly once, in its own goroutine, after sess.Run and the connection
// manager's Run have started.
func (e *Engine) Run(ctx context.Context) {
	sessEvents := e.sess.Subscribe()
	connSnapshots := e.conn.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.cmds:
			e.handle(c)
		case sev, ok := <-sessEvents:
			if !ok {
				return
			}
			e.handle(cmd{kind: cmdSessionEvent, sev: sev})
		case snap, ok := <-connSnapshots:
			if !ok {
				return
			}
			e.handle(cmd{kind: cmdConnSnapshot, snap: snap})
		}
	}
}

func (e *Engine) handle(c cmd) {
	switch c.kind {
	case cmdEnqueue:
		e.queue = append(e.queue, c.tx)
		e.tryDequeue()

	case cmdCancel:
		e.cancelQueued(c.txID)

	case cmdSessionEvent:
		e.handleSessionEvent(c.sev)

	case cmdConnSnapshot:
		e.handleConnSnapshot(c.snap)

	case cmdSettleFired:
		if c.generation != e.generation {
			return
		}
		e.requeueStillRunning()
	}
}

func (e *Engine) tryDequeue() {
	for e.isOpen && len(e.queue) > 0 {
		tx := e.queue[0]
		e.queue = e.queue[1:]
		e.dispatch(tx)
	}
}

func (e *Engine) dispatch(tx *transaction) {
	tx.state = txRunning
	tx.ackSeen = false
	_, tx.span = e.tracer.Start(context.Background(), "txengine.dispatch", trace.WithAttributes(
		attribute.String("rpc.method", tx.req.Method),
	))
	input := tx.req.BuildInput(tx.randomID)
	msgID := e.sess.SendRpc(tx.req.Method, input)
	tx.rpcMsgID = msgID
	e.running[msgID] = tx
}

func (e *Engine) cancelQueued(id uuid.UUID) {
	for i, tx := range e.queue {
		if tx.id != id {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		e.finish(tx, Outcome{Err: &Error{Kind: ErrorCancelled}})
		return
	}
	e.logger.Warn("cancel requested for transaction that is no longer queued", zap.String("tx_id", id.String()))
}

func (e *Engine) handleSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventAck:
		if tx, ok := e.running[ev.MsgID]; ok {
			tx.ackSeen = true
		}

	case session.EventRpcResult:
		tx, ok := e.running[ev.MsgID]
		if !ok {
			return
		}
		delete(e.running, ev.MsgID)
		e.completeWithResult(tx, ev.Result)

	case session.EventRpcError:
		tx, ok := e.running[ev.MsgID]
		if !ok {
			return
		}
		delete(e.running, ev.MsgID)
		e.finish(tx, Outcome{Err: &Error{Kind: ErrorRPC, Code: ev.Code, Err: errors.New(ev.Message)}})
	}
}

func (e *Engine) completeWithResult(tx *transaction, result []byte) {
	if tx.req.Apply != nil {
		if err := tx.req.Apply(result); err != nil {
			e.finish(tx, Outcome{Err: &Error{Kind: ErrorExecution, Err: err}})
			return
		}
	}
	tx.state = txCompleted
	e.finish(tx, Outcome{Result: result})
}

func (e *Engine) finish(tx *transaction, outcome Outcome) {
	if outcome.Err != nil {
		tx.state = txFailed
		if tx.req.Failed != nil {
			tx.req.Failed(outcome.Err)
		}
	}
	if tx.span != nil {
		if outcome.Err != nil {
			tx.span.SetStatus(codes.Error, outcome.Err.Error())
		}
		tx.span.End()
	}
	tx.done <- outcome
}

// handleConnSnapshot implements the queue-discipline half of spec §4.3: the
// engine only dequeues while the connection is open, and on a fresh
// transition to open, any still-running transaction is requeued at the head
// after a settle delay.
func (e *Engine) handleConnSnapshot(snap connmgr.Snapshot) {
	wasOpen := e.isOpen
	e.isOpen = snap.State == connmgr.StateOpen

	if e.isOpen && !wasOpen {
		e.generation++
		gen := e.generation
		if len(e.running) > 0 {
			e.scheduleSettle(gen)
		}
		e.tryDequeue()
	}
}

func (e *Engine) scheduleSettle(generation int) {
	delay := e.cfg.TransactionSettle
	go func() {
		<-time.After(delay)
		e.cmds <- cmd{kind: cmdSettleFired, generation: generation}
	}()
}

// requeueStillRunning moves every transaction that was dispatched before the
// reconnect and has not yet resolved back to the head of the queue, in their
// original relative order, so they are the first to be resent (spec §4.3,
// scenario 5).
func (e *Engine) requeueStillRunning() {
	if len(e.running) == 0 {
		return
	}
	stale := make([]*transaction, 0, len(e.running))
	for msgID, tx := range e.running {
		if tx.span != nil {
			tx.span.AddEvent("requeued after reconnect")
			tx.span.End()
			tx.span = nil
		}
		stale = append(stale, tx)
		delete(e.running, msgID)
	}
	// Map iteration order is random; msg ids grow in dispatch order.
	sort.Slice(stale, func(i, j int) bool { return stale[i].rpcMsgID < stale[j].rpcMsgID })
	e.queue = append(stale, e.queue...)
	e.tryDequeue()
}

