package txengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/config"
	"github.com/inline-chat/inline-sub014/internal/connmgr"
	"github.com/inline-chat/inline-sub014/internal/session"
	"github.com/inline-chat/inline-sub014/internal/transport"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

// fakeConn is a manually-driven connObserver, so tests can flip Open/not-Open
// without running a real connmgr.Manager actor.
type fakeConn struct {
	ch chan connmgr.Snapshot
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan connmgr.Snapshot, 8)}
}

func (f *fakeConn) Subscribe() <-chan connmgr.Snapshot { return f.ch }

func (f *fakeConn) setOpen(open bool) {
	state := connmgr.StateBackoff
	if open {
		state = connmgr.StateOpen
	}
	f.ch <- connmgr.Snapshot{State: state}
}

func newTestEngine(t *testing.T, settle time.Duration) (*Engine, *session.Session, *transport.Fake, *fakeConn) {
	t.Helper()
	ft := transport.NewFake()
	sess := session.New(session.Config{Build: 1}, ft, zap.NewNop())
	conn := newFakeConn()
	cfg := config.ConnectionPolicy{TransactionSettle: settle}
	eng := New(cfg, sess, conn, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	go eng.Run(ctx)

	sess.StartTransport()
	conn.setOpen(true)
	return eng, sess, ft, conn
}

func waitForSent(t *testing.T, ft *transport.Fake, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		sent := ft.Sent()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d sent frames, got %d", n, len(sent))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func replyResult(t *testing.T, ft *transport.Fake, frame []byte, result []byte) {
	t.Helper()
	msg, err := wire.DecodeClientMessage(frame)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	ft.DeliverFrame(wire.EncodeServerMessage(wire.ServerProtocolMessage{
		ID:   msg.ID + 1000,
		Body: wire.RpcResult{ReqMsgID: msg.ID, Result: result},
	}))
}

func buildInput(payload string) BuildInput {
	return func(randomID uuid.UUID) []byte {
		return []byte(payload)
	}
}

func TestOptimisticRunsSynchronouslyOnSend(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, time.Hour)

	ran := false
	eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: func(r uuid.UUID) []byte { return []byte("hi") },
		Optimistic: func() { ran = true },
	})
	if !ran {
		t.Fatal("Optimistic hook did not run synchronously inside Send")
	}
}

func TestTransactionCompletesOnRpcResult(t *testing.T) {
	eng, _, ft, _ := newTestEngine(t, time.Hour)

	h := eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: func(r uuid.UUID) []byte { return []byte("hi") },
	})

	sent := waitForSent(t, ft, 1)
	replyResult(t, ft, sent[0], []byte("ok"))

	result, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(result) != "ok" {
		t.Fatalf("result = %q, want %q", result, "ok")
	}
}

func TestFIFODispatchOrder(t *testing.T) {
	eng, _, ft, _ := newTestEngine(t, time.Hour)

	eng.Send(Request{Method: "a", BuildInput: func(r uuid.UUID) []byte { return []byte("1") }})
	eng.Send(Request{Method: "b", BuildInput: func(r uuid.UUID) []byte { return []byte("2") }})
	eng.Send(Request{Method: "c", BuildInput: func(r uuid.UUID) []byte { return []byte("3") }})

	sent := waitForSent(t, ft, 3)
	for i, frame := range sent {
		msg, err := wire.DecodeClientMessage(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		rpc, ok := msg.Body.(wire.RpcCall)
		if !ok {
			t.Fatalf("frame %d: not an RpcCall", i)
		}
		want := []string{"a", "b", "c"}[i]
		if rpc.Method != want {
			t.Fatalf("frame %d: method = %q, want %q", i, rpc.Method, want)
		}
	}
}

func TestApplyErrorYieldsExecutionError(t *testing.T) {
	eng, _, ft, _ := newTestEngine(t, time.Hour)

	h := eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: func(r uuid.UUID) []byte { return []byte("hi") },
		Apply:      func(result []byte) error { return errApply },
	})

	sent := waitForSent(t, ft, 1)
	replyResult(t, ft, sent[0], []byte("ok"))

	_, err := h.Wait(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	txErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err is %T, want *Error", err)
	}
	if txErr.Kind != ErrorExecution {
		t.Fatalf("Kind = %v, want ErrorExecution", txErr.Kind)
	}
}

func TestRpcErrorYieldsRPCError(t *testing.T) {
	eng, _, ft, _ := newTestEngine(t, time.Hour)

	h := eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: func(r uuid.UUID) []byte { return []byte("hi") },
	})

	sent := waitForSent(t, ft, 1)
	msg, err := wire.DecodeClientMessage(sent[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ft.DeliverFrame(wire.EncodeServerMessage(wire.ServerProtocolMessage{
		ID:   msg.ID + 1000,
		Body: wire.RpcError{ReqMsgID: msg.ID, Code: wire.ErrRateLimit, Message: "slow down"},
	}))

	_, waitErr := h.Wait(context.Background())
	if waitErr == nil {
		t.Fatal("expected error")
	}
	txErr, ok := waitErr.(*Error)
	if !ok {
		t.Fatalf("err is %T, want *Error", waitErr)
	}
	if txErr.Kind != ErrorRPC || txErr.Code != wire.ErrRateLimit {
		t.Fatalf("unexpected error: %+v", txErr)
	}
}

func TestCancelQueuedTransactionBeforeDispatch(t *testing.T) {
	eng, _, ft, conn := newTestEngine(t, time.Hour)
	// Close the connection so nothing dispatches yet.
	conn.setOpen(false)

	h := eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: func(r uuid.UUID) []byte { return []byte("hi") },
	})
	h.Cancel()

	_, err := h.Wait(context.Background())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	txErr, ok := err.(*Error)
	if !ok || txErr.Kind != ErrorCancelled {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-open and confirm nothing was sent for the cancelled transaction.
	conn.setOpen(true)
	time.Sleep(20 * time.Millisecond)
	if len(ft.Sent()) != 0 {
		t.Fatalf("cancelled transaction was dispatched: %v", ft.Sent())
	}
}

func TestRunningTransactionRequeuedAfterSettleOnReconnect(t *testing.T) {
	eng, _, ft, conn := newTestEngine(t, 30*time.Millisecond)

	h := eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: buildInput("payload"),
	})

	sent := waitForSent(t, ft, 1)
	firstMsg, err := wire.DecodeClientMessage(sent[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Simulate a reconnect: flip away from Open, then back.
	conn.setOpen(false)
	conn.setOpen(true)

	// Before the settle window elapses, no resend yet.
	time.Sleep(10 * time.Millisecond)
	if len(ft.Sent()) != 1 {
		t.Fatalf("resend happened before settle window: %v", ft.Sent())
	}

	// After settle fires, the transaction is resent (still unresolved).
	sent2 := waitForSent(t, ft, 2)
	secondMsg, err := wire.DecodeClientMessage(sent2[1])
	if err != nil {
		t.Fatalf("decode resend: %v", err)
	}
	rpc1, _ := firstMsg.Body.(wire.RpcCall)
	rpc2, _ := secondMsg.Body.(wire.RpcCall)
	if string(rpc1.Input) != string(rpc2.Input) {
		t.Fatalf("resend carried different input: %q vs %q", rpc1.Input, rpc2.Input)
	}

	replyResult(t, ft, sent2[1], []byte("ok"))
	result, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(result) != "ok" {
		t.Fatalf("result = %q, want ok", result)
	}
}

func TestResultBeforeSettleSuppressesRequeue(t *testing.T) {
	eng, _, ft, conn := newTestEngine(t, 40*time.Millisecond)

	h := eng.Send(Request{
		Method:     "sendMessage",
		BuildInput: buildInput("payload"),
	})

	sent := waitForSent(t, ft, 1)

	conn.setOpen(false)
	conn.setOpen(true)

	// Result arrives quickly, before the settle timer fires.
	replyResult(t, ft, sent[0], []byte("ok"))

	result, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(result) != "ok" {
		t.Fatalf("result = %q, want ok", result)
	}

	// Give the (now-irrelevant) settle timer time to fire, and confirm it
	// did not trigger a spurious resend.
	time.Sleep(80 * time.Millisecond)
	if len(ft.Sent()) != 1 {
		t.Fatalf("spurious resend after result already resolved: %v", ft.Sent())
	}
}

var errApply = errApplyType{}

type errApplyType struct{}

func (errApplyType) Error() string { return "apply failed" }
