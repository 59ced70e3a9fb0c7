package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/config"
	"github.com/inline-chat/inline-sub014/internal/connmgr"
	"github.com/inline-chat/inline-sub014/internal/metrics"
	"github.com/inline-chat/inline-sub014/internal/session"
	"github.com/inline-chat/inline-sub014/internal/store"
	"github.com/inline-chat/inline-sub014/internal/transport"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

// fakeConn is a manually-driven connObserver, mirroring txengine's test double.
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

// fakeApply records every applied update for assertions.
type fakeApply struct {
	mu      sync.Mutex
	applied []wire.Update
}

func (f *fakeApply) Apply(ctx context.Context, updates []wire.Update, source Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, updates...)
	return nil
}

func (f *fakeApply) snapshot() []wire.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Update, len(f.applied))
	copy(out, f.applied)
	return out
}

// memStore is an in-memory store.SyncStorage double.
type memStore struct {
	mu      sync.Mutex
	state   store.SyncState
	hasSync bool
	buckets map[wire.BucketKey]store.BucketState
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[wire.BucketKey]store.BucketState)}
}

func (m *memStore) GetState(ctx context.Context) (store.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSync {
		return store.SyncState{}, store.ErrNotFound
	}
	return m.state, nil
}

func (m *memStore) SetState(ctx context.Context, s store.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.hasSync = true
	return nil
}

func (m *memStore) GetBucketState(ctx context.Context, key wire.BucketKey) (store.BucketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, ok := m.buckets[key]
	if !ok {
		return store.BucketState{}, store.ErrNotFound
	}
	return bs, nil
}

func (m *memStore) SetBucketState(ctx context.Context, key wire.BucketKey, s store.BucketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[key] = s
	return nil
}

func (m *memStore) SetBucketStates(ctx context.Context, states map[wire.BucketKey]store.BucketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range states {
		m.buckets[k] = v
	}
	return nil
}

func (m *memStore) ClearSyncState(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasSync = false
	m.buckets = make(map[wire.BucketKey]store.BucketState)
	return nil
}

func (m *memStore) AllBucketStates(ctx context.Context) (map[wire.BucketKey]store.BucketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[wire.BucketKey]store.BucketState, len(m.buckets))
	for k, v := range m.buckets {
		out[k] = v
	}
	return out, nil
}

// newTestEngine builds an Engine with an empty store. Use
// newTestEngineSeeded when a test needs bucket state present before the
// engine's startup hydration runs.
func newTestEngine(t *testing.T, cfg config.SyncConfig) (*Engine, *session.Session, *transport.Fake, *fakeConn, *fakeApply, *memStore) {
	t.Helper()
	return newTestEngineSeeded(t, cfg, nil)
}

// newTestEngineSeeded lets the caller populate the store before Run's
// hydrate pass reads it, avoiding a race between a test's store writes and
// the engine's own startup goroutine.
func newTestEngineSeeded(t *testing.T, cfg config.SyncConfig, seed func(*memStore)) (*Engine, *session.Session, *transport.Fake, *fakeConn, *fakeApply, *memStore) {
	t.Helper()
	ft := transport.NewFake()
	sess := session.New(session.Config{Build: 1}, ft, zap.NewNop())
	conn := newFakeConn()
	st := newMemStore()
	if seed != nil {
		seed(st)
	}
	apply := &fakeApply{}
	stats := metrics.NewSyncStats(prometheus.NewRegistry())

	eng := New(cfg, sess, conn, st, apply, stats, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	go eng.Run(ctx)

	sess.StartTransport()
	return eng, sess, ft, conn, apply, st
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

func deliverRpcResult(ft *transport.Fake, frame []byte, result []byte) {
	msg, _ := wire.DecodeClientMessage(frame)
	ft.DeliverFrame(wire.EncodeServerMessage(wire.ServerProtocolMessage{
		ID:   msg.ID + 1000,
		Body: wire.RpcResult{ReqMsgID: msg.ID, Result: result},
	}))
}

func deliverUpdates(ft *transport.Fake, updates []wire.Update) {
	ft.DeliverFrame(wire.EncodeServerMessage(wire.ServerProtocolMessage{
		ID:   1,
		Body: wire.ServerMessage{Updates: updates},
	}))
}

func testCfg() config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.EnableMessageUpdates = true
	return cfg
}

func TestDirectUpdateAppliedImmediately(t *testing.T) {
	_, _, ft, _, apply, _ := newTestEngine(t, testCfg())

	chat := wire.BucketKey{Kind: wire.BucketChat, ID: 7}
	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateNewMessage, Seq: 1, HasSeq: true, Date: 100, HasDate: true, Bucket: chat, Raw: []byte("hi")},
	})

	deadline := time.After(2 * time.Second)
	for len(apply.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("direct update was never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	got := apply.snapshot()
	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("applied = %+v", got)
	}
}

func TestDuplicateDirectUpdateDropped(t *testing.T) {
	_, _, ft, _, apply, _ := newTestEngine(t, testCfg())
	chat := wire.BucketKey{Kind: wire.BucketChat, ID: 7}

	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateNewMessage, Seq: 5, HasSeq: true, Date: 100, HasDate: true, Bucket: chat},
	})
	waitForCount(t, apply, 1)

	// A second update at or behind seq 5 must be dropped, not applied.
	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateNewMessage, Seq: 5, HasSeq: true, Date: 100, HasDate: true, Bucket: chat},
	})
	time.Sleep(30 * time.Millisecond)
	if got := len(apply.snapshot()); got != 1 {
		t.Fatalf("applied count = %d, want 1 (duplicate should be dropped)", got)
	}
}

func waitForCount(t *testing.T, apply *fakeApply, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(apply.snapshot()) < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d applied updates", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotificationTriggersFetchAndAppliesPage(t *testing.T) {
	chat := wire.BucketKey{Kind: wire.BucketChat, ID: 42}
	// Seed the bucket so this isn't treated as a cold start.
	_, _, ft, _, apply, st := newTestEngineSeeded(t, testCfg(), func(st *memStore) {
		st.buckets[chat] = store.BucketState{Seq: 10, Date: 500}
	})

	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateChatHasNewUpdates, NewUpdates: wire.HasNewUpdatesPayload{ChatID: 42, Seq: 15}},
	})

	sent := waitForSent(t, ft, 1)
	msg, err := wire.DecodeClientMessage(sent[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rpc, ok := msg.Body.(wire.RpcCall)
	if !ok || rpc.Method != "getUpdates" {
		t.Fatalf("expected getUpdates RPC, got %+v", msg.Body)
	}
	in, err := wire.DecodeGetUpdatesInput(rpc.Input)
	if err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if in.StartSeq != 10 {
		t.Fatalf("startSeq = %d, want 10 (resumed from seeded bucket state)", in.StartSeq)
	}

	result := wire.EncodeGetUpdatesResult(wire.GetUpdatesResult{
		Seq: 15, Date: 600, Final: true,
		Updates: []wire.Update{
			{Kind: wire.UpdateNewMessage, Seq: 15, HasSeq: true, Bucket: chat, Raw: []byte("m")},
		},
	})
	deliverRpcResult(ft, sent[0], result)

	waitForCount(t, apply, 1)
	if got := apply.snapshot(); got[0].Seq != 15 {
		t.Fatalf("applied = %+v", got)
	}

	deadline := time.After(2 * time.Second)
	for {
		bs, err := st.GetBucketState(context.Background(), chat)
		if err == nil && bs.Seq == 15 && bs.Date == 600 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("bucket state never persisted: %+v err=%v", bs, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCatchupFiltersNonWhitelistedUpdates(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.EnableMessageUpdates = false // message updates excluded from catch-up
	chat := wire.BucketKey{Kind: wire.BucketChat, ID: 1}
	_, _, ft, _, apply, _ := newTestEngineSeeded(t, cfg, func(st *memStore) {
		st.buckets[chat] = store.BucketState{Seq: 1, Date: 10}
	})

	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateChatHasNewUpdates, NewUpdates: wire.HasNewUpdatesPayload{ChatID: 1, Seq: 5}},
	})
	sent := waitForSent(t, ft, 1)

	result := wire.EncodeGetUpdatesResult(wire.GetUpdatesResult{
		Seq: 5, Date: 50, Final: true,
		Updates: []wire.Update{
			{Kind: wire.UpdateNewMessage, Seq: 2, HasSeq: true, Bucket: chat},
			{Kind: wire.UpdateChatInfo, Seq: 5, HasSeq: true, Bucket: chat},
		},
	})
	deliverRpcResult(ft, sent[0], result)

	waitForCount(t, apply, 1)
	got := apply.snapshot()
	if len(got) != 1 || got[0].Kind != wire.UpdateChatInfo {
		t.Fatalf("applied = %+v, want only the whitelisted ChatInfo update", got)
	}
}

func TestTooLongColdStartFastForwards(t *testing.T) {
	_, _, ft, _, apply, st := newTestEngine(t, testCfg())
	chat := wire.BucketKey{Kind: wire.BucketChat, ID: 99}
	// No seeded bucket state: seq 0 / date 0 means cold start.

	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateChatHasNewUpdates, NewUpdates: wire.HasNewUpdatesPayload{ChatID: 99, Seq: 9000}},
	})
	sent := waitForSent(t, ft, 1)

	result := wire.EncodeGetUpdatesResult(wire.GetUpdatesResult{
		Seq: 9000, Date: 123456, ResultType: wire.GetUpdatesTooLong,
	})
	deliverRpcResult(ft, sent[0], result)

	deadline := time.After(2 * time.Second)
	for {
		bs, err := st.GetBucketState(context.Background(), chat)
		if err == nil && bs.Seq == 9000 && bs.Date == 123456 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("fast-forward never persisted: %+v err=%v", bs, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if len(apply.snapshot()) != 0 {
		t.Fatalf("ApplyUpdates should not be called on a cold-start fast-forward, got %+v", apply.snapshot())
	}
}

func TestOnConnectSequenceFetchesUserBucketAndCallsGetUpdatesState(t *testing.T) {
	_, _, ft, conn, _, _ := newTestEngine(t, testCfg())

	conn.setOpen(true)

	sent := waitForSent(t, ft, 2)
	seen := map[string]bool{}
	for _, frame := range sent[:2] {
		msg, err := wire.DecodeClientMessage(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		rpc, ok := msg.Body.(wire.RpcCall)
		if !ok {
			t.Fatalf("expected an RpcCall, got %+v", msg.Body)
		}
		seen[rpc.Method] = true
	}
	if !seen["getUpdates"] || !seen["getUpdatesState"] {
		t.Fatalf("expected getUpdates and getUpdatesState, got %v", seen)
	}
}

func TestMultiPageFetchStopsOnEmptyPage(t *testing.T) {
	chat := wire.BucketKey{Kind: wire.BucketChat, ID: 3}
	_, _, ft, _, apply, _ := newTestEngineSeeded(t, testCfg(), func(st *memStore) {
		st.buckets[chat] = store.BucketState{Seq: 0, Date: 1}
	})

	deliverUpdates(ft, []wire.Update{
		{Kind: wire.UpdateChatHasNewUpdates, NewUpdates: wire.HasNewUpdatesPayload{ChatID: 3, Seq: 2}},
	})

	sent := waitForSent(t, ft, 1)
	page1 := wire.EncodeGetUpdatesResult(wire.GetUpdatesResult{
		Seq: 1, Date: 10, Final: false,
		Updates: []wire.Update{{Kind: wire.UpdateNewMessage, Seq: 1, HasSeq: true, Bucket: chat}},
	})
	deliverRpcResult(ft, sent[0], page1)

	sent2 := waitForSent(t, ft, 2)
	page2 := wire.EncodeGetUpdatesResult(wire.GetUpdatesResult{Seq: 1, Date: 10, Final: true})
	deliverRpcResult(ft, sent2[1], page2)

	waitForCount(t, apply, 1)
	if len(ft.Sent()) != 2 {
		t.Fatalf("expected exactly 2 getUpdates calls, got %d", len(ft.Sent()))
	}
}
