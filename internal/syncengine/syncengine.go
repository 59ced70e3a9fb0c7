// Package syncengine implements the Sync Engine (spec §4.4): it keeps the
// local store consistent with the server by applying pushed direct updates
// immediately and running a per-bucket catch-up fetch loop whenever a
// *HasNewUpdates notification (or a reconnect) suggests the client might be
// behind.
//
// Like the session and connection manager, the top-level Engine is a
// single-threaded cooperative actor. Per-bucket work is delegated to one
// goroutine per observed BucketKey (spec: "per-bucket actors are independent
// of each other but serialize within themselves"), mirroring the teacher's
// per-agent worker goroutines fed from one dispatch loop.
package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/config"
	"github.com/inline-chat/inline-sub014/internal/connmgr"
	"github.com/inline-chat/inline-sub014/internal/metrics"
	"github.com/inline-chat/inline-sub014/internal/session"
	"github.com/inline-chat/inline-sub014/internal/store"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

// Source tags why ApplyUpdates.Apply was called (spec §6.3).
type Source int

const (
	SourceRealtime Source = iota
	SourceSyncCatchup
)

func (s Source) String() string {
	if s == SourceSyncCatchup {
		return "syncCatchup"
	}
	return "realtime"
}

// ApplyUpdates is the local-store collaborator the core requires (spec
// §6.3). Apply must be idempotent for the update kinds it handles: applying
// the same (bucketKey, seq) twice is a no-op.
type ApplyUpdates interface {
	Apply(ctx context.Context, updates []wire.Update, source Source) error
}

// rpcSession is the narrow slice of *session.Session the engine needs.
type rpcSession interface {
	SendRpc(method string, input []byte) uint64
	CallRpc(ctx context.Context, method string, input []byte, timeout time.Duration) ([]byte, error)
	Subscribe() <-chan session.Event
}

// connObserver is the narrow slice of *connmgr.Manager the engine needs.
type connObserver interface {
	Subscribe() <-chan connmgr.Snapshot
}

// Engine is the Sync Engine (spec §4.4).
type Engine struct {
	cfg    config.SyncConfig
	sess   rpcSession
	conn   connObserver
	store  store.SyncStorage
	apply  ApplyUpdates
	stats  *metrics.SyncStats
	logger *zap.Logger

	cmds chan func(ctx context.Context)

	buckets      map[wire.BucketKey]*bucketActor
	lastSyncDate int64

	// snapMu guards the fields debugserver reads from a foreign goroutine.
	// Everything else on Engine is owned by the single Run goroutine; this
	// is the one place a second writer (a bucket actor's own goroutine)
	// needs to publish its cursor safely.
	snapMu           sync.RWMutex
	cursors          map[wire.BucketKey]store.BucketState
	snapLastSyncDate int64
}

// New creates an Engine. Call Run in its own goroutine before the connection
// manager starts delivering Open transitions.
func New(cfg config.SyncConfig, sess rpcSession, conn connObserver, st store.SyncStorage, apply ApplyUpdates, stats *metrics.SyncStats, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		sess:    sess,
		conn:    conn,
		store:   st,
		apply:   apply,
		stats:   stats,
		logger:  logger.Named("syncengine"),
		cmds:    make(chan func(ctx context.Context), 64),
		buckets: make(map[wire.BucketKey]*bucketActor),
		cursors: make(map[wire.BucketKey]store.BucketState),
	}
}

// BucketSnapshot is a read-only view of one bucket's cursor, for diagnostics
// (spec "Diagnostics surface").
type BucketSnapshot struct {
	Bucket wire.BucketKey
	Seq    int64
	Date   int64
}

// Snapshot returns the last known cursor for every bucket the engine has
// observed, plus the global lastSyncDate. Safe to call from any goroutine.
func (e *Engine) Snapshot() (lastSyncDate int64, buckets []BucketSnapshot) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	buckets = make([]BucketSnapshot, 0, len(e.cursors))
	for key, bs := range e.cursors {
		buckets = append(buckets, BucketSnapshot{Bucket: key, Seq: bs.Seq, Date: bs.Date})
	}
	return e.snapLastSyncDate, buckets
}

// recordCursor publishes a bucket's cursor for Snapshot. Called only from
// the Run goroutine (hydrate, direct updates, catch-up batches and
// fast-forwards); it takes the write lock because Snapshot reads the same
// map from other goroutines.
func (e *Engine) recordCursor(key wire.BucketKey, seq, date int64) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	e.cursors[key] = store.BucketState{Seq: seq, Date: date}
}

func (e *Engine) recordLastSyncDate(date int64) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	e.snapLastSyncDate = date
}

// Run drives the engine's event loop until ctx is cancelled. Must be called
// exactly once, in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	if err := e.hydrate(ctx); err != nil {
		e.logger.Error("failed to hydrate sync state from store", zap.Error(err))
	}

	sessEvents := e.sess.Subscribe()
	connSnapshots := e.conn.Subscribe()
	for {
		select {
		case <-ctx.Done():
			e.stopAllBuckets()
			return
		case fn := <-e.cmds:
			fn(ctx)
		case ev, ok := <-sessEvents:
			if !ok {
				e.stopAllBuckets()
				return
			}
			e.handleSessionEvent(ctx, ev)
		case snap, ok := <-connSnapshots:
			if !ok {
				e.stopAllBuckets()
				return
			}
			e.handleConnSnapshot(ctx, snap)
		}
	}
}

// hydrate loads the persisted cursor and bucket states so restarts resume
// instead of cold-starting every bucket.
func (e *Engine) hydrate(ctx context.Context) error {
	state, err := e.store.GetState(ctx)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if err == nil {
		e.lastSyncDate = state.LastSyncDate
		e.recordLastSyncDate(state.LastSyncDate)
	}

	all, err := e.store.AllBucketStates(ctx)
	if err != nil {
		return err
	}
	for key, bs := range all {
		e.bucketFor(ctx, key).seedFromStore(bs)
		e.recordCursor(key, bs.Seq, bs.Date)
	}
	return nil
}

func (e *Engine) stopAllBuckets() {
	for _, b := range e.buckets {
		close(b.cmds)
	}
}

// Notify requests a catch-up fetch for key from outside the engine's own
// goroutine, e.g. when the embedding application opens a chat it hasn't
// synced in a while. Safe to call from any goroutine; blocks only while the
// engine's command buffer is full.
func (e *Engine) Notify(key wire.BucketKey) {
	e.cmds <- func(ctx context.Context) {
		e.bucketFor(ctx, key).notify()
	}
}

// bucketFor returns the actor for key, creating and starting it if this is
// the first time the engine has observed it.
func (e *Engine) bucketFor(ctx context.Context, key wire.BucketKey) *bucketActor {
	if b, ok := e.buckets[key]; ok {
		return b
	}
	b := newBucketActor(key, e)
	e.buckets[key] = b
	go b.run(ctx)
	return b
}

func (e *Engine) handleSessionEvent(ctx context.Context, ev session.Event) {
	if ev.Kind != session.EventUpdates {
		return
	}
	for _, u := range ev.Updates {
		if u.IsNotification() {
			key := u.NotificationBucket()
			e.bucketFor(ctx, key).notify()
			continue
		}
		e.applyDirect(ctx, u)
	}
}

// applyDirect applies a single direct update immediately (spec §4.4 "Direct
// updates ... applied immediately to the local store"), then advances the
// owning bucket's in-memory cursor so a concurrent catch-up fetch's
// duplicate filter sees it.
func (e *Engine) applyDirect(ctx context.Context, u wire.Update) {
	b := e.bucketFor(ctx, u.Bucket)

	if u.HasSeq && int64(u.Seq) <= b.seq {
		e.stats.Duplicates.Inc()
		return
	}

	if err := e.apply.Apply(ctx, []wire.Update{u}, SourceRealtime); err != nil {
		e.logger.Warn("ApplyUpdates failed for direct update", zap.Error(err))
		return
	}
	e.stats.DirectApplied.Inc()

	if u.HasSeq || u.HasDate {
		newSeq, newDate := b.seq, b.date
		if u.HasSeq {
			newSeq = int64(u.Seq)
		}
		if u.HasDate {
			newDate = u.Date
		}
		b.updateState(newSeq, newDate)
		e.recordCursor(u.Bucket, newSeq, newDate)
		if err := e.store.SetBucketState(ctx, u.Bucket, store.BucketState{Seq: newSeq, Date: newDate}); err != nil {
			e.logger.Warn("persisting bucket state failed", zap.Error(err))
		}
	}
	if u.HasDate {
		e.advanceLastSyncDate(ctx, u.Date)
	}
}

// advanceLastSyncDate implements the global cursor's lazy-advance rule
// (spec §3 Global sync cursor): max(0, maxAppliedDate - safetyGap), only if
// strictly greater than the stored value.
func (e *Engine) advanceLastSyncDate(ctx context.Context, maxAppliedDate int64) {
	candidate := maxAppliedDate - e.cfg.LastSyncSafetyGapSeconds
	if candidate < 0 {
		candidate = 0
	}
	if candidate <= e.lastSyncDate {
		return
	}
	e.lastSyncDate = candidate
	e.recordLastSyncDate(candidate)
	if err := e.store.SetState(ctx, store.SyncState{LastSyncDate: candidate}); err != nil {
		e.logger.Warn("persisting sync state failed", zap.Error(err))
	}
}

// handleConnSnapshot implements the on-connect sequence (spec §4.4): on a
// fresh transition to open, enqueue a user-bucket fetch and prompt the
// server for anything missed via getUpdatesState.
func (e *Engine) handleConnSnapshot(ctx context.Context, snap connmgr.Snapshot) {
	if snap.State != connmgr.StateOpen {
		return
	}
	e.bucketFor(ctx, wire.BucketKey{Kind: wire.BucketUser}).notify()

	date := e.effectiveLastSyncDate(time.Now().Unix())
	go func() {
		input := wire.EncodeGetUpdatesStateInput(wire.GetUpdatesStateInput{Date: date})
		if _, err := e.sess.CallRpc(ctx, "getUpdatesState", input, 0); err != nil {
			e.logger.Warn("getUpdatesState failed", zap.Error(err))
		}
	}()
}

// effectiveLastSyncDate applies the cold-start lookback and max-gap reset
// rules (spec §4.4). A seeded/reset cursor is returned at once; persisting it
// is queued on the engine's command channel and runs afterwards.
func (e *Engine) effectiveLastSyncDate(now int64) int64 {
	switch {
	case e.lastSyncDate == 0:
		e.lastSyncDate = now - int64(e.cfg.ColdStartLookback/time.Second)
	case now-e.lastSyncDate > int64(e.cfg.MaxSyncGap/time.Second):
		e.lastSyncDate = now
	default:
		return e.lastSyncDate
	}
	e.recordLastSyncDate(e.lastSyncDate)
	e.cmds <- func(ctx context.Context) {
		if err := e.store.SetState(ctx, store.SyncState{LastSyncDate: e.lastSyncDate}); err != nil {
			e.logger.Warn("persisting seeded sync state failed", zap.Error(err))
		}
	}
	return e.lastSyncDate
}

// applyCatchupBatch is called by a bucket actor's goroutine once its fetch
// loop completes with a non-empty pending batch. It runs on the engine's
// single executor via e.cmds so ApplyUpdates and the store stay serialized
// with the rest of the engine's state (spec §5 "no shared mutable state
// across components").
func (e *Engine) applyCatchupBatch(key wire.BucketKey, updates []wire.Update, finalSeq, finalDate int64, done chan<- error) {
	e.cmds <- func(ctx context.Context) {
		sort.SliceStable(updates, func(i, j int) bool { return updates[i].Seq < updates[j].Seq })
		err := e.apply.Apply(ctx, updates, SourceSyncCatchup)
		if err != nil {
			done <- err
			return
		}
		e.stats.BucketApplied.Inc()
		e.recordCursor(key, finalSeq, finalDate)
		if err := e.store.SetBucketState(ctx, key, store.BucketState{Seq: finalSeq, Date: finalDate}); err != nil {
			e.logger.Warn("persisting bucket state after catch-up failed", zap.Error(err))
		}
		e.advanceLastSyncDate(ctx, finalDate)
		done <- nil
	}
}

// fastForwardBucket persists a cold-start or too-large-gap fast-forward
// without an ApplyUpdates call (spec §4.4 TOO_LONG handling).
func (e *Engine) fastForwardBucket(key wire.BucketKey, seq, date int64, done chan<- error) {
	e.cmds <- func(ctx context.Context) {
		err := e.store.SetBucketState(ctx, key, store.BucketState{Seq: seq, Date: date})
		if err == nil {
			e.recordCursor(key, seq, date)
		}
		done <- err
	}
}
