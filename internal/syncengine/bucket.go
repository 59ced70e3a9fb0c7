package syncengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/store"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

type bucketCmdKind int

const (
	bucketCmdNotify bucketCmdKind = iota
)

type bucketCmd struct {
	kind bucketCmdKind
}

// bucketActor owns the fetch loop for one wire.BucketKey. Work on a single
// bucket serializes through its own goroutine; different buckets never
// block each other (spec §4.4 "independent of each other").
type bucketActor struct {
	key    wire.BucketKey
	engine *Engine
	logger *zap.Logger

	cmds chan bucketCmd

	// seq/date mirror the last durably-applied cursor. They're read by the
	// engine's single executor (applyDirect) to decide whether a direct
	// update is a duplicate, and written only from this goroutine or from
	// seedFromStore before run starts — never concurrently.
	seq  int64
	date int64

	fetching   bool
	needsFetch bool
}

func newBucketActor(key wire.BucketKey, e *Engine) *bucketActor {
	return &bucketActor{
		key:    key,
		engine: e,
		logger: e.logger.With(zap.String("bucket", bucketLabel(key))),
		cmds:   make(chan bucketCmd, 8),
	}
}

func bucketLabel(key wire.BucketKey) string {
	switch key.Kind {
	case wire.BucketSpace:
		return fmt.Sprintf("space:%d", key.ID)
	case wire.BucketUser:
		return "user"
	default:
		return fmt.Sprintf("chat:%d:%d", key.ID, key.Peer)
	}
}

// seedFromStore installs a persisted cursor before the actor handles its
// first command. Only valid during Engine.hydrate, before any notify has
// been sent to the actor.
func (b *bucketActor) seedFromStore(s store.BucketState) {
	b.seq = s.Seq
	b.date = s.Date
}

// updateState is called by the engine's executor after a direct update was
// applied, to keep the actor's view of the cursor current for later
// duplicate checks. Safe because applyDirect and the actor's own goroutine
// never run concurrently on the same fields: the actor only mutates seq/date
// for itself inside fetchNewUpdates, which this call happens-before via the
// buffered cmds channel ordering relative to notify().
func (b *bucketActor) updateState(seq, date int64) {
	if seq > b.seq {
		b.seq = seq
	}
	if date > b.date {
		b.date = date
	}
}

// notify requests a catch-up fetch (spec §4.4 fetchNewUpdates). Safe to call
// from the engine's goroutine; never blocks since the channel is buffered
// and the actor always drains it promptly.
func (b *bucketActor) notify() {
	select {
	case b.cmds <- bucketCmd{kind: bucketCmdNotify}:
	default:
		// Channel full means a notify is already pending; the loop below
		// re-checks needsFetch regardless, so dropping this one is safe.
	}
}

func (b *bucketActor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-b.cmds:
			if !ok {
				return
			}
			switch cmd.kind {
			case bucketCmdNotify:
				b.fetchNewUpdates(ctx)
			}
		}
	}
}

// fetchNewUpdates implements the coalescing discipline from spec §4.4: if a
// fetch is already in flight, remember that another was requested and let
// the in-flight call re-run the loop once more when it finishes, rather than
// running two fetch loops concurrently against the same bucket.
func (b *bucketActor) fetchNewUpdates(ctx context.Context) {
	if b.fetching {
		b.needsFetch = true
		return
	}
	b.fetching = true
	defer func() { b.fetching = false }()

	for {
		b.needsFetch = false
		b.runFetchLoop(ctx)
		// Fold every notify that queued up during the loop into one follow-up.
	drain:
		for {
			select {
			case cmd, ok := <-b.cmds:
				if !ok {
					break drain
				}
				if cmd.kind == bucketCmdNotify {
					b.needsFetch = true
				}
			default:
				break drain
			}
		}
		if !b.needsFetch {
			return
		}
		b.engine.stats.FollowUps.Inc()
	}
}

// runFetchLoop runs one full getUpdates paging loop for the bucket (spec
// §4.4): repeatedly calls getUpdates starting from the current cursor,
// handling TOO_LONG cold-start/gap fast-forwards, filtering duplicates and
// non-whitelisted kinds, and stopping when the server reports final or a
// page comes back empty.
func (b *bucketActor) runFetchLoop(ctx context.Context) {
	cfg := b.engine.cfg
	currentSeq := b.seq
	var pending []wire.Update
	finalDate := b.date
	var sliceEndSeq int64
	hasSliceEnd := false

	for {
		input := wire.EncodeGetUpdatesInput(wire.GetUpdatesInput{
			Bucket:        b.key,
			StartSeq:      currentSeq,
			HasSeqEnd:     hasSliceEnd,
			SeqEnd:        sliceEndSeq,
			HasTotalLimit: true,
			TotalLimit:    cfg.GetUpdatesPageLimit,
		})
		b.engine.stats.FetchCount.Inc()
		raw, err := b.engine.sess.CallRpc(ctx, "getUpdates", input, 30*time.Second)
		if err != nil {
			b.engine.stats.FetchFailures.Inc()
			b.logger.Warn("getUpdates failed", zap.Error(err))
			return
		}
		result, err := wire.DecodeGetUpdatesResult(raw)
		if err != nil {
			b.engine.stats.FetchFailures.Inc()
			b.logger.Warn("getUpdates response decode failed", zap.Error(err))
			return
		}

		if result.ResultType == wire.GetUpdatesTooLong {
			b.engine.stats.FetchTooLong.Inc()
			slice, ok := b.handleTooLong(ctx, currentSeq, result)
			if !ok {
				return
			}
			sliceEndSeq, hasSliceEnd = slice, true
			continue
		}
		hasSliceEnd = false

		for _, u := range result.Updates {
			if u.HasSeq && int64(u.Seq) <= currentSeq {
				b.engine.stats.Duplicates.Inc()
				continue
			}
			if !inCatchupWhitelist(u.Kind, cfg.EnableMessageUpdates) {
				b.engine.stats.Skipped.Inc()
				continue
			}
			pending = append(pending, u)
		}
		if result.Seq > currentSeq {
			currentSeq = result.Seq
		}
		if result.Date > finalDate {
			finalDate = result.Date
		}

		if result.Final || len(result.Updates) == 0 {
			break
		}
	}

	if len(pending) == 0 {
		if currentSeq > b.seq || finalDate > b.date {
			b.persistCursor(ctx, currentSeq, finalDate)
		}
		return
	}

	done := make(chan error, 1)
	b.engine.applyCatchupBatch(b.key, pending, currentSeq, finalDate, done)
	if err := <-done; err != nil {
		b.logger.Warn("applying catch-up batch failed, cursor left unmoved", zap.Error(err))
		return
	}
	b.seq, b.date = currentSeq, finalDate
}

// handleTooLong implements the TOO_LONG branch of spec §4.4. A cold-start
// bucket (seq or date never set) or a gap exceeding MaxTotalUpdatesPerBucket
// fast-forwards straight to the server's reported cursor instead of paging
// through history the client doesn't need, and reports ok=false so
// runFetchLoop stops. Otherwise the gap is a qualifying-but-not-huge TOO_LONG
// (the server just can't compute the whole delta in one page): handleTooLong
// reports the slice boundary and ok=true so runFetchLoop re-issues the
// request bounded by seqEnd, rather than aborting the catch-up.
func (b *bucketActor) handleTooLong(ctx context.Context, currentSeq int64, result wire.GetUpdatesResult) (sliceEndSeq int64, ok bool) {
	coldStart := currentSeq == 0 || b.date == 0
	gapTooBig := result.Seq-currentSeq > b.engine.cfg.MaxTotalUpdatesPerBucket
	if !coldStart && !gapTooBig {
		b.logger.Debug("getUpdates reported tooLong, bounding next request to the reported seq",
			zap.Int64("slice_end_seq", result.Seq))
		return result.Seq, true
	}
	if gapTooBig && !coldStart {
		b.logger.Warn("bucket gap exceeds max total updates, fast-forwarding and recommending a local cache clear",
			zap.Int64("gap", result.Seq-currentSeq))
	}

	done := make(chan error, 1)
	b.engine.fastForwardBucket(b.key, result.Seq, result.Date, done)
	if err := <-done; err != nil {
		b.logger.Warn("persisting fast-forward cursor failed", zap.Error(err))
		return 0, false
	}
	b.seq, b.date = result.Seq, result.Date
	return 0, false
}

func (b *bucketActor) persistCursor(ctx context.Context, seq, date int64) {
	done := make(chan error, 1)
	b.engine.fastForwardBucket(b.key, seq, date, done)
	if err := <-done; err != nil {
		b.logger.Warn("persisting advanced cursor failed", zap.Error(err))
		return
	}
	b.seq, b.date = seq, date
}
