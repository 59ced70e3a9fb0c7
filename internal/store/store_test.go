package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/wire"
)

func newTestStore(t *testing.T) SyncStorage {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{DSN: filepath.Join(dir, "client.db"), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestGetStateNotFoundBeforeFirstSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.GetState(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetStateThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetState(ctx, SyncState{LastSyncDate: 1700000000}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.LastSyncDate != 1700000000 {
		t.Fatalf("LastSyncDate = %d, want 1700000000", got.LastSyncDate)
	}

	// Overwriting must update in place, not insert a second row.
	if err := s.SetState(ctx, SyncState{LastSyncDate: 1700000100}); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	got, err = s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState after overwrite: %v", err)
	}
	if got.LastSyncDate != 1700000100 {
		t.Fatalf("LastSyncDate = %d, want 1700000100", got.LastSyncDate)
	}
}

func TestBucketStateRoundTripsAllKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []wire.BucketKey{
		{Kind: wire.BucketChat, ID: 7, Peer: 3},
		{Kind: wire.BucketSpace, ID: 42},
		{Kind: wire.BucketUser},
	}
	for i, key := range cases {
		state := BucketState{Seq: int64(i + 1), Date: int64(1700000000 + i)}
		if err := s.SetBucketState(ctx, key, state); err != nil {
			t.Fatalf("SetBucketState(%v): %v", key, err)
		}
		got, err := s.GetBucketState(ctx, key)
		if err != nil {
			t.Fatalf("GetBucketState(%v): %v", key, err)
		}
		if got != state {
			t.Fatalf("got %+v, want %+v", got, state)
		}
	}

	all, err := s.AllBucketStates(ctx)
	if err != nil {
		t.Fatalf("AllBucketStates: %v", err)
	}
	if len(all) != len(cases) {
		t.Fatalf("len(all) = %d, want %d", len(all), len(cases))
	}
}

func TestSetBucketStatesPersistsEveryEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := map[wire.BucketKey]BucketState{
		{Kind: wire.BucketChat, ID: 1}: {Seq: 10, Date: 100},
		{Kind: wire.BucketChat, ID: 2}: {Seq: 20, Date: 200},
	}
	if err := s.SetBucketStates(ctx, states); err != nil {
		t.Fatalf("SetBucketStates: %v", err)
	}
	for key, want := range states {
		got, err := s.GetBucketState(ctx, key)
		if err != nil {
			t.Fatalf("GetBucketState(%v): %v", key, err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestClearSyncStateResetsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetState(ctx, SyncState{LastSyncDate: 1700000000}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	key := wire.BucketKey{Kind: wire.BucketChat, ID: 1}
	if err := s.SetBucketState(ctx, key, BucketState{Seq: 5, Date: 50}); err != nil {
		t.Fatalf("SetBucketState: %v", err)
	}

	if err := s.ClearSyncState(ctx); err != nil {
		t.Fatalf("ClearSyncState: %v", err)
	}

	if _, err := s.GetState(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetState after clear: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBucketState(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBucketState after clear: err = %v, want ErrNotFound", err)
	}
}
