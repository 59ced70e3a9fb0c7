package transport

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Transport double used by session/connmgr/engine
// tests so they can drive connect/disconnect/frame delivery deterministically
// without a real socket.
type Fake struct {
	mu       sync.Mutex
	events   chan Event
	sent     [][]byte
	connects int
	failNext bool
}

// NewFake creates an idle Fake transport.
func NewFake() *Fake {
	return &Fake{events: make(chan Event, 256)}
}

func (f *Fake) Events() <-chan Event { return f.events }

// FailNextConnect makes the next Connect call emit EventDisconnected with an
// error instead of succeeding, to exercise connect-timeout/failure paths.
func (f *Fake) FailNextConnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()

	f.events <- Event{Kind: EventConnecting}
	if fail {
		err := fmt.Errorf("fake: forced connect failure")
		f.events <- Event{Kind: EventDisconnected, Err: err}
		return err
	}
	f.events <- Event{Kind: EventConnected}
	return nil
}

// Disconnect emits a nil-error EventDisconnected on every call, whether or
// not a connection is open, so tests can inject a drop at any time; unlike a
// real Transport it is not idempotent.
func (f *Fake) Disconnect() {
	f.events <- Event{Kind: EventDisconnected}
}

// Send records a copy of frame and always returns nil, connected or not.
func (f *Fake) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

// Sent returns a snapshot of frames passed to Send, in order.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// DeliverFrame injects an inbound frame as if received from the peer.
func (f *Fake) DeliverFrame(payload []byte) {
	f.events <- Event{Kind: EventFrame, Frame: payload}
}

// Connects reports how many times Connect has been called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}
