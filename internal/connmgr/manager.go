// Package connmgr implements the connection manager: the state machine
// that decides when the transport should be up, drives the protocol
// session through handshake, and reconnects with backoff on failure
// (spec §4.1).
//
// Like the session, the manager is a single-threaded cooperative actor: one
// goroutine (Run) owns every field below the cmds/subscribers boundary.
// External callers only ever push events onto a channel or read snapshots
// off one — mirroring the teacher's connection.Manager reconnect loop,
// generalized from a single gRPC dial-register-stream sequence into a full
// state machine over the protocol session.
package connmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/config"
	"github.com/inline-chat/inline-sub014/internal/session"
)

// State enumerates the connection manager's states (spec §3 Connection state).
type State int

const (
	StateStopped State = iota
	StateWaitingForConstraints
	StateConnectingTransport
	StateAuthenticating
	StateOpen
	StateBackoff
	StateBackgroundSuspended
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateWaitingForConstraints:
		return "waitingForConstraints"
	case StateConnectingTransport:
		return "connectingTransport"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateBackgroundSuspended:
		return "backgroundSuspended"
	default:
		return "unknown"
	}
}

// Constraints gates whether the manager may progress toward open (spec §3).
type Constraints struct {
	AuthAvailable       bool
	NetworkAvailable    bool
	AppActive           bool
	UserWantsConnection bool
}

func (c Constraints) satisfied() bool {
	return c.AuthAvailable && c.NetworkAvailable && c.AppActive && c.UserWantsConnection
}

// TokenSource supplies the bearer token presented on handshake. Implemented
// by internal/auth.Provider; kept as a narrow interface here so the
// connection manager does not depend on the OAuth/JWT stack directly.
type TokenSource interface {
	Token() string
}

// Snapshot is the manager's published state, consumed by upper layers and
// internal/debugserver (spec §4.1 Outputs).
type Snapshot struct {
	State                State
	Reason               string
	Attempt              int
	SessionID            int64
	Since                time.Time
	Constraints          Constraints
	LastErrorDescription string
}

type timerKind int

const (
	timerConnect timerKind = iota
	timerAuth
	timerBackoff
	timerBackgroundGrace
	timerPingFire
	timerPingTimeout
)

type evKind int

const (
	evStart evKind = iota
	evStop
	evConnectNow
	evAuthAvailable
	evAuthLost
	evNetworkAvailable
	evNetworkUnavailable
	evAppForeground
	evAppBackground
	evTimer
)

type event struct {
	kind evKind

	// evTimer
	timer     timerKind
	sessionID int64
}

// Manager drives the connection state machine over sess (spec §4.1).
type Manager struct {
	cfg    config.ConnectionPolicy
	sess   *session.Session
	tokens TokenSource
	logger *zap.Logger

	cmds chan event

	mu          sync.Mutex
	subscribers []chan Snapshot

	// run-loop-owned state
	state       State
	reason      string
	attempt     int
	sessionID   int64
	since       time.Time
	constraints Constraints
	lastErr     string

	timers map[timerKind]*time.Timer

	backgroundGraceActive bool

	pingOutstanding bool
	pingNonce       uint64
	pingSentAt      time.Time
	nextNonce       uint64
	avgLatencyMs    float64
	latencySamples  int
}

// New creates a Manager driving sess. Call Run in its own goroutine before
// issuing any commands.
func New(cfg config.ConnectionPolicy, sess *session.Session, tokens TokenSource, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		sess:   sess,
		tokens: tokens,
		logger: logger.Named("connmgr"),
		cmds:   make(chan event, 256),
		state:  StateStopped,
		since:  time.Time{},
		constraints: Constraints{
			AppActive:        true,
			NetworkAvailable: true,
		},
		timers: make(map[timerKind]*time.Timer),
	}
}

// Session returns the underlying protocol session, so engines can subscribe
// to its event stream directly (spec §9: engines see the session only
// through its event stream and this thin command facade).
func (m *Manager) Session() *session.Session { return m.sess }

// Subscribe returns a channel receiving every Snapshot published from now
// on, starting from the next state transition.
func (m *Manager) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish() {
	snap := Snapshot{
		State:                m.state,
		Reason:               m.reason,
		Attempt:              m.attempt,
		SessionID:            m.sessionID,
		Since:                m.since,
		Constraints:          m.constraints,
		LastErrorDescription: m.lastErr,
	}
	m.mu.Lock()
	subs := make([]chan Snapshot, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			m.logger.Warn("snapshot subscriber full, dropping")
		}
	}
}

// Start records that the user/app wants a connection (spec: user `start`).
func (m *Manager) Start() { m.cmds <- event{kind: evStart} }

// Stop tears down the connection and stops reconnecting (spec: user `stop`).
func (m *Manager) Stop() { m.cmds <- event{kind: evStop} }

// ConnectNow cancels any pending backoff and retries immediately, resetting
// the attempt counter.
func (m *Manager) ConnectNow() { m.cmds <- event{kind: evConnectNow} }

// SetAuthAvailable reports a change in the auth constraint.
func (m *Manager) SetAuthAvailable(ok bool) {
	if ok {
		m.cmds <- event{kind: evAuthAvailable}
	} else {
		m.cmds <- event{kind: evAuthLost}
	}
}

// SetNetworkAvailable reports a change in the network constraint.
func (m *Manager) SetNetworkAvailable(ok bool) {
	if ok {
		m.cmds <- event{kind: evNetworkAvailable}
	} else {
		m.cmds <- event{kind: evNetworkUnavailable}
	}
}

// SetAppActive reports a foreground/background transition.
func (m *Manager) SetAppActive(active bool) {
	if active {
		m.cmds <- event{kind: evAppForeground}
	} else {
		m.cmds <- event{kind: evAppBackground}
	}
}

// Run drives the manager's event loop until ctx is cancelled. It also
// forwards the session's own events into the manager's state machine, so it
// must be the only reader of sess's dedicated subscription below. Must be
// called exactly once, in its own goroutine, after sess.Run has started.
func (m *Manager) Run(ctx context.Context) {
	sessEvents := m.sess.Subscribe()
	for {
		select {
		case <-ctx.Done():
			m.cancelAllTimers()
			return
		case ev := <-m.cmds:
			m.handle(ev)
		case se, ok := <-sessEvents:
			if !ok {
				return
			}
			m.handleSessionEvent(se)
		}
	}
}

func (m *Manager) handle(ev event) {
	if ev.kind == evTimer && ev.sessionID != m.sessionID {
		m.logger.Debug("dropping stale timer", zap.Int("timer", int(ev.timer)), zap.Int64("timer_session", ev.sessionID), zap.Int64("current_session", m.sessionID))
		return
	}

	switch ev.kind {
	case evStart:
		m.constraints.UserWantsConnection = true
		m.tryAdvanceFromIdle("start")

	case evStop:
		m.cancelAllTimers()
		m.constraints.UserWantsConnection = false
		m.pingOutstanding = false
		if m.state != StateStopped {
			m.sess.StopTransport()
		}
		m.enter(StateStopped, "stop")

	case evConnectNow:
		if m.state == StateBackoff || m.state == StateWaitingForConstraints {
			m.cancelTimer(timerBackoff)
			m.attempt = 0
			m.tryAdvanceFromIdle("connectNow")
		}

	case evAuthAvailable:
		m.constraints.AuthAvailable = true
		m.onPositiveConstraintChange()

	case evAuthLost:
		m.constraints.AuthAvailable = false
		m.onConstraintLost()

	case evNetworkAvailable:
		m.constraints.NetworkAvailable = true
		m.onPositiveConstraintChange()

	case evNetworkUnavailable:
		m.constraints.NetworkAvailable = false
		m.onConstraintLost()

	case evAppForeground:
		m.constraints.AppActive = true
		m.cancelTimer(timerBackgroundGrace)
		m.backgroundGraceActive = false
		if m.state == StateBackgroundSuspended {
			m.attempt = 0
			m.tryAdvanceFromIdle("appForeground")
		} else {
			m.onPositiveConstraintChange()
		}

	case evAppBackground:
		m.constraints.AppActive = false
		if m.state == StateConnectingTransport || m.state == StateAuthenticating || m.state == StateOpen {
			m.backgroundGraceActive = true
			m.scheduleTimer(timerBackgroundGrace, m.cfg.BackgroundGrace)
		}

	case evTimer:
		m.handleTimer(ev)
	}
}

// onPositiveConstraintChange implements "connectNow, appForeground,
// authAvailable, networkAvailable reset the attempt counter to 0 and cancel
// any pending backoff timer" (spec §4.1 Backoff).
func (m *Manager) onPositiveConstraintChange() {
	if !m.constraints.satisfied() {
		return
	}
	switch m.state {
	case StateWaitingForConstraints, StateBackoff:
		m.cancelTimer(timerBackoff)
		m.attempt = 0
		m.tryAdvanceFromIdle("constraintSatisfied")
	}
}

func (m *Manager) onConstraintLost() {
	switch m.state {
	case StateConnectingTransport, StateAuthenticating, StateOpen, StateBackoff, StateBackgroundSuspended:
		m.cancelAllTimers()
		m.pingOutstanding = false
		m.sess.StopTransport()
		m.enter(StateWaitingForConstraints, "constraintLost")
	}
}

// tryAdvanceFromIdle moves stopped/waitingForConstraints/backoff into
// connectingTransport if constraints are satisfied, else parks in
// waitingForConstraints.
func (m *Manager) tryAdvanceFromIdle(reason string) {
	if !m.constraints.UserWantsConnection {
		return
	}
	if !m.constraints.satisfied() {
		m.enter(StateWaitingForConstraints, reason)
		return
	}
	m.beginConnectingTransport(reason)
}

func (m *Manager) beginConnectingTransport(reason string) {
	m.sessionID++
	m.enter(StateConnectingTransport, reason)
	m.scheduleTimer(timerConnect, m.cfg.ConnectTimeout)
	m.sess.StartTransport()
}

func (m *Manager) handleSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventTransportConnecting:
		// Informational only; state is already connectingTransport.

	case session.EventTransportConnected:
		if m.state != StateConnectingTransport {
			return
		}
		m.cancelTimer(timerConnect)
		m.enter(StateAuthenticating, "transportConnected")
		m.scheduleTimer(timerAuth, m.cfg.AuthTimeout)
		token := ""
		if m.tokens != nil {
			token = m.tokens.Token()
		}
		m.sess.StartHandshake(token)

	case session.EventTransportDisconnected:
		m.onUnexpectedDisconnect(ev.Err)

	case session.EventProtocolOpen:
		if m.state != StateAuthenticating {
			return
		}
		m.cancelTimer(timerAuth)
		m.attempt = 0
		m.enter(StateOpen, "protocolOpen")
		m.schedulePing()

	case session.EventAuthFailed:
		// The token itself is known-bad: retrying the transport cannot
		// help until a fresh token arrives (spec §7, scenario 6), unlike
		// authTimeout which is transient and backs off instead.
		m.cancelAllTimers()
		m.pingOutstanding = false
		m.constraints.AuthAvailable = false
		m.enter(StateWaitingForConstraints, "authFailed")

	case session.EventPong:
		m.onPong(ev.Nonce)
	}
}

// onUnexpectedDisconnect handles a transportDisconnected event arriving
// while we were trying to be connected. A disconnect we ourselves caused
// (stop, constraint loss, background suspend) has already transitioned the
// state away from connecting/authenticating/open before the transport's
// own disconnect event arrives, so this only fires for genuine failures.
func (m *Manager) onUnexpectedDisconnect(err error) {
	switch m.state {
	case StateConnectingTransport, StateAuthenticating, StateOpen:
	default:
		return
	}
	m.cancelAllTimers()
	m.pingOutstanding = false
	if err != nil {
		m.lastErr = err.Error()
	}
	m.scheduleBackoff("transportDisconnected")
}

func (m *Manager) scheduleBackoff(reason string) {
	m.attempt++
	m.enter(StateBackoff, reason)
	m.scheduleTimer(timerBackoff, m.cfg.Backoff(m.attempt))
}

func (m *Manager) handleTimer(ev event) {
	switch ev.timer {
	case timerConnect:
		if m.state != StateConnectingTransport {
			return
		}
		m.sess.StopTransport()
		m.scheduleBackoff("connectTimeout")

	case timerAuth:
		if m.state != StateAuthenticating {
			return
		}
		m.sess.StopTransport()
		m.scheduleBackoff("authTimeout")

	case timerBackoff:
		if m.state != StateBackoff {
			return
		}
		m.tryAdvanceFromIdle("backoffFired")

	case timerBackgroundGrace:
		if !m.backgroundGraceActive {
			return
		}
		m.backgroundGraceActive = false
		switch m.state {
		case StateConnectingTransport, StateAuthenticating, StateOpen:
			m.cancelAllTimers()
			m.pingOutstanding = false
			m.sess.StopTransport()
			m.enter(StateBackgroundSuspended, "backgroundGraceExpired")
		}

	case timerPingFire:
		if m.state != StateOpen {
			return
		}
		m.sendPing()

	case timerPingTimeout:
		if m.state != StateOpen || !m.pingOutstanding {
			return
		}
		m.sess.StopTransport()
		m.scheduleBackoff("pingTimeout")
	}
}

func (m *Manager) schedulePing() {
	interval := m.cfg.PingInterval
	if m.avgLatencyMs > float64(m.cfg.SlowPingThreshold.Milliseconds()) {
		interval = m.cfg.SlowPingInterval
	}
	m.scheduleTimer(timerPingFire, interval)
}

func (m *Manager) sendPing() {
	m.nextNonce++
	m.pingNonce = m.nextNonce
	m.pingOutstanding = true
	m.pingSentAt = timeNow()
	m.sess.SendPing(m.pingNonce)
	m.scheduleTimer(timerPingTimeout, m.cfg.PingTimeout)
}

// onPong records the round-trip latency as a simple exponential moving
// average, feeding schedulePing's adaptive interval (spec §4.1 Timers:
// "25s if avg recent latency > 2000ms").
func (m *Manager) onPong(nonce uint64) {
	if !m.pingOutstanding || nonce != m.pingNonce {
		return
	}
	m.pingOutstanding = false
	m.cancelTimer(timerPingTimeout)

	rtt := float64(timeNow().Sub(m.pingSentAt).Milliseconds())
	if m.latencySamples == 0 {
		m.avgLatencyMs = rtt
	} else {
		m.avgLatencyMs = m.avgLatencyMs*0.7 + rtt*0.3
	}
	m.latencySamples++

	if m.state == StateOpen {
		m.schedulePing()
	}
}

func (m *Manager) enter(s State, reason string) {
	m.state = s
	m.reason = reason
	m.since = timeNow()
	m.publish()
}

// timeNow is split out so tests could in principle stub wall-clock reads;
// today it just calls time.Now.
func timeNow() time.Time { return time.Now() }

func (m *Manager) scheduleTimer(kind timerKind, d time.Duration) {
	m.cancelTimer(kind)
	sid := m.sessionID
	m.timers[kind] = time.AfterFunc(d, func() {
		m.cmds <- event{kind: evTimer, timer: kind, sessionID: sid}
	})
}

func (m *Manager) cancelTimer(kind timerKind) {
	if t, ok := m.timers[kind]; ok {
		t.Stop()
		delete(m.timers, kind)
	}
}

func (m *Manager) cancelAllTimers() {
	for k, t := range m.timers {
		t.Stop()
		delete(m.timers, k)
	}
}
