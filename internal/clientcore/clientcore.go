// Package clientcore assembles the transport, session, connection manager,
// transaction engine, and sync engine into one supervised unit (spec §6).
// It mirrors the teacher agent's main.go wiring sequence — build the
// collaborators bottom-up, then hand them to the connection manager and run
// it until ctx is cancelled — generalized from a single connection.Manager
// into a small errgroup of cooperating actors.
package clientcore

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inline-chat/inline-sub014/internal/auth"
	"github.com/inline-chat/inline-sub014/internal/config"
	"github.com/inline-chat/inline-sub014/internal/connmgr"
	"github.com/inline-chat/inline-sub014/internal/debugserver"
	"github.com/inline-chat/inline-sub014/internal/metrics"
	"github.com/inline-chat/inline-sub014/internal/session"
	"github.com/inline-chat/inline-sub014/internal/store"
	"github.com/inline-chat/inline-sub014/internal/syncengine"
	"github.com/inline-chat/inline-sub014/internal/transport"
	"github.com/inline-chat/inline-sub014/internal/txengine"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

// Config parameterizes Core. Everything with a default is optional; the
// collaborators that have no sane default (transport target, auth, storage,
// the embedding application's update-apply callback) are required.
type Config struct {
	// TransportURL dials the realtime WebSocket endpoint. Ignored if
	// Transport is set.
	TransportURL string

	// Transport overrides the production WebSocketTransport, e.g. with
	// transport.Fake in tests. Most callers leave this nil.
	Transport transport.Transport

	// Auth supplies the bearer token the session presents on handshake and
	// the connection manager watches for login/logout transitions.
	Auth auth.Provider

	// Store persists sync cursors across restarts.
	Store store.SyncStorage

	// Apply is the embedding application's update sink: both the sync
	// engine's direct-apply and catch-up paths funnel through it.
	Apply syncengine.ApplyUpdates

	// Build is sent as ConnectionInit.build.
	Build int32

	Session         session.Config
	TransportConfig transport.Config
	Connection      config.ConnectionPolicy
	Sync            config.SyncConfig

	// Registry collects the Prometheus metrics every component publishes.
	// A fresh registry is created if nil.
	Registry *prometheus.Registry

	// DebugAddr, if non-empty, binds a loopback diagnostics server
	// (internal/debugserver) at this address alongside the core.
	DebugAddr string

	Logger *zap.Logger
}

// Core owns one realtime connection's full stack: transport, session,
// connection manager, transaction engine, and sync engine, plus the
// metrics and optional diagnostics surface wired across all of them.
type Core struct {
	cfg    Config
	logger *zap.Logger

	transport transport.Transport
	sess      *session.Session
	conn      *connmgr.Manager
	tx        *txengine.Engine
	sync      *syncengine.Engine

	connStats *metrics.ConnectionStats
	syncStats *metrics.SyncStats

	debug *debugserver.Server
}

// New builds a Core from cfg. It does not start anything — call Run.
func New(cfg Config) (*Core, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("clientcore: Auth is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("clientcore: Store is required")
	}
	if cfg.Apply == nil {
		return nil, fmt.Errorf("clientcore: Apply is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	t := cfg.Transport
	if t == nil {
		t = transport.NewWebSocketTransport(transport.Config{
			URL:          cfg.TransportURL,
			DialTimeout:  cfg.TransportConfig.DialTimeout,
			WriteTimeout: cfg.TransportConfig.WriteTimeout,
		}, logger)
	}

	sessCfg := cfg.Session
	sessCfg.Build = cfg.Build
	sess := session.New(sessCfg, t, logger)

	connPolicy := cfg.Connection
	if connPolicy.Backoff == nil {
		connPolicy = config.DefaultConnectionPolicy()
	}
	conn := connmgr.New(connPolicy, sess, cfg.Auth, logger)

	tx := txengine.New(connPolicy, sess, conn, logger)

	syncCfg := cfg.Sync
	if (syncCfg == config.SyncConfig{}) {
		syncCfg = config.DefaultSyncConfig()
	}
	syncStats := metrics.NewSyncStats(registry)
	syncEng := syncengine.New(syncCfg, sess, conn, cfg.Store, cfg.Apply, syncStats, logger)

	connStats := metrics.NewConnectionStats(registry)

	c := &Core{
		cfg:       cfg,
		logger:    logger.Named("clientcore"),
		transport: t,
		sess:      sess,
		conn:      conn,
		tx:        tx,
		sync:      syncEng,
		connStats: connStats,
		syncStats: syncStats,
	}

	if cfg.DebugAddr != "" {
		c.debug = debugserver.New(debugserver.Config{
			Addr:     cfg.DebugAddr,
			Conn:     conn,
			Sync:     syncEng,
			Registry: registry,
			Logger:   logger,
		})
	}

	return c, nil
}

// Session returns the underlying protocol session, for callers (e.g. a
// REPL or UI layer) that need to issue their own RPCs outside the
// transaction engine.
func (c *Core) Session() *session.Session { return c.sess }

// Transactions returns the transaction engine, for enqueuing mutations.
func (c *Core) Transactions() *txengine.Engine { return c.tx }

// ConnectionSnapshots subscribes to connection state transitions.
func (c *Core) ConnectionSnapshots() <-chan connmgr.Snapshot { return c.conn.Subscribe() }

// Run starts every actor and blocks until ctx is cancelled or a component
// fails unrecoverably. Mirrors the teacher's "start workers, then block on
// the connection loop" shutdown sequence, generalized to an errgroup of
// five cooperating actors instead of one.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.sess.Run(ctx)
		return nil
	})
	g.Go(func() error {
		c.tx.Run(ctx)
		return nil
	})
	g.Go(func() error {
		c.sync.Run(ctx)
		return nil
	})
	g.Go(func() error {
		c.observeConnectionStats(ctx)
		return nil
	})
	g.Go(func() error {
		c.watchAuth(ctx)
		return nil
	})
	if c.debug != nil {
		g.Go(func() error {
			return c.debug.ListenAndServe()
		})
		g.Go(func() error {
			<-ctx.Done()
			return c.debug.Shutdown(context.Background())
		})
	}

	c.conn.Start()

	g.Go(func() error {
		c.conn.Run(ctx)
		return nil
	})

	return g.Wait()
}

// observeConnectionStats feeds every connection state transition into the
// Prometheus gauges, so connStats never needs direct access to the manager.
func (c *Core) observeConnectionStats(ctx context.Context) {
	snaps := c.conn.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			c.connStats.Observe(snap.State.String())
		}
	}
}

// watchAuth seeds the connection manager's auth constraint from the
// provider's current login state, then keeps it current as login/logout
// events arrive. The manager itself never touches auth.Provider directly —
// it only ever sees the narrow TokenSource slice passed to New.
func (c *Core) watchAuth(ctx context.Context) {
	c.conn.SetAuthAvailable(c.cfg.Auth.IsLoggedIn())
	events := c.cfg.Auth.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.conn.SetAuthAvailable(ev.Kind == auth.EventLogin)
		}
	}
}

// RequestSync is a convenience for callers that hold a bucket key out of
// band (e.g. after opening a chat the user hasn't synced in a while) and
// want to nudge the sync engine without waiting for the next realtime
// notification.
func (c *Core) RequestSync(key wire.BucketKey) {
	c.sync.Notify(key)
}
