// Package debugserver exposes a loopback-only HTTP diagnostics surface: a
// Prometheus /metrics endpoint and a /debug/state JSON snapshot of the
// connection state machine and sync cursors. It is never bound by default —
// an embedding application opts in explicitly, e.g. from a CLI flag — and it
// never drives client behavior; it only reads the other components'
// published state.
//
// Grounded on the teacher server's own chi router (internal/api/router.go):
// same middleware chain, same chi.NewRouter() layout, scaled down
// from a full REST API to a read-only diagnostics surface.
package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/connmgr"
	"github.com/inline-chat/inline-sub014/internal/syncengine"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

// connStateSource is the narrow slice of *connmgr.Manager this package
// needs: only enough to keep a cached copy of the latest snapshot.
type connStateSource interface {
	Subscribe() <-chan connmgr.Snapshot
}

// bucketStateSource is the narrow slice of *syncengine.Engine this package
// needs.
type bucketStateSource interface {
	Snapshot() (lastSyncDate int64, buckets []syncengine.BucketSnapshot)
}

// Config parameterizes Server.
type Config struct {
	// Addr is the loopback address to bind, e.g. "127.0.0.1:6061". Callers
	// are responsible for keeping it loopback-only — this surface carries
	// no authentication of its own.
	Addr string

	Conn     connStateSource
	Sync     bucketStateSource
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Server serves the diagnostics endpoints.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger

	mu       sync.RWMutex
	lastConn connmgr.Snapshot
}

// New builds a Server and starts the background goroutine that keeps the
// cached connection snapshot current. Call ListenAndServe to actually bind
// and accept connections.
func New(cfg Config) *Server {
	logger := cfg.Logger.Named("debugserver")
	s := &Server{logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/debug/state", s.handleState(cfg.Sync))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Conn != nil {
		go s.watchConn(cfg.Conn)
	}
	return s
}

func (s *Server) watchConn(conn connStateSource) {
	for snap := range conn.Subscribe() {
		s.mu.Lock()
		s.lastConn = snap
		s.mu.Unlock()
	}
}

// ListenAndServe binds cfg.Addr and serves until the listener errors or
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("debug server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type stateResponse struct {
	Connection connectionState `json:"connection"`
	Sync       syncState       `json:"sync"`
}

type connectionState struct {
	State                string    `json:"state"`
	Reason               string    `json:"reason"`
	Attempt              int       `json:"attempt"`
	SessionID            int64     `json:"sessionId"`
	Since                time.Time `json:"since"`
	LastErrorDescription string    `json:"lastErrorDescription,omitempty"`
}

type bucketState struct {
	BucketKind string `json:"bucketKind"`
	BucketID   int64  `json:"bucketId,omitempty"`
	Seq        int64  `json:"seq"`
	Date       int64  `json:"date"`
}

type syncState struct {
	LastSyncDate int64         `json:"lastSyncDate"`
	Buckets      []bucketState `json:"buckets"`
}

func (s *Server) handleState(src bucketStateSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		conn := s.lastConn
		s.mu.RUnlock()

		resp := stateResponse{
			Connection: connectionState{
				State:                conn.State.String(),
				Reason:               conn.Reason,
				Attempt:              conn.Attempt,
				SessionID:            conn.SessionID,
				Since:                conn.Since,
				LastErrorDescription: conn.LastErrorDescription,
			},
		}
		if src != nil {
			lastSyncDate, buckets := src.Snapshot()
			resp.Sync.LastSyncDate = lastSyncDate
			resp.Sync.Buckets = make([]bucketState, len(buckets))
			for i, b := range buckets {
				resp.Sync.Buckets[i] = toBucketState(b)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn("encoding /debug/state response failed", zap.Error(err))
		}
	}
}

func toBucketState(b syncengine.BucketSnapshot) bucketState {
	kind := "chat"
	id := b.Bucket.ID
	switch b.Bucket.Kind {
	case wire.BucketSpace:
		kind = "space"
	case wire.BucketUser:
		kind = "user"
		id = 0
	}
	return bucketState{BucketKind: kind, BucketID: id, Seq: b.Seq, Date: b.Date}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
