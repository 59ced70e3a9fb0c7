// Package main is the entry point for the realtimeclient binary.
// It wires clientcore.Core together for integration testing and local
// development against a running (or mocked) backend.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger and (optionally) telemetry
//  3. Open the local sync store
//  4. Build clientcore.Core
//  5. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inline-chat/inline-sub014/internal/auth"
	"github.com/inline-chat/inline-sub014/internal/clientcore"
	"github.com/inline-chat/inline-sub014/internal/store"
	"github.com/inline-chat/inline-sub014/internal/syncengine"
	"github.com/inline-chat/inline-sub014/internal/telemetry"
	"github.com/inline-chat/inline-sub014/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL    string
	token        string
	stateDir     string
	dbPath       string
	logLevel     string
	debugAddr    string
	telemetryOn  bool
	enableEvents bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "realtimeclient",
		Short: "realtimeclient — standalone driver for the realtime client core",
		Long: `realtimeclient runs the connection manager, protocol session,
transaction engine, and sync engine against a running backend. It is meant
for integration testing and local development, not as an end-user client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("REALTIMECLIENT_SERVER_URL", "ws://localhost:8080/ws"), "realtime WebSocket endpoint")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("REALTIMECLIENT_TOKEN", ""), "bearer token presented on handshake (empty starts logged out)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("REALTIMECLIENT_STATE_DIR", defaultStateDir()), "directory for local state (sync.db)")
	root.PersistentFlags().StringVar(&cfg.dbPath, "db-path", "", "override the sync store path (default <state-dir>/sync.db)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("REALTIMECLIENT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.debugAddr, "debug-addr", envOrDefault("REALTIMECLIENT_DEBUG_ADDR", ""), "loopback address for /metrics and /debug/state (empty disables)")
	root.PersistentFlags().BoolVar(&cfg.telemetryOn, "telemetry", false, "record spans and log them instead of driving behavior")
	root.PersistentFlags().BoolVar(&cfg.enableEvents, "log-updates", true, "log every applied update at info level")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("realtimeclient %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.token == "" {
		logger.Warn("no token configured, starting logged out (set REALTIMECLIENT_TOKEN or --token)")
	}

	logger.Info("starting realtimeclient",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(telemetry.Config{
		Enabled:     cfg.telemetryOn,
		ServiceName: "realtimeclient",
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background()) //nolint:errcheck

	dbPath := cfg.dbPath
	if dbPath == "" {
		if err := os.MkdirAll(cfg.stateDir, 0o700); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
		dbPath = cfg.stateDir + "/sync.db"
	}
	syncStore, err := store.Open(store.Config{DSN: dbPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open sync store: %w", err)
	}

	provider := auth.NewStaticProvider(cfg.token)

	core, err := clientcore.New(clientcore.Config{
		TransportURL: cfg.serverURL,
		Auth:         provider,
		Store:        syncStore,
		Apply:        &loggingApplier{logger: logger, enabled: cfg.enableEvents},
		Build:        buildNumber(),
		DebugAddr:    cfg.debugAddr,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build client core: %w", err)
	}

	if cfg.debugAddr != "" {
		logger.Info("debug server enabled", zap.String("addr", cfg.debugAddr))
	}

	err = core.Run(ctx)
	logger.Info("realtimeclient stopped")
	return err
}

// loggingApplier is the demo syncengine.ApplyUpdates: it has no local chat
// store of its own, so it just logs what it was handed. A real embedding
// application supplies its own implementation that writes to its UI model.
type loggingApplier struct {
	logger  *zap.Logger
	enabled bool
}

func (a *loggingApplier) Apply(ctx context.Context, updates []wire.Update, source syncengine.Source) error {
	if !a.enabled {
		return nil
	}
	for _, u := range updates {
		a.logger.Info("update applied",
			zap.String("kind", u.Kind.String()),
			zap.String("source", source.String()),
			zap.Int32("seq", u.Seq),
			zap.Int64("date", u.Date),
		)
	}
	return nil
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.realtimeclient"
	}
	return ".realtimeclient"
}

func buildNumber() int32 {
	return 1
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
