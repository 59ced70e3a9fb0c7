// Package store implements SyncStorage (spec §6.3): the local persistence
// of the sync engine's global cursor and per-bucket cursors, backed by an
// embedded SQLite database opened with the pure-Go modernc driver and
// migrated with golang-migrate, exactly as the teacher's internal/db opens
// its own local database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/inline-chat/inline-sub014/internal/wire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SyncState is the global catch-up cursor (spec §3 Global sync cursor).
type SyncState struct {
	LastSyncDate int64
}

// BucketState is a single bucket's persisted cursor (spec §3 Bucket).
type BucketState struct {
	Seq  int64
	Date int64
}

// SyncStorage is the persistence collaborator the sync engine requires
// (spec §6.3).
type SyncStorage interface {
	GetState(ctx context.Context) (SyncState, error)
	SetState(ctx context.Context, s SyncState) error
	GetBucketState(ctx context.Context, key wire.BucketKey) (BucketState, error)
	SetBucketState(ctx context.Context, key wire.BucketKey, s BucketState) error
	SetBucketStates(ctx context.Context, states map[wire.BucketKey]BucketState) error
	ClearSyncState(ctx context.Context) error
	// AllBucketStates loads every persisted bucket cursor at once, so the
	// sync engine can hydrate its per-bucket actors on startup instead of
	// lazily reading one row at a time.
	AllBucketStates(ctx context.Context) (map[wire.BucketKey]BucketState, error)
}

// Config parameterizes Open.
type Config struct {
	// DSN is the modernc sqlite data source, e.g. "file:client.db" or a path.
	DSN    string
	Logger *zap.Logger
}

type gormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the local SQLite database at cfg.DSN
// and applies pending migrations, mirroring the teacher's db.New.
func Open(cfg Config) (SyncStorage, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: logger is required")
	}
	logger := cfg.Logger.Named("store")

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time; a single connection avoids
	// SQLITE_BUSY under our own single-writer-per-component model.
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newQueryLogger(logger, gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: init gorm: %w", err)
	}

	if err := runMigrations(sqlDB, logger); err != nil {
		return nil, fmt.Errorf("store: migrations: %w", err)
	}

	return &gormStore{db: gdb, logger: logger}, nil
}

func runMigrations(sqlDB *sql.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("store migrations applied")
	return nil
}

func (s *gormStore) GetState(ctx context.Context) (SyncState, error) {
	var row syncStateRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SyncState{}, ErrNotFound
		}
		return SyncState{}, fmt.Errorf("store: get state: %w", err)
	}
	return SyncState{LastSyncDate: row.LastSyncDate}, nil
}

func (s *gormStore) SetState(ctx context.Context, state SyncState) error {
	row := syncStateRow{ID: 1, LastSyncDate: state.LastSyncDate}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_date"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: set state: %w", err)
	}
	return nil
}

func (s *gormStore) GetBucketState(ctx context.Context, key wire.BucketKey) (BucketState, error) {
	bucketType, entityID := encodeBucketKey(key)
	var row bucketStateRow
	err := s.db.WithContext(ctx).First(&row, "bucket_type = ? AND entity_id = ?", bucketType, entityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BucketState{}, ErrNotFound
		}
		return BucketState{}, fmt.Errorf("store: get bucket state: %w", err)
	}
	return BucketState{Seq: row.Seq, Date: row.Date}, nil
}

func (s *gormStore) SetBucketState(ctx context.Context, key wire.BucketKey, state BucketState) error {
	return s.upsertBucketState(s.db.WithContext(ctx), key, state)
}

// SetBucketStates persists multiple bucket cursors atomically in one
// transaction. The sync engine itself persists one bucket at a time through
// SetBucketState.
func (s *gormStore) SetBucketStates(ctx context.Context, states map[wire.BucketKey]BucketState) error {
	if len(states) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, state := range states {
			if err := s.upsertBucketState(tx, key, state); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormStore) upsertBucketState(tx *gorm.DB, key wire.BucketKey, state BucketState) error {
	bucketType, entityID := encodeBucketKey(key)
	row := bucketStateRow{BucketType: bucketType, EntityID: entityID, Seq: state.Seq, Date: state.Date}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bucket_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"seq", "date"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: set bucket state: %w", err)
	}
	return nil
}

// ClearSyncState wipes the cursor and all bucket state, forcing the next
// connection to run a full cold-start catch-up (spec §9: logout / local
// store reset path).
func (s *gormStore) ClearSyncState(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM sync_state").Error; err != nil {
			return fmt.Errorf("store: clear sync state: %w", err)
		}
		if err := tx.Exec("DELETE FROM bucket_state").Error; err != nil {
			return fmt.Errorf("store: clear bucket state: %w", err)
		}
		return nil
	})
}

const (
	bucketTypeChat  = "chat"
	bucketTypeSpace = "space"
	bucketTypeUser  = "user"
)

// encodeBucketKey maps a wire.BucketKey onto the (bucketType, entityID)
// composite the schema stores it as. Chat buckets fold id and peer into one
// string since the primary key has only room for two columns.
func encodeBucketKey(key wire.BucketKey) (bucketType, entityID string) {
	switch key.Kind {
	case wire.BucketSpace:
		return bucketTypeSpace, strconv.FormatInt(key.ID, 10)
	case wire.BucketUser:
		return bucketTypeUser, "self"
	default:
		return bucketTypeChat, strconv.FormatInt(key.ID, 10) + ":" + strconv.FormatInt(key.Peer, 10)
	}
}

// decodeBucketKey is encodeBucketKey's inverse, used when the sync engine
// loads all persisted buckets back into memory on startup.
func decodeBucketKey(bucketType, entityID string) (wire.BucketKey, error) {
	switch bucketType {
	case bucketTypeSpace:
		id, err := strconv.ParseInt(entityID, 10, 64)
		if err != nil {
			return wire.BucketKey{}, fmt.Errorf("store: bad space entity id %q: %w", entityID, err)
		}
		return wire.BucketKey{Kind: wire.BucketSpace, ID: id}, nil
	case bucketTypeUser:
		return wire.BucketKey{Kind: wire.BucketUser}, nil
	case bucketTypeChat:
		parts := strings.SplitN(entityID, ":", 2)
		if len(parts) != 2 {
			return wire.BucketKey{}, fmt.Errorf("store: bad chat entity id %q", entityID)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return wire.BucketKey{}, fmt.Errorf("store: bad chat entity id %q: %w", entityID, err)
		}
		peer, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return wire.BucketKey{}, fmt.Errorf("store: bad chat entity id %q: %w", entityID, err)
		}
		return wire.BucketKey{Kind: wire.BucketChat, ID: id, Peer: peer}, nil
	default:
		return wire.BucketKey{}, fmt.Errorf("store: unknown bucket type %q", bucketType)
	}
}

// AllBucketStates loads every persisted bucket cursor, keyed by its
// wire.BucketKey. Used once at startup so the sync engine's per-bucket
// actors don't have to lazily reload state from disk on first touch.
func (s *gormStore) AllBucketStates(ctx context.Context) (map[wire.BucketKey]BucketState, error) {
	var rows []bucketStateRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list bucket states: %w", err)
	}
	out := make(map[wire.BucketKey]BucketState, len(rows))
	for _, row := range rows {
		key, err := decodeBucketKey(row.BucketType, row.EntityID)
		if err != nil {
			s.logger.Warn("dropping unreadable bucket state row", zap.String("bucket_type", row.BucketType), zap.String("entity_id", row.EntityID), zap.Error(err))
			continue
		}
		out[key] = BucketState{Seq: row.Seq, Date: row.Date}
	}
	return out, nil
}
