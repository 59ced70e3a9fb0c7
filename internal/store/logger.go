package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// queryLogger routes GORM's internal SQL tracing through the store's own
// zap logger rather than gorm's default stdout writer. The sync store only
// ever runs single-row cursor upserts and a handful of bulk reads on
// startup, so unlike a server-side query log there is no slow-query
// classification here — every statement is traced at debug, and anything
// gorm reports as a real error (not a plain not-found) is logged as one.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func newQueryLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	return &queryLogger{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

// Trace logs one sync-store query per call with the rendered SQL, the
// affected row count and the elapsed time.
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(begin)),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Error("sync store query failed", append(fields, zap.Error(err))...)
		return
	}
	l.log.Debug("sync store query", fields...)
}
