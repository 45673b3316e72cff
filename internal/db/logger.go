package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold marks queries worth a warning even when SQL tracing is
// off.
const slowQueryThreshold = 200 * time.Millisecond

// gormZap routes GORM's internal logging (errors, slow queries, optional SQL
// tracing) through the application zap logger.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func newGormLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip the gorm callsite frames so the log points at the repository call.
	return &gormZap{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode is called by GORM to derive a logger at a different level, e.g. for
// db.Debug().
func (g *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *g
	next.level = level
	return &next
}

func (g *gormZap) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormZap) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormZap) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs each statement with timing. ErrRecordNotFound is a normal lookup
// miss, not a database failure, and stays quiet.
func (g *gormZap) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		g.log.Warn("slow query", fields...)
	case g.level >= gormlogger.Info:
		g.log.Debug("query", fields...)
	}
}
