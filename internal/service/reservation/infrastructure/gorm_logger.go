package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockhold/internal/pkg/logger"
)

// gormZerolog 把 GORM 的日志接到 zerolog 上，SQL 日志会带上 trace_id
type gormZerolog struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(level gormlogger.LogLevel, slow time.Duration) gormlogger.Interface {
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}
	return &gormZerolog{level: level, slowThreshold: slow}
}

func (l *gormZerolog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormZerolog) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.Ctx(ctx).Info().Msgf(msg, args...)
	}
}

func (l *gormZerolog) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.Ctx(ctx).Warn().Msgf(msg, args...)
	}
}

func (l *gormZerolog) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.Ctx(ctx).Error().Msgf(msg, args...)
	}
}

func (l *gormZerolog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	var ev *zerolog.Event
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		ev = logger.Ctx(ctx).Error().Err(err)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		ev = logger.Ctx(ctx).Warn().Bool("slow", true)
	case l.level >= gormlogger.Info:
		ev = logger.Ctx(ctx).Debug()
	default:
		return
	}
	sql, rows := fc()
	ev.Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("gorm")
}
