package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	obsmw "chatcore/internal/observability/middleware"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// slogLogger sends gorm output to slog at gorm's own severity.
type slogLogger struct {
	level logger.LogLevel
	slow  time.Duration
}

func newSlogLogger(level logger.LogLevel) *slogLogger {
	return &slogLogger{level: level, slow: slowQueryThreshold}
}

func (l *slogLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		slog.InfoContext(ctx, "gorm", append(obsmw.LogAttrs(ctx), "detail", fmt.Sprintf(msg, args...))...)
	}
}

func (l *slogLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		slog.WarnContext(ctx, "gorm", append(obsmw.LogAttrs(ctx), "detail", fmt.Sprintf(msg, args...))...)
	}
}

func (l *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		slog.ErrorContext(ctx, "gorm", append(obsmw.LogAttrs(ctx), "detail", fmt.Sprintf(msg, args...))...)
	}
}

func (l *slogLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		slog.ErrorContext(ctx, "gorm query failed", append(obsmw.LogAttrs(ctx), "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)...)
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		sql, rows := fc()
		slog.WarnContext(ctx, "gorm slow query", append(obsmw.LogAttrs(ctx), "sql", sql, "rows", rows, "elapsed", elapsed, "threshold", l.slow)...)
	case l.level >= logger.Info:
		sql, rows := fc()
		slog.InfoContext(ctx, "gorm query", append(obsmw.LogAttrs(ctx), "sql", sql, "rows", rows, "elapsed", elapsed)...)
	}
}
