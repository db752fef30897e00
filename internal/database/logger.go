// internal/database/logger.go
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type structuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

// NewLogger returns a gorm logger writing to log. Queries slower than
// slowThreshold are logged at WARN, everything else at DEBUG.
func NewLogger(log *slog.Logger, slowThreshold time.Duration) logger.Interface {
	return structuredLogger{logger: log, SlowThreshold: slowThreshold}
}

func (g structuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g structuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g structuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g structuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g structuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rows := fc()
	attrs := []any{
		"elapsed", elapsed,
		"rows", rows,
		"sql", s,
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.logger.ErrorContext(ctx, "sql error", append(attrs, tint.Err(err))...)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(ctx, "slow sql", append(attrs, "threshold", g.SlowThreshold)...)
	default:
		g.logger.DebugContext(ctx, "sql completed", attrs...)
	}
}
