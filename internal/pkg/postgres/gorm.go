package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GORMConfig contains ORM settings.
type GORMConfig struct {
	SlowThreshold time.Duration
	LogLevel      string
}

// OpenGORM opens a GORM session on top of an existing pgx pool, so the ORM
// and the pool metrics see the same connections. The pool must outlive the
// session.
func OpenGORM(pool *pgxpool.Pool, cfg GORMConfig, log *slog.Logger) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)

	db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         NewGORMLogger(log, cfg),
		TranslateError: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return db, nil
}

// NewGORMLogger routes GORM logs to slog. Record-not-found is never logged.
func NewGORMLogger(log *slog.Logger, cfg GORMConfig) logger.Interface {
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}

	return logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  parseGORMLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)
}

func parseGORMLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
