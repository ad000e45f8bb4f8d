package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/bootstrap"
)

// contextWithTimeout derives a bounded context for one command.
func contextWithTimeout(cmdCtx *commandContext, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmdCtx.Ctx, timeout)
}

// connectDB opens the job store for commands that need Postgres only.
func connectDB(logger *slog.Logger, cfg *config.AppConfig) (*sql.DB, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cfg.Postgres,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}

// connectInfra opens both Postgres and Redis for commands that touch the
// broker (schedule management).
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfra(logger *slog.Logger, cfg *config.AppConfig) (*sql.DB, redis.UniversalClient, error) {
	db, err := connectDB(logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		RedisConfig: cfg.Redis,
		Logger:      logger,
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return db, redisClient, nil
}

func closeInfra(logger *slog.Logger, db *sql.DB, redisClient redis.UniversalClient) {
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("close db failed", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("close redis failed", "error", err)
		}
	}
}
