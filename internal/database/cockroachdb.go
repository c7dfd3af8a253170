package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
)

// CockroachConfig holds CockroachDB connection configuration
type CockroachConfig struct {
	URL      string
	MaxConns int
	MinConns int
	// Retries is the number of connection attempts before giving up
	Retries int
}

// CockroachDB wraps the pgx pool used by the call repositories
type CockroachDB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// NewCockroachDB connects with exponential backoff and pings the cluster
func NewCockroachDB(ctx context.Context, cfg *CockroachConfig, log *zap.Logger) (*CockroachDB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = constants.MaxConnLifetime
	poolConfig.MaxConnIdleTime = constants.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = constants.HealthCheckPeriod

	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 1; ; attempt++ {
		pool, err := connect(ctx, poolConfig)
		if err == nil {
			log.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return &CockroachDB{Pool: pool, log: log}, nil
		}
		if attempt >= retries {
			return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
		}

		delay := backoff(attempt)
		log.Warn("CockroachDB connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func connect(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// backoff doubles from one second and caps at thirty
func backoff(attempt int) time.Duration {
	delay := time.Duration(float64(time.Second) * math.Pow(2, float64(attempt-1)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// Close closes the database connection pool
func (db *CockroachDB) Close() {
	db.Pool.Close()
	db.log.Info("Database connection pool closed")
}
