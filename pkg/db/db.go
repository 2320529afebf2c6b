package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool sized for the single-process, request-triggered
// execution model: small, long-lived, health-checked.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	return pgxpool.NewWithConfig(ctx, cfg)
}

func MustConnect(ctx context.Context, dsn string) *pgxpool.Pool {
	if dsn == "" {
		panic("database dsn is required")
	}
	pool, err := Connect(ctx, dsn)
	if err != nil {
		panic(err)
	}
	return pool
}
