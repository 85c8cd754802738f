package store

import (
	"context"
	"fmt"
	"time"

	"sketchStudio/internal/database"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type OpenConfig struct {
	Backend     string
	Redis       database.RedisConfig
	DatabaseURL string
	TTL         time.Duration
}

// Open connects the configured backend. The returned close func releases its
// connections; Postgres tables are migrated before returning.
func Open(ctx context.Context, cfg OpenConfig) (Store, func(), error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), func() {}, nil
	case BackendRedis, "":
		client, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return NewRedis(client, cfg.TTL), func() { _ = client.Close() }, nil
	case BackendPostgres:
		pool, err := database.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate tasks table: %w", err)
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
