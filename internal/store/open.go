package store

import (
	"context"
	"fmt"
)

// Store types accepted by Open.
const (
	TypeMemory   = "memory"
	TypeRedis    = "redis"
	TypePostgres = "postgres"
)

// Config selects and configures a Store implementation.
type Config struct {
	Type string
	// URL is a redis:// URL or a PostgreSQL DSN, depending on Type.
	URL string
}

// Open creates the Store described by cfg. An empty type means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStore(), nil
	case TypeRedis:
		return NewRedisStore(ctx, cfg.URL)
	case TypePostgres:
		return NewPostgresStore(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
