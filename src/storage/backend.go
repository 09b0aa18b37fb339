package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/models"
)

// expiringBackend is implemented by backends that need expired rows purged.
type expiringBackend interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------

// NewBackend opens the cache backend named in cfg.
func NewBackend(ctx context.Context, cfg models.MCacheConfig, log *logger.Logger) (interfaces.ICacheBackend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(), nil

	case "redis":
		r := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, log)
		if err := r.Initialize(ctx); err != nil {
			r.Close()
			return nil, err
		}
		return r, nil

	case "sqlite":
		s := NewSQLiteCache(cfg.DBPath, log)
		if err := s.Initialize(); err != nil {
			return nil, fmt.Errorf("sqlite cache: %w", err)
		}
		return s, nil

	case "postgres":
		p, err := NewPostgresCache(cfg.DBConnectionString, log)
		if err != nil {
			return nil, err
		}
		if err := p.Initialize(); err != nil {
			return nil, fmt.Errorf("postgres cache: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown cache backend '%s'", cfg.Backend)
}

// -----------------------------------------------------------------------------

// RunJanitor purges expired entries every interval until ctx is done. Backends
// that expire natively (redis) are left alone.
func RunJanitor(ctx context.Context, backend interfaces.ICacheBackend, interval time.Duration, log *logger.Logger) {
	exp, ok := backend.(expiringBackend)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := exp.CleanupExpired(ctx)
			if err != nil {
				log.Warning("Cache cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				log.Debug("Cache cleanup removed %d entries", n)
			}
		}
	}
}

// -----------------------------------------------------------------------------

// escapeLike quotes the LIKE metacharacters in s for use with ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
