// Package cache memoizes portal reference calls over a pluggable backend.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
)

// Operation names, used for TTL lookup and metric labels.
const (
	OpScannerParams  = "scanner_params"
	OpContractInfo   = "contract_info"
	OpOptionStrikes  = "option_strikes"
	OpSecdefInfo     = "secdef_info"
	OpHistory        = "history"
	OpLedger         = "ledger"
	OpCombo          = "combo_positions"
	OpAllocation     = "allocation"
	OpAccountSummary = "account_summary"
	OpPermissions    = "permissions"
	OpSnapshot       = "snapshot"
)

// TTLs per operation.
var TTLs = map[string]time.Duration{
	OpScannerParams:  3600 * time.Second,
	OpContractInfo:   3600 * time.Second,
	OpOptionStrikes:  3600 * time.Second,
	OpSecdefInfo:     3600 * time.Second,
	OpHistory:        1500 * time.Second,
	OpLedger:         300 * time.Second,
	OpCombo:          300 * time.Second,
	OpAllocation:     1500 * time.Second,
	OpAccountSummary: 120 * time.Second,
	OpPermissions:    1200 * time.Second,
	OpSnapshot:       5 * time.Second,
}

// DefaultTTL applies to operations missing from TTLs.
const DefaultTTL = 60 * time.Second

// TTL returns the lifetime of op's cached results.
func TTL(op string) time.Duration {
	if d, ok := TTLs[op]; ok {
		return d
	}
	return DefaultTTL
}

// -----------------------------------------------------------------------------

// Cache wraps a backend with metrics and failure tolerance: backend errors are
// logged and reported as misses.
type Cache struct {
	backend interfaces.ICacheBackend
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// -----------------------------------------------------------------------------

func New(backend interfaces.ICacheBackend, m *metrics.Metrics, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.NewLogger(nil, "Cache")
	}
	return &Cache{backend: backend, metrics: m, logger: log}
}

// -----------------------------------------------------------------------------

// Get returns the bytes under key, counting the lookup against op.
func (c *Cache) Get(ctx context.Context, op, key string) ([]byte, bool) {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warning("cache read %s failed: %v", key, err)
		ok = false
	}
	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.WithLabelValues(op).Inc()
		} else {
			c.metrics.CacheMisses.WithLabelValues(op).Inc()
		}
	}
	return raw, ok
}

// -----------------------------------------------------------------------------

// Set stores value under key with the TTL of op.
func (c *Cache) Set(ctx context.Context, op, key string, value []byte) {
	if err := c.backend.Set(ctx, key, value, TTL(op)); err != nil {
		c.logger.Warning("cache write %s failed: %v", key, err)
	}
}

// -----------------------------------------------------------------------------

// Invalidate drops every key under prefix.
func (c *Cache) Invalidate(ctx context.Context, prefix string) error {
	return c.backend.Invalidate(ctx, prefix)
}

// -----------------------------------------------------------------------------

func (c *Cache) Close() error {
	return c.backend.Close()
}

// -----------------------------------------------------------------------------

// Remember returns the cached result for key or runs fetch and stores its
// JSON form. Null results are not stored. A nil cache always calls fetch.
func Remember[T any](ctx context.Context, c *Cache, op, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if c != nil {
		if raw, ok := c.Get(ctx, op, key); ok {
			var v T
			err := json.Unmarshal(raw, &v)
			if err == nil {
				return v, nil
			}
			c.logger.Warning("cache entry %s unreadable, refetching: %v", key, err)
		}
	}

	v, err := fetch(ctx)
	if err != nil || c == nil {
		return v, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warning("cache encode %s failed: %v", key, err)
		return v, nil
	}
	if !bytes.Equal(raw, []byte("null")) {
		c.Set(ctx, op, key, raw)
	}
	return v, nil
}
