// Package cache provides the best-effort gateway to the external metadata
// cache, with single-flight deduplication of concurrent lookups per key.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cataloger/internal/catalog"
)

// ErrMiss is returned by backends when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is the raw key-value protocol to the cache service. Values are
// opaque bytes with a per-entry TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Gateway fronts a Backend with bounded timeouts and single-flight
// semantics. The cache is an optimization, not a source of truth: every
// failure path degrades to a miss or a logged warning. Implements
// catalog.CacheGateway.
type Gateway struct {
	backend Backend
	group   singleflight.Group
	timeout time.Duration
	ttl     time.Duration
	logger  *zap.Logger
}

func NewGateway(backend Backend, cfg *catalog.CacheConfig, logger *zap.Logger) *Gateway {
	return &Gateway{
		backend: backend,
		timeout: cfg.Timeout,
		ttl:     cfg.TTL,
		logger:  logger,
	}
}

// Get looks up a record. Backend errors and timeouts are treated as misses.
func (g *Gateway) Get(ctx context.Context, key catalog.FingerprintKey) (*catalog.MetadataRecord, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data, err := g.backend.Get(ctx, string(key))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			g.logger.Debug("Cache read degraded to miss",
				zap.String("key", string(key)),
				zap.Error(err))
		}
		return nil, false
	}

	var rec catalog.MetadataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		g.logger.Warn("Discarding undecodable cache entry",
			zap.String("key", string(key)),
			zap.Error(err))
		return nil, false
	}

	return &rec, true
}

// Put writes a record back to the cache. Best-effort: failures are logged
// and dropped.
func (g *Gateway) Put(ctx context.Context, key catalog.FingerprintKey, rec *catalog.MetadataRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		g.logger.Warn("Failed to encode cache entry",
			zap.String("key", string(key)),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.backend.Set(ctx, string(key), data, g.ttl); err != nil {
		g.logger.Warn("Cache write failed",
			zap.String("key", string(key)),
			zap.Error(err))
	}
}

// Invalidate removes a key, used when a track is reprocessed.
func (g *Gateway) Invalidate(ctx context.Context, key catalog.FingerprintKey) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.backend.Delete(ctx, string(key)); err != nil {
		g.logger.Warn("Cache invalidation failed",
			zap.String("key", string(key)),
			zap.Error(err))
	}
}

type fetchResult struct {
	rec    *catalog.MetadataRecord
	cached bool
}

// Fetch returns the cached record for key or, on a miss, calls fill and
// writes the result back. Concurrent fetches for the same key collapse into
// one cache round trip and at most one fill call; all callers receive the
// same result. The bool reports whether the record came from the cache.
func (g *Gateway) Fetch(
	ctx context.Context,
	key catalog.FingerprintKey,
	fill func(context.Context) (*catalog.MetadataRecord, error),
) (*catalog.MetadataRecord, bool, error) {
	v, err, _ := g.group.Do(string(key), func() (interface{}, error) {
		if rec, ok := g.Get(ctx, key); ok {
			return fetchResult{rec: rec, cached: true}, nil
		}

		rec, err := fill(ctx)
		if err != nil {
			return nil, err
		}

		g.Put(ctx, key, rec)
		return fetchResult{rec: rec}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(fetchResult)
	return res.rec, res.cached, nil
}
