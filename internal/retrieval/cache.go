package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/cache"
	"github.com/archon-ai/knowledge-core/internal/observability"
)

// ResponseCache caches retrieval contexts for repeated queries. Entries are
// keyed under the lexically first knowledge base so ingestion can invalidate
// that base's entries by prefix; multi-base entries keyed under another base
// age out with the TTL.
type ResponseCache struct {
	client cache.Client
	logger *observability.Logger
	config ResponseCacheConfig
}

// ResponseCacheConfig configures the response cache.
type ResponseCacheConfig struct {
	TTL     time.Duration
	Enabled bool
}

// DefaultResponseCacheConfig returns the default cache configuration.
func DefaultResponseCacheConfig() ResponseCacheConfig {
	return ResponseCacheConfig{
		TTL:     time.Minute,
		Enabled: true,
	}
}

// NewResponseCache creates a response cache on top of client. A nil client
// disables caching.
func NewResponseCache(client cache.Client, logger *observability.Logger, config ResponseCacheConfig) *ResponseCache {
	if config.TTL <= 0 {
		config.TTL = time.Minute
	}
	return &ResponseCache{
		client: client,
		logger: logger,
		config: config,
	}
}

// CachedContext is the stored cache envelope.
type CachedContext struct {
	Context   *Context  `json:"context"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CacheKey derives a deterministic key from the query parameters. Base id
// order does not affect the key.
func (c *ResponseCache) CacheKey(clientID uuid.UUID, baseIDs []uuid.UUID, query string, topK int, scoreThreshold float64) string {
	bases := make([]string, len(baseIDs))
	for i, id := range baseIDs {
		bases[i] = id.String()
	}
	sort.Strings(bases)

	parts := append([]string{clientID.String()}, bases...)
	parts = append(parts, query, strconv.Itoa(topK), strconv.FormatFloat(scoreThreshold, 'f', -1, 64))

	combined := ""
	for _, part := range parts {
		combined += part + "|"
	}
	sum := sha256.Sum256([]byte(combined))
	digest := hex.EncodeToString(sum[:16])

	if len(bases) == 0 {
		return cache.TenantCacheKey(clientID.String(), "retrieval", digest)
	}
	return cache.TenantCacheKey(clientID.String(), "retrieval", bases[0], digest)
}

// Get returns the cached context under key, reporting whether it was found.
func (c *ResponseCache) Get(ctx context.Context, key string) (*Context, bool) {
	if !c.config.Enabled || c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, key)
	if err != nil {
		if err != cache.ErrCacheMiss {
			c.logger.Debug().Err(err).Str("key", key).Msg("Cache get error")
		}
		return nil, false
	}

	var cached CachedContext
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached context")
		return nil, false
	}
	if cached.Context == nil || time.Now().After(cached.ExpiresAt) {
		return nil, false
	}

	c.logger.Debug().Str("key", key).Msg("Cache hit")
	return cached.Context, true
}

// Set stores a context under key for the configured TTL. Failures are
// logged; callers should not fail a request on a cache write error.
func (c *ResponseCache) Set(ctx context.Context, key string, ragContext *Context) error {
	if !c.config.Enabled || c.client == nil || ragContext == nil {
		return nil
	}

	cached := CachedContext{
		Context:   ragContext,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(c.config.TTL),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal cached context: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.config.TTL); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache retrieval context")
		return err
	}

	c.logger.Debug().Str("key", key).Dur("ttl", c.config.TTL).Msg("Cached retrieval context")
	return nil
}

// InvalidateBase drops cached contexts for one knowledge base after its
// content changes.
func (c *ResponseCache) InvalidateBase(ctx context.Context, clientID, baseID uuid.UUID) error {
	if !c.config.Enabled || c.client == nil {
		return nil
	}

	prefix := cache.TenantCacheKey(clientID.String(), "retrieval", baseID.String())
	c.logger.Debug().Str("prefix", prefix).Msg("Invalidating retrieval cache")
	return c.client.DeleteByPrefix(ctx, prefix)
}
