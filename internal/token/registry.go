package token

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avigliano/curve-engine/internal/platform/cache"
	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// Metadata is the descriptive token record kept by the external registry
type Metadata struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	ImageURL  string `json:"image_url"`
	CreatedBy string `json:"created_by"`
}

// Registry looks up token metadata by pool or token address. The backing
// store lives outside this engine; only the lookup contract is fixed here.
type Registry interface {
	Lookup(ctx context.Context, chainID uint64, address common.Address) (Metadata, error)
}

// CachedRegistry decorates a Registry with the layered cache. Metadata
// changes rarely, so hits avoid a registry round trip on every trade list
// render.
type CachedRegistry struct {
	inner   Registry
	cache   cache.Cache
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCachedRegistry creates a new CachedRegistry
func NewCachedRegistry(inner Registry, cacheLayer cache.Cache, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *CachedRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	return &CachedRegistry{
		inner:   inner,
		cache:   cacheLayer,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

// Lookup returns cached metadata when available, falling through to the
// inner registry on miss
func (r *CachedRegistry) Lookup(ctx context.Context, chainID uint64, address common.Address) (Metadata, error) {
	key := fmt.Sprintf("token:%d:%s", chainID, address.Hex())

	if r.cache != nil {
		if v, err := r.cache.Get(ctx, key); err == nil {
			if meta, ok := decodeCached(v); ok {
				if r.metrics != nil {
					r.metrics.RecordCacheHit(ctx, "token_metadata", true)
				}
				return meta, nil
			}
		}
		if r.metrics != nil {
			r.metrics.RecordCacheHit(ctx, "token_metadata", false)
		}
	}

	meta, err := r.inner.Lookup(ctx, chainID, address)
	if err != nil {
		return Metadata{}, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, meta, r.ttl); err != nil {
			r.logger.LogWarn(ctx, "failed to cache token metadata", "key", key, "error", err)
		}
	}

	return meta, nil
}

// decodeCached handles both the in-memory representation and the
// JSON-decoded map coming back from the redis layer
func decodeCached(v interface{}) (Metadata, bool) {
	switch m := v.(type) {
	case Metadata:
		return m, true
	case map[string]interface{}:
		meta := Metadata{}
		if s, ok := m["name"].(string); ok {
			meta.Name = s
		}
		if s, ok := m["symbol"].(string); ok {
			meta.Symbol = s
		}
		if s, ok := m["image_url"].(string); ok {
			meta.ImageURL = s
		}
		if s, ok := m["created_by"].(string); ok {
			meta.CreatedBy = s
		}
		return meta, meta != Metadata{}
	default:
		return Metadata{}, false
	}
}
