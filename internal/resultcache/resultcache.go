// Package resultcache defines ResultCache, the optional external cache
// provider QueryExecutor consults before executing a query (spec §4.8,
// §6 "optional external result cache provider"). Failures in Get/Set are
// warnings, never request failures (spec §7 CacheError), so callers should
// wrap a concrete implementation's errors accordingly rather than letting
// them abort execution.
package resultcache

import (
	"context"
	"time"

	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// ResultCache stores a previously computed Result keyed by an opaque
// string the caller derives from the query plus security context (spec
// §4.8: "{query+securityContext hash -> Result}"). Implementations are
// assumed concurrency-safe (spec §5 "Shared resources").
type ResultCache interface {
	Get(ctx context.Context, key string) (*query.Result, bool, error)
	Set(ctx context.Context, key string, result *query.Result, ttl time.Duration) error
}
