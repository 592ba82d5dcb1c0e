package cache

import (
	"context"

	"github.com/berrygraph/federation-engine/federation"
)

// CachedDBExecutor wraps a database executor with the entity cache. Hits are
// served from Redis; only the missing keys reach the inner executor.
type CachedDBExecutor struct {
	inner federation.DBExecutor
	cache *EntityCache
}

// WrapDB decorates inner with cache.
func WrapDB(inner federation.DBExecutor, cache *EntityCache) *CachedDBExecutor {
	return &CachedDBExecutor{inner: inner, cache: cache}
}

// ResolveDB satisfies federation.DBExecutor. The result stays positional with
// keys regardless of how many entries were cached.
func (e *CachedDBExecutor) ResolveDB(ctx context.Context, typename string, keys []map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(keys))

	var missKeys []map[string]interface{}
	var missIdx []int
	for i, key := range keys {
		doc, ok, _ := e.cache.Get(ctx, typename, key)
		if ok {
			out[i] = doc
			continue
		}
		missKeys = append(missKeys, key)
		missIdx = append(missIdx, i)
	}

	if len(missKeys) == 0 {
		return out, nil
	}

	rows, err := e.inner.ResolveDB(ctx, typename, missKeys)
	if err != nil {
		return nil, err
	}

	for j, row := range rows {
		out[missIdx[j]] = row
		if row != nil {
			// Population is best effort; a write failure only costs a
			// future miss.
			_ = e.cache.Set(ctx, typename, missKeys[j], row)
		}
	}
	return out, nil
}
