// Package cache provides the TTL result cache that fronts history lookups.
// A cache failure is always a miss; nothing here may block the pipeline.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// DefaultTTL applies to bounds lookups.
const DefaultTTL = 30 * time.Minute

// Key prefixes for the two lookup variants.
const (
	PrefixBoundsCurrent = "minmax_current"
	PrefixBounds        = "minmax"
)

// Cache stores opaque JSON payloads with a per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// ClearExpired evicts expired and unreadable entries, returning how many went.
	ClearExpired(ctx context.Context) int
	Stats() Stats
}

// Stats counts cache traffic since start.
type Stats struct {
	Backend string `json:"backend"`
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Evicted uint64 `json:"evicted"`
}

// BoundsKey builds a lookup key that does not depend on the order of asins.
func BoundsKey(prefix, domain string, asins []string) string {
	ids := make([]string, 0, len(asins))
	for _, a := range asins {
		if a = strings.TrimSpace(a); a != "" {
			ids = append(ids, strings.ToUpper(a))
		}
	}
	sort.Strings(ids)

	parts := []string{prefix}
	if domain != "" {
		parts = append(parts, strings.ToLower(domain))
	}
	parts = append(parts, ids...)
	return strings.Join(parts, ":")
}

// GetJSON decodes a cached value into dst. Undecodable entries are evicted
// and reported as a miss.
func GetJSON(ctx context.Context, c Cache, key string, dst any) bool {
	if c == nil {
		return false
	}
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes value and stores it; encoding failures are dropped.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.Set(ctx, key, raw, ttl)
}
