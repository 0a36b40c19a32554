package style

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/MrWong99/koschei/pkg/types"
)

// CachedProfiler memoises another [Profiler]. Entries are keyed by speaker and
// a digest of the exact message list, so any new message produces a fresh
// profile. Failed profiles are never cached.
type CachedProfiler struct {
	next  Profiler
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedProfiler wraps next with a cache whose entries expire after ttl.
// ttl must be positive.
func NewCachedProfiler(next Profiler, ttl time.Duration) (*CachedProfiler, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("style: cache ttl must be positive, got %s", ttl)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("style: create cache: %w", err)
	}
	return &CachedProfiler{next: next, cache: cache, ttl: ttl}, nil
}

// Profile implements [Profiler].
func (c *CachedProfiler) Profile(ctx context.Context, speakerID string, messages []string) (types.StyleProfile, error) {
	if len(messages) == 0 {
		return c.next.Profile(ctx, speakerID, messages)
	}

	key := cacheKey(speakerID, messages)
	if v, ok := c.cache.Get(key); ok {
		if prof, ok := v.(types.StyleProfile); ok {
			return prof, nil
		}
	}

	prof, err := c.next.Profile(ctx, speakerID, messages)
	if err != nil {
		return types.StyleProfile{}, err
	}
	c.cache.SetWithTTL(key, prof, int64(len(prof.Description)+1), c.ttl)
	c.cache.Wait()
	return prof, nil
}

// Close releases the cache's background goroutines.
func (c *CachedProfiler) Close() {
	c.cache.Close()
}

func cacheKey(speakerID string, messages []string) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return speakerID + "\x00" + hex.EncodeToString(h.Sum(nil))
}

var _ Profiler = (*CachedProfiler)(nil)
