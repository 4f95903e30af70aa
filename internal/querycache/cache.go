// Package querycache memoizes store reads keyed by query identity and lets the
// realtime layer invalidate them when a change arrives.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSize = 512
	defaultTTL  = 30 * time.Second

	conversationsPrefix = "conversations"
	conversationPrefix  = "conversation"
)

// Config describes the cache bounds.
type Config struct {
	Size   int
	TTL    time.Duration
	Logger *zap.Logger
}

// Cache is a bounded, expiring cache with single-flighted loads. A load that
// races with an invalidation of its key is returned to its callers but never
// stored.
type Cache struct {
	entries *expirable.LRU[string, any]
	group   singleflight.Group
	logger  *zap.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

// New constructs a cache, applying defaults for unset bounds.
func New(cfg Config) *Cache {
	size := cfg.Size
	if size <= 0 {
		size = defaultSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:     expirable.NewLRU[string, any](size, nil, ttl),
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// Fetch returns the cached value for key or loads it. Concurrent misses for
// the same key share a single load.
func Fetch[T any](ctx context.Context, cache *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if value, ok := cache.entries.Get(key); ok {
		if typed, ok := value.(T); ok {
			return typed, nil
		}
		cache.entries.Remove(key)
	}

	generation := cache.generation(key)
	flightKey := fmt.Sprintf("%s#%d", key, generation)
	result, err, shared := cache.group.Do(flightKey, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if cache.generation(key) == generation {
			cache.entries.Add(key, loaded)
		} else {
			cache.logger.Debug("query cache load discarded after invalidation", zap.String("key", key))
		}
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if shared {
		cache.logger.Debug("query cache load shared", zap.String("key", key))
	}
	return result.(T), nil
}

// Invalidate drops the given keys and fences any load already in flight for them.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		c.generations[key]++
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.entries.Remove(key)
	}
}

// InvalidatePrefix drops every cached key that starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	var matched []string
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	c.Invalidate(matched...)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

// ConversationsKey identifies the viewer's conversation list and unread counts.
func ConversationsKey(viewerID string) string {
	return conversationsPrefix + ":" + viewerID
}

// ConversationKey identifies one conversation thread as seen by the viewer.
func ConversationKey(viewerID, correspondentID string) string {
	return conversationPrefix + ":" + viewerID + ":" + correspondentID
}

// ViewerPrefix matches every conversation thread key of the viewer.
func ViewerPrefix(viewerID string) string {
	return conversationPrefix + ":" + viewerID + ":"
}
