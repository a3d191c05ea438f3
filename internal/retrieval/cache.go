package retrieval

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
)

// EmbeddingCache stores vectors by content key. A miss is (nil, false, nil).
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// TextEmbedder is anything that turns one string into one vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CachedEmbedder puts a content-addressed cache in front of an embedder.
// Cache failures are logged and never fail an Embed.
type CachedEmbedder struct {
	inner  TextEmbedder
	cache  EmbeddingCache
	model  string
	logger *slog.Logger
}

// NewCachedEmbedder wraps inner. model is folded into the cache key so a model
// switch never serves stale vectors.
func NewCachedEmbedder(inner TextEmbedder, cache EmbeddingCache, model string) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache, model: model, logger: slog.Default()}
}

// CacheKey returns the cache key for text under model.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(c.model, text)
	vec, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("embedding cache read failed", "error", err)
	}
	if ok {
		return vec, nil
	}

	vec, err = c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, vec); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
	return vec, nil
}

// LRUCache is a bounded in-process EmbeddingCache.
type LRUCache struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
}

// NewLRUCache returns a cache holding at most size vectors (minimum 1).
func NewLRUCache(size int) *LRUCache {
	if size < 1 {
		size = 1
	}
	return &LRUCache{size: size, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *LRUCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return append([]float32(nil), el.Value.(*lruEntry).vec...), true, nil
}

func (c *LRUCache) Set(_ context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec = append([]float32(nil), vec...)
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).vec = vec
		c.order.MoveToFront(el)
		return nil
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, vec: vec})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
