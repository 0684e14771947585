package store

import (
	"context"
	"time"

	"github.com/karlseguin/ccache"
)

const (
	defaultCacheSize  = 1000
	defaultCachePrune = 100
)

// CachedStore serves repeated reads of the same object from memory. Objects
// written by the channel are immutable, so a cached body never goes stale;
// the TTL only bounds memory held for sessions that have moved on.
type CachedStore struct {
	Store

	cache *ccache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps s with a read-through cache holding bodies for ttl.
func NewCachedStore(s Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: s,
		cache: ccache.New(ccache.Configure().MaxSize(defaultCacheSize).ItemsToPrune(defaultCachePrune)),
		ttl:   ttl,
	}
}

// Unwrap returns the wrapped store.
func (c *CachedStore) Unwrap() Store {
	return c.Store
}

func (c *CachedStore) cached(key string) ([]byte, bool) {
	item := c.cache.Get(key)
	if item == nil || item.Expired() {
		return nil, false
	}
	body, ok := item.Value().([]byte)
	if !ok {
		return nil, false
	}
	dup := make([]byte, len(body))
	copy(dup, body)
	return dup, true
}

func (c *CachedStore) record(key string, body []byte) {
	dup := make([]byte, len(body))
	copy(dup, body)
	c.cache.Set(key, dup, c.ttl)
}

func (c *CachedStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := c.Store.Put(ctx, key, body, contentType); err != nil {
		return err
	}
	c.record(key, body)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if body, ok := c.cached(key); ok {
		return body, nil
	}
	body, err := c.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.record(key, body)
	return body, nil
}

// Exists answers from the cache when the object has been seen, falling back
// to the wrapped store otherwise. Absence is never cached.
func (c *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := c.cached(key); ok {
		return true, nil
	}
	return c.Store.Exists(ctx, key)
}
