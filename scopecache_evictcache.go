package envelopecrypt

import (
	"sync"

	"github.com/vaultguard/envelopecrypt/evictcache"
)

// evictcacheScopeCache is a ScopeCache backed by this module's own
// pluggable-policy cache, for callers who want the same LRU/LFU/SLRU/TinyLFU
// menu used for key caching applied to scopes instead of pulling in mango or
// ristretto.
type evictcacheScopeCache struct {
	loader ScopeLoaderFunc

	mu    sync.Mutex
	inner evictcache.Interface[string, *Scope]
}

func newEvictcacheScopeCache(loader ScopeLoaderFunc, policy *CryptoPolicy) *evictcacheScopeCache {
	c := &evictcacheScopeCache{loader: loader}

	onEvict := func(_ string, s *Scope) {
		go s.encryption.(*sharedEncryption).Remove()
	}

	maxSize := policy.ScopeCacheMaxSize
	if maxSize <= 0 {
		maxSize = DefaultScopeCacheMaxSize
	}

	evictionPolicy := evictcache.Policy(policy.ScopeCacheEvictionPolicy)
	if evictionPolicy == "" {
		evictionPolicy = evictcache.DefaultPolicy
	}

	c.inner = evictcache.New[string, *Scope](maxSize).
		WithPolicy(evictionPolicy).
		WithEvictFunc(onEvict).
		WithExpiry(policy.ScopeCacheDuration).
		Build()

	return c
}

func (c *evictcacheScopeCache) Get(id string) (*Scope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.inner.Get(id); ok {
		incrementSharedScopeUsage(s)
		return s, nil
	}

	s, err := c.loader(id)
	if err != nil {
		return nil, err
	}

	c.inner.Set(id, s)
	incrementSharedScopeUsage(s)

	return s, nil
}

func (c *evictcacheScopeCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inner.Len()
}

func (c *evictcacheScopeCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inner.Close()
}
