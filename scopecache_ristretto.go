package envelopecrypt

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ristrettoScopeCache is a ScopeCache backed by dgraph-io/ristretto.
type ristrettoScopeCache struct {
	inner   *ristretto.Cache
	loader  ScopeLoaderFunc
	ttl     time.Duration
	maxSize int64
}

func newRistrettoScopeCache(loader ScopeLoaderFunc, policy *CryptoPolicy) *ristrettoScopeCache {
	capacity := int64(DefaultScopeCacheMaxSize)
	if policy.ScopeCacheMaxSize > 0 {
		capacity = int64(policy.ScopeCacheMaxSize)
	}

	conf := &ristretto.Config{
		NumCounters: 10 * capacity,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
		OnEvict:     ristrettoScopeOnEvict,
	}

	inner, err := ristretto.NewCache(conf)
	if err != nil {
		panic(fmt.Sprintf("envelopecrypt: unable to initialize ristretto scope cache: %s", err))
	}

	return &ristrettoScopeCache{
		inner:   inner,
		loader:  loader,
		ttl:     policy.ScopeCacheDuration,
		maxSize: capacity,
	}
}

func (r *ristrettoScopeCache) Get(id string) (*Scope, error) {
	s, err := r.getOrAdd(id)
	if err != nil {
		return nil, err
	}

	incrementSharedScopeUsage(s)

	return s, nil
}

func (r *ristrettoScopeCache) getOrAdd(id string) (*Scope, error) {
	if val, found := r.inner.Get(id); found {
		return val.(*Scope), nil
	}

	s, err := r.loader(id)
	if err != nil {
		return nil, err
	}

	r.inner.SetWithTTL(id, s, 1, r.ttl)

	return s, nil
}

func (r *ristrettoScopeCache) Count() int {
	return int(r.inner.Metrics.KeysAdded() - r.inner.Metrics.KeysEvicted())
}

func (r *ristrettoScopeCache) Close() {
	r.inner.Set(-1, 0, r.maxSize)
}

func ristrettoScopeOnEvict(item *ristretto.Item) {
	if s, ok := item.Value.(*Scope); ok {
		go s.encryption.(*sharedEncryption).Remove()
	}
}
