package envelopecrypt

import (
	mango "github.com/goburrow/cache"
)

// mangoScopeCache is a ScopeCache backed by goburrow/cache's loading cache.
type mangoScopeCache struct {
	inner mango.LoadingCache
}

func newMangoScopeCache(loader ScopeLoaderFunc, policy *CryptoPolicy) *mangoScopeCache {
	return &mangoScopeCache{
		inner: mango.NewLoadingCache(
			func(k mango.Key) (mango.Value, error) {
				return loader(k.(string))
			},
			mango.WithMaximumSize(policy.ScopeCacheMaxSize),
			mango.WithExpireAfterAccess(policy.ScopeCacheDuration),
			mango.WithRemovalListener(mangoScopeRemovalListener),
		),
	}
}

func (m *mangoScopeCache) Get(id string) (*Scope, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	s, ok := val.(*Scope)
	if !ok {
		panic("envelopecrypt: unexpected value in scope cache")
	}

	incrementSharedScopeUsage(s)

	return s, nil
}

func (m *mangoScopeCache) Count() int {
	stats := &mango.Stats{}
	m.inner.Stats(stats)

	return int(stats.LoadSuccessCount - stats.EvictionCount)
}

func (m *mangoScopeCache) Close() {
	m.inner.Close()
}

func mangoScopeRemovalListener(_ mango.Key, v mango.Value) {
	go v.(*Scope).encryption.(*sharedEncryption).Remove()
}
