package envelopecrypt

import "time"

// Default values for CryptoPolicy when not overridden.
const (
	DefaultExpireAfter              = time.Hour * 24 * 90
	DefaultRevokedCheckInterval     = time.Minute * 60
	DefaultCreateDatePrecision      = time.Minute
	DefaultKeyCacheMaxSize          = 1000
	DefaultScopeCacheMaxSize        = 1000
	DefaultScopeCacheDuration       = time.Hour * 2
	DefaultKeyCacheEvictionPolicy   = "lru"
	DefaultScopeCacheEvictionPolicy = "slru"
	DefaultCofferRekeyInterval      = time.Hour * 12
)

// CryptoPolicy customizes key lifetime, caching, and eviction behavior.
type CryptoPolicy struct {
	// ExpireKeyAfter determines when a key is expired based on its creation
	// time (regularly scheduled rotation).
	ExpireKeyAfter time.Duration
	// RevokeCheckInterval bounds how long a cached key can go without
	// re-checking its revoked flag (irregularly scheduled rotation).
	RevokeCheckInterval time.Duration
	// CreateDatePrecision truncates a new key's creation timestamp so
	// concurrent callers racing to create the same key converge on one.
	CreateDatePrecision time.Duration

	// CacheIntermediateKeys enables the IK cache.
	CacheIntermediateKeys bool
	// IntermediateKeyCacheMaxSize bounds the IK cache. Ignored when
	// IntermediateKeyCacheEvictionPolicy is "simple".
	IntermediateKeyCacheMaxSize int
	// IntermediateKeyCacheEvictionPolicy selects the evictcache policy:
	// "simple", "lru", "lfu", "slru", or "tinylfu".
	IntermediateKeyCacheEvictionPolicy string
	// SharedIntermediateKeyCache makes all Scopes opened from one Vault
	// share a single IK cache instead of allocating one per Scope.
	SharedIntermediateKeyCache bool

	// CacheSystemKeys enables the SK cache.
	CacheSystemKeys bool
	// SystemKeyCacheMaxSize bounds the SK cache (or the shared SK cache,
	// which is always shared across Scopes from one Vault).
	SystemKeyCacheMaxSize int
	// SystemKeyCacheEvictionPolicy selects the evictcache policy.
	SystemKeyCacheEvictionPolicy string

	// CacheScopes enables the Vault-level scope cache, keyed by partition
	// id, so repeated OpenScope calls for the same partition reuse one
	// Scope's key caches instead of reloading from the metastore.
	CacheScopes bool
	// ScopeCacheMaxSize bounds the scope cache.
	ScopeCacheMaxSize int
	// ScopeCacheDuration bounds how long a Scope stays cached. The "mango"
	// engine measures it from the Scope's last access; the "ristretto" and
	// "evictcache" engines measure it from when the Scope was added, and
	// access does not extend it.
	ScopeCacheDuration time.Duration
	// ScopeCacheEvictionPolicy selects the evictcache policy: "lru",
	// "lfu", "slru", or "tinylfu".
	ScopeCacheEvictionPolicy string
	// ScopeCacheEngine selects the backing cache implementation: "mango"
	// (goburrow/cache, default), "ristretto", or "evictcache".
	ScopeCacheEngine string

	// CofferRekeyInterval, when positive, makes the Vault start a Coffer
	// rekeyed on this interval and stop it on Close. The Vault does not
	// seal any key with the Coffer itself.
	CofferRekeyInterval time.Duration
}

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithRevokeCheckInterval sets the cache TTL used to recheck revocation.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithExpireAfterDuration sets how long a key is considered valid.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithNoCache disables caching of both System and Intermediate Keys.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache enables a single IK cache of the given
// capacity shared by every Scope opened from a Vault.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SharedIntermediateKeyCache = true
		p.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithScopeCache enables the Vault-level scope cache.
func WithScopeCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheScopes = true }
}

// WithScopeCacheMaxSize sets the scope cache's max size.
func WithScopeCacheMaxSize(size int) PolicyOption {
	return func(p *CryptoPolicy) { p.ScopeCacheMaxSize = size }
}

// WithScopeCacheDuration sets ScopeCacheDuration, how long a Scope stays
// cached.
func WithScopeCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ScopeCacheDuration = d }
}

// WithScopeCacheEngine selects the scope cache implementation.
func WithScopeCacheEngine(engine string) PolicyOption {
	return func(p *CryptoPolicy) { p.ScopeCacheEngine = engine }
}

// WithCofferRekeyInterval enables an enclave Coffer for this Vault,
// rekeyed on the given interval.
func WithCofferRekeyInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.CofferRekeyInterval = d }
}

// NewCryptoPolicy returns a CryptoPolicy with the library defaults, modified
// by opts.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	policy := &CryptoPolicy{
		ExpireKeyAfter:                     DefaultExpireAfter,
		RevokeCheckInterval:                DefaultRevokedCheckInterval,
		CreateDatePrecision:                DefaultCreateDatePrecision,
		CacheSystemKeys:                    true,
		CacheIntermediateKeys:              true,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,
		SystemKeyCacheMaxSize:              DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy:       DefaultKeyCacheEvictionPolicy,
		CacheScopes:                        false,
		ScopeCacheMaxSize:                  DefaultScopeCacheMaxSize,
		ScopeCacheDuration:                 DefaultScopeCacheDuration,
		ScopeCacheEvictionPolicy:           DefaultScopeCacheEvictionPolicy,
		ScopeCacheEngine:                   "mango",
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// newKeyTimestamp returns the current Unix timestamp truncated to truncate.
func newKeyTimestamp(truncate time.Duration) int64 {
	if truncate > 0 {
		return time.Now().Truncate(truncate).Unix()
	}

	return time.Now().Unix()
}

// Config holds the information required to build a Vault.
type Config struct {
	// Service identifies the calling service.
	Service string
	// Product identifies the team or group that owns the calling service.
	Product string
	// Policy controls key lifetime and caching. NewCryptoPolicy's defaults
	// are used if nil.
	Policy *CryptoPolicy
}
