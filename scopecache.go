package envelopecrypt

import "sync"

// ScopeCache caches Scopes by partition id, reusing one Scope (and the key
// caches it carries) across repeated OpenScope calls for the same id
// instead of rebuilding the hierarchy on every request.
type ScopeCache interface {
	Get(id string) (*Scope, error)
	Count() int
	Close()
}

// ScopeLoaderFunc constructs the Scope for a partition id on a cache miss.
type ScopeLoaderFunc func(id string) (*Scope, error)

// NewScopeCache returns a ScopeCache backed by the engine named in
// policy.ScopeCacheEngine: "mango" (the default, github.com/goburrow/cache),
// "ristretto" (github.com/dgraph-io/ristretto), or "evictcache" (this
// module's own pluggable-policy cache, honoring
// policy.ScopeCacheEvictionPolicy).
func NewScopeCache(loader ScopeLoaderFunc, policy *CryptoPolicy) ScopeCache {
	wrapped := func(id string) (*Scope, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*sharedEncryption); !ok {
			mu := new(sync.Mutex)
			orig := s.encryption

			ScopeInjectEncryption(s, &sharedEncryption{
				Encryption: orig,
				mu:         mu,
				cond:       sync.NewCond(mu),
			})
		}

		return s, nil
	}

	switch policy.ScopeCacheEngine {
	case "", "mango":
		return newMangoScopeCache(wrapped, policy)
	case "ristretto":
		return newRistrettoScopeCache(wrapped, policy)
	case "evictcache":
		return newEvictcacheScopeCache(wrapped, policy)
	default:
		panic("envelopecrypt: invalid scope cache engine: " + policy.ScopeCacheEngine)
	}
}

func incrementSharedScopeUsage(s *Scope) {
	s.encryption.(*sharedEncryption).incrementUsage()
}

// sharedEncryption tracks the number of concurrent callers holding a
// reference to a cached Scope, so the underlying Encryption (and the key
// caches it owns) isn't closed out from under an in-flight Encrypt/Decrypt
// call when the cache evicts it.
type sharedEncryption struct {
	Encryption

	accessCounter int
	mu            *sync.Mutex
	cond          *sync.Cond

	closed bool
}

func (s *sharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessCounter++
	if s.accessCounter > 0 {
		s.closed = false
	}
}

// Close decrements the reference count. The wrapped Encryption is not
// actually closed until Remove is called by the cache's eviction listener
// and every outstanding reference has been released.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--
	if s.accessCounter <= 0 {
		s.closed = true
	}

	return nil
}

// Remove blocks until every outstanding reference has called Close, then
// closes the wrapped Encryption. Called from the cache's eviction path.
func (s *sharedEncryption) Remove() {
	s.mu.Lock()

	for !s.closed {
		s.cond.Wait()
	}

	s.Encryption.Close()

	s.mu.Unlock()
}
