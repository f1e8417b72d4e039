package envelopecrypt

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vaultguard/envelopecrypt/evictcache"
	"github.com/vaultguard/envelopecrypt/internal/cryptokey"
	"github.com/vaultguard/envelopecrypt/log"
)

// keyLoader retrieves a key from the metastore/KMS chain when a cache
// lookup misses.
type keyLoader interface {
	Load() (*cryptokey.Key, error)
}

// keyLoaderFunc adapts a plain function to keyLoader.
type keyLoaderFunc func() (*cryptokey.Key, error)

// Load implements keyLoader.
func (f keyLoaderFunc) Load() (*cryptokey.Key, error) {
	return f()
}

// keyReloader is a keyLoader that also knows whether a value it previously
// produced is still usable, so GetOrLoadLatest can force a reload of an
// expired or revoked "latest" key rather than returning it as-is.
type keyReloader interface {
	keyLoader
	IsInvalid(key *cryptokey.Key) bool
}

// cache is satisfied by every SK/IK cache implementation: the production
// keyCache and the no-op neverCache used when a tier's caching is disabled.
type cache interface {
	// GetOrLoad returns the key named by meta, using loader on a miss.
	GetOrLoad(meta KeyMeta, loader keyLoader) (*cryptokey.Key, error)
	// GetOrLoadLatest returns the newest known key for id, reloading via
	// loader when the cached entry is stale, absent, or loader reports it
	// invalid.
	GetOrLoadLatest(id string, loader keyReloader) (*cryptokey.Key, error)
	// Close releases every key this cache currently holds.
	Close() error
}

type cacheEntry struct {
	loadedAt time.Time
	key      *cryptokey.Key
}

// cacheEntryKey formats an id and created timestamp into a single string
// usable as a map/evictcache key.
func cacheEntryKey(id string, created int64) string {
	return id + "|" + strconv.FormatInt(created, 10)
}

// simpleCache is an unbounded, non-evicting evictcache.Interface backend,
// used when a tier's eviction policy is "simple" or unset.
type simpleCache struct {
	m map[string]cacheEntry
}

var _ evictcache.Interface[string, cacheEntry] = (*simpleCache)(nil)

func newSimpleCache() *simpleCache {
	return &simpleCache{m: make(map[string]cacheEntry)}
}

func (s *simpleCache) Get(key string) (cacheEntry, bool) {
	v, ok := s.m[key]
	return v, ok
}

func (s *simpleCache) GetOrPanic(key string) cacheEntry {
	v, ok := s.m[key]
	if !ok {
		panic(fmt.Sprintf("keycache: key does not exist: %v", key))
	}

	return v
}

func (s *simpleCache) Set(key string, value cacheEntry) {
	s.m[key] = value
}

func (s *simpleCache) Delete(key string) bool {
	_, ok := s.m[key]
	delete(s.m, key)

	return ok
}

func (s *simpleCache) Len() int { return len(s.m) }

func (s *simpleCache) Capacity() int { return -1 }

func (s *simpleCache) Close() error {
	for _, e := range s.m {
		e.key.Close()
	}

	s.m = nil

	return nil
}

// keyCache is the production SK/IK cache described in spec §4.6: entries
// are keyed by (id, created) for historical lookups and by id alone for
// "latest", with a separate TTL (RevokeCheckInterval) governing how often
// a cached "latest" entry is re-checked against the metastore.
type keyCache struct {
	policy *CryptoPolicy

	mu     sync.RWMutex
	keys   evictcache.Interface[string, cacheEntry]
	latest map[string]KeyMeta
}

var _ cache = (*keyCache)(nil)

// newKeyCache builds a keyCache bounded to maxSize entries and evicting
// under the named policy ("simple", "lru", "lfu", "slru", "tinylfu").
func newKeyCache(policy *CryptoPolicy, maxSize int, evictionPolicy string) *keyCache {
	c := &keyCache{
		policy: policy,
		latest: make(map[string]KeyMeta),
	}

	onEvict := func(key string, value cacheEntry) {
		log.Debugf("keyCache: evicting %s", key)
		value.key.Close()
	}

	switch evictcache.Policy(evictionPolicy) {
	case "", "simple":
		c.keys = newSimpleCache()
	default:
		b := evictcache.New[string, cacheEntry](maxSize).
			WithPolicy(evictcache.Policy(evictionPolicy)).
			WithEvictFunc(onEvict)

		if maxSize > 0 && maxSize < 100 {
			b = b.Synchronous()
		}

		c.keys = b.Build()
	}

	return c
}

// isReloadRequired reports whether entry's cached freshness has expired. A
// key already known to be revoked is never considered stale again -- the
// cache already reflects the authoritative state, and further reloads only
// add metastore load.
func isReloadRequired(entry cacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// read returns the cache entry backing meta, resolving the "latest"
// indirection (meta.Created == 0) through c.latest first.
func (c *keyCache) read(meta KeyMeta) (cacheEntry, bool) {
	key := cacheEntryKey(meta.ID, meta.Created)

	if meta.Created == 0 {
		if latest, ok := c.latest[meta.ID]; ok {
			key = cacheEntryKey(latest.ID, latest.Created)
		}
	}

	e, ok := c.keys.Get(key)
	if !ok {
		log.Debugf("keyCache: miss -- id: %s", key)
	}

	return e, ok
}

// write stores entry under meta, updating the "latest" index for meta.ID
// if entry's key is now the newest known version.
func (c *keyCache) write(meta KeyMeta, entry cacheEntry) {
	if meta.Created == 0 {
		meta = KeyMeta{ID: meta.ID, Created: entry.key.Created()}
	}

	if latest, ok := c.latest[meta.ID]; !ok || latest.Created < meta.Created {
		c.latest[meta.ID] = meta
	}

	c.keys.Set(cacheEntryKey(meta.ID, meta.Created), entry)
}

// getFresh returns the cached entry for meta if present, and whether it's
// still within the revoke-check TTL.
func (c *keyCache) getFresh(meta KeyMeta) (cacheEntry, bool) {
	e, ok := c.read(meta)
	if !ok {
		return cacheEntry{}, false
	}

	if isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return e, false
	}

	return e, true
}

// GetOrLoad implements cache.
func (c *keyCache) GetOrLoad(meta KeyMeta, loader keyLoader) (*cryptokey.Key, error) {
	c.mu.RLock()
	if e, ok := c.read(meta); ok {
		c.mu.RUnlock()
		return e.key, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have populated the entry while we waited for the
	// write lock.
	if e, ok := c.read(meta); ok {
		return e.key, nil
	}

	key, err := loader.Load()
	if err != nil {
		return nil, err
	}

	c.write(meta, cacheEntry{loadedAt: time.Now(), key: key})

	return key, nil
}

// GetOrLoadLatest implements cache. If the cached or freshly loaded key is
// reported invalid by loader, it forces one more load and replaces the
// cached entry with the result.
func (c *keyCache) GetOrLoadLatest(id string, loader keyReloader) (*cryptokey.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := KeyMeta{ID: id}

	key, fresh := c.getFresh(meta)

	var resolved *cryptokey.Key

	if fresh {
		resolved = key.key
	} else {
		loaded, err := loader.Load()
		if err != nil {
			return nil, err
		}

		resolved = loaded
		c.write(KeyMeta{ID: id, Created: resolved.Created()}, cacheEntry{loadedAt: time.Now(), key: resolved})
	}

	if loader.IsInvalid(resolved) {
		reloaded, err := loader.Load()
		if err != nil {
			return nil, err
		}

		log.Debugf("keyCache: reload -- invalid: %s, new: %s, id: %s", resolved, reloaded, id)

		c.write(KeyMeta{ID: id, Created: reloaded.Created()}, cacheEntry{loadedAt: time.Now(), key: reloaded})

		return reloaded, nil
	}

	return resolved, nil
}

// Close implements cache.
func (c *keyCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.keys.Close()
}

// neverCache implements cache without retaining anything: every call loads
// directly. Used when a tier's CacheSystemKeys/CacheIntermediateKeys
// toggle is off.
type neverCache struct{}

var _ cache = neverCache{}

func (neverCache) GetOrLoad(_ KeyMeta, loader keyLoader) (*cryptokey.Key, error) {
	return loader.Load()
}

func (neverCache) GetOrLoadLatest(_ string, loader keyReloader) (*cryptokey.Key, error) {
	return loader.Load()
}

func (neverCache) Close() error { return nil }
