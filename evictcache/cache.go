// Package evictcache provides a generic in-memory cache supporting multiple
// eviction policies (LRU, LFU, SLRU, TinyLFU). It backs both the SK/IK key
// caches and the scope cache.
package evictcache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/vaultguard/envelopecrypt/log"
)

// Interface is implemented by every cache built by this package.
type Interface[K comparable, V any] interface {
	Get(key K) (V, bool)
	GetOrPanic(key K) V
	Set(key K, value V)
	Delete(key K) bool
	Len() int
	Capacity() int
	Close() error
}

// Policy names one of the supported eviction strategies.
type Policy string

const (
	LRU     Policy = "lru"
	LFU     Policy = "lfu"
	SLRU    Policy = "slru"
	TinyLFU Policy = "tinylfu"

	DefaultPolicy = LRU
)

func (p Policy) String() string { return string(p) }

// EvictFunc is invoked with the key and value of an item evicted from the
// cache.
type EvictFunc[K comparable, V any] func(key K, value V)

// NopEvict discards the eviction notification.
func NopEvict[K comparable, V any](K, V) {}

type event int

const (
	evictItem event = iota
	closeCache
)

type cacheItem[K comparable, V any] struct {
	key   K
	value V

	parent *list.Element

	expiration time.Time
}

type cacheEvent[K comparable, V any] struct {
	event event
	item  *cacheItem[K, V]
}

// evictionPolicy is the internal contract every eviction strategy
// implements.
type evictionPolicy[K comparable, V any] interface {
	init(int)
	capacity() int
	close()
	admit(item *cacheItem[K, V])
	access(item *cacheItem[K, V])
	victim() *cacheItem[K, V]
	remove(item *cacheItem[K, V])
}

// Clock abstracts time.Now for testing expiry-driven eviction.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Builder configures and constructs a cache.
type Builder[K comparable, V any] struct {
	capacity  int
	policy    evictionPolicy[K, V]
	evictFunc EvictFunc[K, V]
	clock     Clock
	expiry    time.Duration
	isSync    bool
}

// New returns a Builder for a cache of the given capacity, defaulting to
// the LRU policy.
func New[K comparable, V any](capacity int) *Builder[K, V] {
	return &Builder[K, V]{
		capacity:  capacity,
		policy:    new(lru[K, V]),
		evictFunc: NopEvict[K, V],
		clock:     realClock{},
	}
}

// WithEvictFunc sets the callback invoked when an item is evicted.
func (b *Builder[K, V]) WithEvictFunc(fn EvictFunc[K, V]) *Builder[K, V] {
	b.evictFunc = fn
	return b
}

// WithPolicy selects the eviction policy.
func (b *Builder[K, V]) WithPolicy(policy Policy) *Builder[K, V] {
	switch policy {
	case LRU:
		b.policy = new(lru[K, V])
	case LFU:
		b.policy = new(lfu[K, V])
	case SLRU:
		b.policy = new(slru[K, V])
	case TinyLFU:
		b.policy = new(tinyLFU[K, V])
	default:
		panic(fmt.Sprintf("evictcache: unsupported policy %q", policy))
	}

	return b
}

// WithClock overrides the cache's time source.
func (b *Builder[K, V]) WithClock(clock Clock) *Builder[K, V] {
	b.clock = clock
	return b
}

// WithExpiry sets a fixed TTL applied to every entry.
func (b *Builder[K, V]) WithExpiry(expiry time.Duration) *Builder[K, V] {
	b.expiry = expiry
	return b
}

// Synchronous runs the eviction callback inline rather than on a
// background goroutine. Use for small caches where eviction is rare and a
// background goroutine isn't worth the overhead.
func (b *Builder[K, V]) Synchronous() *Builder[K, V] {
	b.isSync = true
	return b
}

// Build constructs the configured cache.
func (b *Builder[K, V]) Build() Interface[K, V] {
	c := &cache[K, V]{
		byKey:           make(map[K]*cacheItem[K, V]),
		policy:          b.policy,
		clock:           b.clock,
		expiry:          b.expiry,
		onEvictCallback: b.evictFunc,
		isSync:          b.isSync,
	}

	c.policy.init(b.capacity)
	c.startup()

	return c
}

type cache[K comparable, V any] struct {
	byKey  map[K]*cacheItem[K, V]
	size   int
	events chan cacheEvent[K, V]
	policy evictionPolicy[K, V]

	mux sync.RWMutex

	closing bool
	closeWG sync.WaitGroup

	onEvictCallback EvictFunc[K, V]
	clock           Clock
	expiry          time.Duration
	isSync          bool
}

func (c *cache[K, V]) processEvents() {
	defer c.closeWG.Done()

	for ev := range c.events {
		switch ev.event {
		case evictItem:
			log.Debugf("%s evict callback for %v", c, ev.item.key)
			c.onEvictCallback(ev.item.key, ev.item.value)
		case closeCache:
			return
		}
	}
}

// Close removes every item from the cache and stops its background
// goroutine, if any. The cache cannot be used afterward.
func (c *cache[K, V]) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return nil
	}

	c.closing = true

	for c.size > 0 {
		c.evict()
	}

	c.shutdown()

	c.byKey = nil
	c.policy.close()

	return nil
}

func (c *cache[K, V]) startup() {
	if c.isSync {
		return
	}

	c.events = make(chan cacheEvent[K, V])
	c.closeWG.Add(1)

	go c.processEvents()
}

func (c *cache[K, V]) shutdown() {
	if c.isSync {
		return
	}

	c.events <- cacheEvent[K, V]{event: closeCache}
	c.closeWG.Wait()
	close(c.events)
	c.events = nil
}

// Len returns the number of entries currently cached.
func (c *cache[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.size
}

// Capacity returns the cache's configured maximum size.
func (c *cache[K, V]) Capacity() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.policy.capacity()
}

// Set inserts or updates the value stored under key.
func (c *cache[K, V]) Set(key K, value V) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return
	}

	if item, ok := c.byKey[key]; ok {
		item.value = value

		if c.expiry > 0 {
			item.expiration = c.clock.Now().Add(c.expiry)
		}

		c.policy.access(item)

		return
	}

	if c.size == c.policy.capacity() {
		c.evict()
	}

	item := &cacheItem[K, V]{key: key, value: value}

	if c.expiry > 0 {
		item.expiration = c.clock.Now().Add(c.expiry)
	}

	c.byKey[key] = item
	c.size++

	c.policy.admit(item)
}

// Get returns the value stored under key, if present and unexpired.
func (c *cache[K, V]) Get(key K) (V, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return c.zeroValue(), false
	}

	item, ok := c.byKey[key]
	if !ok {
		return c.zeroValue(), false
	}

	if c.expiry > 0 && item.expiration.Before(c.clock.Now()) {
		c.evictItem(item)
		return c.zeroValue(), false
	}

	c.policy.access(item)

	return item.value, true
}

// GetOrPanic returns the value stored under key, panicking if absent.
func (c *cache[K, V]) GetOrPanic(key K) V {
	if v, ok := c.Get(key); ok {
		return v
	}

	panic(fmt.Sprintf("evictcache: key does not exist: %v", key))
}

// Delete removes key from the cache and reports whether it was present.
func (c *cache[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return false
	}

	item, ok := c.byKey[key]
	if !ok {
		return false
	}

	delete(c.byKey, key)
	c.size--
	c.policy.remove(item)

	return true
}

func (c *cache[K, V]) zeroValue() V {
	var v V
	return v
}

func (c *cache[K, V]) evict() {
	c.evictItem(c.policy.victim())
}

func (c *cache[K, V]) evictItem(item *cacheItem[K, V]) {
	delete(c.byKey, item.key)
	c.size--
	c.policy.remove(item)

	if c.isSync {
		c.onEvictCallback(item.key, item.value)
		return
	}

	c.events <- cacheEvent[K, V]{event: evictItem, item: item}
}

func (c *cache[K, V]) String() string {
	return fmt.Sprintf("evictcache[%T,%T](%p)", *new(K), *new(V), c)
}
