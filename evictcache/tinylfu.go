package evictcache

import "github.com/vaultguard/envelopecrypt/evictcache/internal"

const (
	samplesMultiplier        = 8
	insertionsMultiplier     = 2
	countersMultiplier       = 1
	falsePositiveProbability = 0.1
	admissionRatio           = 0.01
)

type tinyLFUEntry[K comparable, V any] struct {
	hash   uint64
	parent evictionPolicy[K, V]
}

// tinyLFU is a frequency-aware admission policy layered over an LRU
// "window" and an SLRU "main" segment, following "TinyLFU: A Highly
// Efficient Cache Admission Policy" (Einziger, Friedman, Manes,
// https://arxiv.org/pdf/1512.00727v2.pdf). New items enter the window LRU;
// an item evicted from the window is only admitted to the SLRU main
// segment if its estimated frequency beats the SLRU's own victim.
type tinyLFU[K comparable, V any] struct {
	cap int

	filter  internal.BloomFilter
	counter internal.CountMinSketch

	additions int
	samples   int

	lru  lru[K, V]
	slru slru[K, V]

	keys map[K]tinyLFUEntry[K, V]
}

func (c *tinyLFU[K, V]) init(capacity int) {
	c.cap = capacity

	c.keys = make(map[K]tinyLFUEntry[K, V])

	c.samples = capacity * samplesMultiplier

	c.filter.Init(capacity*insertionsMultiplier, falsePositiveProbability)
	c.counter.Init(capacity * countersMultiplier)

	lruCap := int(float64(capacity) * admissionRatio)
	c.lru.init(lruCap)

	slruCap := capacity - lruCap
	c.slru.init(slruCap)
}

func (c *tinyLFU[K, V]) capacity() int { return c.cap }

func (c *tinyLFU[K, V]) access(item *cacheItem[K, V]) {
	c.increment(item)

	c.keys[item.key].parent.access(item)
}

func (c *tinyLFU[K, V]) admit(item *cacheItem[K, V]) {
	if c.bypassed() {
		c.slru.admit(item)
		c.keys[item.key] = tinyLFUEntry[K, V]{hash: internal.ComputeHash(item.key), parent: &c.slru}

		return
	}

	c.increment(item)

	if c.lru.len() < c.lru.cap {
		c.admitTo(item, &c.lru)
		return
	}

	victim := c.lru.victim()

	c.lru.remove(victim)
	c.admitTo(victim, &c.slru)

	c.admitTo(item, &c.lru)
}

func (c *tinyLFU[K, V]) bypassed() bool {
	return c.lru.cap == 0
}

func (c *tinyLFU[K, V]) admitTo(item *cacheItem[K, V], list evictionPolicy[K, V]) {
	list.admit(item)

	c.keys[item.key] = tinyLFUEntry[K, V]{
		hash:   internal.ComputeHash(item.key),
		parent: list,
	}
}

func (c *tinyLFU[K, V]) victim() *cacheItem[K, V] {
	candidate := c.lru.victim()

	if candidate == nil {
		return c.slru.victim()
	}

	victim := c.slru.victim()

	if victim == nil {
		return candidate
	}

	candidateFreq := c.estimate(c.keys[candidate.key].hash)
	victimFreq := c.estimate(c.keys[victim.key].hash)

	if candidateFreq > victimFreq {
		c.lru.remove(candidate)
		c.admitTo(candidate, &c.slru)

		return victim
	}

	return candidate
}

func (c *tinyLFU[K, V]) estimate(h uint64) uint8 {
	freq := c.counter.Estimate(h)
	if c.filter.Contains(h) {
		freq++
	}

	return freq
}

func (c *tinyLFU[K, V]) remove(item *cacheItem[K, V]) {
	c.keys[item.key].parent.remove(item)
}

func (c *tinyLFU[K, V]) increment(item *cacheItem[K, V]) {
	if c.bypassed() {
		return
	}

	c.additions++

	if c.additions >= c.samples {
		c.filter.Reset()
		c.counter.Reset()

		c.additions = 0
	}

	k := c.keys[item.key]

	if c.filter.Put(k.hash) {
		c.counter.Add(k.hash)
	}
}

func (c *tinyLFU[K, V]) close() {
	c.lru.close()
	c.slru.close()

	c.cap = 0
}
