package introspect

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultSourceCacheSize = 512
)

type cacheKey struct {
	kernelID string
	name     string
}

type cacheEntry struct {
	fingerprint string
	source      *Source
}

// SourceCache holds function sources fetched from kernels.
//
// An entry is only returned for the content fingerprint it was stored with. A lookup with any other fingerprint
// evicts it, since the function has changed since it was fetched.
type SourceCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func NewSourceCache(size int) (*SourceCache, error) {
	if size <= 0 {
		size = DefaultSourceCacheSize
	}

	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &SourceCache{cache: cache}, nil
}

// Fingerprint derives a content fingerprint from the given parts, such as the text of the cells that define a
// function.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *SourceCache) Get(kernelID string, name string, fingerprint string) (*Source, bool) {
	if fingerprint == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{kernelID: kernelID, name: name}
	value, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	entry := value.(*cacheEntry)
	if entry.fingerprint != fingerprint {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.source, true
}

// Put stores a source under the given fingerprint. Sources without a fingerprint are not cached.
func (c *SourceCache) Put(kernelID string, name string, fingerprint string, source *Source) {
	if fingerprint == "" || source == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(cacheKey{kernelID: kernelID, name: name}, &cacheEntry{fingerprint: fingerprint, source: source})
}

// Invalidate removes the cached source of one function.
func (c *SourceCache) Invalidate(kernelID string, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Remove(cacheKey{kernelID: kernelID, name: name})
}

// InvalidateKernel removes every cached source of a kernel and returns how many there were.
func (c *SourceCache) InvalidateKernel(kernelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.cache.Keys() {
		if key.(cacheKey).kernelID == kernelID {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *SourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
