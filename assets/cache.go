package assets

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type chunkKey struct {
	assetID string
	index   int
}

type cachedChunk struct {
	data []byte
	sum  string
}

// chunkCache bounds cached chunks by entry count, total bytes and age. A miss
// is always safe: the caller re-slices the asset.
type chunkCache struct {
	lru      *expirable.LRU[chunkKey, cachedChunk]
	maxBytes int64
	bytes    atomic.Int64

	addMu sync.Mutex
}

func newChunkCache(entries int, maxBytes int64, ttl time.Duration) *chunkCache {
	c := &chunkCache{maxBytes: maxBytes}
	c.lru = expirable.NewLRU[chunkKey, cachedChunk](entries, func(_ chunkKey, v cachedChunk) {
		c.bytes.Add(-int64(len(v.data)))
	}, ttl)
	return c
}

func (c *chunkCache) get(k chunkKey) (cachedChunk, bool) {
	return c.lru.Get(k)
}

func (c *chunkCache) add(k chunkKey, v cachedChunk) {
	size := int64(len(v.data))
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}
	c.addMu.Lock()
	defer c.addMu.Unlock()
	// Updating a key in place skips the eviction callback.
	c.lru.Remove(k)
	c.lru.Add(k, v)
	c.bytes.Add(size)
	for c.maxBytes > 0 && c.bytes.Load() > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			return
		}
	}
}

func (c *chunkCache) purge(assetID string, chunks int) {
	for i := 0; i < chunks; i++ {
		c.lru.Remove(chunkKey{assetID: assetID, index: i})
	}
}

func (c *chunkCache) len() int { return c.lru.Len() }

func (c *chunkCache) size() int64 { return c.bytes.Load() }
