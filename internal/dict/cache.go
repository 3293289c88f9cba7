package dict

import (
	ristretto "github.com/dgraph-io/ristretto/v2"
)

// cache is the dictionary's read-optimised, lossy, lock-free-on-the-read-path
// fast path in front of the sharded str2id lookup (spec §4.4). It is never
// consulted for correctness: a miss or a stale eviction just falls through
// to the owning shard.
type cache struct {
	c *ristretto.Cache[string, uint64]
}

func newCache(maxCost int64) *cache {
	c, err := ristretto.NewCache(&ristretto.Config[string, uint64]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Config above is static and always valid; a constructor error here
		// would be a programming bug, not a runtime condition to propagate.
		panic(err)
	}
	return &cache{c: c}
}

func (c *cache) get(key string) (uint64, bool) {
	return c.c.Get(key)
}

func (c *cache) set(key string, id uint64) {
	c.c.Set(key, id, int64(len(key))+8)
}

func (c *cache) close() {
	c.c.Close()
}
