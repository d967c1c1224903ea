package prefetch

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fdfe-tools/market-session/pkg/wire"
)

type Cache struct {
	MaxEntries int

	lock    sync.Mutex
	entries map[string]*wire.Response
	bounded *lru.Cache[string, *wire.Response]
}

// New returns a Cache that holds up to maxEntries responses, evicting the least recently used
// entry when full.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *Cache {
	c := &Cache{MaxEntries: maxEntries}
	if maxEntries > 0 {
		// lru.New only fails for non-positive sizes.
		c.bounded, _ = lru.New[string, *wire.Response](maxEntries)
	} else {
		c.entries = make(map[string]*wire.Response)
	}
	return c
}

// Get returns the response stored for key. The entry remains in the cache.
func (c *Cache) Get(key string) (*wire.Response, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.bounded != nil {
		return c.bounded.Get(key)
	}
	rsp, ok := c.entries[key]
	return rsp, ok
}

// Put stores rsp under key, replacing any previous entry.
func (c *Cache) Put(key string, rsp *wire.Response) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.bounded != nil {
		c.bounded.Add(key, rsp)
		return
	}
	c.entries[key] = rsp
}

// Delete removes the entry for key, if any.
func (c *Cache) Delete(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.bounded != nil {
		c.bounded.Remove(key)
		return
	}
	delete(c.entries, key)
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.bounded != nil {
		c.bounded.Purge()
		return
	}
	c.entries = make(map[string]*wire.Response)
}

func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.entries)
}

// Drain pops every prefetch entry out of rsp and stores each under its own URL. Entries nested
// inside a prefetched response are stored too, before the response carrying them, so nothing in
// the cache still holds prefetch entries. It returns the keys in the order they were stored.
func (c *Cache) Drain(rsp *wire.Response) []string {
	var keys []string
	for rsp.HasPrefetch() {
		entry, _ := rsp.PopPrefetch()
		keys = append(keys, c.Drain(entry.Response)...)
		c.Put(entry.URL, entry.Response)
		keys = append(keys, entry.URL)
	}
	return keys
}
