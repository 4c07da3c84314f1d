package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/quorumnet/steward/pkg/clock"
)

// shortTermCache is a TTL- and size-bounded LRU over records. It is a pure
// memo: eviction or expiry only costs a long-term read.
type shortTermCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	clk     clock.Clock
	order   *list.List // front = most recent
	entries map[string]*list.Element
}

type cacheEntry struct {
	rec       Record
	expiresAt time.Time
}

func newShortTermCache(max int, ttl time.Duration, clk clock.Clock) *shortTermCache {
	return &shortTermCache{
		max:     max,
		ttl:     ttl,
		clk:     clk,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *shortTermCache) put(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[rec.ID]; ok {
		el.Value.(*cacheEntry).rec = rec
		el.Value.(*cacheEntry).expiresAt = c.clk.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{rec: rec, expiresAt: c.clk.Now().Add(c.ttl)})
	c.entries[rec.ID] = el

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).rec.ID)
	}
}

func (c *shortTermCache) get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return Record{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.clk.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, id)
		return Record{}, false
	}
	c.order.MoveToFront(el)
	return entry.rec, true
}

// purgeExpired drops every expired entry, returning the count removed.
func (c *shortTermCache) purgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.order.Remove(el)
			delete(c.entries, entry.rec.ID)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *shortTermCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
