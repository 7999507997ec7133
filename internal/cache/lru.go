package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// lru is a thread-safe LRU store with per-entry TTL. Counters are kept in
// a separate map so velocity traffic never evicts memoized responses.
type lru struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counter
	now      func() time.Time
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counter struct {
	count     int64
	expiresAt time.Time
}

func newLRU(maxSize int) *lru {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &lru{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (c *lru) get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	e := elem.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return e.value, nil
}

func (c *lru) set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *lru) incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctr, ok := c.counters[key]
	if ok && now.Before(ctr.expiresAt) {
		ctr.count++
		return ctr.count, nil
	}

	if !ok && len(c.counters) >= c.maxSize {
		for k, old := range c.counters {
			if !now.Before(old.expiresAt) {
				delete(c.counters, k)
			}
		}
	}
	c.counters[key] = &counter{count: 1, expiresAt: now.Add(window)}
	return 1, nil
}

func (c *lru) ping(context.Context) error { return nil }

// close drops every entry; the store stays usable.
func (c *lru) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counter)
	return nil
}

func (c *lru) len() (entries, counters int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), len(c.counters)
}

func (c *lru) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
