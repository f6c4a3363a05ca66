// Package dedupe remembers recently processed WhatsApp message ids so that a
// redelivered webhook does not run the pipeline twice.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache is a size-bounded set of keys whose membership expires after ttl.
// The oldest key is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a cache and starts its sweeper; call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was marked within ttl, and marks it if not.
// Check and mark happen under one lock so two concurrent deliveries of the
// same message cannot both see false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.elem)
		return false
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &entry{seenAt: now, elem: c.order.PushBack(key)}
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Entries are in mark order, so the first unexpired one ends the sweep.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
