// Package lru is a small bounded cache whose entries expire after a TTL.
package lru

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key    string
	value  V
	expiry time.Time
}

type Cache[V any] struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	ll   *list.List
	idx  map[string]*list.Element
	nowF func() time.Time
}

func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache[V]{
		cap:  capacity,
		ttl:  ttl,
		ll:   list.New(),
		idx:  map[string]*list.Element{},
		nowF: time.Now,
	}
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.idx[key]
	if !ok {
		return zero, false
	}
	en := el.Value.(*entry[V])
	if !c.nowF().Before(en.expiry) {
		c.ll.Remove(el)
		delete(c.idx, key)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return en.value, true
}

// Put stores value under key, replacing any previous value and restarting
// its TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowF()
	if el, ok := c.idx[key]; ok {
		en := el.Value.(*entry[V])
		en.value = value
		en.expiry = now.Add(c.ttl)
		c.ll.MoveToFront(el)
	} else {
		c.idx[key] = c.ll.PushFront(&entry[V]{key: key, value: value, expiry: now.Add(c.ttl)})
	}

	// evict tail
	for c.ll.Len() > c.cap {
		c.removeLocked(c.ll.Back())
	}
	// opportunistic cleanup of expired tails
	for tail := c.ll.Back(); tail != nil; tail = c.ll.Back() {
		if now.Before(tail.Value.(*entry[V]).expiry) {
			break
		}
		c.removeLocked(tail)
	}
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	delete(c.idx, el.Value.(*entry[V]).key)
	c.ll.Remove(el)
}
