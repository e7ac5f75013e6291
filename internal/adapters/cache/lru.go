package cache

import "sync"

type lruNode[K comparable] struct {
	key  K
	prev *lruNode[K]
	next *lruNode[K]
}

// LRU: потокобезопасное множество ключей фиксированной ёмкости.
// При переполнении вытесняется давно не встречавшийся ключ.
type LRU[K comparable] struct {
	mu       sync.Mutex
	items    map[K]*lruNode[K]
	head     *lruNode[K] // least recently used
	tail     *lruNode[K] // most recently used
	capacity int
}

func NewLRU[K comparable](capacity int) *LRU[K] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K]{
		items:    make(map[K]*lruNode[K], capacity),
		capacity: capacity,
	}
}

// Add stores key only if it is absent and reports whether it was added.
// A key already present is marked most recently used. Check and insert
// happen under one lock, so concurrent callers agree on which of them saw
// the key first.
func (c *LRU[K]) Add(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nd, ok := c.items[key]; ok {
		c.moveToTail(nd)
		return false
	}
	if len(c.items) >= c.capacity {
		c.evictHead()
	}
	nd := &lruNode[K]{key: key}
	c.appendToTail(nd)
	c.items[key] = nd
	return true
}

func (c *LRU[K]) appendToTail(nd *lruNode[K]) {
	if c.tail == nil {
		c.head = nd
		c.tail = nd
		return
	}
	nd.prev = c.tail
	c.tail.next = nd
	c.tail = nd
}

func (c *LRU[K]) moveToTail(nd *lruNode[K]) {
	if nd == c.tail {
		return
	}
	c.unlink(nd)
	c.appendToTail(nd)
}

func (c *LRU[K]) evictHead() {
	if c.head == nil {
		return
	}
	evicted := c.head
	c.unlink(evicted)
	delete(c.items, evicted.key)
}

func (c *LRU[K]) unlink(nd *lruNode[K]) {
	// связываем соседей между собой
	if nd.prev != nil {
		nd.prev.next = nd.next
	} else {
		c.head = nd.next
	}
	if nd.next != nil {
		nd.next.prev = nd.prev
	} else {
		c.tail = nd.prev
	}

	nd.prev = nil
	nd.next = nil
}
