// Package clipcache stores pre-synthesized audio clips keyed by
// (phrase, language, voice). The cache is never authoritative: a miss
// means the caller synthesizes fresh audio.
package clipcache

import (
	"container/list"
	"sync"
)

// Key identifies one synthesized clip. Keys must be deterministic across
// calls for the same order so repeat calls reuse work.
type Key struct {
	PhraseID string
	Language string
	Voice    string
}

type entry struct {
	key   Key
	audio []byte
}

// Cache is a byte-budget LRU. Eviction runs on insert when over budget.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	order    *list.List // front = most recent
	items    map[Key]*list.Element
	evicted  func()
}

func New(maxBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
	}
}

// SetEvictHook installs a callback invoked once per evicted clip.
func (c *Cache) SetEvictHook(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = hook
}

// Get returns the clip and marks it most recently used.
func (c *Cache) Get(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).audio, true
}

// Put stores the clip, replacing any previous value for the key. Clips
// larger than the whole budget are not cached.
func (c *Cache) Put(k Key, audio []byte) {
	size := int64(len(audio))
	if size == 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		old := el.Value.(*entry)
		c.curBytes += size - int64(len(old.audio))
		old.audio = audio
		c.order.MoveToFront(el)
	} else {
		c.items[k] = c.order.PushFront(&entry{key: k, audio: audio})
		c.curBytes += size
	}

	for c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		ev := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.items, ev.key)
		c.curBytes -= int64(len(ev.audio))
		if c.evicted != nil {
			c.evicted()
		}
	}
}

// Len returns the number of cached clips.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the total cached payload size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
