// Package filestat caches file-modification timestamps behind a short TTL so
// the data-access layer can answer "has this file changed?" without
// repeated stat(2) calls per bar load.
package filestat

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached mtime is trusted before a fresh stat
	// is required.
	DefaultTTL = 300 * time.Second
	// DefaultCapacity bounds the number of distinct paths tracked; beyond
	// it, the least-recently-used entry is evicted.
	DefaultCapacity = 1000
)

// NotFoundError wraps a failed stat call, identifying the offending path.
// The underlying OS error is kept in the message and through Unwrap, so
// callers can match it with errors.Is (e.g. fs.ErrNotExist).
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("filestat: %s not found: %v", e.Path, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

type entry struct {
	path     string
	modTime  time.Time
	cachedAt time.Time
}

// Cache is a thread-safe TTL+LRU cache of file modification times. The zero
// value is not usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recently used
	index    map[string]*list.Element
	statFn   func(string) (os.FileInfo, error)
}

// New builds a Cache with the given TTL and capacity. Non-positive values
// fall back to the package defaults.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		statFn:   os.Stat,
	}
}

// GetModTime returns the cached modification time for path if fresh, or
// stats the file and refreshes the cache entry otherwise. A stat failure is
// reported as a NotFoundError.
func (c *Cache) GetModTime(path string) (time.Time, error) {
	now := time.Now()

	c.mu.Lock()
	if el, ok := c.index[path]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.cachedAt) < c.ttl {
			c.order.MoveToFront(el)
			mt := e.modTime
			c.mu.Unlock()
			return mt, nil
		}
	}
	c.mu.Unlock()

	info, err := c.statFn(path)
	if err != nil {
		return time.Time{}, &NotFoundError{Path: path, Err: err}
	}
	mt := info.ModTime()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(path, mt, now)
	return mt, nil
}

// put inserts or refreshes an entry, evicting the least-recently-used
// entry if capacity would be exceeded. Caller must hold c.mu.
func (c *Cache) put(path string, modTime, now time.Time) {
	if el, ok := c.index[path]; ok {
		e := el.Value.(*entry)
		e.modTime = modTime
		e.cachedAt = now
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{path: path, modTime: modTime, cachedAt: now})
	c.index[path] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*entry).path)
		}
	}
}

// Len reports the number of distinct paths currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
