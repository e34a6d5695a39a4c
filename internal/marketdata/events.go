package marketdata

import "github.com/quantedge/backtest/internal/ohlcv"

// EventKind classifies a cache event published by the store.
type EventKind int

const (
	EventHit EventKind = iota
	EventMiss
	EventEvict
	EventOverCapacity
)

func (k EventKind) String() string {
	switch k {
	case EventHit:
		return "HIT"
	case EventMiss:
		return "MISS"
	case EventEvict:
		return "EVICT"
	case EventOverCapacity:
		return "OVER_CAPACITY"
	default:
		return "UNKNOWN"
	}
}

// CacheEvent describes one cache occurrence: a hit, a miss, an eviction, or
// a refused insert because eviction could not free enough space.
type CacheEvent struct {
	Kind EventKind
	Key  ohlcv.CacheKey
}

// Observer receives cache events in registration order, dispatched
// synchronously at the next drain point on the caller's goroutine.
type Observer interface {
	OnCacheEvent(CacheEvent)
}

// CacheStats is a read-only snapshot of cumulative cache activity.
type CacheStats struct {
	Hits         int64
	Misses       int64
	Evictions    int64
	Entries      int
	OverCapacity int64
}
