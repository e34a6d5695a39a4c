// Package memtracker estimates cumulative in-cache byte usage and enforces
// a memory ceiling for the OHLCV cache by reporting whether an insert would
// exceed it. It does not choose eviction candidates; the cache picks its
// own victims and reports their bytes back through RecordEvict.
package memtracker

import (
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultCeilingFraction is the fraction of total system memory used to
// size the default ceiling when the caller does not supply an explicit one.
const DefaultCeilingFraction = 0.1

// fallbackCeiling is used if gopsutil cannot read host memory stats.
const fallbackCeiling = 256 * 1024 * 1024

// Tracker tracks approximate byte usage against a configured ceiling. Sizes
// are approximate; absolute precision is unnecessary per spec.
type Tracker struct {
	mu      sync.Mutex
	ceiling int64
	used    int64
}

// New builds a Tracker with an explicit ceiling in bytes.
func New(ceilingBytes int64) *Tracker {
	return &Tracker{ceiling: ceilingBytes}
}

// NewWithDefaultCeiling sizes the ceiling off a fraction of total system
// memory via gopsutil, falling back to a fixed default if the host memory
// cannot be read.
func NewWithDefaultCeiling() *Tracker {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return New(fallbackCeiling)
	}
	ceiling := int64(float64(vm.Total) * DefaultCeilingFraction)
	if ceiling <= 0 {
		ceiling = fallbackCeiling
	}
	return New(ceiling)
}

// WouldExceed reports whether admitting additionalBytes would push usage
// over the ceiling.
func (t *Tracker) WouldExceed(additionalBytes int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used+additionalBytes > t.ceiling
}

// RecordInsert accounts for bytes newly admitted to the cache.
func (t *Tracker) RecordInsert(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used += bytes
}

// RecordEvict accounts for bytes removed from the cache.
func (t *Tracker) RecordEvict(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used -= bytes
	if t.used < 0 {
		t.used = 0
	}
}

// Usage returns the current estimated byte usage.
func (t *Tracker) Usage() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Ceiling returns the configured memory ceiling in bytes.
func (t *Tracker) Ceiling() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ceiling
}

// EstimateBarsBytes approximates the byte cost of a per-day frame holding n
// bars. Each Bar is one timestamp plus five float64 fields, so a fixed
// per-row cost plus slice/struct overhead is a reasonable estimate.
func EstimateBarsBytes(n int) int64 {
	const perBar = 64 // 6 float64-equivalent fields plus struct padding
	return int64(n)*perBar + 48
}
