// Package marketdata implements the concurrent OHLCV data-access layer: a
// per-day CSV loader with LRU result caching, modification-time-aware
// invalidation, a file-stat TTL cache, memory-pressure eviction, and a
// deferred-dispatch observer hook for cache events.
package marketdata

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantedge/backtest/internal/filestat"
	"github.com/quantedge/backtest/internal/memtracker"
	"github.com/quantedge/backtest/internal/ohlcv"
)

// maxEvictionRounds bounds how many LRU-eviction passes an insert attempt
// runs before giving up and refusing to cache the entry.
const maxEvictionRounds = 3

// Config selects the on-disk layout and resource limits for a Store.
type Config struct {
	DataRoot      string
	Venue         string
	CacheCapacity int
	MemoryCeiling int64 // bytes; 0 selects the gopsutil-derived default
	StatCacheTTL  time.Duration
	StatCacheCap  int
}

type dayFrame struct {
	key   ohlcv.CacheKey
	bars  []ohlcv.Bar
	bytes int64
}

// Store is the concurrency-safe OHLCV data-access layer described in
// spec §4.2. It may be shared across concurrent backtests.
type Store struct {
	dataRoot string
	venue    string

	statCache *filestat.Cache
	memory    *memtracker.Tracker

	cacheMu sync.Mutex
	order   *list.List // front = most recently used dayFrame
	index   map[ohlcv.CacheKey]*list.Element
	byPath  map[string]*list.Element // latest entry for a given path, any mtime
	stats   CacheStats
	cap     int

	notifyMu  sync.Mutex
	observers []Observer
	pending   []CacheEvent
}

// New builds a Store rooted at cfg.DataRoot.
func New(cfg Config) *Store {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 256
	}
	var mem *memtracker.Tracker
	if cfg.MemoryCeiling > 0 {
		mem = memtracker.New(cfg.MemoryCeiling)
	} else {
		mem = memtracker.NewWithDefaultCeiling()
	}
	return &Store{
		dataRoot:  cfg.DataRoot,
		venue:     cfg.Venue,
		statCache: filestat.New(cfg.StatCacheTTL, cfg.StatCacheCap),
		memory:    mem,
		order:     list.New(),
		index:     make(map[ohlcv.CacheKey]*list.Element),
		byPath:    make(map[string]*list.Element),
		cap:       capacity,
	}
}

func modeDir(mode ohlcv.TradingMode) string {
	if mode == ohlcv.Futures {
		return "futures"
	}
	return "spot"
}

// DayPath returns the expected on-disk path for one day's frame, per the
// §6 layout: <data_root>/<venue>/<spot|futures>/<SYMBOL>/<TIMEFRAME>/<SYMBOL>_<TIMEFRAME>_<YYYY-MM-DD>.csv
func (s *Store) DayPath(symbol ohlcv.Symbol, tf ohlcv.Timeframe, mode ohlcv.TradingMode, date time.Time) string {
	day := date.UTC().Format("2006-01-02")
	fname := fmt.Sprintf("%s_%s_%s.csv", symbol, tf, day)
	return filepath.Join(s.dataRoot, s.venue, modeDir(mode), string(symbol), string(tf), fname)
}

// LoadDay loads and caches the per-day frame for (symbol, timeframe, date).
// A missing day file is tolerated and yields an empty, non-nil slice. The
// file's mtime comes from the stat cache, so a rewrite of the file is seen
// only after that path's stat entry has expired (Config.StatCacheTTL,
// default 300s); until then the previously cached frame is returned.
func (s *Store) LoadDay(symbol ohlcv.Symbol, tf ohlcv.Timeframe, mode ohlcv.TradingMode, date time.Time) ([]ohlcv.Bar, error) {
	path := s.DayPath(symbol, tf, mode, date)

	modTime, err := s.statCache.GetModTime(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []ohlcv.Bar{}, nil
	}
	if err != nil {
		return nil, &ohlcv.FrameError{Kind: ohlcv.ErrKindFileSystem, Path: path, Err: err}
	}
	key := ohlcv.NewCacheKey(path, modTime)

	if bars, ok := s.lookupCache(key, path); ok {
		return bars, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &ohlcv.FrameError{Kind: ohlcv.ErrKindFileSystem, Path: path, Err: err}
	}
	defer f.Close()

	bars, err := ohlcv.ParseCSV(path, f)
	if err != nil {
		return nil, err
	}

	s.insertCache(key, path, bars)
	return bars, nil
}

func (s *Store) lookupCache(key ohlcv.CacheKey, path string) ([]ohlcv.Bar, bool) {
	s.cacheMu.Lock()
	el, ok := s.index[key]
	if ok {
		s.order.MoveToFront(el)
		s.stats.Hits++
		bars := el.Value.(*dayFrame).bars
		s.cacheMu.Unlock()
		s.queueEvent(CacheEvent{Kind: EventHit, Key: key})
		return bars, true
	}
	s.cacheMu.Unlock()
	return nil, false
}

func (s *Store) insertCache(key ohlcv.CacheKey, path string, bars []ohlcv.Bar) {
	size := memtracker.EstimateBarsBytes(len(bars))

	var events []CacheEvent
	s.cacheMu.Lock()
	for round := 0; round < maxEvictionRounds && s.memory.WouldExceed(size); round++ {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		events = append(events, s.evictLocked(oldest))
	}
	refused := s.memory.WouldExceed(size)
	if !refused {
		events = append(events, s.admitLocked(key, path, bars, size)...)
		s.stats.Misses++
	} else {
		s.stats.OverCapacity++
	}
	s.cacheMu.Unlock()

	if refused {
		log.Warn().Str("path", path).Msg("ohlcv frame refused admission, memory ceiling reached")
		events = append(events, CacheEvent{Kind: EventOverCapacity, Key: key})
		s.queueEvents(events)
		return
	}
	events = append(events, CacheEvent{Kind: EventMiss, Key: key})
	s.queueEvents(events)
}

// admitLocked inserts a frame and, if a stale entry for the same path
// already exists under a different mtime, evicts it first so a file
// rewrite never leaves two generations resident at once. Caller must hold
// cacheMu; any resulting EVICT events are returned rather than dispatched,
// since the caller is still holding cacheMu.
func (s *Store) admitLocked(key ohlcv.CacheKey, path string, bars []ohlcv.Bar, size int64) []CacheEvent {
	var events []CacheEvent
	if stale, ok := s.byPath[path]; ok {
		events = append(events, s.evictLocked(stale))
	}
	el := s.order.PushFront(&dayFrame{key: key, bars: bars, bytes: size})
	s.index[key] = el
	s.byPath[path] = el
	s.memory.RecordInsert(size)
	if s.order.Len() > s.cap {
		if victim := s.order.Back(); victim != nil {
			events = append(events, s.evictLocked(victim))
		}
	}
	return events
}

// evictLocked removes an entry from the cache. Caller must hold cacheMu and
// must queue the returned event itself, after releasing cacheMu — this
// method never touches notifyMu or dispatches to observers directly, so it
// can never be the source of a cacheMu/notifyMu overlap.
func (s *Store) evictLocked(el *list.Element) CacheEvent {
	df := el.Value.(*dayFrame)
	s.order.Remove(el)
	delete(s.index, df.key)
	if cur, ok := s.byPath[df.key.Path]; ok && cur == el {
		delete(s.byPath, df.key.Path)
	}
	s.memory.RecordEvict(df.bytes)
	s.stats.Evictions++
	return CacheEvent{Kind: EventEvict, Key: df.key}
}

// queueEvent appends a single event under the notifications lock and drains
// the queue to observers. Callers must never hold cacheMu when calling this:
// draining runs observer callbacks, and an observer that re-enters the store
// (e.g. CacheStatistics or LoadDay) would deadlock against cacheMu if it were
// still held here.
func (s *Store) queueEvent(ev CacheEvent) {
	s.queueEvents([]CacheEvent{ev})
}

// queueEvents is queueEvent's batch form, used where a single cacheMu-held
// section produced more than one event (eviction rounds, stale-path
// replacement, capacity overflow). Same cacheMu-free calling requirement.
func (s *Store) queueEvents(evs []CacheEvent) {
	if len(evs) == 0 {
		return
	}
	s.notifyMu.Lock()
	s.pending = append(s.pending, evs...)
	s.drainLocked()
	s.notifyMu.Unlock()
}

func (s *Store) drainLocked() {
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		for _, obs := range s.observers {
			dispatchSafely(obs, ev)
		}
	}
}

func dispatchSafely(obs Observer, ev CacheEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", ev.Kind.String()).Msg("cache observer panicked, continuing dispatch")
		}
	}()
	obs.OnCacheEvent(ev)
}

// Subscribe registers an observer. Observers are dispatched in registration
// order.
func (s *Store) Subscribe(obs Observer) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.observers = append(s.observers, obs)
}

// Unsubscribe removes a previously registered observer.
func (s *Store) Unsubscribe(obs Observer) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for i, o := range s.observers {
		if o == obs {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// CacheStatistics returns a snapshot of cumulative cache activity.
func (s *Store) CacheStatistics() CacheStats {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	stats := s.stats
	stats.Entries = s.order.Len()
	return stats
}

// LoadWindow produces an OhlcvWindow for [start, end] by loading each
// covered day's frame, concatenating, filtering to the requested bounds,
// deduplicating by timestamp (last wins), and sorting ascending.
func (s *Store) LoadWindow(symbol ohlcv.Symbol, tf ohlcv.Timeframe, mode ohlcv.TradingMode, start, end time.Time) (*ohlcv.Window, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("marketdata: end %s precedes start %s", end, start)
	}

	var all []ohlcv.Bar
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end.UTC()); d = d.Add(24 * time.Hour) {
		bars, err := s.LoadDay(symbol, tf, mode, d)
		if err != nil {
			return nil, fmt.Errorf("marketdata: loading day %s: %w", d.Format("2006-01-02"), err)
		}
		all = append(all, bars...)
	}

	all = ohlcv.DedupeSorted(all)
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	filtered := all[:0:0]
	for _, b := range all {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			filtered = append(filtered, b)
		}
	}

	return &ohlcv.Window{Symbol: symbol, Timeframe: tf, Start: start, End: end, Bars: filtered}, nil
}

// DiscoverSymbols enumerates the symbol directories present for mode under
// the store's venue root.
func (s *Store) DiscoverSymbols(mode ohlcv.TradingMode) ([]ohlcv.Symbol, error) {
	root := filepath.Join(s.dataRoot, s.venue, modeDir(mode))
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &ohlcv.FrameError{Kind: ohlcv.ErrKindFileSystem, Path: root, Err: err}
	}
	symbols := make([]ohlcv.Symbol, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, ohlcv.Symbol(e.Name()))
		}
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
	return symbols, nil
}

// DiscoverTimeframes enumerates the timeframe directories present for a
// given symbol.
func (s *Store) DiscoverTimeframes(symbol ohlcv.Symbol, mode ohlcv.TradingMode) ([]ohlcv.Timeframe, error) {
	root := filepath.Join(s.dataRoot, s.venue, modeDir(mode), string(symbol))
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &ohlcv.FrameError{Kind: ohlcv.ErrKindFileSystem, Path: root, Err: err}
	}
	tfs := make([]ohlcv.Timeframe, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			tfs = append(tfs, ohlcv.Timeframe(e.Name()))
		}
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })
	return tfs, nil
}
