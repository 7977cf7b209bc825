package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Config configures the Store.
type Config struct {
	// MaxEntries bounds the number of cached entries.
	// Default: 1000
	MaxEntries int

	// MaxBytes bounds the total stored size.
	// Default: 64 MiB
	MaxBytes int64

	// CompressionThreshold is the minimum value size considered for
	// compression. Default: DefaultCompressionThreshold.
	CompressionThreshold int

	// Strategies maps tool names to caching strategies.
	// Default: every tool uses ShortTerm.
	Strategies *StrategyTable
}

// EntryOptions carry invalidation metadata for a Set.
type EntryOptions struct {
	// Tags associate the entry with invalidation tags.
	Tags []string

	// DependsOn lists cache keys whose invalidation also removes this
	// entry.
	DependsOn []string
}

type entry struct {
	key        string
	tool       string
	stored     []byte
	compressed bool
	rawSize    int64
	createdAt  time.Time
	expiresAt  time.Time // zero means no expiry
	strategy   Strategy
	tags       []string
	dependsOn  []string
	accesses   int64
	ring       *accessRing // Intelligent strategy only
}

func (e *entry) size() int64 {
	return int64(len(e.stored))
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Entries   int
	Bytes     int64

	// CompressionRatio is stored bytes over raw bytes for entries that
	// were compressed; 1.0 when nothing was compressed.
	CompressionRatio float64
}

// Store is the LRU response cache.
//
// Contract:
// - Concurrency: safe for concurrent use; invalidation is atomic with
//   respect to readers.
// - Errors: Get never errors; it returns (nil, false) on miss.
type Store struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent

	maxEntries        int
	maxBytes          int64
	compressThreshold int
	strategies        *StrategyTable

	now func() time.Time

	bytes          int64
	hits           int64
	misses         int64
	evictions      int64
	expired        int64
	rawCompressed  int64 // raw bytes of values stored compressed
	keptCompressed int64 // stored bytes of values stored compressed
}

// New creates a Store with the given configuration.
func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.Strategies == nil {
		cfg.Strategies = NewStrategyTable(ShortTerm)
	}

	return &Store{
		entries:           make(map[string]*list.Element),
		lru:               list.New(),
		maxEntries:        cfg.MaxEntries,
		maxBytes:          cfg.MaxBytes,
		compressThreshold: cfg.CompressionThreshold,
		strategies:        cfg.Strategies,
		now:               time.Now,
	}
}

// Strategies returns the strategy table the store consults.
func (s *Store) Strategies() *StrategyTable {
	return s.strategies
}

// Get retrieves the decompressed value for key. Expired entries are
// evicted lazily and counted as misses.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool) {
	now := s.now()

	s.mu.Lock()
	elem, ok := s.entries[key]
	if !ok {
		s.misses++
		s.mu.Unlock()
		return nil, false
	}

	e := elem.Value.(*entry)
	if e.expired(now) {
		s.removeLocked(elem)
		s.expired++
		s.misses++
		s.mu.Unlock()
		return nil, false
	}

	s.lru.MoveToFront(elem)
	e.accesses++
	if e.strategy == Intelligent {
		e.ring.record(now)
		e.expiresAt = now.Add(e.ring.ttl(now))
	}
	s.hits++
	stored, compressed := e.stored, e.compressed
	s.mu.Unlock()

	if !compressed {
		return stored, true
	}
	raw, err := decompress(stored)
	if err != nil {
		// Corrupt entry: drop it and report a miss.
		s.Delete(context.Background(), key)
		return nil, false
	}
	return raw, true
}

// Set stores value for key under the tool's strategy. Values above the
// compression threshold are compressed when it pays off. A NoCache
// strategy makes Set a no-op.
func (s *Store) Set(_ context.Context, key, tool string, value []byte, opts EntryOptions) error {
	strategy := s.strategies.For(tool)
	if strategy == NoCache {
		return nil
	}

	now := s.now()
	stored, compressed := maybeCompress(value, s.compressThreshold)

	e := &entry{
		key:        key,
		tool:       tool,
		stored:     stored,
		compressed: compressed,
		rawSize:    int64(len(value)),
		createdAt:  now,
		strategy:   strategy,
		tags:       opts.Tags,
		dependsOn:  opts.DependsOn,
	}

	switch strategy {
	case Persistent:
		// No expiry.
	case Intelligent:
		e.ring = &accessRing{}
		e.ring.record(now)
		e.expiresAt = now.Add(intelligentDefaultTTL)
	default:
		e.expiresAt = now.Add(strategy.baseTTL())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.size() > s.maxBytes {
		// Value can never fit; do not thrash the LRU for it.
		return nil
	}

	if old, ok := s.entries[key]; ok {
		s.removeLocked(old)
	}

	// Evict before inserting so limits are never breached.
	for s.lru.Len() >= s.maxEntries || s.bytes+e.size() > s.maxBytes {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
		s.evictions++
	}

	elem := s.lru.PushFront(e)
	s.entries[key] = elem
	s.bytes += e.size()
	if compressed {
		s.rawCompressed += e.rawSize
		s.keptCompressed += e.size()
	}
	return nil
}

// Delete removes a cached value. Idempotent - no error on miss.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if elem, ok := s.entries[key]; ok {
		s.removeLocked(elem)
	}
	s.mu.Unlock()
	return nil
}

// InvalidatePattern removes every entry whose key contains substr.
// It returns the number of entries removed.
func (s *Store) InvalidatePattern(substr string) int {
	return s.invalidate(func(e *entry) bool {
		return strings.Contains(e.key, substr)
	})
}

// InvalidateTag removes every entry carrying the tag.
func (s *Store) InvalidateTag(tag string) int {
	return s.invalidate(func(e *entry) bool {
		for _, t := range e.tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

// InvalidateDependency removes every entry that depends on depKey,
// and depKey itself.
func (s *Store) InvalidateDependency(depKey string) int {
	return s.invalidate(func(e *entry) bool {
		if e.key == depKey {
			return true
		}
		for _, d := range e.dependsOn {
			if d == depKey {
				return true
			}
		}
		return false
	})
}

// invalidate removes all matching entries under one critical section so
// concurrent readers never observe a partial removal.
func (s *Store) invalidate(match func(*entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*list.Element
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		if match(elem.Value.(*entry)) {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		s.removeLocked(elem)
	}
	return len(victims)
}

// SetLimits applies new ceilings, evicting as needed. Used by config
// hot reload.
func (s *Store) SetLimits(maxEntries int, maxBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxEntries > 0 {
		s.maxEntries = maxEntries
	}
	if maxBytes > 0 {
		s.maxBytes = maxBytes
	}
	for s.lru.Len() > s.maxEntries || s.bytes > s.maxBytes {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
		s.evictions++
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	ratio := 1.0
	if s.rawCompressed > 0 {
		ratio = float64(s.keptCompressed) / float64(s.rawCompressed)
	}
	return Stats{
		Hits:             s.hits,
		Misses:           s.misses,
		Evictions:        s.evictions,
		Expired:          s.expired,
		Entries:          s.lru.Len(),
		Bytes:            s.bytes,
		CompressionRatio: ratio,
	}
}

func (s *Store) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	s.lru.Remove(elem)
	delete(s.entries, e.key)
	s.bytes -= e.size()
}
