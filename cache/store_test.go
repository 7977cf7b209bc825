package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(cfg Config) *Store {
	return New(cfg)
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	if err := s.Set(ctx, "k1", "search", []byte("hello"), EntryOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := s.Get(ctx, "k1")
	if !ok {
		t.Fatal("Get() miss after Set()")
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want hello", got)
	}
}

func TestStore_MissOnUnknownKey(t *testing.T) {
	s := newTestStore(Config{})

	if _, ok := s.Get(context.Background(), "absent"); ok {
		t.Error("Get() hit on unknown key")
	}

	stats := s.Stats()
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

func TestStore_NoCacheStrategy(t *testing.T) {
	strategies := NewStrategyTable(ShortTerm)
	strategies.Set("volatile", NoCache)
	s := newTestStore(Config{Strategies: strategies})
	ctx := context.Background()

	if err := s.Set(ctx, "k1", "volatile", []byte("v"), EntryOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, ok := s.Get(ctx, "k1"); ok {
		t.Error("Get() hit for a NoCache tool")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	if err := s.Set(ctx, "k1", "search", []byte("v"), EntryOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Just before expiry: hit.
	s.now = func() time.Time { return base.Add(shortTermTTL - time.Second) }
	if _, ok := s.Get(ctx, "k1"); !ok {
		t.Error("Get() missed before TTL elapsed")
	}

	// Past expiry: miss, lazily evicted.
	s.now = func() time.Time { return base.Add(shortTermTTL + time.Second) }
	if _, ok := s.Get(ctx, "k1"); ok {
		t.Error("Get() hit after TTL elapsed")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after lazy eviction, want 0", s.Len())
	}

	stats := s.Stats()
	if stats.Expired != 1 {
		t.Errorf("Expired = %d, want 1", stats.Expired)
	}
}

func TestStore_PersistentNeverExpires(t *testing.T) {
	strategies := NewStrategyTable(ShortTerm)
	strategies.Set("static", Persistent)
	s := newTestStore(Config{Strategies: strategies})
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.Set(ctx, "k1", "static", []byte("v"), EntryOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	s.now = func() time.Time { return base.Add(240 * time.Hour) }
	if _, ok := s.Get(ctx, "k1"); !ok {
		t.Error("Persistent entry expired")
	}
}

func TestStore_LRUEviction(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 100})
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("k%03d", i)
		if err := s.Set(ctx, key, "search", []byte("v"), EntryOptions{}); err != nil {
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}

	stats := s.Stats()
	if stats.Entries > 100 {
		t.Errorf("Entries = %d, want <= 100", stats.Entries)
	}
	if stats.Evictions < 50 {
		t.Errorf("Evictions = %d, want >= 50", stats.Evictions)
	}

	// Oldest entries are gone, newest survive.
	if _, ok := s.Get(ctx, "k000"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := s.Get(ctx, "k149"); !ok {
		t.Error("newest entry was evicted")
	}
}

func TestStore_LRURecency(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "a", "search", []byte("1"), EntryOptions{})
	_ = s.Set(ctx, "b", "search", []byte("2"), EntryOptions{})

	// Touch "a" so "b" becomes the LRU victim.
	if _, ok := s.Get(ctx, "a"); !ok {
		t.Fatal("Get(a) missed")
	}

	_ = s.Set(ctx, "c", "search", []byte("3"), EntryOptions{})

	if _, ok := s.Get(ctx, "a"); !ok {
		t.Error("recently used entry was evicted")
	}
	if _, ok := s.Get(ctx, "b"); ok {
		t.Error("least recently used entry survived")
	}
}

func TestStore_ByteCeiling(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 1000, MaxBytes: 100})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		_ = s.Set(ctx, key, "search", bytes.Repeat([]byte("x"), 30), EntryOptions{})
	}

	stats := s.Stats()
	if stats.Bytes > 100 {
		t.Errorf("Bytes = %d, want <= 100", stats.Bytes)
	}
	if stats.Evictions == 0 {
		t.Error("no evictions despite byte ceiling")
	}
}

func TestStore_Compression(t *testing.T) {
	s := newTestStore(Config{CompressionThreshold: 64})
	ctx := context.Background()

	// Highly compressible payload.
	value := bytes.Repeat([]byte("abcdefgh"), 512)
	if err := s.Set(ctx, "big", "search", value, EntryOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := s.Get(ctx, "big")
	if !ok {
		t.Fatal("Get() miss for compressed entry")
	}
	if !bytes.Equal(got, value) {
		t.Error("decompressed value differs from original")
	}

	stats := s.Stats()
	if stats.Bytes >= int64(len(value)) {
		t.Errorf("stored bytes = %d, want < %d (compressed)", stats.Bytes, len(value))
	}
	if stats.CompressionRatio >= 0.8 {
		t.Errorf("CompressionRatio = %f, want < 0.8", stats.CompressionRatio)
	}
}

func TestStore_CompressionSkippedWhenNotWorthIt(t *testing.T) {
	s := newTestStore(Config{CompressionThreshold: 64})
	ctx := context.Background()

	// Small value below threshold stays raw.
	_ = s.Set(ctx, "small", "search", []byte("tiny"), EntryOptions{})

	stats := s.Stats()
	if stats.CompressionRatio != 1.0 {
		t.Errorf("CompressionRatio = %f, want 1.0", stats.CompressionRatio)
	}
}

func TestStore_InvalidatePattern(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_ = s.Set(ctx, "cache:search:aaa", "search", []byte("1"), EntryOptions{})
	_ = s.Set(ctx, "cache:search:bbb", "search", []byte("2"), EntryOptions{})
	_ = s.Set(ctx, "cache:lookup:ccc", "lookup", []byte("3"), EntryOptions{})

	n := s.InvalidatePattern(":search:")
	if n != 2 {
		t.Errorf("InvalidatePattern() = %d, want 2", n)
	}
	if _, ok := s.Get(ctx, "cache:lookup:ccc"); !ok {
		t.Error("unrelated entry was invalidated")
	}
}

func TestStore_InvalidateTag(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_ = s.Set(ctx, "k1", "search", []byte("1"), EntryOptions{Tags: []string{"user:42"}})
	_ = s.Set(ctx, "k2", "search", []byte("2"), EntryOptions{Tags: []string{"user:42", "session:9"}})
	_ = s.Set(ctx, "k3", "search", []byte("3"), EntryOptions{Tags: []string{"user:7"}})

	n := s.InvalidateTag("user:42")
	if n != 2 {
		t.Errorf("InvalidateTag() = %d, want 2", n)
	}
	if _, ok := s.Get(ctx, "k3"); !ok {
		t.Error("entry with different tag was invalidated")
	}
}

func TestStore_InvalidateDependency(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_ = s.Set(ctx, "base", "search", []byte("1"), EntryOptions{})
	_ = s.Set(ctx, "derived", "search", []byte("2"), EntryOptions{DependsOn: []string{"base"}})
	_ = s.Set(ctx, "other", "search", []byte("3"), EntryOptions{})

	n := s.InvalidateDependency("base")
	if n != 2 {
		t.Errorf("InvalidateDependency() = %d, want 2 (key and dependent)", n)
	}
	if _, ok := s.Get(ctx, "other"); !ok {
		t.Error("independent entry was invalidated")
	}
}

func TestStore_Delete_Idempotent(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_ = s.Set(ctx, "k1", "search", []byte("v"), EntryOptions{})
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestStore_SetLimits_Shrinks(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 100})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_ = s.Set(ctx, fmt.Sprintf("k%d", i), "search", []byte("v"), EntryOptions{})
	}

	s.SetLimits(10, 0)
	if s.Len() > 10 {
		t.Errorf("Len() = %d after SetLimits(10), want <= 10", s.Len())
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 64})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%32)
				switch i % 3 {
				case 0:
					_ = s.Set(ctx, key, "search", []byte("v"), EntryOptions{})
				case 1:
					_, _ = s.Get(ctx, key)
				default:
					s.InvalidatePattern(fmt.Sprintf("k%d", g))
				}
			}
		}(g)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent access did not finish")
	}
}
