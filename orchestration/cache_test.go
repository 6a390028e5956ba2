package orchestration

import (
	"testing"
	"time"

	"github.com/fernridge/conductor/core"
)

func TestValidationCache_SetAndGet(t *testing.T) {
	cache := NewValidationCacheWithOptions(10, time.Hour, 100*time.Millisecond)
	defer cache.Stop()

	key := Key("proj-1", "files are created", []string{"package main"})
	result := CachedValidation{Satisfied: true, MatchQuality: core.MatchHigh}
	cache.Set(key, result)

	retrieved, found := cache.Get(key)
	if !found {
		t.Fatal("expected to find cached result")
	}
	if retrieved.MatchQuality != core.MatchHigh || !retrieved.Satisfied {
		t.Errorf("unexpected cached value: %+v", retrieved)
	}

	if _, found := cache.Get("validation_cache:other:x:y"); found {
		t.Error("expected cache miss for unknown key")
	}
}

func TestValidationCache_Expiration(t *testing.T) {
	cache := NewValidationCacheWithOptions(10, 50*time.Millisecond, time.Hour)
	defer cache.Stop()

	key := Key("proj-1", "criterion", []string{"a"})
	cache.Set(key, CachedValidation{Satisfied: true, MatchQuality: core.MatchExact})

	time.Sleep(100 * time.Millisecond)

	if _, found := cache.Get(key); found {
		t.Error("expected cache entry to expire")
	}
}

func TestValidationCache_Clear(t *testing.T) {
	cache := NewValidationCacheWithOptions(10, time.Hour, time.Hour)
	defer cache.Stop()

	key := Key("proj-1", "criterion", []string{"a"})
	cache.Set(key, CachedValidation{Satisfied: true})
	cache.Clear()

	if _, found := cache.Get(key); found {
		t.Error("expected cache to be empty after Clear")
	}
	if stats := cache.Stats(); stats.Size != 0 {
		t.Errorf("expected size 0 after clear, got %d", stats.Size)
	}
}

func TestValidationCache_MaxSizeEviction(t *testing.T) {
	cache := NewValidationCacheWithOptions(2, time.Hour, time.Hour)
	defer cache.Stop()

	cache.Set(Key("p", "c1", nil), CachedValidation{Satisfied: true})
	cache.Set(Key("p", "c2", nil), CachedValidation{Satisfied: true})
	cache.Set(Key("p", "c3", nil), CachedValidation{Satisfied: true})

	if stats := cache.Stats(); stats.Size > 2 {
		t.Errorf("expected size <= 2, got %d", stats.Size)
	}
	if _, found := cache.Get(Key("p", "c3", nil)); !found {
		t.Error("expected newest entry to be present")
	}
}

func TestValidationCache_HitRate(t *testing.T) {
	cache := NewValidationCache()
	defer cache.Stop()

	key := Key("p", "c", []string{"content"})
	cache.Set(key, CachedValidation{Satisfied: true})

	cache.Get(key)       // hit
	cache.Get(key)       // hit
	cache.Get("missing") // miss
	cache.Get(key)       // hit

	stats := cache.Stats()
	if stats.Hits != 3 {
		t.Errorf("expected 3 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.HitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %f", stats.HitRate)
	}
}

func TestKey_OrderIndependentOfFileContentOrder(t *testing.T) {
	a := Key("p", "criterion", []string{"x", "y"})
	b := Key("p", "criterion", []string{"y", "x"})
	if a != b {
		t.Error("expected key to be independent of file content slice order")
	}
}

func TestKey_DiffersByProjectOrCriterion(t *testing.T) {
	base := Key("p1", "criterion", []string{"x"})
	if base == Key("p2", "criterion", []string{"x"}) {
		t.Error("expected different project_id to produce a different key")
	}
	if base == Key("p1", "other criterion", []string{"x"}) {
		t.Error("expected different criterion to produce a different key")
	}
}

func BenchmarkValidationCache_Get(b *testing.B) {
	cache := NewValidationCache()
	defer cache.Stop()

	key := Key("p", "criterion", []string{"content"})
	cache.Set(key, CachedValidation{Satisfied: true})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			cache.Get(key)
		}
	})
}
