package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	t.Parallel()

	c := NewMemory(0)
	c.Set("quote:AAPL", 189.43, time.Minute)

	val, found := c.Get("quote:AAPL")
	if !found {
		t.Fatal("expected value to be found")
	}
	if val != 189.43 {
		t.Errorf("expected 189.43, got %v", val)
	}

	stats := c.Stats()
	if stats.Sets != 1 {
		t.Errorf("Sets = %d, want 1", stats.Sets)
	}
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.CurrentSize != 1 {
		t.Errorf("CurrentSize = %d, want 1", stats.CurrentSize)
	}
}

func TestMemoryCache_GetMissing(t *testing.T) {
	t.Parallel()

	c := NewMemory(0)
	if _, found := c.Get("absent"); found {
		t.Error("expected miss for absent key")
	}
	if got := c.Stats().Misses; got != 1 {
		t.Errorf("Misses = %d, want 1", got)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	t.Parallel()

	c := NewMemory(0)
	c.Set("ttl", "v", 10*time.Millisecond)

	if _, found := c.Get("ttl"); !found {
		t.Fatal("expected fresh value to be found")
	}

	time.Sleep(20 * time.Millisecond)

	if _, found := c.Get("ttl"); found {
		t.Error("expected expired value to be missing")
	}
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	t.Parallel()

	c := NewMemory(0)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	if _, found := c.Get("a"); found {
		t.Error("expected deleted key to be missing")
	}

	c.Clear()
	if _, found := c.Get("b"); found {
		t.Error("expected cleared key to be missing")
	}
	if got := c.Stats().CurrentSize; got != 0 {
		t.Errorf("CurrentSize = %d, want 0", got)
	}
}

func TestMemoryCache_JanitorEvicts(t *testing.T) {
	t.Parallel()

	c := NewMemory(10 * time.Millisecond)
	mc := c.(*memoryCache)
	defer mc.Stop()

	c.Set("short", "v", 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Evictions >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := c.Stats()
	if stats.Evictions < 1 {
		t.Errorf("Evictions = %d, want >= 1", stats.Evictions)
	}
	if stats.CurrentSize != 0 {
		t.Errorf("CurrentSize = %d, want 0 after eviction", stats.CurrentSize)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := NewMemory(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%10)
				c.Set(key, n, time.Minute)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if got := c.Stats().CurrentSize; got != 10 {
		t.Errorf("CurrentSize = %d, want 10", got)
	}
}

func TestMemoryCache_StopIdempotent(t *testing.T) {
	t.Parallel()

	c := NewMemory(time.Minute).(*memoryCache)
	c.Stop()
	c.Stop()
}
