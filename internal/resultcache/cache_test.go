package resultcache

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCache_FreshHit(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0)}
	c := New(time.Hour, clock.now)
	digest := InputDigest(map[string]any{"property_id": "p-1"})
	c.Set("get_rent_roll", digest, json.RawMessage(`{"total":1200}`))

	result := c.Get("get_rent_roll", digest, 10*time.Minute)
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if string(result.Data) != `{"total":1200}` {
		t.Fatalf("unexpected data %s", result.Data)
	}
}

func TestCache_Miss(t *testing.T) {
	c := New(time.Hour, nil)
	result := c.Get("get_rent_roll", "nope", time.Minute)
	if result.Hit {
		t.Fatal("expected miss")
	}
	if result.Data != nil {
		t.Fatal("expected nil data on miss")
	}
}

func TestCache_OlderThanMaxAgeIsMiss(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0)}
	c := New(time.Hour, clock.now)
	c.Set("get_listing", "d", json.RawMessage(`1`))

	clock.advance(16 * time.Minute)
	result := c.Get("get_listing", "d", 15*time.Minute)
	if result.Hit {
		t.Fatal("expected miss beyond max age")
	}
	if result.Age != 16*time.Minute {
		t.Fatalf("expected age to be reported, got %s", result.Age)
	}
	if !c.Get("get_listing", "d", 20*time.Minute).Hit {
		t.Fatal("expected hit with a wider max age")
	}
}

func TestCache_TTLEvicts(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0)}
	c := New(time.Minute, clock.now)
	c.Set("a", "d", json.RawMessage(`1`))
	c.Set("b", "d", json.RawMessage(`2`))

	clock.advance(2 * time.Minute)
	if c.Get("a", "d", 0).Hit {
		t.Fatal("expected TTL eviction")
	}
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected sweep to remove 1 remaining entry, got %d", n)
	}
}

func TestCache_SetRefreshesTimestamp(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0)}
	c := New(time.Hour, clock.now)
	c.Set("a", "d", json.RawMessage(`1`))
	clock.advance(30 * time.Minute)
	c.Set("a", "d", json.RawMessage(`2`))

	result := c.Get("a", "d", time.Minute)
	if !result.Hit || string(result.Data) != "2" {
		t.Fatalf("expected refreshed value, got %+v", result)
	}
}

func TestCache_Delete(t *testing.T) {
	c := New(time.Hour, nil)
	c.Set("a", "d", json.RawMessage(`1`))
	c.Delete("a", "d")
	if c.Get("a", "d", 0).Hit {
		t.Fatal("expected miss after delete")
	}
}

func TestInputDigest_KeyOrderIndependent(t *testing.T) {
	a := InputDigest(map[string]any{"x": 1, "y": "z"})
	b := InputDigest(map[string]any{"y": "z", "x": 1})
	if a != b {
		t.Fatal("expected identical digests")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(time.Hour, nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Set("tool", "d", json.RawMessage(`1`))
			c.Get("tool", "d", time.Minute)
			c.Delete("tool", "d")
		}()
	}
	wg.Wait()
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	c := New(time.Hour, nil)
	c.Set("get_property", "d", json.RawMessage(`{}`))

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.Get("get_property", "d", time.Minute)
	}
}
