package idempotency

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func mustKey(t *testing.T, tool string, fields []string, input map[string]any) string {
	t.Helper()
	k, err := Key(tool, fields, input)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	return k
}

func TestKey_CanonicalOrdering(t *testing.T) {
	fields := []string{"invoice_id", "amount"}
	a := mustKey(t, "pay_invoice", fields, map[string]any{"amount": 120.5, "invoice_id": "inv-1", "memo": "x"})
	b := mustKey(t, "pay_invoice", []string{"amount", "invoice_id"}, map[string]any{"invoice_id": "inv-1", "amount": 120.5, "memo": "y"})
	if a != b {
		t.Fatalf("field order and non-key fields must not change the key: %s vs %s", a, b)
	}

	c := mustKey(t, "pay_invoice", fields, map[string]any{"amount": 121, "invoice_id": "inv-1"})
	if a == c {
		t.Fatal("expected a different key for a different amount")
	}

	d := mustKey(t, "refund_invoice", fields, map[string]any{"amount": 120.5, "invoice_id": "inv-1"})
	if a == d {
		t.Fatal("tool name is part of the key")
	}
}

func TestKey_MissingFieldIsNull(t *testing.T) {
	a := mustKey(t, "t", []string{"a", "b"}, map[string]any{"a": 1})
	b := mustKey(t, "t", []string{"a", "b"}, map[string]any{"a": 1, "b": nil})
	if a != b {
		t.Fatalf("expected missing and null to match: %s vs %s", a, b)
	}
}

func TestKey_NestedObjectsCanonical(t *testing.T) {
	a := mustKey(t, "t", []string{"addr"}, map[string]any{"addr": map[string]any{"x": 1, "y": 2}})
	b := mustKey(t, "t", []string{"addr"}, map[string]any{"addr": map[string]any{"y": 2, "x": 1}})
	if a != b {
		t.Fatalf("expected nested key order not to matter: %s vs %s", a, b)
	}
}

func TestMemoryStore_PutIfAbsentAndExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	first := &Record{Key: "k", Result: json.RawMessage(`{"receipt":"r-1"}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	stored, created, err := s.PutIfAbsent(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if !created || stored != first {
		t.Fatalf("expected first record stored, created=%v", created)
	}

	second := &Record{Key: "k", Result: json.RawMessage(`{"receipt":"r-2"}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	stored, created, err = s.PutIfAbsent(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected existing record to win")
	}
	if string(stored.Result) != `{"receipt":"r-1"}` {
		t.Fatalf("expected first result, got %s", stored.Result)
	}

	now = now.Add(time.Hour)
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expired records are not returned, got %+v", got)
	}

	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept record, got %d", n)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}

func TestMemoryStore_ConcurrentPutOneWinner(t *testing.T) {
	s := NewMemoryStore(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &Record{Key: "same", Result: json.RawMessage(`1`), ExpiresAt: time.Now().Add(time.Minute)}
			if _, created, _ := s.PutIfAbsent(context.Background(), rec); created {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", n)
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	s := newRedisStoreWithClient(client, "agent_engine_test:"+uuid.NewString()+":")
	ctx := context.Background()

	rec := &Record{Key: "k", Tool: "pay_invoice", Result: json.RawMessage(`{"ok":true}`), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	_, created, err := s.PutIfAbsent(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first put to create")
	}

	dup := &Record{Key: "k", Tool: "pay_invoice", Result: json.RawMessage(`{"ok":false}`), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	stored, created, err := s.PutIfAbsent(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected duplicate put to keep the first record")
	}
	if string(stored.Result) != `{"ok":true}` {
		t.Fatalf("expected first result, got %s", stored.Result)
	}
}
