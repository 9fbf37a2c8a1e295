package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

func TestPreview(t *testing.T) {
	def := &catalog.ToolDefinition{
		Name:        "send_breach_notice",
		Description: "Send a formal breach notice to the tenant.",
	}
	title, preview := Preview(def, map[string]any{"tenant_id": "t-9", "days": 14}, "high risk tools need your sign-off")
	if title != "Send breach notice" {
		t.Fatalf("unexpected title %q", title)
	}
	want := "Send a formal breach notice to the tenant with days=14, tenant_id=t-9. Approval is needed because high risk tools need your sign-off. This cannot be undone."
	if preview != want {
		t.Fatalf("unexpected preview:\n got %q\nwant %q", preview, want)
	}
}

func TestPreview_ReversibleNoDescription(t *testing.T) {
	_, preview := Preview(&catalog.ToolDefinition{Name: "draft_listing", Reversible: true}, nil, "")
	if preview != "Run draft listing." {
		t.Fatalf("unexpected preview %q", preview)
	}
}

func TestPreview_TruncatesLongValues(t *testing.T) {
	_, preview := Preview(&catalog.ToolDefinition{Name: "x", Reversible: true}, map[string]any{"body": strings.Repeat("a", 200)}, "")
	if !strings.Contains(preview, "...") || len(preview) > 120 {
		t.Fatalf("expected truncated preview, got %q", preview)
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	p := &PendingAction{ID: "pa-1", OwnerID: "o-1", Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListPending(ctx, "o-1")
	if len(list) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(list))
	}

	got, err := s.Resolve(ctx, "pa-1", Resolution{Status: StatusModified, ModifiedInput: map[string]any{"amount": 10}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusModified || got.DecidedAt == nil || got.ModifiedInput["amount"] != 10 {
		t.Fatalf("unexpected resolution %+v", got)
	}

	if _, err := s.Resolve(ctx, "pa-1", Resolution{Status: StatusApproved}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	_ = s.Create(ctx, &PendingAction{ID: "pa-1", OwnerID: "o-1", Status: StatusPending, ExpiresAt: now.Add(time.Minute)})

	now = now.Add(2 * time.Minute)
	got, _ := s.Get(ctx, "pa-1")
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if list, _ := s.ListPending(ctx, "o-1"); len(list) != 0 {
		t.Fatalf("expired action must not be listed, got %d", len(list))
	}
	if _, err := s.Resolve(ctx, "pa-1", Resolution{Status: StatusApproved}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestMemoryStore_ConcurrentResolveOneWinner(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_ = s.Create(ctx, &PendingAction{ID: "pa-1", Status: StatusPending, ExpiresAt: time.Now().Add(time.Hour)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Resolve(ctx, "pa-1", Resolution{Status: StatusApproved}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
