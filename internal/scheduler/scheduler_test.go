package scheduler

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

const testTasks = `
tasks:
  - name: morning_digest
    cron: "0 7 * * *"
    min_maturity: 2
    default_level: notify
    calls:
      - {tool: get_rent_roll}
      - {tool: send_digest, params: {channel: email}}
  - name: lease_expiry_check
    event: lease.expiring
    default_level: suggest
    calls:
      - {tool: draft_renewal}
`

type stubSubmitter struct {
	mu       sync.Mutex
	requests []engine.Request
	respond  func(engine.Request) (*engine.Outcome, error)
}

func (s *stubSubmitter) Submit(_ context.Context, req engine.Request) (*engine.Outcome, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(req)
	}
	return &engine.Outcome{
		Status: engine.OutcomeExecuted,
		Result: &executor.Result{Status: executor.StatusSucceeded},
	}, nil
}

func newTestScheduler(t *testing.T, sub *stubSubmitter) *Scheduler {
	t.Helper()
	tasks, err := Parse([]byte(testTasks))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dir := owners.NewMemoryDirectory(
		&owners.Owner{ID: "new", Maturity: 0},
		&owners.Owner{ID: "seasoned", Maturity: 3},
		&owners.Owner{ID: "steady", Maturity: 2},
	)
	return New(Config{
		Tasks:   tasks,
		Submit:  sub,
		Owners:  dir,
		Workers: 2,
		Now:     func() time.Time { return time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC) },
	})
}

func TestParse_Tasks(t *testing.T) {
	tasks, err := Parse([]byte(testTasks))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n := len(tasks.All()); n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}
	if lvl := tasks.All()[0].DefaultLevel; lvl != catalog.LevelNotify {
		t.Fatalf("expected notify, got %v", lvl)
	}

	err = tasks.CheckTools(func(name string) bool { return name != "draft_renewal" })
	if err == nil || !strings.Contains(err.Error(), "draft_renewal") {
		t.Fatalf("expected error naming draft_renewal, got %v", err)
	}

	for name, doc := range map[string]string{
		"no trigger":   "tasks:\n  - {name: x, calls: [{tool: a}]}\n",
		"both":         "tasks:\n  - {name: x, cron: '@daily', event: e, calls: [{tool: a}]}\n",
		"bad cron":     "tasks:\n  - {name: x, cron: 'every day', calls: [{tool: a}]}\n",
		"no calls":     "tasks:\n  - {name: x, event: e}\n",
		"bad level":    "tasks:\n  - {name: x, event: e, default_level: reckless, calls: [{tool: a}]}\n",
		"duplicate":    "tasks:\n  - {name: x, event: e, calls: [{tool: a}]}\n  - {name: x, event: f, calls: [{tool: a}]}\n",
		"missing tool": "tasks:\n  - {name: x, event: e, calls: [{params: {a: 1}}]}\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestFire_CronRespectsMaturityAndCapsAutonomy(t *testing.T) {
	sub := &stubSubmitter{}
	s := newTestScheduler(t, sub)

	runs, err := s.Fire(context.Background(), Trigger{Kind: TriggerCron, Name: "morning_digest"})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].OwnerID != "seasoned" || runs[1].OwnerID != "steady" {
		t.Fatalf("expected seasoned then steady, got %s, %s", runs[0].OwnerID, runs[1].OwnerID)
	}
	if runs[0].Executed != 2 {
		t.Fatalf("expected 2 executed, got %d", runs[0].Executed)
	}

	if len(sub.requests) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(sub.requests))
	}
	for _, req := range sub.requests {
		if req.OwnerID == "new" {
			t.Fatal("owner below min maturity must be skipped")
		}
		if req.Source != executor.SourceScheduled {
			t.Fatalf("expected scheduled source, got %v", req.Source)
		}
		if req.LevelCap == nil || *req.LevelCap != catalog.LevelNotify {
			t.Fatalf("expected level cap notify, got %v", req.LevelCap)
		}
		if req.Fingerprint != "task:morning_digest" {
			t.Fatalf("unexpected fingerprint %q", req.Fingerprint)
		}
	}
}

func TestFire_UnknownTriggerIsNoop(t *testing.T) {
	sub := &stubSubmitter{}
	s := newTestScheduler(t, sub)
	runs, err := s.Fire(context.Background(), Trigger{Kind: TriggerCron, Name: "lease_expiry_check"})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(runs) != 0 || len(sub.requests) != 0 {
		t.Fatalf("event tasks are not fired by cron, got %d runs", len(runs))
	}
}

func TestFire_EventPassesPayload(t *testing.T) {
	sub := &stubSubmitter{}
	s := newTestScheduler(t, sub)
	payload := map[string]any{"lease_id": "L-1"}
	runs, err := s.Fire(context.Background(), Trigger{Kind: TriggerEvent, Name: "lease.expiring", Payload: payload})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for _, req := range sub.requests {
		if !reflect.DeepEqual(req.Input["event"], payload) {
			t.Fatalf("expected payload %v, got %v", payload, req.Input["event"])
		}
		if *req.LevelCap != catalog.LevelSuggest {
			t.Fatalf("expected level cap suggest, got %v", *req.LevelCap)
		}
	}
}

func TestFire_OwnerScopedTrigger(t *testing.T) {
	sub := &stubSubmitter{}
	s := newTestScheduler(t, sub)
	runs, err := s.Fire(context.Background(), Trigger{Kind: TriggerEvent, Name: "lease.expiring", OwnerID: "steady"})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(runs) != 1 || runs[0].OwnerID != "steady" {
		t.Fatalf("expected a single run for steady, got %+v", runs)
	}
	if len(sub.requests) != 1 || sub.requests[0].OwnerID != "steady" {
		t.Fatalf("expected a single request for steady, got %+v", sub.requests)
	}
}

func TestFire_IsolatesOwnerFailures(t *testing.T) {
	sub := &stubSubmitter{respond: func(req engine.Request) (*engine.Outcome, error) {
		switch {
		case req.OwnerID == "seasoned" && req.Tool == "get_rent_roll":
			return nil, errors.New("owner suspended")
		case req.OwnerID == "seasoned":
			return &engine.Outcome{Status: engine.OutcomePendingApproval}, nil
		}
		return &engine.Outcome{
			Status: engine.OutcomeExecuted,
			Result: &executor.Result{
				Status:   executor.StatusFailed,
				Err:      resilience.New(resilience.CategoryPermanentSystem, "smtp down"),
				Category: resilience.CategoryPermanentSystem,
			},
		}, nil
	}}
	s := newTestScheduler(t, sub)

	runs, err := s.Fire(context.Background(), Trigger{Kind: TriggerCron, Name: "morning_digest"})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	seasoned, steady := runs[0], runs[1]
	if seasoned.Failed != 1 || seasoned.Pending != 1 {
		t.Fatalf("expected 1 failed and 1 pending for seasoned, got %+v", seasoned)
	}
	if !strings.Contains(seasoned.Errors[0], "owner suspended") {
		t.Fatalf("unexpected error %q", seasoned.Errors[0])
	}
	if steady.Failed != 2 {
		t.Fatalf("expected 2 failed for steady, got %d", steady.Failed)
	}
	if !strings.Contains(steady.Errors[1], "smtp down") {
		t.Fatalf("unexpected error %q", steady.Errors[1])
	}

	latest := s.Runs()
	if len(latest) != 2 || latest[0].Task != "morning_digest" {
		t.Fatalf("expected 2 recorded morning_digest runs, got %+v", latest)
	}
}

func TestDecodeEvent(t *testing.T) {
	trig, err := decodeEvent([]byte(`{"event":"lease.expiring","payload":{"lease_id":"L-1"}}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if trig.Kind != TriggerEvent || trig.Name != "lease.expiring" || trig.Payload["lease_id"] != "L-1" {
		t.Fatalf("unexpected trigger %+v", trig)
	}

	for _, raw := range []string{`{"payload":{}}`, `not json`} {
		if _, err := decodeEvent([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestCronDriver_RegistersTasks(t *testing.T) {
	s := newTestScheduler(t, &stubSubmitter{})
	d, err := NewCronDriver(s, time.FixedZone("AEST", 10*60*60), nil)
	if err != nil {
		t.Fatalf("NewCronDriver: %v", err)
	}
	if n := len(d.cron.Entries()); n != 1 {
		t.Fatalf("expected 1 cron entry, got %d", n)
	}

	if err := d.Every("@every 1m", "resume_due", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if n := len(d.cron.Entries()); n != 2 {
		t.Fatalf("expected 2 cron entries, got %d", n)
	}
	if err := d.Every("not a spec", "bad", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}
