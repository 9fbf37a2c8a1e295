package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Unix(0, 0).Add(d)
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(RegistryConfig{Now: clock.Now})
}

var testPolicy = resilience.CircuitPolicy{
	FailureThreshold:    3,
	Window:              60 * time.Second,
	HalfOpenAfter:       30 * time.Second,
	HalfOpenMaxAttempts: 1,
}

// tripped returns a breaker opened at t=0 by threshold failures.
func tripped(t *testing.T, service string) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	clock.Set(0)
	b := newTestRegistry(clock).Get(service, testPolicy)
	for i := 0; i < testPolicy.FailureThreshold; i++ {
		b.Record(false)
	}
	if st := b.Status().State; st != StateOpen {
		t.Fatalf("expected open after threshold failures, got %v", st)
	}
	return b, clock
}

func TestBreaker_OpensAtThresholdAndFailsFast(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	b := newTestRegistry(clock).Get("stripe", testPolicy)

	for _, at := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		clock.Set(at)
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow at %v: %v", at, err)
		}
		b.Record(false)
	}
	st := b.Status()
	if st.State != StateOpen {
		t.Fatalf("expected open, got %v", st.State)
	}
	if st.FailureCount != 3 {
		t.Fatalf("expected 3 failures, got %d", st.FailureCount)
	}
	if want := time.Unix(0, 0).Add(20 * time.Second); !st.OpenedAt.Equal(want) {
		t.Fatalf("expected opened at %v, got %v", want, st.OpenedAt)
	}

	clock.Set(49 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	clock.Set(50 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected a half-open trial, got %v", err)
	}
	if st := b.Status().State; st != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", st)
	}
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	b := newTestRegistry(clock).Get("sms", testPolicy)

	b.Record(false)
	b.Record(false)
	clock.Set(61 * time.Second)
	b.Record(false)
	st := b.Status()
	if st.State != StateClosed {
		t.Fatalf("expected closed, got %v", st.State)
	}
	if st.FailureCount != 1 {
		t.Fatalf("expected count restarted at 1, got %d", st.FailureCount)
	}
}

func TestBreaker_SuccessWhileClosedDoesNotClearWindow(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	b := newTestRegistry(clock).Get("sms", testPolicy)

	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)
	if st := b.Status().State; st != StateOpen {
		t.Fatalf("expected open, got %v", st)
	}
}

func TestBreaker_HalfOpenQuota(t *testing.T) {
	b, clock := tripped(t, "email")

	clock.Set(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected first trial admitted, got %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected second trial rejected, got %v", err)
	}

	b.Record(true)
	st := b.Status()
	if st.State != StateClosed {
		t.Fatalf("expected closed, got %v", st.State)
	}
	if st.FailureCount != 0 || st.HalfOpenAttempts != 0 {
		t.Fatalf("expected counters cleared, got failures=%d half_open=%d", st.FailureCount, st.HalfOpenAttempts)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed circuit to allow, got %v", err)
	}
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	b, clock := tripped(t, "portal")

	clock.Set(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	b.Record(false)

	st := b.Status()
	if st.State != StateOpen {
		t.Fatalf("expected reopened, got %v", st.State)
	}
	if want := time.Unix(0, 0).Add(30 * time.Second); !st.OpenedAt.Equal(want) {
		t.Fatalf("expected opened at %v, got %v", want, st.OpenedAt)
	}
	if !st.WindowStart.Equal(st.OpenedAt) {
		t.Fatalf("expected fresh window at %v, got %v", st.OpenedAt, st.WindowStart)
	}
	if st.FailureCount < testPolicy.FailureThreshold {
		t.Fatalf("expected failure count >= %d, got %d", testPolicy.FailureThreshold, st.FailureCount)
	}

	clock.Set(59 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	clock.Set(60 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected a new trial after the open period, got %v", err)
	}
}

func TestBreaker_ReleaseReturnsHalfOpenSlot(t *testing.T) {
	b, clock := tripped(t, "twilio")

	clock.Set(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	b.Release()

	st := b.Status()
	if st.State != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", st.State)
	}
	if st.HalfOpenAttempts != 0 {
		t.Fatalf("expected slot returned, got %d in use", st.HalfOpenAttempts)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected released slot to be reusable, got %v", err)
	}
	b.Record(true)
	if st := b.Status().State; st != StateClosed {
		t.Fatalf("expected closed, got %v", st)
	}
}

func TestBreaker_ReleaseOutsideHalfOpenIsNoop(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	b := newTestRegistry(clock).Get("sms", testPolicy)
	b.Release()
	if st := b.Status(); st.State != StateClosed || st.HalfOpenAttempts != 0 {
		t.Fatalf("expected untouched closed breaker, got %+v", st)
	}
}

func TestBreaker_StaleHalfOpenSlotReopens(t *testing.T) {
	b, clock := tripped(t, "twilio")

	clock.Set(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	// The admitted call never reports. Before the open period elapses
	// again the quota still holds.
	clock.Set(40 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected quota used, got %v", err)
	}

	clock.Set(61 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	st := b.Status()
	if st.State != StateOpen {
		t.Fatalf("expected stale slot to reopen the circuit, got %v", st.State)
	}
	if want := time.Unix(0, 0).Add(61 * time.Second); !st.OpenedAt.Equal(want) {
		t.Fatalf("expected opened at %v, got %v", want, st.OpenedAt)
	}

	clock.Set(91 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected a new trial, got %v", err)
	}
	b.Record(true)
	if st := b.Status().State; st != StateClosed {
		t.Fatalf("expected closed, got %v", st)
	}
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	var mu sync.Mutex
	transitions := 0
	r := NewRegistry(RegistryConfig{
		Now: clock.Now,
		OnChange: func(_ string, _, to State) {
			if to == StateOpen {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		},
	})
	b := r.Get("stripe", testPolicy)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Record(false)
		}()
	}
	wg.Wait()

	if transitions != 1 {
		t.Fatalf("expected exactly 1 open transition, got %d", transitions)
	}
	if st := b.Status().State; st != StateOpen {
		t.Fatalf("expected open, got %v", st)
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	r := newTestRegistry(clock)
	r.Get("twilio", testPolicy)
	r.Get("docusign", testPolicy)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(snap))
	}
	if snap[0].Service != "docusign" {
		t.Fatalf("expected docusign first, got %s", snap[0].Service)
	}

	if _, ok := r.Status("unknown"); ok {
		t.Fatal("expected no status for unknown service")
	}
}
