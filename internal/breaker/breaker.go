package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

// ErrCircuitOpen is returned by Allow when calls to a service must fail fast.
var ErrCircuitOpen = errors.New("circuit open")

// State is the circuit state of one external service.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time copy of a breaker's counters.
type Status struct {
	Service          string    `json:"service"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	WindowStart      time.Time `json:"window_start"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	HalfOpenAttempts int       `json:"half_open_attempts"`
}

// Breaker guards a single external service. All reads and writes of its
// counters happen under mu, so transitions are linearized per service.
type Breaker struct {
	mu       sync.Mutex
	service  string
	policy   resilience.CircuitPolicy
	status   Status
	// trialAt is when the last half-open slot was handed out.
	trialAt  time.Time
	now      func() time.Time
	onChange func(service string, from, to State)
}

func newBreaker(service string, policy resilience.CircuitPolicy, now func() time.Time, onChange func(string, State, State)) *Breaker {
	return &Breaker{
		service:  service,
		policy:   policy,
		status:   Status{Service: service, State: StateClosed, WindowStart: now()},
		now:      now,
		onChange: onChange,
	}
}

// Allow decides whether a call may be attempted now. An open circuit whose
// open period has elapsed moves to half-open and admits up to the half-open quota.
// Every nil return must be followed by exactly one Record or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.status.State {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.status.OpenedAt) < b.policy.HalfOpenAfter {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.service)
		}
		b.transition(StateHalfOpen)
		b.status.HalfOpenAttempts = 0
		fallthrough
	case StateHalfOpen:
		if b.status.HalfOpenAttempts >= b.policy.HalfOpenMaxAttempts {
			if b.status.HalfOpenAttempts > 0 && now.Sub(b.trialAt) >= b.policy.HalfOpenAfter {
				// The outstanding slot never reported back. Count it as a
				// failed trial so the circuit can cycle to half-open again.
				b.reopen(now)
			}
			return fmt.Errorf("%w: %s (half-open quota used)", ErrCircuitOpen, b.service)
		}
		b.status.HalfOpenAttempts++
		b.trialAt = now
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCircuitOpen, b.service)
}

// Record applies the outcome of an attempted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.status.State {
	case StateClosed:
		if success {
			return
		}
		if now.Sub(b.status.WindowStart) >= b.policy.Window {
			b.status.WindowStart = now
			b.status.FailureCount = 0
		}
		b.status.FailureCount++
		if b.status.FailureCount >= b.policy.FailureThreshold {
			b.status.OpenedAt = now
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if success {
			b.status.FailureCount = 0
			b.status.HalfOpenAttempts = 0
			b.status.OpenedAt = time.Time{}
			b.status.WindowStart = now
			b.transition(StateClosed)
			return
		}
		b.reopen(now)
	case StateOpen:
		// Late result from a call admitted before the circuit opened.
	}
}

// Release returns a slot taken by Allow when the call ended without an
// outcome, such as a caller cancellation. It is a no-op unless half-open.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.State == StateHalfOpen && b.status.HalfOpenAttempts > 0 {
		b.status.HalfOpenAttempts--
	}
}

// reopen moves a half-open circuit back to open with a fresh window. The
// count stays at or above the threshold so an open circuit always reflects
// it. It must be called with mu held.
func (b *Breaker) reopen(now time.Time) {
	b.status.OpenedAt = now
	b.status.WindowStart = now
	b.status.HalfOpenAttempts = 0
	if b.status.FailureCount < b.policy.FailureThreshold {
		b.status.FailureCount = b.policy.FailureThreshold
	}
	b.transition(StateOpen)
}

// Status returns a copy of the current counters.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.FailureCount = 0
	b.status.HalfOpenAttempts = 0
	b.status.OpenedAt = time.Time{}
	b.status.WindowStart = b.now()
	b.transition(StateClosed)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.status.State
	b.status.State = to
	if from != to && b.onChange != nil {
		b.onChange(b.service, from, to)
	}
}

// Registry owns one Breaker per service name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	now      func() time.Time
	logger   *zap.Logger
	onChange func(service string, from, to State)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger *zap.Logger
	Now    func() time.Time
	// OnChange is called under the breaker lock on every state transition.
	OnChange func(service string, from, to State)
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		breakers: make(map[string]*Breaker),
		now:      now,
		logger:   logger,
	}
	r.onChange = func(service string, from, to State) {
		r.logger.Warn("circuit state changed",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if cfg.OnChange != nil {
			cfg.OnChange(service, from, to)
		}
	}
	return r
}

// Get returns the breaker for service, creating it with policy on first use.
// The policy of an existing breaker is not replaced.
func (r *Registry) Get(service string, policy resilience.CircuitPolicy) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = newBreaker(service, policy, r.now, r.onChange)
	r.breakers[service] = b
	return b
}

// Status returns the status of service, if a breaker exists for it.
func (r *Registry) Status(service string) (Status, bool) {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return b.Status(), true
}

// Snapshot returns the status of every known service.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
