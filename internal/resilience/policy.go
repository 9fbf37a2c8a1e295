package resilience

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// TimeoutTier selects the deadline a tool call races against.
type TimeoutTier int

const (
	TierFast TimeoutTier = iota
	TierStandard
	TierExtended
	TierLong
	TierWorkflow
)

var tierNames = [...]string{
	TierFast:     "fast",
	TierStandard: "standard",
	TierExtended: "extended",
	TierLong:     "long",
	TierWorkflow: "workflow",
}

func (t TimeoutTier) Valid() bool { return t >= TierFast && t <= TierWorkflow }

func (t TimeoutTier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("TimeoutTier(%d)", int(t))
	}
	return tierNames[t]
}

// Duration returns the deadline for the tier.
func (t TimeoutTier) Duration() time.Duration {
	switch t {
	case TierFast:
		return 5 * time.Second
	case TierStandard:
		return 10 * time.Second
	case TierExtended:
		return 30 * time.Second
	case TierLong:
		return 60 * time.Second
	case TierWorkflow:
		return 120 * time.Second
	}
	return 10 * time.Second
}

func ParseTimeoutTier(s string) (TimeoutTier, error) {
	for i, name := range tierNames {
		if name == s {
			return TimeoutTier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown timeout tier %q", s)
}

func (t TimeoutTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeoutTier) UnmarshalText(b []byte) error {
	v, err := ParseTimeoutTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// FallbackStrategy is applied once retries are exhausted or the failure is not retryable.
type FallbackStrategy int

const (
	FallbackNone FallbackStrategy = iota
	FallbackCache
	FallbackQueue
	FallbackAlternative
	FallbackEscalate
	FallbackSkip
)

var fallbackNames = [...]string{
	FallbackNone:        "none",
	FallbackCache:       "cache",
	FallbackQueue:       "queue",
	FallbackAlternative: "alternative",
	FallbackEscalate:    "escalate",
	FallbackSkip:        "skip",
}

func (f FallbackStrategy) Valid() bool { return f >= FallbackNone && f <= FallbackSkip }

func (f FallbackStrategy) String() string {
	if !f.Valid() {
		return fmt.Sprintf("FallbackStrategy(%d)", int(f))
	}
	return fallbackNames[f]
}

func ParseFallbackStrategy(s string) (FallbackStrategy, error) {
	for i, name := range fallbackNames {
		if name == s {
			return FallbackStrategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fallback strategy %q", s)
}

func (f FallbackStrategy) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FallbackStrategy) UnmarshalText(b []byte) error {
	v, err := ParseFallbackStrategy(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// RetryPolicy controls retry-with-backoff.
type RetryPolicy struct {
	MaxAttempts int             `yaml:"max_attempts"`
	BaseDelay   time.Duration   `yaml:"base_delay"`
	Multiplier  float64         `yaml:"multiplier"`
	MaxDelay    time.Duration   `yaml:"max_delay"`
	Jitter      time.Duration   `yaml:"jitter"`
	Retryable   []ErrorCategory `yaml:"retryable"`
}

// Backoff returns the delay before retry number attempt (0-based):
// min(base * multiplier^attempt, maxDelay) plus up to Jitter of random delay.
func (r RetryPolicy) Backoff(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(r.BaseDelay) * math.Pow(mult, float64(attempt))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	d := time.Duration(delay)
	if r.Jitter > 0 {
		if rnd != nil {
			d += time.Duration(rnd.Int64N(int64(r.Jitter)))
		} else {
			d += time.Duration(rand.Int64N(int64(r.Jitter)))
		}
	}
	return d
}

// CircuitPolicy configures the per-service circuit breaker.
type CircuitPolicy struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	Window              time.Duration `yaml:"window"`
	HalfOpenAfter       time.Duration `yaml:"half_open_after"`
	HalfOpenMaxAttempts int           `yaml:"half_open_max_attempts"`
}

// IdempotencyPolicy marks a tool as requiring de-duplication on KeyFields.
type IdempotencyPolicy struct {
	Required  bool          `yaml:"required"`
	KeyFields []string      `yaml:"key_fields"`
	TTL       time.Duration `yaml:"ttl"`
}

// FallbackPolicy configures what happens after retries are exhausted.
type FallbackPolicy struct {
	Strategy        FallbackStrategy `yaml:"strategy"`
	CacheMaxAge     time.Duration    `yaml:"cache_max_age"`
	AlternativeTool string           `yaml:"alternative_tool"`
}

// Policy is the complete resilience profile referenced by a tool definition.
type Policy struct {
	Name        string            `yaml:"name"`
	Timeout     TimeoutTier       `yaml:"timeout"`
	Retry       RetryPolicy       `yaml:"retry"`
	Circuit     *CircuitPolicy    `yaml:"circuit"`
	Idempotency IdempotencyPolicy `yaml:"idempotency"`
	Fallback    FallbackPolicy    `yaml:"fallback"`
}

// Retryable reports whether failures of category c are retried under this policy.
func (p Policy) Retryable(c ErrorCategory) bool {
	if !c.CanRetry() {
		return false
	}
	for _, r := range p.Retry.Retryable {
		if r == c {
			return true
		}
	}
	return false
}

// DefaultPolicy is used for tools that reference no policy.
func DefaultPolicy() Policy {
	return Policy{
		Name:    "default",
		Timeout: TierStandard,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    10 * time.Second,
			Jitter:      250 * time.Millisecond,
			Retryable:   []ErrorCategory{CategoryTransient, CategoryDegraded},
		},
		Idempotency: IdempotencyPolicy{TTL: 24 * time.Hour},
		Fallback:    FallbackPolicy{Strategy: FallbackNone},
	}
}

// DefaultCircuitPolicy is applied to external-service tools whose policy has no circuit block.
func DefaultCircuitPolicy() CircuitPolicy {
	return CircuitPolicy{
		FailureThreshold:    5,
		Window:              60 * time.Second,
		HalfOpenAfter:       30 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// Validate checks internal consistency of a policy.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if !p.Timeout.Valid() {
		return fmt.Errorf("policy %s: invalid timeout tier", p.Name)
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("policy %s: retry.max_attempts must be >= 1", p.Name)
	}
	if p.Retry.Multiplier != 0 && p.Retry.Multiplier < 1 {
		return fmt.Errorf("policy %s: retry.multiplier must be >= 1", p.Name)
	}
	for _, c := range p.Retry.Retryable {
		if !c.CanRetry() {
			return fmt.Errorf("policy %s: category %s can never be retried", p.Name, c)
		}
	}
	if p.Circuit != nil {
		if p.Circuit.FailureThreshold < 1 || p.Circuit.Window <= 0 || p.Circuit.HalfOpenAfter <= 0 {
			return fmt.Errorf("policy %s: circuit requires failure_threshold, window and half_open_after", p.Name)
		}
		if p.Circuit.HalfOpenMaxAttempts < 1 {
			return fmt.Errorf("policy %s: circuit.half_open_max_attempts must be >= 1", p.Name)
		}
	}
	if p.Idempotency.Required {
		if len(p.Idempotency.KeyFields) == 0 {
			return fmt.Errorf("policy %s: idempotency.key_fields required", p.Name)
		}
		if p.Idempotency.TTL <= 0 {
			return fmt.Errorf("policy %s: idempotency.ttl required", p.Name)
		}
	}
	switch p.Fallback.Strategy {
	case FallbackAlternative:
		if p.Fallback.AlternativeTool == "" {
			return fmt.Errorf("policy %s: fallback alternative_tool required", p.Name)
		}
	case FallbackCache:
		if p.Fallback.CacheMaxAge <= 0 {
			return fmt.Errorf("policy %s: fallback cache_max_age required", p.Name)
		}
	case FallbackNone, FallbackQueue, FallbackEscalate, FallbackSkip:
	default:
		return fmt.Errorf("policy %s: invalid fallback strategy", p.Name)
	}
	return nil
}
