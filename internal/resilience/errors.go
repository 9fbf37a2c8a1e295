package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory classifies a tool-call failure. Recovery behaviour is decided by
// category, never by the concrete error type.
type ErrorCategory int

const (
	CategoryTransient ErrorCategory = iota
	CategoryDegraded
	CategoryPermanentSystem
	CategoryPermanentLogic
	CategoryUserActionRequired
	CategorySafetyHalt
)

var categoryNames = [...]string{
	CategoryTransient:          "transient",
	CategoryDegraded:           "degraded",
	CategoryPermanentSystem:    "permanent_system",
	CategoryPermanentLogic:     "permanent_logic",
	CategoryUserActionRequired: "user_action_required",
	CategorySafetyHalt:         "safety_halt",
}

func (c ErrorCategory) Valid() bool {
	return c >= CategoryTransient && c <= CategorySafetyHalt
}

func (c ErrorCategory) String() string {
	if !c.Valid() {
		return fmt.Sprintf("ErrorCategory(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseErrorCategory resolves a category name. Unknown names are an error.
func ParseErrorCategory(s string) (ErrorCategory, error) {
	for i, name := range categoryNames {
		if name == s {
			return ErrorCategory(i), nil
		}
	}
	return 0, fmt.Errorf("unknown error category %q", s)
}

func (c ErrorCategory) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid error category %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *ErrorCategory) UnmarshalText(b []byte) error {
	v, err := ParseErrorCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// CanRetry reports whether a category may ever be retried. A policy can narrow
// this set but never widen it.
func (c ErrorCategory) CanRetry() bool {
	switch c {
	case CategoryTransient, CategoryDegraded:
		return true
	case CategoryPermanentSystem, CategoryPermanentLogic, CategoryUserActionRequired, CategorySafetyHalt:
		return false
	}
	return false
}

// AllowsFallback reports whether local recovery (fallback strategies) applies.
// PermanentLogic, UserActionRequired and SafetyHalt surface to the caller unmodified.
func (c ErrorCategory) AllowsFallback() bool {
	switch c {
	case CategoryTransient, CategoryDegraded, CategoryPermanentSystem:
		return true
	case CategoryPermanentLogic, CategoryUserActionRequired, CategorySafetyHalt:
		return false
	}
	return false
}

// Error is a classified tool-call failure.
type Error struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

// New creates a classified error.
func New(category ErrorCategory, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(category ErrorCategory, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an existing error.
func Wrap(category ErrorCategory, cause error, message string) *Error {
	return &Error{Category: category, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		if e.Message == "" {
			return fmt.Sprintf("[%s] %v", e.Category, e.Cause)
		}
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error of the same category, so callers can write
// errors.Is(err, resilience.New(resilience.CategorySafetyHalt, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Category == t.Category
}

// CategoryOf returns the category attached to err, if any.
func CategoryOf(err error) (ErrorCategory, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return 0, false
}

var (
	transientMarkers = []string{
		"timeout", "timed out", "temporarily", "try again", "connection reset",
		"connection refused", "rate limit", "too many requests", "econnreset",
		"status 429", "status 502", "status 503", "status 504", "unavailable",
	}
	degradedMarkers = []string{"degraded", "partial response", "stale"}
	userMarkers     = []string{"approval required", "requires approval", "requires confirmation", "owner consent"}
	logicMarkers    = []string{
		"invalid", "validation", "not found", "missing required", "bad request",
		"status 400", "status 404", "status 409", "status 422", "conflict", "unsupported",
	}
)

// Classify maps an arbitrary handler error onto an ErrorCategory. Errors that
// already carry a category keep it; otherwise context/network errors and well
// known message fragments decide, and anything unrecognised is PermanentSystem.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryPermanentSystem
	}
	if c, ok := CategoryOf(err); ok {
		return c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, userMarkers):
		return CategoryUserActionRequired
	case containsAny(msg, transientMarkers):
		return CategoryTransient
	case containsAny(msg, degradedMarkers):
		return CategoryDegraded
	case containsAny(msg, logicMarkers):
		return CategoryPermanentLogic
	}
	return CategoryPermanentSystem
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
