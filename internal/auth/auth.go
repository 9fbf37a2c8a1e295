// Package auth authenticates owners by API key for the HTTP and gRPC
// surfaces.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every owner API key.
const KeyPrefix = "own_"

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidAPIKey is returned when a key is well formed but unknown or wrong.
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrAuthUnavailable is returned when the key store cannot be reached.
	ErrAuthUnavailable = errors.New("authentication unavailable")
)

// Principal is the authenticated caller.
type Principal struct {
	OwnerID string
}

// Authenticator validates an API key and returns the owner it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by the auth middleware.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// TokenFromMetadata extracts an own_ API key from gRPC metadata.
func TokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	return parseBearer(values[0])
}

// TokenFromRequest extracts an own_ API key from the Authorization header.
func TokenFromRequest(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrUnauthenticated
	}
	return parseBearer(h)
}

func parseBearer(value string) (string, error) {
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		value = value[7:]
	}
	token := strings.TrimSpace(value)
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < 12 {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// GenerateAPIKey creates a new own_ API key with its bcrypt hash and lookup
// prefix. The full key is shown to the owner once.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(raw)
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return key, string(h), key[:prefixLen], nil
}
