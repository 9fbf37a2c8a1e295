package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticAuthenticator is a development-only authenticator backed by a fixed
// key-to-owner map.
type StaticAuthenticator struct {
	keys map[string]string
}

func NewStaticAuthenticator(keys map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

// ParseStaticKeys parses "own_key=owner,own_other=owner2".
func ParseStaticKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, owner, ok := strings.Cut(pair, "=")
		if !ok || owner == "" || !strings.HasPrefix(key, KeyPrefix) {
			return nil, fmt.Errorf("invalid static key entry %q", pair)
		}
		keys[key] = owner
	}
	return keys, nil
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	owner, ok := a.keys[token]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{OwnerID: owner}, nil
}
