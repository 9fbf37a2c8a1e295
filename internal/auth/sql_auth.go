package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// prefixLen is how much of a key is stored in clear for lookup.
const prefixLen = 12

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	OwnerID string
	KeyHash string
}

// sqlKeyStore is the real implementation using *sql.DB. MySQL takes ?
// placeholders; everything else takes $1.
type sqlKeyStore struct {
	db    *sql.DB
	query string
}

func newSQLKeyStore(db *sql.DB, driver string) *sqlKeyStore {
	placeholder := "$1"
	if driver == "mysql" {
		placeholder = "?"
	}
	return &sqlKeyStore{
		db: db,
		query: `
		SELECT owner_id, key_hash
		FROM owner_api_keys
		WHERE key_prefix = ` + placeholder + ` AND revoked = false`,
	}
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	var r keyRow
	err := s.db.QueryRowContext(ctx, s.query, prefix).Scan(&r.OwnerID, &r.KeyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SQLAuthenticator validates owner API keys against bcrypt hashes in the
// owner_api_keys table.
type SQLAuthenticator struct {
	store  KeyStore
	cache  *KeyCache
	logger *zap.Logger
}

// SQLAuthConfig configures the SQLAuthenticator.
type SQLAuthConfig struct {
	DB *sql.DB
	// Driver is the database/sql driver name, "pgx" or "mysql".
	Driver   string
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewSQLAuthenticator creates a new SQLAuthenticator.
func NewSQLAuthenticator(cfg SQLAuthConfig) *SQLAuthenticator {
	return newSQLAuthenticatorWithStore(newSQLKeyStore(cfg.DB, cfg.Driver), cfg.CacheTTL, cfg.Logger)
}

// newSQLAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func newSQLAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *SQLAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLAuthenticator{
		store:  store,
		cache:  NewKeyCache(cacheTTL, DefaultMaxStale, nil),
		logger: logger,
	}
}

func (a *SQLAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if hit := a.cache.Get(token); hit.Hit {
		if hit.Refresh {
			go a.refreshInBackground(token)
		}
		return hit.Principal, nil
	}

	p, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}
	a.cache.Set(token, p)
	return p, nil
}

func (a *SQLAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	if len(token) < prefixLen {
		return nil, ErrInvalidAPIKey
	}
	row, err := a.store.LookupByPrefix(ctx, token[:prefixLen])
	if errors.Is(err, ErrInvalidAPIKey) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{OwnerID: row.OwnerID}, nil
}

// refreshInBackground revalidates a stale entry. A revoked key is evicted.
// An unreachable store keeps serving the stale entry until it ages out.
func (a *SQLAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrInvalidAPIKey) {
		a.cache.Delete(token)
		return
	}
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Release(token)
		return
	}
	a.cache.Set(token, p)
}
