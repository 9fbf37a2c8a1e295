// Package idempotency de-duplicates side-effecting tool calls by a key derived
// from a configured subset of their inputs.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record is a previously produced result stored under an idempotency key.
type Record struct {
	Key       string          `json:"key"`
	Tool      string          `json:"tool"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists idempotency records. PutIfAbsent must be atomic: when two
// callers race on one key exactly one record wins and both see it.
type Store interface {
	// Get returns the live record for key, or nil if absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
	// PutIfAbsent stores rec unless a live record exists. It returns the
	// record that is stored after the call and whether rec was the one stored.
	PutIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error)
}

// Key derives the idempotency key for a call: hex SHA-256 over the tool name
// and the canonical JSON of the selected fields in name order. Missing fields
// encode as null so {a:1} and {a:1,b:null} share a key.
func Key(tool string, fields []string, input map[string]any) (string, error) {
	names := append([]string(nil), fields...)
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	for _, name := range names {
		// encoding/json sorts map keys, which makes nested objects canonical too.
		v, err := json.Marshal(input[name])
		if err != nil {
			return "", fmt.Errorf("idempotency key field %s: %w", name, err)
		}
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write(v)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[string]*Record), now: now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, rec *Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.Key]; ok && !existing.Expired(s.now()) {
		return existing, false, nil
	}
	s.records[rec.Key] = rec
	return rec, true, nil
}

// Sweep deletes expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
