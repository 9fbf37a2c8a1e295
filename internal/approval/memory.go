package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps pending actions in process.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]*PendingAction
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{actions: make(map[string]*PendingAction), now: now}
}

func (m *MemoryStore) Create(_ context.Context, p *PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.actions[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.expire(p)
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPending(_ context.Context, ownerID string) ([]*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingAction
	for _, p := range m.actions {
		if p.OwnerID != ownerID {
			continue
		}
		m.expire(p)
		if p.Status == StatusPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, r Resolution) (*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.expire(p)
	switch p.Status {
	case StatusPending:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrAlreadyResolved
	}
	at := r.At
	if at.IsZero() {
		at = m.now()
	}
	p.Status = r.Status
	p.ModifiedInput = r.ModifiedInput
	p.Comment = r.Comment
	p.DecidedAt = &at
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) expire(p *PendingAction) {
	if p.Expired(m.now()) {
		p.Status = StatusExpired
	}
}
