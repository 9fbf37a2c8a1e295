package workflow

import (
	"context"
	"sort"
	"sync"
)

// Store persists checkpoints. Update is a compare-and-set on Revision: it
// fails with ErrConflict unless the stored revision equals cp.Revision, and
// on success increments cp.Revision.
type Store interface {
	Create(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Update(ctx context.Context, cp *Checkpoint) error
	// ListPaused returns instances paused at a gate of the given kind.
	ListPaused(ctx context.Context, kind GateKind) ([]*Checkpoint, error)
}

type storedCheckpoint struct {
	data     []byte
	revision int64
	status   Status
	gate     GateKind
}

// MemoryStore keeps encoded checkpoints in process, so every read goes
// through the same versioned decoding as a database row would.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]storedCheckpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]storedCheckpoint)}
}

func (m *MemoryStore) Create(_ context.Context, cp *Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[cp.ID]; ok {
		return ErrConflict
	}
	m.rows[cp.ID] = row(cp, data)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	m.mu.Lock()
	r, ok := m.rows[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeCheckpoint(r.data)
}

func (m *MemoryStore) Update(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[cp.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.revision != cp.Revision {
		return ErrConflict
	}
	cp.Revision++
	data, err := cp.Encode()
	if err != nil {
		cp.Revision--
		return err
	}
	m.rows[cp.ID] = row(cp, data)
	return nil
}

func (m *MemoryStore) ListPaused(_ context.Context, kind GateKind) ([]*Checkpoint, error) {
	m.mu.Lock()
	var raw [][]byte
	for _, r := range m.rows {
		if r.status == StatusPaused && r.gate == kind {
			raw = append(raw, r.data)
		}
	}
	m.mu.Unlock()

	out := make([]*Checkpoint, 0, len(raw))
	for _, data := range raw {
		cp, err := DecodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func row(cp *Checkpoint, data []byte) storedCheckpoint {
	r := storedCheckpoint{data: data, revision: cp.Revision, status: cp.Status}
	if cp.Gate != nil {
		r.gate = cp.Gate.Kind
	}
	return r
}
