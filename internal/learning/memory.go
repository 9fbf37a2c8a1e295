package learning

import (
	"context"
	"sync"

	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

type ownerTool struct {
	owner string
	tool  string
}

type ema struct {
	rate    float64
	samples int
}

// MemoryStore keeps learning history in process.
type MemoryStore struct {
	mu       sync.RWMutex
	success  map[string]ema
	reviews  map[ownerTool][]Decision // newest first
	outcomes map[ownerTool][]bool     // newest first
	rules    map[string][]Rule        // by owner
	golden   map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		success:  make(map[string]ema),
		reviews:  make(map[ownerTool][]Decision),
		outcomes: make(map[ownerTool][]bool),
		rules:    make(map[string][]Rule),
		golden:   make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) RecordExecution(_ context.Context, tool string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.success[tool]
	e.rate = NextEMA(e.rate, e.samples, success)
	e.samples++
	m.success[tool] = e
	return nil
}

func (m *MemoryStore) RecordReview(_ context.Context, ownerID, tool string, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerTool{ownerID, tool}
	m.reviews[k] = prepend(m.reviews[k], d, ReviewLogSize)
	return nil
}

func (m *MemoryStore) RecordOutcome(_ context.Context, ownerID, tool string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerTool{ownerID, tool}
	m.outcomes[k] = prepend(m.outcomes[k], success, OutcomeWindow)
	return nil
}

func (m *MemoryStore) PutRule(_ context.Context, r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.rules[r.OwnerID]
	for i := range rules {
		if rules[i].ID == r.ID {
			rules[i] = r
			return nil
		}
	}
	m.rules[r.OwnerID] = append(rules, r)
	return nil
}

func (m *MemoryStore) MarkGolden(_ context.Context, t Trajectory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.OwnerID + "\x00" + t.Fingerprint
	set := m.golden[key]
	if set == nil {
		set = make(map[string]bool, len(t.Tools))
		m.golden[key] = set
	}
	for _, tool := range t.Tools {
		set[tool] = true
	}
	return nil
}

func (m *MemoryStore) ApprovalStreak(_ context.Context, ownerID, tool string) (autonomy.Streak, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StreakOf(m.reviews[ownerTool{ownerID, tool}]), nil
}

func (m *MemoryStore) SuccessRate(_ context.Context, tool string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.success[tool]
	return e.rate, e.samples, nil
}

func (m *MemoryStore) RecentReviews(_ context.Context, ownerID, tool string, n int) ([]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.reviews[ownerTool{ownerID, tool}]
	if len(log) > n {
		log = log[:n]
	}
	out := make([]bool, len(log))
	for i, d := range log {
		out[i] = d == DecisionApprove
	}
	return out, nil
}

func (m *MemoryStore) RuleConfidences(_ context.Context, ownerID string, category catalog.Category) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []float64
	for _, r := range m.rules[ownerID] {
		if r.Active && r.Category == category {
			out = append(out, r.Confidence)
		}
	}
	return out, nil
}

func (m *MemoryStore) GoldenMatch(_ context.Context, ownerID, fingerprint, tool string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.golden[ownerID+"\x00"+fingerprint][tool], nil
}

func (m *MemoryStore) OutcomeRate(_ context.Context, ownerID, tool string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window := m.outcomes[ownerTool{ownerID, tool}]
	if len(window) == 0 {
		return 0, 0, nil
	}
	ok := 0
	for _, s := range window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(window)), len(window), nil
}

func prepend[T any](s []T, v T, limit int) []T {
	out := make([]T, 0, min(len(s)+1, limit))
	out = append(out, v)
	for _, x := range s {
		if len(out) == limit {
			break
		}
		out = append(out, x)
	}
	return out
}
