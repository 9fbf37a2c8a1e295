package owners

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

var ErrNotFound = errors.New("owner not found")

// Owner is the principal the engine acts for.
type Owner struct {
	ID         string                             `json:"id" yaml:"id"`
	Tier       autonomy.Tier                      `json:"tier" yaml:"tier"`
	Preset     autonomy.Preset                    `json:"preset" yaml:"preset"`
	Overrides  map[catalog.Category]catalog.Level `json:"overrides,omitempty" yaml:"overrides"`
	Graduation bool                               `json:"graduation" yaml:"graduation"`
	// Maturity is the owner's program maturity level; background tasks
	// declare a minimum.
	Maturity int `json:"maturity" yaml:"maturity"`
}

// Profile returns the autonomy inputs for the owner.
func (o *Owner) Profile() autonomy.Profile {
	return autonomy.Profile{
		OwnerID:    o.ID,
		Tier:       o.Tier,
		Preset:     o.Preset,
		Overrides:  o.Overrides,
		Graduation: o.Graduation,
	}
}

// Directory looks owners up.
type Directory interface {
	Get(ctx context.Context, id string) (*Owner, error)
	List(ctx context.Context) ([]*Owner, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	owners map[string]*Owner
}

func NewMemoryDirectory(owners ...*Owner) *MemoryDirectory {
	d := &MemoryDirectory{owners: make(map[string]*Owner, len(owners))}
	for _, o := range owners {
		d.owners[o.ID] = o
	}
	return d
}

// Put adds or replaces an owner.
func (d *MemoryDirectory) Put(o *Owner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[o.ID] = o
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*Owner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]*Owner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Owner, 0, len(d.owners))
	for _, o := range d.owners {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type ownersFile struct {
	Owners []*Owner `yaml:"owners"`
}

// Parse decodes an owners YAML document. Owner ids must be unique.
func Parse(data []byte) ([]*Owner, error) {
	var f ownersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse owners: %w", err)
	}
	seen := make(map[string]bool, len(f.Owners))
	for _, o := range f.Owners {
		if o.ID == "" {
			return nil, errors.New("parse owners: owner without id")
		}
		if seen[o.ID] {
			return nil, fmt.Errorf("parse owners: duplicate owner %q", o.ID)
		}
		seen[o.ID] = true
	}
	return f.Owners, nil
}

// Load reads and parses an owners YAML file.
func Load(path string) ([]*Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	return Parse(data)
}
