package resilience

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Store is the static, per-service resilience configuration. It is built once
// at start-up and never mutated.
type Store struct {
	policies map[string]Policy
	fallback Policy
}

// NewStore validates the given policies and indexes them by name.
func NewStore(policies ...Policy) (*Store, error) {
	s := &Store{
		policies: make(map[string]Policy, len(policies)),
		fallback: DefaultPolicy(),
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.policies[p.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %q", p.Name)
		}
		s.policies[p.Name] = p
	}
	if d, ok := s.policies["default"]; ok {
		s.fallback = d
	}
	return s, nil
}

// Get returns the named policy, or the default policy if name is unknown or empty.
func (s *Store) Get(name string) Policy {
	if p, ok := s.policies[name]; ok {
		return p
	}
	return s.fallback
}

// Has reports whether a named policy exists.
func (s *Store) Has(name string) bool {
	_, ok := s.policies[name]
	return ok
}

// Names lists configured policy names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.policies))
	for n := range s.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UnmarshalYAML fills omitted fields with defaults before decoding.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	type raw Policy
	r := raw{
		Timeout: TierStandard,
		Retry:   RetryPolicy{MaxAttempts: 1, Multiplier: 2},
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*p = Policy(r)
	return nil
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*Store, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	return NewStore(f.Policies...)
}

// Load reads and parses a YAML policy file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return Parse(data)
}
