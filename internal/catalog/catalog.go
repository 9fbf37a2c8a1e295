package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTool is returned when a tool name is not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Catalog is the read-only tool index. It never changes after construction;
// a catalog change requires a redeploy.
type Catalog struct {
	tools map[string]*ToolDefinition
	names []string
}

// New validates the definitions and indexes them by name.
func New(defs []*ToolDefinition) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]*ToolDefinition, len(defs))}
	for _, d := range defs {
		if d == nil || d.Name == "" {
			return nil, fmt.Errorf("tool definition without name")
		}
		if _, dup := c.tools[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", d.Name)
		}
		if !d.Category.Valid() || !d.Risk.Valid() || !d.AutonomyCeiling.Valid() {
			return nil, fmt.Errorf("tool %q: invalid category, risk or ceiling", d.Name)
		}
		if d.ArgumentSchema != nil {
			if _, err := compileSchema(d.ArgumentSchema); err != nil {
				return nil, fmt.Errorf("tool %q: %w", d.Name, err)
			}
		}
		c.tools[d.Name] = d
		c.names = append(c.names, d.Name)
	}
	for _, d := range defs {
		if d.CompensationTool == "" {
			continue
		}
		if _, ok := c.tools[d.CompensationTool]; !ok {
			return nil, fmt.Errorf("tool %q: compensation tool %q not in catalog", d.Name, d.CompensationTool)
		}
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (*ToolDefinition, error) {
	d, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return d, nil
}

// Tools returns all definitions sorted by name.
func (c *Catalog) Tools() []*ToolDefinition {
	out := make([]*ToolDefinition, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.tools[n])
	}
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.tools) }

// CheckPolicies verifies that every referenced policy is known.
func (c *Catalog) CheckPolicies(has func(string) bool) error {
	for _, n := range c.names {
		d := c.tools[n]
		if d.Policy != "" && !has(d.Policy) {
			return fmt.Errorf("tool %q: unknown resilience policy %q", d.Name, d.Policy)
		}
	}
	return nil
}

type toolEntry struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Category         Category       `yaml:"category"`
	Risk             RiskLevel      `yaml:"risk"`
	AutonomyCeiling  *Level         `yaml:"autonomy_ceiling"`
	Reversible       bool           `yaml:"reversible"`
	CompensationTool string         `yaml:"compensation_tool"`
	Policy           string         `yaml:"policy"`
	Service          string         `yaml:"service"`
	ArgumentSchema   map[string]any `yaml:"argument_schema"`
}

type catalogFile struct {
	Tools []toolEntry `yaml:"tools"`
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	defs := make([]*ToolDefinition, 0, len(f.Tools))
	for _, e := range f.Tools {
		ceiling := LevelAutonomous
		if e.AutonomyCeiling != nil {
			ceiling = *e.AutonomyCeiling
		}
		defs = append(defs, &ToolDefinition{
			Name:             e.Name,
			Description:      e.Description,
			Category:         e.Category,
			Risk:             e.Risk,
			AutonomyCeiling:  ceiling,
			Reversible:       e.Reversible,
			CompensationTool: e.CompensationTool,
			Policy:           e.Policy,
			Service:          e.Service,
			ArgumentSchema:   e.ArgumentSchema,
		})
	}
	return New(defs)
}

// Load reads and parses a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return Parse(data)
}
