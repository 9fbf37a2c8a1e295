package workflow

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultResumeWindow is how long a paused instance stays resumable.
const DefaultResumeWindow = 7 * 24 * time.Hour

// ParamMode says where a step's parameters come from.
type ParamMode string

const (
	ModeStatic   ParamMode = "static"
	ModePrevious ParamMode = "previous"
	ModeContext  ParamMode = "context"
)

// GateKind is what a gate waits for.
type GateKind string

const (
	GateApproval GateKind = "approval"
	GateWebhook  GateKind = "webhook"
	GateSchedule GateKind = "schedule"
)

// Gate suspends the instance before its step runs.
type Gate struct {
	Kind  GateKind      `yaml:"kind"`
	Title string        `yaml:"title"`
	Event string        `yaml:"event"` // webhook
	Delay time.Duration `yaml:"delay"` // schedule
	// AtKey names a context value holding an RFC 3339 resume time (schedule).
	AtKey string `yaml:"at_key"`
}

// Compensation undoes a step. Params are static; FromResult copies the named
// fields of the step's result (or item) into the parameters.
type Compensation struct {
	Tool       string         `yaml:"tool"`
	Params     map[string]any `yaml:"params"`
	FromResult []string       `yaml:"from_result"`
}

// Step is one tool invocation in a workflow.
type Step struct {
	Name   string         `yaml:"name"`
	Tool   string         `yaml:"tool"`
	Mode   ParamMode      `yaml:"mode"`
	Params map[string]any `yaml:"params"`
	// Bind maps parameter names to dotted paths in the previous result
	// (mode previous) or the instance context (mode context). An empty
	// Bind merges the whole source object.
	Bind         map[string]string `yaml:"bind"`
	Gate         *Gate             `yaml:"gate"`
	Compensation *Compensation     `yaml:"compensation"`
	Optional     bool              `yaml:"optional"`
	PerItem      bool              `yaml:"per_item"`
	// Items is the dotted path of the collection in the previous result;
	// empty means the result itself.
	Items string `yaml:"items"`
}

// Definition is an ordered list of steps.
type Definition struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	ResumeWindow time.Duration `yaml:"resume_window"`
	Steps        []Step        `yaml:"steps"`
}

// Validate checks a definition's internal consistency.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("step_%d", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Tool == "" {
			return fmt.Errorf("workflow %s step %s: tool is required", d.Name, s.Name)
		}
		switch s.Mode {
		case "":
			s.Mode = ModeStatic
		case ModeStatic, ModeContext:
		case ModePrevious:
			if i == 0 {
				return fmt.Errorf("workflow %s step %s: first step has no previous result", d.Name, s.Name)
			}
		default:
			return fmt.Errorf("workflow %s step %s: unknown param mode %q", d.Name, s.Name, s.Mode)
		}
		if s.PerItem && i == 0 {
			return fmt.Errorf("workflow %s step %s: per_item needs a previous step", d.Name, s.Name)
		}
		if g := s.Gate; g != nil {
			switch g.Kind {
			case GateApproval:
			case GateWebhook:
				if g.Event == "" {
					return fmt.Errorf("workflow %s step %s: webhook gate needs an event", d.Name, s.Name)
				}
			case GateSchedule:
				if g.Delay <= 0 && g.AtKey == "" {
					return fmt.Errorf("workflow %s step %s: schedule gate needs delay or at_key", d.Name, s.Name)
				}
			default:
				return fmt.Errorf("workflow %s step %s: unknown gate kind %q", d.Name, s.Name, g.Kind)
			}
		}
		if s.Compensation != nil && s.Compensation.Tool == "" {
			return fmt.Errorf("workflow %s step %s: compensation needs a tool", d.Name, s.Name)
		}
	}
	if d.ResumeWindow <= 0 {
		d.ResumeWindow = DefaultResumeWindow
	}
	return nil
}

// Tools lists every tool the definition references, compensations included.
func (d *Definition) Tools() []string {
	set := make(map[string]bool)
	for _, s := range d.Steps {
		set[s.Tool] = true
		if s.Compensation != nil {
			set[s.Compensation.Tool] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Definitions is the static set of workflow definitions.
type Definitions struct {
	defs map[string]*Definition
}

// NewDefinitions validates and indexes defs.
func NewDefinitions(defs ...*Definition) (*Definitions, error) {
	out := &Definitions{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow %q", d.Name)
		}
		out.defs[d.Name] = d
	}
	return out, nil
}

// Get returns a definition by name.
func (d *Definitions) Get(name string) (*Definition, bool) {
	def, ok := d.defs[name]
	return def, ok
}

// Names lists definition names in sorted order.
func (d *Definitions) Names() []string {
	out := make([]string, 0, len(d.defs))
	for n := range d.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CheckTools verifies every referenced tool exists.
func (d *Definitions) CheckTools(known func(string) bool) error {
	for _, name := range d.Names() {
		for _, t := range d.defs[name].Tools() {
			if !known(t) {
				return fmt.Errorf("workflow %s references unknown tool %q", name, t)
			}
		}
	}
	return nil
}

type definitionFile struct {
	Workflows []*Definition `yaml:"workflows"`
}

// Parse decodes a YAML workflow document.
func Parse(data []byte) (*Definitions, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflows: %w", err)
	}
	return NewDefinitions(f.Workflows...)
}

// Load reads and parses a YAML workflow file.
func Load(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	return Parse(data)
}
