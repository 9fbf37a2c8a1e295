// Package scheduler runs background tasks on cron schedules or named events,
// submitting their tool calls through the same pipeline as interactive calls.
package scheduler

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

// TaskCall is one tool call a task makes.
type TaskCall struct {
	Tool   string         `yaml:"tool"`
	Params map[string]any `yaml:"params"`
}

// TaskDefinition declares a background task. Exactly one of Cron and Event
// is set.
type TaskDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Cron        string `yaml:"cron"`
	Event       string `yaml:"event"`
	// MinMaturity is the owner program maturity the task needs.
	MinMaturity int `yaml:"min_maturity"`
	// DefaultLevel caps the autonomy of every call the task makes.
	DefaultLevel catalog.Level `yaml:"default_level"`
	Calls        []TaskCall    `yaml:"calls"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the task's trigger and calls.
func (t *TaskDefinition) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	switch {
	case t.Cron != "" && t.Event != "":
		return fmt.Errorf("task %s: cron and event are exclusive", t.Name)
	case t.Cron != "":
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return fmt.Errorf("task %s: invalid cron %q: %w", t.Name, t.Cron, err)
		}
	case t.Event != "":
	default:
		return fmt.Errorf("task %s: needs a cron or an event trigger", t.Name)
	}
	if len(t.Calls) == 0 {
		return fmt.Errorf("task %s: no calls", t.Name)
	}
	for i, c := range t.Calls {
		if c.Tool == "" {
			return fmt.Errorf("task %s call %d: tool is required", t.Name, i)
		}
	}
	if !t.DefaultLevel.Valid() {
		return fmt.Errorf("task %s: invalid default level %d", t.Name, int(t.DefaultLevel))
	}
	return nil
}

// Tasks is the static set of background tasks.
type Tasks struct {
	list []*TaskDefinition
}

type taskFile struct {
	Tasks []*TaskDefinition `yaml:"tasks"`
}

// NewTasks validates tasks. Names must be unique.
func NewTasks(tasks ...*TaskDefinition) (*Tasks, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate task %q", t.Name)
		}
		seen[t.Name] = true
	}
	return &Tasks{list: tasks}, nil
}

// All returns every task in declaration order.
func (t *Tasks) All() []*TaskDefinition { return t.list }

// CheckTools verifies every referenced tool exists.
func (t *Tasks) CheckTools(known func(string) bool) error {
	for _, task := range t.list {
		for _, c := range task.Calls {
			if !known(c.Tool) {
				return fmt.Errorf("task %s references unknown tool %q", task.Name, c.Tool)
			}
		}
	}
	return nil
}

// Parse decodes a YAML task document.
func Parse(data []byte) (*Tasks, error) {
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	return NewTasks(f.Tasks...)
}

// Load reads and parses a YAML task file.
func Load(path string) (*Tasks, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return Parse(data)
}
