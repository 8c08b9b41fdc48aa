// Package plan loads task plans from YAML files and seeds them into the
// store. A plan is the operator-facing ingestion format; once imported,
// the store is the only source of truth.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corvid-labs/autopilot/internal/graph"
	"github.com/corvid-labs/autopilot/internal/task"
)

// ErrNotFound is returned by Load when the plan file does not exist.
var ErrNotFound = errors.New("plan file not found")

// ParseError is returned when a plan file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Plan mirrors the plan file structure.
type Plan struct {
	Name  string     `yaml:"name"`
	Tasks []PlanTask `yaml:"tasks"`
}

// PlanTask is one task entry in a plan file.
type PlanTask struct {
	ID          string            `yaml:"id"`
	Title       string            `yaml:"title"`
	Description string            `yaml:"description,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Priority    string            `yaml:"priority,omitempty"`
	Complexity  int               `yaml:"complexity,omitempty"`
	Domain      string            `yaml:"domain,omitempty"`
	Requires    string            `yaml:"requires,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// Load reads a plan file. Returns ErrNotFound if absent, *ParseError on
// malformed YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural integrity before any task reaches the store:
// IDs present and unique, dependencies resolvable within the plan.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("plan contains no tasks")
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, pt := range p.Tasks {
		if pt.ID == "" {
			return errors.New("plan task missing id")
		}
		if pt.Title == "" {
			return fmt.Errorf("plan task %s missing title", pt.ID)
		}
		if seen[pt.ID] {
			return fmt.Errorf("duplicate plan task id %s", pt.ID)
		}
		seen[pt.ID] = true
	}
	for _, pt := range p.Tasks {
		for _, dep := range pt.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan task %s depends on unknown task %s", pt.ID, dep)
			}
		}
	}
	// Edges must form a DAG; the graph snapshot performs the cycle check.
	if _, err := graph.Build(p.materialize()); err != nil {
		return err
	}
	return nil
}

// Materialize converts plan entries to tasks ready for store insertion.
// Output is dependency-ordered, so dependents never precede the tasks
// they depend on even when the plan file lists them first.
func (p *Plan) Materialize() []*task.Task {
	out := p.materialize()
	g, err := graph.Build(out)
	if err != nil {
		// Validate rejects unresolvable and cyclic plans before tasks
		// reach the store; file order is all that is left otherwise.
		return out
	}
	order, err := g.Order()
	if err != nil {
		return out
	}
	byID := make(map[string]*task.Task, len(out))
	for _, t := range out {
		byID[t.ID] = t
	}
	ordered := make([]*task.Task, 0, len(out))
	for _, id := range order {
		ordered = append(ordered, byID[id])
	}
	return ordered
}

func (p *Plan) materialize() []*task.Task {
	out := make([]*task.Task, 0, len(p.Tasks))
	for _, pt := range p.Tasks {
		t := &task.Task{
			ID:                  pt.ID,
			Title:               pt.Title,
			Description:         pt.Description,
			Status:              task.StatusPending,
			Dependencies:        append([]string(nil), pt.DependsOn...),
			Priority:            parsePriority(pt.Priority),
			EstimatedComplexity: pt.Complexity,
			Metadata:            map[string]string{},
		}
		for k, v := range pt.Metadata {
			t.Metadata[k] = v
		}
		if pt.Domain != "" {
			t.Metadata[task.MetaDomain] = pt.Domain
		}
		if pt.Requires != "" {
			t.Metadata[task.MetaRequires] = pt.Requires
		}
		out = append(out, t)
	}
	return out
}

func parsePriority(s string) task.Priority {
	switch task.Priority(s) {
	case task.PriorityLow, task.PriorityHigh, task.PriorityCritical:
		return task.Priority(s)
	default:
		return task.PriorityNormal
	}
}
