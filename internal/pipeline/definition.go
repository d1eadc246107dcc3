// Package pipeline orchestrates the extract → transform → mart stages.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hellstation/mangalake/internal/domain"
)

// StageDef declares one stage in the pipeline definition file.
type StageDef struct {
	Name       string   `yaml:"name"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
	RetryCount int      `yaml:"retry_count,omitempty"` // retries after the first attempt
}

// Definition is the YAML pipeline definition: which stages run, their
// dependency order, and an optional cron schedule.
type Definition struct {
	Stages   []StageDef `yaml:"stages"`
	Schedule string     `yaml:"schedule,omitempty"` // cron expression, empty disables scheduling
}

// DefaultDefinition is the built-in extract → transform → mart chain used
// when no definition file is configured.
func DefaultDefinition() *Definition {
	return &Definition{
		Stages: []StageDef{
			{Name: domain.StageExtract, RetryCount: 1},
			{Name: domain.StageTransform, DependsOn: []string{domain.StageExtract}, RetryCount: 2},
			{Name: domain.StageMart, DependsOn: []string{domain.StageTransform}, RetryCount: 2},
		},
	}
}

// LoadDefinition reads and validates a YAML definition file. A missing path
// falls back to the default definition.
func LoadDefinition(path string) (*Definition, error) {
	if path == "" {
		return DefaultDefinition(), nil
	}
	body, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDefinition(), nil
		}
		return nil, fmt.Errorf("read pipeline definition %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline definition %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks stage names and that the dependency graph resolves.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return domain.ErrValidation("pipeline definition has no stages")
	}
	known := map[string]bool{
		domain.StageExtract:   true,
		domain.StageTransform: true,
		domain.StageMart:      true,
	}
	seen := map[string]bool{}
	for _, s := range d.Stages {
		if !known[s.Name] {
			return domain.ErrValidation("unknown stage: %s", s.Name)
		}
		if seen[s.Name] {
			return domain.ErrValidation("duplicate stage: %s", s.Name)
		}
		seen[s.Name] = true
		if s.RetryCount < 0 {
			return domain.ErrValidation("stage %s: retry_count must not be negative", s.Name)
		}
	}
	_, err := ResolveExecutionOrder(d.Stages)
	return err
}

// Stage returns the definition of one stage, if present.
func (d *Definition) Stage(name string) (StageDef, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDef{}, false
}

// ResolveExecutionOrder computes a topological ordering of stages using
// Kahn's algorithm. Returns levels of stage names where each level could
// execute in parallel. Returns an error if cycles or unknown deps exist.
func ResolveExecutionOrder(stages []StageDef) ([][]string, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string) // dep name → stages that depend on it

	for _, s := range stages {
		inDegree[s.Name] = 0
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := inDegree[dep]; !ok {
				return nil, domain.ErrValidation("unknown dependency: %s", dep)
			}
			if dep == s.Name {
				return nil, domain.ErrValidation("self dependency: %s", s.Name)
			}
			dependents[dep] = append(dependents[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	// Kahn's algorithm — process by levels, with stable in-definition order.
	var levels [][]string
	var queue []string
	for _, s := range stages {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		level := make([]string, len(queue))
		copy(level, queue)
		levels = append(levels, level)
		processed += len(level)

		var next []string
		for _, name := range queue {
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	if processed != len(stages) {
		return nil, domain.ErrValidation("cycle detected in stage dependencies")
	}
	return levels, nil
}
