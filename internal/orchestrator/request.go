package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/anvilworks/anvil/pkg/models"
)

// Deliverable is one requested output in a generation request. Each
// deliverable becomes one task in the session's graph.
type Deliverable struct {
	// Name identifies the deliverable within the request. Defaults to
	// the capability name.
	Name string `yaml:"name"`
	// Capability is the capability tag a worker must declare to take
	// this deliverable.
	Capability string `yaml:"capability"`
	// Payload is the opaque generation spec handed to the worker.
	Payload map[string]any `yaml:"payload"`
	// DependsOn lists deliverable names that must succeed first.
	DependsOn []string `yaml:"depends_on"`
}

// RequestSpec is one end-to-end generation request, typically loaded from
// a YAML file by the CLI.
type RequestSpec struct {
	// Name labels the request in logs and session summaries.
	Name string `yaml:"name"`
	// Deliverables lists the requested outputs.
	Deliverables []Deliverable `yaml:"deliverables"`
}

// ParseRequest parses a YAML request spec and validates it.
func ParseRequest(data []byte) (*RequestSpec, error) {
	var spec RequestSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadRequest reads and parses a YAML request spec file.
func LoadRequest(path string) (*RequestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return ParseRequest(data)
}

// Validate normalizes deliverable names and checks the request for
// empty, duplicate, or dangling references. Cycle detection happens
// later when the task graph is built.
func (r *RequestSpec) Validate() error {
	if len(r.Deliverables) == 0 {
		return fmt.Errorf("request %q has no deliverables", r.Name)
	}

	seen := make(map[string]bool)
	for i := range r.Deliverables {
		d := &r.Deliverables[i]
		if d.Capability == "" {
			return fmt.Errorf("deliverable %d has no capability", i)
		}
		if d.Name == "" {
			d.Name = d.Capability
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate deliverable name %q", d.Name)
		}
		seen[d.Name] = true
	}

	for _, d := range r.Deliverables {
		for _, dep := range d.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("deliverable %q depends on unknown deliverable %q", d.Name, dep)
			}
		}
	}
	return nil
}

// Capabilities returns the distinct capabilities the request requires.
func (r *RequestSpec) Capabilities() []models.Capability {
	seen := make(map[models.Capability]bool)
	var caps []models.Capability
	for _, d := range r.Deliverables {
		c := models.Capability(d.Capability)
		if !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	return caps
}
