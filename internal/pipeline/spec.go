// Package pipeline owns the article-generation phase state machine: the
// phase graph, the stage runner that calls the external capability, and the
// orchestrator that drives jobs from pending to a terminal state with a
// checkpoint after every phase.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Canonical phase names of the built-in article pipeline.
const (
	PhaseResearch       = "research"
	PhaseStrategy       = "strategy"
	PhaseWriting        = "writing"
	PhaseImage          = "image"
	PhaseAssembly       = "assembly"
	PhaseMeta           = "meta"
	PhaseCategory       = "category"
	PhaseQualityGate    = "quality_gate"
	PhasePublishHandoff = "publish_handoff"
)

// Phase is one unit of pipeline work. DependsOn lists the phases whose
// recorded outputs it receives — and only those, so phases cannot grow
// accidental couplings to the full history.
type Phase struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Group is a set of phases dispatched concurrently. The orchestrator joins
// on the whole group before advancing.
type Group struct {
	Phases []Phase `yaml:"phases"`
}

// Spec is the ordered phase graph. Loadable from YAML for deployments that
// tune the pipeline; Default returns the built-in article pipeline.
type Spec struct {
	Groups []Group `yaml:"groups"`
}

// Default is the standard article pipeline: research and strategy in
// sequence, writing and image generation in parallel off the strategy, then
// assembly, metadata, categorization, the quality gate, and the publish
// handoff.
func Default() *Spec {
	return &Spec{Groups: []Group{
		{Phases: []Phase{{Name: PhaseResearch}}},
		{Phases: []Phase{{Name: PhaseStrategy, DependsOn: []string{PhaseResearch}}}},
		{Phases: []Phase{
			{Name: PhaseWriting, DependsOn: []string{PhaseStrategy}},
			{Name: PhaseImage, DependsOn: []string{PhaseStrategy}},
		}},
		{Phases: []Phase{{Name: PhaseAssembly, DependsOn: []string{PhaseWriting, PhaseImage}}}},
		{Phases: []Phase{{Name: PhaseMeta, DependsOn: []string{PhaseAssembly}}}},
		{Phases: []Phase{{Name: PhaseCategory, DependsOn: []string{PhaseAssembly}}}},
		{Phases: []Phase{{Name: PhaseQualityGate, DependsOn: []string{PhaseAssembly, PhaseMeta, PhaseCategory}}}},
		{Phases: []Phase{{Name: PhasePublishHandoff, DependsOn: []string{PhaseAssembly, PhaseMeta, PhaseCategory}}}},
	}}
}

// LoadSpec reads a pipeline definition from a YAML file, falling back to the
// built-in pipeline when path is empty.
func LoadSpec(path string) (*Spec, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline spec: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline spec %s: %w", path, err)
	}
	return &spec, nil
}

// Validate checks that the graph is well-formed: unique phase names,
// dependencies only on earlier groups (so within-group phases can run
// concurrently), and publish_handoff as the final phase.
func (s *Spec) Validate() error {
	if len(s.Groups) == 0 {
		return fmt.Errorf("no phase groups defined")
	}

	recorded := make(map[string]bool)
	for gi, g := range s.Groups {
		if len(g.Phases) == 0 {
			return fmt.Errorf("group %d has no phases", gi)
		}
		for _, p := range g.Phases {
			if p.Name == "" {
				return fmt.Errorf("group %d has a phase without a name", gi)
			}
			if recorded[p.Name] {
				return fmt.Errorf("duplicate phase %q", p.Name)
			}
			for _, dep := range p.DependsOn {
				if !recorded[dep] {
					return fmt.Errorf("phase %q depends on %q, which is not in an earlier group", p.Name, dep)
				}
			}
		}
		// Names become visible to later groups only, never to siblings.
		for _, p := range g.Phases {
			recorded[p.Name] = true
		}
	}

	last := s.Groups[len(s.Groups)-1].Phases
	if len(last) != 1 || last[0].Name != PhasePublishHandoff {
		return fmt.Errorf("final group must be the single phase %q", PhasePublishHandoff)
	}
	return nil
}

// PhaseNames returns every phase in execution order.
func (s *Spec) PhaseNames() []string {
	var names []string
	for _, g := range s.Groups {
		for _, p := range g.Phases {
			names = append(names, p.Name)
		}
	}
	return names
}
