package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one stage of a pipeline. Completing a step merges its output
// into the instance context and triggers the next one.
type Step struct {
	Name string `json:"name" yaml:"name"`
	// Topic is the bus topic whose subscribers perform the step. Empty
	// defaults to "step.<name>".
	Topic string `json:"topic" yaml:"topic"`
	// Confirm pauses the workflow before this step until a human resumes.
	Confirm bool `json:"confirm,omitempty" yaml:"confirm"`
	// NonRetriable fails the workflow on the first step error instead of
	// consulting the retry policy.
	NonRetriable bool `json:"non_retriable,omitempty" yaml:"non_retriable"`
}

// Pipeline is an ordered list of steps identified by a workflow type.
type Pipeline struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step returns the step with the given name.
func (p Pipeline) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// NextStep returns the first step not yet in completed, or false when the
// pipeline has run out of steps.
func (p Pipeline) NextStep(completed []string) (Step, bool) {
	done := make(map[string]bool, len(completed))
	for _, s := range completed {
		done[s] = true
	}
	for _, s := range p.Steps {
		if !done[s.Name] {
			return s, true
		}
	}
	return Step{}, false
}

// StepNames returns the step names in pipeline order.
func (p Pipeline) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// Validate checks the pipeline is runnable: a type, at least one step,
// and unique step names.
func (p Pipeline) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("pipeline: empty type")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s: no steps", p.Type)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s: step %d has no name", p.Type, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate step %s", p.Type, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func (p *Pipeline) applyDefaults() {
	for i := range p.Steps {
		if p.Steps[i].Topic == "" {
			p.Steps[i].Topic = "step." + p.Steps[i].Name
		}
	}
}

// Builtins returns the pipelines shipped with the core. A pipelines file
// loaded at startup may override or extend them.
func Builtins() map[string]Pipeline {
	return map[string]Pipeline{
		"beatboard": {
			Type:        "beatboard",
			Description: "Split a script into scenes, match library assets, assemble a beat board.",
			Steps: []Step{
				{Name: "split_scenes", Topic: "scene.generate"},
				{Name: "match_assets", Topic: "asset.match"},
				{Name: "assemble_board", Topic: "board.assemble", Confirm: true},
			},
		},
		"intake": {
			Type:        "intake",
			Description: "Parse a client brief and extract story beats.",
			Steps: []Step{
				{Name: "parse_brief", Topic: "brief.parse"},
				{Name: "extract_beats", Topic: "brief.beats"},
			},
		},
		"preview_export": {
			Type:        "preview_export",
			Description: "Render a preview manifest and package it for review.",
			Steps: []Step{
				{Name: "render_manifest", Topic: "preview.render", NonRetriable: true},
				{Name: "package_preview", Topic: "preview.package"},
			},
		},
	}
}

type pipelinesFile struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// LoadPipelines reads a YAML pipelines file and merges it over the
// builtins. A file pipeline with a builtin's type replaces it.
func LoadPipelines(path string) (map[string]Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines %s: %w", path, err)
	}
	return ParsePipelines(data)
}

// ParsePipelines parses YAML pipeline definitions and merges them over
// the builtins.
func ParsePipelines(data []byte) (map[string]Pipeline, error) {
	var f pipelinesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}
	out := Builtins()
	for _, p := range f.Pipelines {
		p.applyDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[p.Type] = p
	}
	return out, nil
}
