package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/skovlund/maestro/internal/graph"
	"github.com/skovlund/maestro/pkg/models"
)

// PipelineFile is the on-disk format for pipeline definitions. A file holds
// one or more named pipelines.
type PipelineFile struct {
	Pipelines []models.PipelineDefinition `yaml:"pipelines"`
}

// LoadPipelineFile reads and parses a pipeline definition file. Parsed
// definitions are returned even when structurally invalid; call
// ValidateDefinition to decide whether one can run.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}

	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pipeline file %s: %w", path, err)
	}
	if len(file.Pipelines) == 0 {
		return nil, fmt.Errorf("pipeline file %s defines no pipelines", path)
	}
	return &file, nil
}

// SavePipelineFile writes definitions to a YAML file, creating parent
// directories as needed.
func SavePipelineFile(path string, file *PipelineFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pipeline directory: %w", err)
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal pipelines: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write pipeline file: %w", err)
	}
	return nil
}

// Pipeline returns the named definition from the file, or nil if absent.
func (f *PipelineFile) Pipeline(name string) *models.PipelineDefinition {
	for i := range f.Pipelines {
		if f.Pipelines[i].Name == name {
			return &f.Pipelines[i]
		}
	}
	return nil
}

// Names returns the pipeline names defined in the file, sorted.
func (f *PipelineFile) Names() []string {
	names := make([]string, 0, len(f.Pipelines))
	for i := range f.Pipelines {
		names = append(names, f.Pipelines[i].Name)
	}
	sort.Strings(names)
	return names
}

// ValidateDefinition checks a definition for structural problems and
// returns every issue found: empty name, missing steps, duplicate keys,
// unknown dependencies, invalid strategies or modes, and negative policy
// values. An empty result means the definition is runnable.
func ValidateDefinition(def models.PipelineDefinition) []string {
	var issues []string

	if def.Name == "" {
		issues = append(issues, "pipeline name is required")
	}
	if len(def.Steps) == 0 {
		issues = append(issues, "pipeline has no steps")
	}
	if def.FailureStrategy != "" && !def.FailureStrategy.Valid() {
		issues = append(issues, fmt.Sprintf("unknown failure strategy %q", def.FailureStrategy))
	}
	if def.MaxParallelSteps < 0 {
		issues = append(issues, "max_parallel_steps must not be negative")
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.AgentKey == "" {
			issues = append(issues, "step with empty agent key")
			continue
		}
		if seen[step.AgentKey] {
			issues = append(issues, fmt.Sprintf("duplicate step %q", step.AgentKey))
		}
		seen[step.AgentKey] = true

		if step.ExecutionMode != "" && !step.ExecutionMode.Valid() {
			issues = append(issues, fmt.Sprintf("step %s: unknown execution mode %q", step.AgentKey, step.ExecutionMode))
		}
		if step.ConfigType != "" && !step.ConfigType.Valid() {
			issues = append(issues, fmt.Sprintf("step %s: unknown config type %q", step.AgentKey, step.ConfigType))
		}
		if step.RetryCount < 0 {
			issues = append(issues, fmt.Sprintf("step %s: retry_count must not be negative", step.AgentKey))
		}
		if step.TimeoutSeconds < 0 {
			issues = append(issues, fmt.Sprintf("step %s: timeout_seconds must not be negative", step.AgentKey))
		}
	}
	structural := false
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				issues = append(issues, fmt.Sprintf("step %s depends on unknown step %q", step.AgentKey, dep))
				structural = true
			}
			if dep == step.AgentKey {
				issues = append(issues, fmt.Sprintf("step %s depends on itself", step.AgentKey))
				structural = true
			}
		}
	}

	// Cycle detection needs a well-formed graph; skip it when the
	// definition already has duplicate keys or dangling dependencies.
	if len(def.Steps) > 0 && !structural && len(seen) == len(def.Steps) {
		g := graph.New()
		if err := g.Build(&def); err != nil {
			issues = append(issues, err.Error())
		}
	}

	return issues
}

// DefaultPipeline returns the built-in content generation pipeline used
// when no definition file exists.
func DefaultPipeline() models.PipelineDefinition {
	return models.PipelineDefinition{
		Name:             "default",
		Description:      "Analyze, generate, review, and document in one pass",
		Version:          "1",
		MaxParallelSteps: 3,
		FailureStrategy:  models.FailureStop,
		Steps: []models.StepDefinition{
			{
				AgentKey:   "requirement_analyst",
				ConfigType: models.ConfigStandard,
			},
			{
				AgentKey:   "generator",
				ConfigType: models.ConfigCoding,
				DependsOn:  []string{"requirement_analyst"},
			},
			{
				AgentKey:   "reviewer",
				ConfigType: models.ConfigReview,
				DependsOn:  []string{"generator"},
			},
			{
				AgentKey:   "test_designer",
				ConfigType: models.ConfigCoding,
				DependsOn:  []string{"generator"},
				Optional:   true,
			},
			{
				AgentKey:   "documentation_writer",
				ConfigType: models.ConfigCreative,
				DependsOn:  []string{"reviewer", "test_designer"},
			},
		},
	}
}

// EnsureDefaultPipelineFile writes the default pipeline file at path if no
// file exists there yet, and returns the loaded file either way.
func EnsureDefaultPipelineFile(path string) (*PipelineFile, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadPipelineFile(path)
	}

	file := &PipelineFile{Pipelines: []models.PipelineDefinition{DefaultPipeline()}}
	if err := SavePipelineFile(path, file); err != nil {
		return nil, err
	}
	return file, nil
}
