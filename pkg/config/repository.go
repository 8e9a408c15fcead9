package config

import (
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// RepositoryConfig is the per-repository YAML configuration: where sessions
// run, which procedure drives them, and how issue labels route to plugins.
type RepositoryConfig struct {
	ID         string `yaml:"id"`
	WorkingDir string `yaml:"working_dir"`
	BaseBranch string `yaml:"base_branch"`

	// Procedure is the default procedure for new sessions in this
	// repository (e.g. "full-development").
	Procedure string `yaml:"procedure"`

	// Plugins declares the plugin inventory. Inactive entries are skipped
	// during resolution.
	Plugins []PluginConfig `yaml:"plugins"`

	// LabelRouting maps a label name (matched case-insensitively) to the
	// plugin names that label activates.
	LabelRouting map[string][]string `yaml:"label_routing"`

	// Subroutines holds per-subroutine policy overrides.
	Subroutines map[string]SubroutineConfig `yaml:"subroutines"`
}

// PluginConfig is one plugin inventory entry.
type PluginConfig struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Active bool   `yaml:"active"`
}

// SubroutineConfig overrides validation policy for a named subroutine.
type SubroutineConfig struct {
	ContinueOnMaxRetries *bool `yaml:"continue_on_max_retries,omitempty"`
	MaxIterations        *int  `yaml:"max_iterations,omitempty"`
}

// DefaultRepository returns the baseline a repository file is merged over.
func DefaultRepository() RepositoryConfig {
	return RepositoryConfig{
		BaseBranch: "main",
		Procedure:  "full-development",
	}
}

// LoadRepositoryFile reads and merges a repository YAML file over
// DefaultRepository. A missing file is an error; an empty file yields the
// defaults.
func LoadRepositoryFile(path string) (RepositoryConfig, error) {
	cfg := DefaultRepository()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading repository config %s: %w", path, err)
	}

	var fromFile RepositoryConfig
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}

	// File values win over defaults.
	if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("merging repository config: %w", err)
	}

	if cfg.ID == "" {
		return cfg, newFieldError("id", "repository id must be set")
	}
	return cfg, nil
}

// PluginPathsForLabels resolves the union of plugin paths activated by the
// given labels. Matching is case-insensitive; paths are deduplicated in
// first-encountered order; inactive and unknown plugins are skipped.
func (r RepositoryConfig) PluginPathsForLabels(labels []string) []string {
	if len(labels) == 0 || len(r.LabelRouting) == 0 {
		return nil
	}

	byName := make(map[string]PluginConfig, len(r.Plugins))
	for _, p := range r.Plugins {
		byName[p.Name] = p
	}

	routing := make(map[string][]string, len(r.LabelRouting))
	for label, plugins := range r.LabelRouting {
		routing[strings.ToLower(label)] = plugins
	}

	var paths []string
	seen := make(map[string]bool)
	for _, label := range labels {
		for _, name := range routing[strings.ToLower(label)] {
			plugin, ok := byName[name]
			if !ok || !plugin.Active || plugin.Path == "" {
				continue
			}
			if seen[plugin.Path] {
				continue
			}
			seen[plugin.Path] = true
			paths = append(paths, plugin.Path)
		}
	}
	return paths
}

// SubroutinePolicy returns the effective validation policy for a subroutine:
// the global max-iterations limit unless overridden, and whether the
// procedure continues past failed-max-retries.
func (r RepositoryConfig) SubroutinePolicy(name string, globalMaxIterations int) (maxIterations int, continueOnMaxRetries bool) {
	maxIterations = globalMaxIterations
	sub, ok := r.Subroutines[name]
	if !ok {
		return maxIterations, false
	}
	if sub.MaxIterations != nil {
		maxIterations = *sub.MaxIterations
	}
	if sub.ContinueOnMaxRetries != nil {
		continueOnMaxRetries = *sub.ContinueOnMaxRetries
	}
	return maxIterations, continueOnMaxRetries
}
