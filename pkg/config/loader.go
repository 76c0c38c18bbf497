package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates the policy document at path.
// This is the primary entry point for configuration loading:
//  1. Read the YAML file
//  2. Expand ${VAR} environment references
//  3. Parse YAML into a Document
//  4. Merge user document over built-in defaults
//  5. Validate
//  6. Return the ready-to-use Document
func Initialize(ctx context.Context, path string) (*Document, error) {
	log := slog.With("config_path", path)
	log.Info("initializing configuration")

	doc, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := Validate(doc); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized successfully",
		"host", doc.Host, "port", doc.Port, "simulate", doc.Simulate,
		"tool_overrides", len(doc.ToolOverrides))

	return doc, nil
}

func load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	data = expandEnv(data)

	var user Document
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return mergeWithDefaults(&user)
}

// NewLoadError constructs a LoadError.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

// expandEnv expands ${VAR} and $VAR references in YAML content before
// parsing. Missing variables expand to empty string; because the merge
// skips empty values, a field left empty that way keeps its default, and
// Validate reports it only when no default fills it.
func expandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
