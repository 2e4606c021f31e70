package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

// ConfigFileName is the per-project configuration file name.
const ConfigFileName = ".project-config.json"

// rawConfig mirrors Config but with every field optional, so mergo can
// tell "absent" from "zero value" while merging onto the built-in
// defaults.
type rawConfig struct {
	Review   *ReviewConfig   `json:"review"`
	Budget   *BudgetConfig   `json:"budget"`
	Retry    *RetryConfig    `json:"retry"`
	Workflow *WorkflowConfig `json:"workflow"`
	Session  *SessionConfig  `json:"session"`
	Database *DatabaseConfig `json:"database"`
}

// Initialize loads, merges, and validates project configuration. Mirrors
// the familiar Initialize→load→validate staging: load file, merge onto
// built-in defaults (user overrides built-in), apply the env-driven
// database password, validate advisorily, return a ready-to-use Config.
func Initialize(ctx context.Context, projectDir string) (*Config, error) {
	log := slog.With("project_dir", projectDir)
	log.Info("loading project configuration")

	cfg, err := load(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	warnings := Validate(cfg)
	for _, w := range warnings {
		log.Warn("project config validation warning", "field", w.Field, "message", w.Message)
	}

	return cfg, nil
}

func load(projectDir string) (*Config, error) {
	defaults := &Config{
		ProjectDir: projectDir,
		Review:     DefaultReviewConfig(),
		Budget:     DefaultBudgetConfig(),
		Retry:      DefaultRetryConfig(),
		Workflow:   DefaultWorkflowConfig(),
		Session:    DefaultSessionConfig(),
	}

	path := filepath.Join(projectDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no project config file found, using built-in defaults", "path", path)
			return defaults, nil
		}
		return nil, NewLoadError(path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
	}

	merged := &Config{ProjectDir: projectDir}
	*merged = *defaults
	if raw.Review != nil {
		if err := mergo.Merge(merged.Review, raw.Review, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge review config: %w", err)
		}
	}
	if raw.Budget != nil {
		if err := mergo.Merge(merged.Budget, raw.Budget, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge budget config: %w", err)
		}
	}
	if raw.Retry != nil {
		if err := mergo.Merge(merged.Retry, raw.Retry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retry config: %w", err)
		}
	}
	if raw.Workflow != nil {
		if err := mergo.Merge(merged.Workflow, raw.Workflow, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge workflow config: %w", err)
		}
	}
	if raw.Session != nil {
		if err := mergo.Merge(merged.Session, raw.Session, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge session config: %w", err)
		}
	}
	merged.Database = raw.Database
	if merged.Database != nil && merged.Database.Password == "" {
		merged.Database.Password = os.Getenv("CONDUCTOR_DB_PASSWORD")
	}

	return merged, nil
}
