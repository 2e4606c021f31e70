// Package config loads and validates .project-config.json, merging it
// over built-in defaults the way tarsy's config package merges user YAML
// over its built-in agent/chain definitions.
package config

import (
	"time"
)

// ReviewPolicy selects how the approval engine combines two reviewers'
// Feedback into a single validation/verification decision.
type ReviewPolicy string

const (
	AllMustApprove ReviewPolicy = "all_must_approve"
	AnyMayApprove  ReviewPolicy = "any_may_approve"
	WeightedScore  ReviewPolicy = "weighted_score"
)

// ConflictStrategy selects how the conflict resolver treats contradictory
// reviewer output.
type ConflictStrategy string

const (
	Conservative ConflictStrategy = "conservative"
	Weighted     ConflictStrategy = "weighted"
	Unanimous    ConflictStrategy = "unanimous"
)

// ImplementationMode names an implementation mode (single invocation or
// iterative). pkg/taskloop does not read it: each implementation attempt
// is one implementer invocation whatever the mode.
type ImplementationMode string

const (
	ModeAuto       ImplementationMode = "auto"
	ModeForcedOn   ImplementationMode = "iterative"
	ModeForcedOff  ImplementationMode = "single_invocation"
)

// ReviewConfig tunes the dual-reviewer validation/verification mechanics.
type ReviewConfig struct {
	Policy                   ReviewPolicy     `json:"policy"`
	ConflictStrategy         ConflictStrategy `json:"conflict_strategy"`
	UnifiedTimeout           time.Duration    `json:"unified_timeout"`
	SingleReviewerThreshold  float64          `json:"single_reviewer_threshold"`
	SingleReviewerPenalty    float64          `json:"single_reviewer_penalty"`
	StricterOnVerification   bool             `json:"stricter_on_verification"`
}

// DefaultReviewConfig mirrors the Open Question decision recorded in
// DESIGN.md: defaults are overridable per project, not hardcoded.
func DefaultReviewConfig() *ReviewConfig {
	return &ReviewConfig{
		Policy:                  AllMustApprove,
		ConflictStrategy:        Conservative,
		UnifiedTimeout:          5 * time.Minute,
		SingleReviewerThreshold: 7.5,
		SingleReviewerPenalty:   1.0,
		StricterOnVerification:  true,
	}
}

// BudgetConfig sets USD ceilings. pkg/budget enforces PerTaskLimitUSD;
// PerProjectLimitUSD is loaded but no enforcer reads it. A zero limit
// means "untracked but unbounded" for that scope.
type BudgetConfig struct {
	PerTaskLimitUSD    float64 `json:"per_task_limit_usd"`
	PerProjectLimitUSD float64 `json:"per_project_limit_usd"`
	SoftLimitFraction  float64 `json:"soft_limit_fraction"`
}

// DefaultBudgetConfig mirrors the 90%/100% soft/hard budget threshold split.
func DefaultBudgetConfig() *BudgetConfig {
	return &BudgetConfig{SoftLimitFraction: 0.9}
}

// RetryConfig tunes the orchestrator's backoff and circuit breaker.
type RetryConfig struct {
	AgentMaxAttempts          int           `json:"agent_max_attempts"`
	AgentInitialBackoff       time.Duration `json:"agent_initial_backoff"`
	AgentBackoffMultiplier    float64       `json:"agent_backoff_multiplier"`
	ImplementationMaxAttempts int           `json:"implementation_max_attempts"`
	ImplementationBackoff     time.Duration `json:"implementation_backoff"`
	MaxTotalRetries           int           `json:"max_total_retries"`
}

// DefaultRetryConfig: agent retry 3/1s/x2+jitter,
// implementation retry 2/5s, global circuit breaker at 10.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		AgentMaxAttempts:          3,
		AgentInitialBackoff:       time.Second,
		AgentBackoffMultiplier:    2,
		ImplementationMaxAttempts: 2,
		ImplementationBackoff:     5 * time.Second,
		MaxTotalRetries:           10,
	}
}

// WorkflowFeatures toggles optional behaviors.
type WorkflowFeatures struct {
	DocumentationDiscovery bool `json:"documentation_discovery"`
	ProductValidation      bool `json:"product_validation"` // deprecated, see DESIGN.md
}

// WorkflowConfig tunes task-loop and batch parallelism.
type WorkflowConfig struct {
	ImplementationMode    ImplementationMode `json:"implementation_mode"`
	MaxTaskRetries        int                `json:"max_task_retries"`
	ParallelWorkers       int                `json:"parallel_workers"`
	MaxTaskLoopIterations int                `json:"max_task_loop_iterations"`
	Features              WorkflowFeatures   `json:"features"`
}

// DefaultWorkflowConfig sets the task loop's bounded-retry and
// single-worker-by-default baseline. MaxTaskLoopIterations bounds
// same-task retries, not the number of distinct tasks selected: a long
// chain of sequential tasks must never trip it.
func DefaultWorkflowConfig() *WorkflowConfig {
	return &WorkflowConfig{
		ImplementationMode:    ModeAuto,
		MaxTaskRetries:        3,
		ParallelWorkers:       1,
		MaxTaskLoopIterations: 50,
		Features:              WorkflowFeatures{DocumentationDiscovery: true},
	}
}

// SessionConfig tunes CLI continuity session lifetime.
type SessionConfig struct {
	TTL time.Duration `json:"ttl"`
}

func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{TTL: 24 * time.Hour}
}

// Config is the fully resolved, validated project configuration.
type Config struct {
	ProjectDir string           `json:"-"`
	Review     *ReviewConfig    `json:"review"`
	Budget     *BudgetConfig    `json:"budget"`
	Retry      *RetryConfig     `json:"retry"`
	Workflow   *WorkflowConfig  `json:"workflow"`
	Session    *SessionConfig   `json:"session"`
	Database   *DatabaseConfig  `json:"database,omitempty"`
}

// DatabaseConfig configures the optional Postgres-backed storage.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// EffectiveDocumentationDiscovery resolves the documented Open Question:
// documentation_discovery wins over the deprecated product_validation
// whenever both are set.
func (c *Config) EffectiveDocumentationDiscovery(warn func(string)) bool {
	f := c.Workflow.Features
	if f.ProductValidation && warn != nil {
		warn("product_validation is deprecated; documentation_discovery takes precedence")
	}
	if f.DocumentationDiscovery {
		return true
	}
	return f.ProductValidation
}
