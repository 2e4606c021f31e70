package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Review:   DefaultReviewConfig(),
		Budget:   DefaultBudgetConfig(),
		Retry:    DefaultRetryConfig(),
		Workflow: DefaultWorkflowConfig(),
		Session:  DefaultSessionConfig(),
	}
}

func TestValidateNoWarningsOnDefaults(t *testing.T) {
	cfg := validConfig()
	warnings := Validate(cfg)
	assert.Empty(t, warnings)
}

func TestValidateFallsBackOnBadValues(t *testing.T) {
	t.Run("soft limit fraction out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Budget.SoftLimitFraction = 1.5
		warnings := Validate(cfg)
		assert.NotEmpty(t, warnings)
		assert.Equal(t, 0.9, cfg.Budget.SoftLimitFraction)
	})

	t.Run("unknown review policy", func(t *testing.T) {
		cfg := validConfig()
		cfg.Review.Policy = "bogus"
		Validate(cfg)
		assert.Equal(t, AllMustApprove, cfg.Review.Policy)
	})

	t.Run("unknown conflict strategy", func(t *testing.T) {
		cfg := validConfig()
		cfg.Review.ConflictStrategy = "bogus"
		Validate(cfg)
		assert.Equal(t, Conservative, cfg.Review.ConflictStrategy)
	})

	t.Run("threshold out of 0-10 range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Review.SingleReviewerThreshold = 42
		Validate(cfg)
		assert.Equal(t, 7.5, cfg.Review.SingleReviewerThreshold)
	})

	t.Run("parallel workers below 1", func(t *testing.T) {
		cfg := validConfig()
		cfg.Workflow.ParallelWorkers = 0
		Validate(cfg)
		assert.Equal(t, 1, cfg.Workflow.ParallelWorkers)
	})

	t.Run("negative max total retries", func(t *testing.T) {
		cfg := validConfig()
		cfg.Retry.MaxTotalRetries = -1
		Validate(cfg)
		assert.Equal(t, 10, cfg.Retry.MaxTotalRetries)
	})

	t.Run("both discovery flags set warns but keeps values", func(t *testing.T) {
		cfg := validConfig()
		cfg.Workflow.Features.ProductValidation = true
		cfg.Workflow.Features.DocumentationDiscovery = true
		warnings := Validate(cfg)
		assert.Len(t, warnings, 1)
		assert.Equal(t, "workflow.features.product_validation", warnings[0].Field)
	})
}
