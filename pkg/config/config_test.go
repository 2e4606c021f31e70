package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveDocumentationDiscovery(t *testing.T) {
	t.Run("discovery enabled wins and warns when both set", func(t *testing.T) {
		cfg := &Config{Workflow: &WorkflowConfig{Features: WorkflowFeatures{
			DocumentationDiscovery: true,
			ProductValidation:      true,
		}}}
		var warned string
		got := cfg.EffectiveDocumentationDiscovery(func(msg string) { warned = msg })
		assert.True(t, got)
		assert.Contains(t, warned, "product_validation")
	})

	t.Run("only legacy flag set falls back to it, still warns", func(t *testing.T) {
		cfg := &Config{Workflow: &WorkflowConfig{Features: WorkflowFeatures{
			ProductValidation: true,
		}}}
		var warned string
		got := cfg.EffectiveDocumentationDiscovery(func(msg string) { warned = msg })
		assert.True(t, got)
		assert.NotEmpty(t, warned)
	})

	t.Run("neither set", func(t *testing.T) {
		cfg := &Config{Workflow: &WorkflowConfig{}}
		called := false
		got := cfg.EffectiveDocumentationDiscovery(func(string) { called = true })
		assert.False(t, got)
		assert.False(t, called)
	})
}

func TestDefaultConfigsAreWellFormed(t *testing.T) {
	review := DefaultReviewConfig()
	assert.Equal(t, AllMustApprove, review.Policy)
	assert.Equal(t, Conservative, review.ConflictStrategy)
	assert.True(t, review.StricterOnVerification)

	budget := DefaultBudgetConfig()
	assert.Equal(t, 0.9, budget.SoftLimitFraction)

	retry := DefaultRetryConfig()
	assert.Equal(t, 3, retry.AgentMaxAttempts)
	assert.Equal(t, 10, retry.MaxTotalRetries)

	workflow := DefaultWorkflowConfig()
	assert.Equal(t, 1, workflow.ParallelWorkers)
	assert.True(t, workflow.Features.DocumentationDiscovery)

	session := DefaultSessionConfig()
	assert.Equal(t, 24*60*60*1e9, float64(session.TTL))
}
