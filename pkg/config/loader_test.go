package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeUsesDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultReviewConfig(), cfg.Review)
	assert.Equal(t, DefaultBudgetConfig(), cfg.Budget)
	assert.Nil(t, cfg.Database)
}

func TestInitializeMergesUserOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	contents := `{
		"review": {"policy": "any_may_approve"},
		"workflow": {"parallel_workers": 4},
		"database": {"host": "db.internal", "port": 5432}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(contents), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, AnyMayApprove, cfg.Review.Policy)
	// Untouched review fields keep their built-in defaults.
	assert.Equal(t, Conservative, cfg.Review.ConflictStrategy)
	assert.Equal(t, 4, cfg.Workflow.ParallelWorkers)
	require.NotNil(t, cfg.Database)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestInitializeRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("not json"), 0o644))

	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}

func TestInitializeFillsDatabasePasswordFromEnv(t *testing.T) {
	dir := t.TempDir()
	contents := `{"database": {"host": "db.internal"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(contents), 0o644))

	t.Setenv("CONDUCTOR_DB_PASSWORD", "secret")
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Database.Password)
}
