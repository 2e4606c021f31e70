package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

type fakeBudgetRepo struct {
	rec     *models.BudgetRecord
	findErr error
}

func (f *fakeBudgetRepo) FindByScope(ctx context.Context, workflowID, taskID string) (*models.BudgetRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.rec == nil {
		return nil, storage.ErrNotFound
	}
	return f.rec, nil
}

func (f *fakeBudgetRepo) Create(ctx context.Context, b *models.BudgetRecord) error {
	f.rec = b
	return nil
}

func (f *fakeBudgetRepo) Update(ctx context.Context, b *models.BudgetRecord) error {
	f.rec = b
	return nil
}

func TestCanSpendNoLimitAlwaysAllows(t *testing.T) {
	repo := &fakeBudgetRepo{}
	e := NewEnforcer(repo, &config.BudgetConfig{SoftLimitFraction: 0.9})
	res := e.CanSpend(context.Background(), "wf1", "task1", 100)
	assert.Equal(t, Allow, res.Decision)
}

func TestCanSpendThresholds(t *testing.T) {
	cfg := &config.BudgetConfig{PerTaskLimitUSD: 10, SoftLimitFraction: 0.9}

	t.Run("under soft threshold allows", func(t *testing.T) {
		repo := &fakeBudgetRepo{rec: &models.BudgetRecord{SpentUSD: 1}}
		e := NewEnforcer(repo, cfg)
		res := e.CanSpend(context.Background(), "wf1", "task1", 1)
		assert.Equal(t, Allow, res.Decision)
	})

	t.Run("crossing soft threshold escalates", func(t *testing.T) {
		repo := &fakeBudgetRepo{rec: &models.BudgetRecord{SpentUSD: 8.5}}
		e := NewEnforcer(repo, cfg)
		res := e.CanSpend(context.Background(), "wf1", "task1", 0.6)
		assert.Equal(t, Escalate, res.Decision)
	})

	t.Run("crossing hard limit aborts", func(t *testing.T) {
		repo := &fakeBudgetRepo{rec: &models.BudgetRecord{SpentUSD: 9.5}}
		e := NewEnforcer(repo, cfg)
		res := e.CanSpend(context.Background(), "wf1", "task1", 1)
		assert.Equal(t, Abort, res.Decision)
	})

	t.Run("per-record limit overrides config default", func(t *testing.T) {
		repo := &fakeBudgetRepo{rec: &models.BudgetRecord{SpentUSD: 0, LimitUSD: 2}}
		e := NewEnforcer(repo, cfg)
		res := e.CanSpend(context.Background(), "wf1", "task1", 3)
		assert.Equal(t, Abort, res.Decision)
		assert.Equal(t, 2.0, res.LimitUSD)
	})
}

func TestCanSpendEscalatesOnStoreFailure(t *testing.T) {
	repo := &fakeBudgetRepo{findErr: errors.New("connection refused")}
	e := NewEnforcer(repo, &config.BudgetConfig{PerTaskLimitUSD: 10, SoftLimitFraction: 0.9})
	res := e.CanSpend(context.Background(), "wf1", "task1", 1)
	assert.Equal(t, Escalate, res.Decision)
}

func TestRecordSpendCreatesOnFirstUse(t *testing.T) {
	repo := &fakeBudgetRepo{}
	e := NewEnforcer(repo, &config.BudgetConfig{PerTaskLimitUSD: 10})
	require.NoError(t, e.RecordSpend(context.Background(), "wf1", "task1", 3))
	assert.Equal(t, 3.0, repo.rec.SpentUSD)
	assert.Equal(t, 10.0, repo.rec.LimitUSD)
}

func TestRecordSpendAccumulates(t *testing.T) {
	repo := &fakeBudgetRepo{rec: &models.BudgetRecord{SpentUSD: 2}}
	e := NewEnforcer(repo, &config.BudgetConfig{PerTaskLimitUSD: 10})
	require.NoError(t, e.RecordSpend(context.Background(), "wf1", "task1", 3))
	assert.Equal(t, 5.0, repo.rec.SpentUSD)
}
