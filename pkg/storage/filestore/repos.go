package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

type workflowRepo struct{ s *Store }

func (r *workflowRepo) path(id string) string {
	return filepath.Join(r.s.dir, "workflows", id+".json")
}

func (r *workflowRepo) FindByID(_ context.Context, id string) (*models.WorkflowState, error) {
	var w models.WorkflowState
	if err := r.s.readJSON(r.path(id), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workflowRepo) FindAll(_ context.Context, page storage.Page) ([]*models.WorkflowState, error) {
	if _, ok := storage.ValidateOrderBy(page.OrderBy); !ok {
		slog.Warn("invalid orderBy, falling back to created_at", "order_by", page.OrderBy)
	}
	names, err := r.s.listDir(filepath.Join(r.s.dir, "workflows"))
	if err != nil {
		return nil, err
	}
	var out []*models.WorkflowState
	for _, name := range names {
		var w models.WorkflowState
		if err := r.s.readJSON(filepath.Join(r.s.dir, "workflows", name), &w); err == nil {
			out = append(out, &w)
		}
	}
	return applyPage(out, page, func(a, b *models.WorkflowState) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (r *workflowRepo) Create(_ context.Context, w *models.WorkflowState) error {
	return r.s.writeJSON(r.path(w.ID), w)
}

func (r *workflowRepo) Update(_ context.Context, w *models.WorkflowState) error {
	return r.s.writeJSON(r.path(w.ID), w)
}

func (r *workflowRepo) Delete(_ context.Context, id string) error {
	return deleteFile(r.path(id))
}

type taskRepo struct{ s *Store }

func (r *taskRepo) path(id string) string {
	return filepath.Join(r.s.dir, "tasks", id+".json")
}

func (r *taskRepo) FindByID(_ context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := r.s.readJSON(r.path(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) FindAll(_ context.Context, workflowID string, page storage.Page) ([]*models.Task, error) {
	if _, ok := storage.ValidateOrderBy(page.OrderBy); !ok {
		slog.Warn("invalid orderBy, falling back to created_at", "order_by", page.OrderBy)
	}
	names, err := r.s.listDir(filepath.Join(r.s.dir, "tasks"))
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, name := range names {
		var t models.Task
		if err := r.s.readJSON(filepath.Join(r.s.dir, "tasks", name), &t); err == nil {
			if workflowID == "" || t.WorkflowID == workflowID {
				out = append(out, &t)
			}
		}
	}
	return applyPage(out, page, func(a, b *models.Task) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (r *taskRepo) Create(_ context.Context, t *models.Task) error {
	return r.s.writeJSON(r.path(t.ID), t)
}

func (r *taskRepo) Update(_ context.Context, t *models.Task) error {
	return r.s.writeJSON(r.path(t.ID), t)
}

func (r *taskRepo) Delete(_ context.Context, id string) error {
	return deleteFile(r.path(id))
}

type auditRepo struct{ s *Store }

func (r *auditRepo) path(id string) string {
	return filepath.Join(r.s.dir, "audits", id+".json")
}

func (r *auditRepo) FindByID(_ context.Context, id string) (*models.AuditEntry, error) {
	var a models.AuditEntry
	if err := r.s.readJSON(r.path(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *auditRepo) FindAll(_ context.Context, workflowID string, page storage.Page) ([]*models.AuditEntry, error) {
	if _, ok := storage.ValidateOrderBy(page.OrderBy); !ok {
		slog.Warn("invalid orderBy, falling back to created_at", "order_by", page.OrderBy)
	}
	names, err := r.s.listDir(filepath.Join(r.s.dir, "audits"))
	if err != nil {
		return nil, err
	}
	var out []*models.AuditEntry
	for _, name := range names {
		var a models.AuditEntry
		if err := r.s.readJSON(filepath.Join(r.s.dir, "audits", name), &a); err == nil {
			if workflowID == "" || a.WorkflowID == workflowID {
				out = append(out, &a)
			}
		}
	}
	return applyPage(out, page, func(a, b *models.AuditEntry) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (r *auditRepo) Create(_ context.Context, a *models.AuditEntry) error {
	return r.s.writeJSON(r.path(a.ID), a)
}

type sessionRepo struct{ s *Store }

func (r *sessionRepo) path(id string) string {
	return filepath.Join(r.s.dir, "sessions", id+".json")
}

func (r *sessionRepo) FindByID(_ context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := r.s.readJSON(r.path(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *sessionRepo) FindByTaskID(ctx context.Context, taskID string) (*models.Session, error) {
	all, err := r.FindAll(ctx, storage.Page{})
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.TaskID == taskID && s.ClosedAt == nil {
			return s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *sessionRepo) FindAll(_ context.Context, page storage.Page) ([]*models.Session, error) {
	names, err := r.s.listDir(filepath.Join(r.s.dir, "sessions"))
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, name := range names {
		var s models.Session
		if err := r.s.readJSON(filepath.Join(r.s.dir, "sessions", name), &s); err == nil {
			out = append(out, &s)
		}
	}
	return applyPage(out, page, func(a, b *models.Session) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (r *sessionRepo) Create(_ context.Context, s *models.Session) error {
	return r.s.writeJSON(r.path(s.ID), s)
}

func (r *sessionRepo) Update(_ context.Context, s *models.Session) error {
	return r.s.writeJSON(r.path(s.ID), s)
}

func (r *sessionRepo) Delete(_ context.Context, id string) error {
	return deleteFile(r.path(id))
}

type budgetRepo struct{ s *Store }

func (r *budgetRepo) path(workflowID, taskID string) string {
	key := workflowID
	if taskID != "" {
		key = workflowID + "_" + taskID
	}
	return filepath.Join(r.s.dir, "budgets", key+".json")
}

func (r *budgetRepo) FindByScope(_ context.Context, workflowID, taskID string) (*models.BudgetRecord, error) {
	var b models.BudgetRecord
	if err := r.s.readJSON(r.path(workflowID, taskID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *budgetRepo) Create(_ context.Context, b *models.BudgetRecord) error {
	return r.s.writeJSON(r.path(b.WorkflowID, b.TaskID), b)
}

func (r *budgetRepo) Update(_ context.Context, b *models.BudgetRecord) error {
	return r.s.writeJSON(r.path(b.WorkflowID, b.TaskID), b)
}

type checkpointRepo struct{ s *Store }

func (r *checkpointRepo) path(id string) string {
	return filepath.Join(r.s.dir, "checkpoints", id+".json")
}

func (r *checkpointRepo) FindByID(_ context.Context, id string) (*models.Checkpoint, error) {
	var c models.Checkpoint
	if err := r.s.readJSON(r.path(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *checkpointRepo) FindLatest(ctx context.Context, workflowID string, phase models.Phase) (*models.Checkpoint, error) {
	all, err := r.FindAll(ctx, workflowID, storage.Page{OrderBy: "created_at", Desc: true})
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Phase == phase {
			return c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *checkpointRepo) FindAll(_ context.Context, workflowID string, page storage.Page) ([]*models.Checkpoint, error) {
	names, err := r.s.listDir(filepath.Join(r.s.dir, "checkpoints"))
	if err != nil {
		return nil, err
	}
	var out []*models.Checkpoint
	for _, name := range names {
		var c models.Checkpoint
		if err := r.s.readJSON(filepath.Join(r.s.dir, "checkpoints", name), &c); err == nil {
			if workflowID == "" || c.WorkflowID == workflowID {
				out = append(out, &c)
			}
		}
	}
	return applyPage(out, page, func(a, b *models.Checkpoint) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (r *checkpointRepo) Create(_ context.Context, c *models.Checkpoint) error {
	return r.s.writeJSON(r.path(c.ID), c)
}

func deleteFile(path string) error {
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}
