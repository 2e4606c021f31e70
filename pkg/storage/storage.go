// Package storage defines the engine's narrow per-entity repository
// interfaces. Two implementations exist: pkg/storage/filestore (the
// default, writing the .workflow/ tree) and pkg/storage/pgstore (for
// multi-session or dashboard-attached deployments). Neither the engine
// nor pkg/phase/pkg/taskloop ever imports a concrete backend directly —
// only these interfaces.
package storage

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ErrNotFound is returned by FindByID when no record matches.
var ErrNotFound = errors.New("record not found")

// allowedOrderColumns is the allowlist the workflow, task and audit
// FindAll validate Page.OrderBy against (the session and checkpoint
// FindAll always order by created_at). An orderBy value outside this set is not a
// client error: it falls back to "created_at" and logs a warning. This
// is the SQL-injection defense boundary for every backend, file or
// Postgres.
var allowedOrderColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"status":     true,
	"id":         true,
}

// ValidateOrderBy returns orderBy unchanged if it is allowlisted, else
// "created_at" and ok=false so the caller can log the fallback.
func ValidateOrderBy(orderBy string) (resolved string, ok bool) {
	if orderBy == "" || allowedOrderColumns[orderBy] {
		if orderBy == "" {
			return "created_at", true
		}
		return orderBy, true
	}
	return "created_at", false
}

// Page describes paginated FindAll parameters.
type Page struct {
	Limit   int
	Offset  int
	OrderBy string
	Desc    bool
}

// WorkflowRepository persists WorkflowState.
type WorkflowRepository interface {
	FindByID(ctx context.Context, id string) (*models.WorkflowState, error)
	FindAll(ctx context.Context, page Page) ([]*models.WorkflowState, error)
	Create(ctx context.Context, w *models.WorkflowState) error
	Update(ctx context.Context, w *models.WorkflowState) error
	Delete(ctx context.Context, id string) error
}

// TaskRepository persists Task.
type TaskRepository interface {
	FindByID(ctx context.Context, id string) (*models.Task, error)
	FindAll(ctx context.Context, workflowID string, page Page) ([]*models.Task, error)
	Create(ctx context.Context, t *models.Task) error
	Update(ctx context.Context, t *models.Task) error
	Delete(ctx context.Context, id string) error
}

// AuditRepository persists AuditEntry.
type AuditRepository interface {
	FindByID(ctx context.Context, id string) (*models.AuditEntry, error)
	FindAll(ctx context.Context, workflowID string, page Page) ([]*models.AuditEntry, error)
	Create(ctx context.Context, a *models.AuditEntry) error
}

// SessionRepository persists Session, enforcing at-most-one-active
// session per task at the call site (pkg/session), not here.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindByTaskID(ctx context.Context, taskID string) (*models.Session, error)
	FindAll(ctx context.Context, page Page) ([]*models.Session, error)
	Create(ctx context.Context, s *models.Session) error
	Update(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, id string) error
}

// BudgetRepository persists BudgetRecord.
type BudgetRepository interface {
	FindByScope(ctx context.Context, workflowID, taskID string) (*models.BudgetRecord, error)
	Create(ctx context.Context, b *models.BudgetRecord) error
	Update(ctx context.Context, b *models.BudgetRecord) error
}

// CheckpointRepository persists Checkpoint.
type CheckpointRepository interface {
	FindByID(ctx context.Context, id string) (*models.Checkpoint, error)
	FindLatest(ctx context.Context, workflowID string, phase models.Phase) (*models.Checkpoint, error)
	FindAll(ctx context.Context, workflowID string, page Page) ([]*models.Checkpoint, error)
	Create(ctx context.Context, c *models.Checkpoint) error
}

// Repositories bundles every repository the engine needs, so callers can
// take a single argument instead of six.
type Repositories struct {
	Workflows   WorkflowRepository
	Tasks       TaskRepository
	Audits      AuditRepository
	Sessions    SessionRepository
	Budgets     BudgetRepository
	Checkpoints CheckpointRepository
}

// EventKind is the live-subscription bus's event taxonomy.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one change notification on an entity.
type Event struct {
	Kind       EventKind
	Entity     string
	EntityID   string
	WorkflowID string
}

// EventBus is the protocol-agnostic live-subscription port: Postgres
// LISTEN/NOTIFY for pgstore, in-process fanout for filestore. Subscribe
// registers a subscriber for workflowID and returns at once; ctx and a
// per-call timeout bound only that registration. The
// returned func unsubscribes and closes the channel.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, workflowID string) (<-chan Event, func(), error)
}
