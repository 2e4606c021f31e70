package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// Repositories returns the bundle of interfaces backed by this Postgres store.
func (s *Store) Repositories() storage.Repositories {
	return storage.Repositories{
		Workflows:   &workflowRepo{s},
		Tasks:       &taskRepo{s},
		Audits:      &auditRepo{s},
		Sessions:    &sessionRepo{s},
		Budgets:     &budgetRepo{s},
		Checkpoints: &checkpointRepo{s},
	}
}

func resolveOrderBy(orderBy string) string {
	resolved, ok := storage.ValidateOrderBy(orderBy)
	if !ok {
		slog.Warn("invalid orderBy, falling back to created_at", "order_by", orderBy)
	}
	return resolved
}

type workflowRepo struct{ s *Store }

func (r *workflowRepo) FindByID(ctx context.Context, id string) (*models.WorkflowState, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, project_name, project_dir, current_phase, end_phase,
		status, total_retries, max_total_retries, spec_checksum, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	var w models.WorkflowState
	if err := row.Scan(&w.ID, &w.ProjectName, &w.ProjectDir, &w.CurrentPhase, &w.EndPhase,
		&w.Status, &w.TotalRetries, &w.MaxTotalRetries, &w.SpecChecksum, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *workflowRepo) FindAll(ctx context.Context, page storage.Page) ([]*models.WorkflowState, error) {
	orderBy := resolveOrderBy(page.OrderBy)
	dir := "ASC"
	if page.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT id, project_name, project_dir, current_phase, end_phase,
		status, total_retries, max_total_retries, spec_checksum, created_at, updated_at
		FROM workflows ORDER BY %s %s LIMIT $1 OFFSET $2`, pgx.Identifier{orderBy}.Sanitize(), dir)
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.s.pool.Query(ctx, query, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WorkflowState
	for rows.Next() {
		var w models.WorkflowState
		if err := rows.Scan(&w.ID, &w.ProjectName, &w.ProjectDir, &w.CurrentPhase, &w.EndPhase,
			&w.Status, &w.TotalRetries, &w.MaxTotalRetries, &w.SpecChecksum, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (r *workflowRepo) Create(ctx context.Context, w *models.WorkflowState) error {
	_, err := r.s.pool.Exec(ctx, `INSERT INTO workflows
		(id, project_name, project_dir, current_phase, end_phase, status, total_retries,
		 max_total_retries, spec_checksum, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		w.ID, w.ProjectName, w.ProjectDir, w.CurrentPhase, w.EndPhase, w.Status,
		w.TotalRetries, w.MaxTotalRetries, w.SpecChecksum, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *workflowRepo) Update(ctx context.Context, w *models.WorkflowState) error {
	_, err := r.s.pool.Exec(ctx, `UPDATE workflows SET project_name=$2, project_dir=$3,
		current_phase=$4, end_phase=$5, status=$6, total_retries=$7, max_total_retries=$8,
		spec_checksum=$9, updated_at=$10 WHERE id=$1`,
		w.ID, w.ProjectName, w.ProjectDir, w.CurrentPhase, w.EndPhase, w.Status,
		w.TotalRetries, w.MaxTotalRetries, w.SpecChecksum, w.UpdatedAt)
	return err
}

func (r *workflowRepo) Delete(ctx context.Context, id string) error {
	_, err := r.s.pool.Exec(ctx, `DELETE FROM workflows WHERE id=$1`, id)
	return err
}

type taskRepo struct{ s *Store }

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var depends, created, modified []byte
	var testResults []byte
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.Title, &t.Description, &depends, &t.Status,
		&t.Attempts, &t.EstimatedComplexity, &t.TestCommand, &created, &modified, &testResults,
		&t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(depends, &t.DependsOn)
	_ = json.Unmarshal(created, &t.FilesCreated)
	_ = json.Unmarshal(modified, &t.FilesModified)
	if len(testResults) > 0 {
		t.TestResults = &models.TestResults{}
		_ = json.Unmarshal(testResults, t.TestResults)
	}
	return &t, nil
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*models.Task, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, workflow_id, title, description, depends_on, status,
		attempts, estimated_complexity, test_command, files_created, files_modified, test_results,
		error, created_at, updated_at FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return t, err
}

func (r *taskRepo) FindAll(ctx context.Context, workflowID string, page storage.Page) ([]*models.Task, error) {
	orderBy := resolveOrderBy(page.OrderBy)
	dir := "ASC"
	if page.Desc {
		dir = "DESC"
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT id, workflow_id, title, description, depends_on, status,
		attempts, estimated_complexity, test_command, files_created, files_modified, test_results,
		error, created_at, updated_at FROM tasks WHERE workflow_id=$1 ORDER BY %s %s LIMIT $2 OFFSET $3`,
		pgx.Identifier{orderBy}.Sanitize(), dir)
	rows, err := r.s.pool.Query(ctx, query, workflowID, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *taskRepo) Create(ctx context.Context, t *models.Task) error {
	depends, _ := json.Marshal(t.DependsOn)
	created, _ := json.Marshal(t.FilesCreated)
	modified, _ := json.Marshal(t.FilesModified)
	var testResults []byte
	if t.TestResults != nil {
		testResults, _ = json.Marshal(t.TestResults)
	}
	_, err := r.s.pool.Exec(ctx, `INSERT INTO tasks (id, workflow_id, title, description, depends_on,
		status, attempts, estimated_complexity, test_command, files_created, files_modified,
		test_results, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.WorkflowID, t.Title, t.Description, depends, t.Status, t.Attempts,
		t.EstimatedComplexity, t.TestCommand, created, modified, testResults, t.Error,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *taskRepo) Update(ctx context.Context, t *models.Task) error {
	depends, _ := json.Marshal(t.DependsOn)
	created, _ := json.Marshal(t.FilesCreated)
	modified, _ := json.Marshal(t.FilesModified)
	var testResults []byte
	if t.TestResults != nil {
		testResults, _ = json.Marshal(t.TestResults)
	}
	_, err := r.s.pool.Exec(ctx, `UPDATE tasks SET title=$2, description=$3, depends_on=$4,
		status=$5, attempts=$6, estimated_complexity=$7, test_command=$8, files_created=$9,
		files_modified=$10, test_results=$11, error=$12, updated_at=$13 WHERE id=$1`,
		t.ID, t.Title, t.Description, depends, t.Status, t.Attempts, t.EstimatedComplexity,
		t.TestCommand, created, modified, testResults, t.Error, t.UpdatedAt)
	return err
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	return err
}

type auditRepo struct{ s *Store }

func (r *auditRepo) FindByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, workflow_id, task_id, agent, phase, prompt_hash,
		allowed_tools, session_id, cost_usd, duration_ms, exit_code, output_kind, error, created_at
		FROM audit_entries WHERE id=$1`, id)
	a, err := scanAudit(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return a, err
}

func scanAudit(row pgx.Row) (*models.AuditEntry, error) {
	var a models.AuditEntry
	var tools []byte
	if err := row.Scan(&a.ID, &a.WorkflowID, &a.TaskID, &a.Agent, &a.Phase, &a.PromptHash,
		&tools, &a.SessionID, &a.CostUSD, &a.DurationMS, &a.ExitCode, &a.OutputKind, &a.Error,
		&a.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(tools, &a.AllowedTools)
	return &a, nil
}

func (r *auditRepo) FindAll(ctx context.Context, workflowID string, page storage.Page) ([]*models.AuditEntry, error) {
	orderBy := resolveOrderBy(page.OrderBy)
	dir := "ASC"
	if page.Desc {
		dir = "DESC"
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT id, workflow_id, task_id, agent, phase, prompt_hash, allowed_tools,
		session_id, cost_usd, duration_ms, exit_code, output_kind, error, created_at
		FROM audit_entries WHERE workflow_id=$1 ORDER BY %s %s LIMIT $2 OFFSET $3`,
		pgx.Identifier{orderBy}.Sanitize(), dir)
	rows, err := r.s.pool.Query(ctx, query, workflowID, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AuditEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *auditRepo) Create(ctx context.Context, a *models.AuditEntry) error {
	tools, _ := json.Marshal(a.AllowedTools)
	_, err := r.s.pool.Exec(ctx, `INSERT INTO audit_entries (id, workflow_id, task_id, agent, phase,
		prompt_hash, allowed_tools, session_id, cost_usd, duration_ms, exit_code, output_kind,
		error, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.WorkflowID, a.TaskID, a.Agent, a.Phase, a.PromptHash, tools, a.SessionID,
		a.CostUSD, a.DurationMS, a.ExitCode, a.OutputKind, a.Error, a.CreatedAt)
	return err
}

type sessionRepo struct{ s *Store }

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.TaskID, &s.Agent, &s.CLISessID, &s.CreatedAt, &s.UpdatedAt, &s.ClosedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, task_id, agent, cli_session_id, created_at, updated_at,
		closed_at FROM sessions WHERE id=$1`, id)
	s, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return s, err
}

func (r *sessionRepo) FindByTaskID(ctx context.Context, taskID string) (*models.Session, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, task_id, agent, cli_session_id, created_at, updated_at,
		closed_at FROM sessions WHERE task_id=$1 AND closed_at IS NULL LIMIT 1`, taskID)
	s, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return s, err
}

func (r *sessionRepo) FindAll(ctx context.Context, page storage.Page) ([]*models.Session, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.s.pool.Query(ctx, `SELECT id, task_id, agent, cli_session_id, created_at,
		updated_at, closed_at FROM sessions ORDER BY created_at LIMIT $1 OFFSET $2`, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	_, err := r.s.pool.Exec(ctx, `INSERT INTO sessions (id, task_id, agent, cli_session_id,
		created_at, updated_at, closed_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.TaskID, s.Agent, s.CLISessID, s.CreatedAt, s.UpdatedAt, s.ClosedAt)
	return err
}

func (r *sessionRepo) Update(ctx context.Context, s *models.Session) error {
	_, err := r.s.pool.Exec(ctx, `UPDATE sessions SET cli_session_id=$2, updated_at=$3,
		closed_at=$4 WHERE id=$1`, s.ID, s.CLISessID, s.UpdatedAt, s.ClosedAt)
	return err
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.s.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	return err
}

type budgetRepo struct{ s *Store }

func (r *budgetRepo) FindByScope(ctx context.Context, workflowID, taskID string) (*models.BudgetRecord, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, workflow_id, task_id, spent_usd, limit_usd, updated_at
		FROM budget_records WHERE workflow_id=$1 AND task_id=$2`, workflowID, taskID)
	var b models.BudgetRecord
	if err := row.Scan(&b.ID, &b.WorkflowID, &b.TaskID, &b.SpentUSD, &b.LimitUSD, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *budgetRepo) Create(ctx context.Context, b *models.BudgetRecord) error {
	_, err := r.s.pool.Exec(ctx, `INSERT INTO budget_records (id, workflow_id, task_id, spent_usd,
		limit_usd, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.WorkflowID, b.TaskID, b.SpentUSD, b.LimitUSD, b.UpdatedAt)
	return err
}

func (r *budgetRepo) Update(ctx context.Context, b *models.BudgetRecord) error {
	_, err := r.s.pool.Exec(ctx, `UPDATE budget_records SET spent_usd=$3, limit_usd=$4,
		updated_at=$5 WHERE workflow_id=$1 AND task_id=$2`,
		b.WorkflowID, b.TaskID, b.SpentUSD, b.LimitUSD, b.UpdatedAt)
	return err
}

type checkpointRepo struct{ s *Store }

func scanCheckpoint(row pgx.Row) (*models.Checkpoint, error) {
	var c models.Checkpoint
	var manifest []byte
	if err := row.Scan(&c.ID, &c.WorkflowID, &c.Phase, &c.GitCommitHash, &c.StateSnapshot,
		&manifest, &c.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(manifest, &c.FileManifest)
	return &c, nil
}

func (r *checkpointRepo) FindByID(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, workflow_id, phase, git_commit_hash, state_snapshot,
		file_manifest, created_at FROM checkpoints WHERE id=$1`, id)
	c, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return c, err
}

func (r *checkpointRepo) FindLatest(ctx context.Context, workflowID string, phase models.Phase) (*models.Checkpoint, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT id, workflow_id, phase, git_commit_hash, state_snapshot,
		file_manifest, created_at FROM checkpoints WHERE workflow_id=$1 AND phase=$2
		ORDER BY created_at DESC LIMIT 1`, workflowID, phase)
	c, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return c, err
}

func (r *checkpointRepo) FindAll(ctx context.Context, workflowID string, page storage.Page) ([]*models.Checkpoint, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.s.pool.Query(ctx, `SELECT id, workflow_id, phase, git_commit_hash, state_snapshot,
		file_manifest, created_at FROM checkpoints WHERE workflow_id=$1 ORDER BY created_at
		LIMIT $2 OFFSET $3`, workflowID, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *checkpointRepo) Create(ctx context.Context, c *models.Checkpoint) error {
	manifest, _ := json.Marshal(c.FileManifest)
	_, err := r.s.pool.Exec(ctx, `INSERT INTO checkpoints (id, workflow_id, phase, git_commit_hash,
		state_snapshot, file_manifest, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.WorkflowID, c.Phase, c.GitCommitHash, c.StateSnapshot, manifest, c.CreatedAt)
	return err
}
