// Package taskloop drives the implementation phase's per-task cycle:
// pick the next dependency-satisfied task, check budget, invoke the
// implementer (one invocation per attempt), run tests, route
// failures to the bugfixer, and retry a bounded number of times before
// marking a task failed. A parallel batch mode isolates concurrently
// implemented tasks in their own git worktrees (pkg/worktree) and
// merges them back sequentially. Grounded on
// original_source/orchestrator/phases/phase3_implementation.py for the
// implement/verify/retry shape.
package taskloop

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/budget"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
	"github.com/codeready-toolchain/conductor/pkg/worktree"
)

// Loop drives tasks for one workflow's implementation phase to
// completion or to an escalation.
type Loop struct {
	tasks      storage.TaskRepository
	workflows  storage.WorkflowRepository
	invoker    *agentcli.Invoker
	budget     *budget.Enforcer
	publisher  *events.Publisher
	cfg        *config.WorkflowConfig
	projectDir string
}

func NewLoop(tasks storage.TaskRepository, workflows storage.WorkflowRepository, invoker *agentcli.Invoker, enforcer *budget.Enforcer, publisher *events.Publisher, cfg *config.WorkflowConfig, projectDir string) *Loop {
	return &Loop{tasks: tasks, workflows: workflows, invoker: invoker, budget: enforcer, publisher: publisher, cfg: cfg, projectDir: projectDir}
}

// Outcome summarizes one full pass through every task in a workflow.
type Outcome struct {
	Decision models.NextDecision
	Reason   string
	Done     []*models.Task
	Failed   []*models.Task
}

// Run drives every task belonging to wf to completion, in dependency
// and priority order, sequentially. For parallel batch execution see
// RunParallel.
//
// wf.IterationCount only advances when the same task is re-selected
// (i.e. it is being retried); selecting a different task never
// increments it. This keeps a long chain of distinct sequential tasks
// from ever approaching the cap, while a task stuck retrying trips the
// circuit breaker.
func (l *Loop) Run(ctx context.Context, wf *models.WorkflowState) (Outcome, error) {
	maxIterations := l.cfg.MaxTaskLoopIterations
	if maxIterations <= 0 {
		maxIterations = 50
	}

	lastTaskID := ""
	for {
		all, err := l.tasks.FindAll(ctx, wf.ID, storage.Page{})
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to list tasks: %w", err)
		}

		next, done, failed, ok := selectNext(all)
		if !ok {
			decision := models.DecisionContinue
			reason := "all tasks completed"
			if len(failed) > 0 {
				decision = models.DecisionEscalate
				reason = fmt.Sprintf("%d task(s) failed after exhausting retries", len(failed))
			}
			return Outcome{Decision: decision, Reason: reason, Done: done, Failed: failed}, nil
		}

		if next.ID == lastTaskID {
			wf.IterationCount++
		} else {
			lastTaskID = next.ID
		}
		if err := l.persistIterationCount(ctx, wf); err != nil {
			slog.Warn("failed to persist task loop iteration count", "workflow_id", wf.ID, "error", err)
		}
		if wf.IterationCount >= maxIterations {
			return Outcome{
				Decision: models.DecisionEscalate,
				Reason:   fmt.Sprintf("task loop iteration cap (%d) reached retrying task %s", maxIterations, next.ID),
				Done:     done, Failed: failed,
			}, nil
		}

		if err := l.runOne(ctx, wf.ID, next); err != nil {
			slog.Error("task loop iteration failed", "task_id", next.ID, "error", err)
		}
	}
}

func (l *Loop) persistIterationCount(ctx context.Context, wf *models.WorkflowState) error {
	if l.workflows == nil {
		return nil
	}
	wf.UpdatedAt = time.Now()
	return l.workflows.Update(ctx, wf)
}

// selectNext picks the highest-priority pending task whose dependencies
// are all satisfied, breaking ties by list order. Returns ok=false once
// nothing pending remains (whether done or exhausted).
func selectNext(all []*models.Task) (next *models.Task, done, failed []*models.Task, ok bool) {
	completed := make(map[string]bool, len(all))
	for _, t := range all {
		if t.Status == models.TaskCompleted {
			completed[t.ID] = true
			done = append(done, t)
		}
		if t.Status == models.TaskFailed {
			failed = append(failed, t)
		}
	}
	for _, t := range all {
		if t.Status != models.TaskPending || !t.Ready(completed) {
			continue
		}
		if next == nil || t.Priority > next.Priority {
			next = t
		}
	}
	return next, done, failed, next != nil
}

// runOne implements-then-verifies a single task, applying a
// copy-on-write status transition so concurrent readers of the prior
// Task value are never surprised by an in-place mutation.
func (l *Loop) runOne(ctx context.Context, workflowID string, task *models.Task) error {
	updated := withStatus(task, models.TaskInProgress)
	updated.Attempts++
	if err := l.tasks.Update(ctx, updated); err != nil {
		return fmt.Errorf("failed to mark task in progress: %w", err)
	}
	l.publisher.TaskUpdated(ctx, updated.ID)

	maxRetries := l.cfg.MaxTaskRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	bresult := l.budget.CanSpend(ctx, workflowID, task.ID, 0)
	if bresult.Decision == budget.Abort {
		final := withStatus(updated, models.TaskFailed)
		final.Error = "budget exhausted: " + bresult.Reason
		return l.persist(ctx, final)
	}

	implResult := l.implement(ctx, workflowID, updated)
	if !implResult.Success {
		return l.retryOrFail(ctx, updated, maxRetries, "implementation failed: "+implResult.Error)
	}

	verifying := withStatus(updated, models.TaskVerifying)
	if err := l.tasks.Update(ctx, verifying); err != nil {
		return fmt.Errorf("failed to mark task verifying: %w", err)
	}
	l.publisher.TaskUpdated(ctx, verifying.ID)

	commands := testCommandsFor(task, l.projectDir)
	testResults := RunTests(ctx, l.projectDir, commands)
	verifying.TestResults = testResults

	if !testResults.AllPassed {
		if err := l.fixBug(ctx, workflowID, verifying, testResults); err != nil {
			slog.Warn("bugfixer invocation failed", "task_id", task.ID, "error", err)
		}
		return l.retryOrFail(ctx, verifying, maxRetries, "tests failed after implementation")
	}

	completed := withStatus(verifying, models.TaskCompleted)
	return l.persist(ctx, completed)
}

func testCommandsFor(task *models.Task, projectDir string) []string {
	if task.TestCommand != "" {
		return []string{task.TestCommand}
	}
	return DetectTestCommands(projectDir)
}

// implement invokes the planner agent once for the task. It does not
// read cfg.ImplementationMode or the task's estimated complexity; there
// is no iterative mode, and retries come only from runOne's bounded
// per-task attempts.
func (l *Loop) implement(ctx context.Context, workflowID string, task *models.Task) agentcli.Result {
	req := agentcli.Request{
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Phase:      models.PhaseImplementation,
		Agent:      "planner",
		Prompt:     implementationPrompt(task),
		WorkDir:    l.projectDir,
	}
	return l.invoker.Invoke(ctx, req)
}

func implementationPrompt(task *models.Task) string {
	return fmt.Sprintf("Implement task %q: %s\n\nWrite tests first, then implementation, then report files_created/files_modified as JSON.", task.Title, task.Description)
}

func (l *Loop) fixBug(ctx context.Context, workflowID string, task *models.Task, results *models.TestResults) error {
	req := agentcli.Request{
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Phase:      models.PhaseImplementation,
		Agent:      "bugfixer",
		Prompt:     fmt.Sprintf("Task %q has failing tests (%d failed). Errors: %v. Fix the implementation.", task.Title, results.Failed, results.Errors),
		WorkDir:    l.projectDir,
	}
	res := l.invoker.Invoke(ctx, req)
	if !res.Success {
		return fmt.Errorf("bugfixer invocation failed: %s", res.Error)
	}
	return nil
}

func (l *Loop) retryOrFail(ctx context.Context, task *models.Task, maxRetries int, reason string) error {
	if task.Attempts >= maxRetries {
		failed := withStatus(task, models.TaskFailed)
		failed.Error = reason
		return l.persist(ctx, failed)
	}
	pending := withStatus(task, models.TaskPending)
	pending.Error = reason
	return l.persist(ctx, pending)
}

// persist reloads whatever is currently stored for task.ID and merges
// this loop iteration's update onto it via mergeTaskUpdates before
// writing, so a concurrent update from another path (worktree merge-back,
// a stale handle, an operator edit) is combined rather than clobbered.
func (l *Loop) persist(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now()
	current, err := l.tasks.FindByID(ctx, task.ID)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to load current task state for %s: %w", task.ID, err)
	}
	merged := task
	if current != nil {
		if detectTaskConflict(current, task) {
			slog.Warn("concurrent task update conflict detected, merging", "task_id", task.ID)
		}
		merged = mergeTaskUpdates(current, task)
	}
	if err := l.tasks.Update(ctx, merged); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	l.publisher.TaskUpdated(ctx, merged.ID)
	return nil
}

// withStatus returns a copy of task with a new status applied, a single
// state transition that leaves the caller's copy untouched. It is not
// itself the concurrent-update merge; that is mergeTaskUpdates below.
func withStatus(task *models.Task, status models.TaskStatus) *models.Task {
	next := *task
	next.Status = status
	next.UpdatedAt = time.Now()
	return &next
}

// mergeTaskUpdates combines existing (the last value read from storage)
// with update (this loop iteration's in-memory change) into a single
// result, without mutating either input: the higher Attempts count
// wins, list-valued fields (DependsOn, FilesCreated, FilesModified) are
// unioned and deduplicated, and a populated field on one side is never
// overwritten by a zero value on the other. update wins ties on scalar
// fields, since it represents the newer write.
func mergeTaskUpdates(existing, update *models.Task) *models.Task {
	if existing == nil {
		return update
	}
	if update == nil {
		return existing
	}

	merged := *update
	if existing.Attempts > merged.Attempts {
		merged.Attempts = existing.Attempts
	}
	merged.DependsOn = unionStrings(existing.DependsOn, update.DependsOn)
	merged.FilesCreated = unionStrings(existing.FilesCreated, update.FilesCreated)
	merged.FilesModified = unionStrings(existing.FilesModified, update.FilesModified)

	if merged.Error == "" {
		merged.Error = existing.Error
	}
	if merged.TestResults == nil {
		merged.TestResults = existing.TestResults
	}
	if merged.EstimatedComplexity == "" {
		merged.EstimatedComplexity = existing.EstimatedComplexity
	}
	if merged.TestCommand == "" {
		merged.TestCommand = existing.TestCommand
	}
	if merged.Title == "" {
		merged.Title = existing.Title
	}
	if merged.Description == "" {
		merged.Description = existing.Description
	}
	return &merged
}

// unionStrings returns the deduplicated concatenation of a and b without
// modifying either slice, preserving a's order followed by b's new
// entries.
func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// detectTaskConflict reports whether existing and update both set a
// differing value for a field that matters for correctness — error,
// FilesCreated, FilesModified, or TestResults — widening the original
// status-only conflict check so a silent double-write on any of these
// is at least logged.
func detectTaskConflict(existing, update *models.Task) bool {
	if existing.Error != "" && update.Error != "" && existing.Error != update.Error {
		return true
	}
	if !stringSlicesEqualUnordered(existing.FilesCreated, update.FilesCreated) && len(existing.FilesCreated) > 0 && len(update.FilesCreated) > 0 {
		return true
	}
	if !stringSlicesEqualUnordered(existing.FilesModified, update.FilesModified) && len(existing.FilesModified) > 0 && len(update.FilesModified) > 0 {
		return true
	}
	if existing.TestResults != nil && update.TestResults != nil && !reflect.DeepEqual(existing.TestResults, update.TestResults) {
		return true
	}
	return false
}

func stringSlicesEqualUnordered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// RunParallel implements a batch of independent (no cross-dependency)
// tasks concurrently, each in its own git worktree, merging completed
// work back into repoRoot sequentially in task order so merge conflicts
// are deterministic to reproduce. Bounded by cfg.ParallelWorkers.
func (l *Loop) RunParallel(ctx context.Context, workflowID, repoRoot string, batch []*models.Task) (Outcome, error) {
	workers := l.cfg.ParallelWorkers
	if workers <= 0 {
		workers = 1
	}
	pool := worktree.NewPool(repoRoot, "conductor-"+shortID(workflowID))

	type taskResult struct {
		task   *models.Task
		handle *worktree.Handle
		err    error
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	resultsCh := make(chan taskResult, len(batch))

	for _, task := range batch {
		task := task
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			handle, err := pool.Create(ctx, task.ID)
			if err != nil {
				resultsCh <- taskResult{task: task, err: fmt.Errorf("failed to create worktree: %w", err)}
				return
			}

			sub := &Loop{tasks: l.tasks, invoker: l.invoker, budget: l.budget, publisher: l.publisher, cfg: l.cfg, projectDir: handle.Path}
			if runErr := sub.runOne(ctx, workflowID, task); runErr != nil {
				resultsCh <- taskResult{task: task, handle: handle, err: runErr}
				return
			}
			if cur, err := l.tasks.FindByID(ctx, task.ID); err == nil && cur.Status != models.TaskCompleted {
				resultsCh <- taskResult{task: task, handle: handle, err: fmt.Errorf("task ended with status %s", cur.Status)}
				return
			}
			resultsCh <- taskResult{task: task, handle: handle}
		}()
	}

	wg.Wait()
	close(resultsCh)

	// Collect in submission order so sequential merge-back is
	// deterministic even though implementation ran concurrently.
	byTaskID := make(map[string]taskResult, len(batch))
	for r := range resultsCh {
		byTaskID[r.task.ID] = r
	}

	var done, failed []*models.Task
	for _, task := range batch {
		r := byTaskID[task.ID]
		if r.err != nil {
			slog.Error("parallel task failed", "task_id", task.ID, "error", r.err)
			failed = append(failed, task)
			if r.handle != nil {
				_ = pool.Remove(ctx, r.handle)
			}
			continue
		}
		if r.handle == nil {
			continue
		}
		msg := fmt.Sprintf("task %s: %s", task.ID, task.Title)
		if mergeErr := pool.Merge(ctx, r.handle, msg); mergeErr != nil {
			slog.Error("failed to merge parallel task worktree", "task_id", task.ID, "error", mergeErr)
			failed = append(failed, task)
			continue
		}
		if err := pool.Remove(ctx, r.handle); err != nil {
			slog.Warn("failed to remove merged worktree", "task_id", task.ID, "error", err)
		}
		done = append(done, task)
	}

	decision := models.DecisionContinue
	reason := "batch completed"
	if len(failed) > 0 {
		decision = models.DecisionEscalate
		reason = fmt.Sprintf("%d task(s) in batch failed", len(failed))
	}
	return Outcome{Decision: decision, Reason: reason, Done: done, Failed: failed}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
