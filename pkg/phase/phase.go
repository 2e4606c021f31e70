// Package phase implements the five-phase workflow state machine
// (Planning, Validation, Implementation, Verification, Completion).
// Each phase is a Runner that returns a Result carrying the
// NextDecision the orchestrator uses to advance, retry, escalate, or
// abort — a direct generalization of
// original_source/orchestrator/phases/base.py's BasePhase.execute/run
// split (result-dict return instead of exceptions-as-control-flow) and
// the per-phase files it dispatches to.
package phase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/gitops"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/review"
	"github.com/codeready-toolchain/conductor/pkg/storage"
	"github.com/codeready-toolchain/conductor/pkg/taskloop"
)

// Result is what every phase hands back to the orchestrator.
type Result struct {
	Decision models.NextDecision
	Reason   string
	Data     map[string]any
}

// Runner executes one phase against a workflow.
type Runner interface {
	Run(ctx context.Context, wf *models.WorkflowState) Result
}

// Deps bundles the collaborators every phase needs. Phases never reach
// for a concrete storage backend or agent binary directly — only these
// ports.
type Deps struct {
	Repos    storage.Repositories
	Invoker  *agentcli.Invoker
	Git      *gitops.Git
	Cfg      *config.Config
}

// DetectContextDrift recomputes the workflow's spec checksum and
// compares it against the one captured at workflow creation, mirroring
// base.py's check_context_drift/ContextManager.validate_context. A
// changed PRODUCT.md mid-run is surfaced as a warning, never silently
// ignored.
func DetectContextDrift(wf *models.WorkflowState, productSpecPath string) (drifted bool, newChecksum string) {
	data, err := os.ReadFile(productSpecPath)
	if err != nil {
		return false, wf.SpecChecksum
	}
	sum := sha256.Sum256(data)
	newChecksum = hex.EncodeToString(sum[:])
	if wf.SpecChecksum == "" {
		return false, newChecksum
	}
	return newChecksum != wf.SpecChecksum, newChecksum
}

// Planning validates PRODUCT.md (or generates a draft if absent when
// documentation_discovery is enabled), invokes the planner agent, and
// persists the resulting Task set. Grounded on phase1_planning.py.
type Planning struct{ Deps Deps }

func (p Planning) Run(ctx context.Context, wf *models.WorkflowState) Result {
	specPath := filepath.Join(wf.ProjectDir, "PRODUCT.md")
	spec, err := os.ReadFile(specPath)
	if err != nil {
		if !p.Deps.Cfg.EffectiveDocumentationDiscovery(func(msg string) { slog.Warn(msg) }) {
			return Result{Decision: models.DecisionEscalate, Reason: "PRODUCT.md not found and documentation_discovery is disabled"}
		}
		draft, genErr := p.generateDraftSpec(ctx, wf)
		if genErr != nil {
			return Result{Decision: models.DecisionEscalate, Reason: fmt.Sprintf("failed to draft PRODUCT.md: %v", genErr)}
		}
		if err := os.WriteFile(specPath, []byte(draft), 0o644); err != nil {
			return Result{Decision: models.DecisionEscalate, Reason: fmt.Sprintf("failed to write drafted PRODUCT.md: %v", err)}
		}
		spec = []byte(draft)
		slog.Info("drafted PRODUCT.md via documentation discovery", "workflow_id", wf.ID)
	}

	if warnings := validateProductSpec(string(spec)); len(warnings) > 0 {
		for _, w := range warnings {
			slog.Warn("PRODUCT.md validation warning", "workflow_id", wf.ID, "warning", w)
		}
	}

	req := agentcli.Request{
		WorkflowID: wf.ID,
		Phase:      models.PhasePlanning,
		Agent:      "planner",
		Prompt:     planningPrompt(string(spec)),
		WorkDir:    wf.ProjectDir,
	}
	res := p.Deps.Invoker.Invoke(ctx, req)
	if !res.Success {
		return Result{Decision: models.DecisionRetry, Reason: "planner invocation failed: " + res.Error}
	}

	tasks, err := tasksFromPlan(wf.ID, res.ParsedOutput)
	if err != nil {
		return Result{Decision: models.DecisionRetry, Reason: err.Error()}
	}
	for _, t := range tasks {
		if err := p.Deps.Repos.Tasks.Create(ctx, t); err != nil {
			return Result{Decision: models.DecisionEscalate, Reason: fmt.Sprintf("failed to persist task %s: %v", t.ID, err)}
		}
	}

	_, checksum := DetectContextDrift(wf, specPath)
	wf.SpecChecksum = checksum
	return Result{Decision: models.DecisionContinue, Reason: fmt.Sprintf("planned %d task(s)", len(tasks)), Data: map[string]any{"task_count": len(tasks)}}
}

func (p Planning) generateDraftSpec(ctx context.Context, wf *models.WorkflowState) (string, error) {
	req := agentcli.Request{
		WorkflowID: wf.ID,
		Phase:      models.PhasePlanning,
		Agent:      "planner",
		Prompt:     "No PRODUCT.md exists in this project. Inspect the repository and draft one describing its apparent purpose and a feature to add.",
		WorkDir:    wf.ProjectDir,
	}
	res := p.Deps.Invoker.Invoke(ctx, req)
	if !res.Success {
		return "", fmt.Errorf("documentation discovery agent failed: %s", res.Error)
	}
	if text, ok := res.ParsedOutput["text"].(string); ok && text != "" {
		return text, nil
	}
	return res.Output, nil
}

func planningPrompt(productSpec string) string {
	return fmt.Sprintf("Read the following product specification and produce a structured implementation plan as JSON with a \"tasks\" array (id, title, description, depends_on, estimated_complexity):\n\n%s", productSpec)
}

func validateProductSpec(spec string) []string {
	var warnings []string
	if len(strings.TrimSpace(spec)) < 20 {
		warnings = append(warnings, "PRODUCT.md is unusually short")
	}
	if !strings.Contains(spec, "#") {
		warnings = append(warnings, "PRODUCT.md has no markdown headings")
	}
	return warnings
}

// tasksFromPlan converts a planner's parsed JSON plan into persisted
// Task records.
func tasksFromPlan(workflowID string, plan map[string]any) ([]*models.Task, error) {
	raw, ok := plan["tasks"].([]any)
	if !ok {
		return nil, fmt.Errorf("planner output missing a \"tasks\" array")
	}
	tasks := make([]*models.Task, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := &models.Task{
			WorkflowID:  workflowID,
			ID:          stringField(m, "id"),
			Title:       stringField(m, "title"),
			Description: stringField(m, "description"),
			Status:      models.TaskPending,
		}
		if t.ID == "" {
			t.ID = models.NewID()
		}
		t.DependsOn = stringSliceField(m, "depends_on")
		if c := stringField(m, "estimated_complexity"); c != "" {
			t.EstimatedComplexity = models.Complexity(c)
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("planner produced zero tasks")
	}
	return tasks, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// runReview is shared by Validation and Verification: both fan out to
// the two reviewer agents, resolve conflicts, and decide, differing
// only in the prompt, the Phase tag, and whether Verification's
// stricter-on-verification config flag applies.
func runReview(ctx context.Context, deps Deps, wf *models.WorkflowState, targetPhase models.Phase, prompt string, isVerification bool) Result {
	baseReq := agentcli.Request{WorkflowID: wf.ID, Phase: targetPhase, Prompt: prompt, WorkDir: wf.ProjectDir}
	invoke := func(ctx context.Context, reviewer string, req agentcli.Request) agentcli.Result {
		return deps.Invoker.Invoke(ctx, req)
	}

	a, b := review.Fetch(ctx, invoke, baseReq, deps.Cfg.Review)
	resolved := review.Resolve(a, b, deps.Cfg.Review.ConflictStrategy)
	decision, reason := review.Decide(a, b, resolved, deps.Cfg.Review, isVerification)

	return Result{
		Decision: decision,
		Reason:   reason,
		Data: map[string]any{
			"reviewer_a": a,
			"reviewer_b": b,
			"resolved":   resolved,
		},
	}
}

// Validation runs the dual-reviewer gate against the plan produced by
// Planning. Grounded on phase2_validation.py.
type Validation struct{ Deps Deps }

func (v Validation) Run(ctx context.Context, wf *models.WorkflowState) Result {
	tasks, err := v.Deps.Repos.Tasks.FindAll(ctx, wf.ID, storage.Page{})
	if err != nil {
		return Result{Decision: models.DecisionEscalate, Reason: fmt.Sprintf("failed to load plan for validation: %v", err)}
	}
	prompt := fmt.Sprintf("Review this implementation plan of %d task(s) for quality, security, and maintainability. Respond as JSON with assessment/score/strengths/concerns/blocking_issues.", len(tasks))
	return runReview(ctx, v.Deps, wf, models.PhaseValidation, prompt, false)
}

// Implementation embeds the task loop, driving every planned task to
// completion or escalation. Grounded on phase3_implementation.py.
type Implementation struct {
	Deps    Deps
	Loop    *taskloop.Loop
}

func (i Implementation) Run(ctx context.Context, wf *models.WorkflowState) Result {
	outcome, err := i.Loop.Run(ctx, wf)
	if err != nil {
		return Result{Decision: models.DecisionEscalate, Reason: err.Error()}
	}
	return Result{Decision: outcome.Decision, Reason: outcome.Reason, Data: map[string]any{
		"done":   outcome.Done,
		"failed": outcome.Failed,
	}}
}

// Verification re-runs the dual-reviewer gate, held to a stricter bar
// than Validation (config.ReviewConfig.StricterOnVerification), against
// the actual diff produced by Implementation. Grounded on
// phase4_verification.py.
type Verification struct{ Deps Deps }

func (ve Verification) Run(ctx context.Context, wf *models.WorkflowState) Result {
	prompt := "Review the implemented changes for correctness against the plan and test results. Respond as JSON with assessment/score/strengths/concerns/blocking_issues."
	return runReview(ctx, ve.Deps, wf, models.PhaseVerification, prompt, true)
}

// Completion gathers a summary across every phase and writes a
// handoff brief. Grounded on phase5_completion.py.
type Completion struct{ Deps Deps }

func (c Completion) Run(ctx context.Context, wf *models.WorkflowState) Result {
	tasks, err := c.Deps.Repos.Tasks.FindAll(ctx, wf.ID, storage.Page{})
	if err != nil {
		return Result{Decision: models.DecisionEscalate, Reason: fmt.Sprintf("failed to summarize tasks: %v", err)}
	}
	completed, failed := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			completed++
		case models.TaskFailed:
			failed++
		}
	}
	summary := fmt.Sprintf("workflow %s completed: %d/%d tasks done, %d failed", wf.ID, completed, len(tasks), failed)
	decision := models.DecisionContinue
	if failed > 0 {
		decision = models.DecisionEscalate
	}
	return Result{Decision: decision, Reason: summary, Data: map[string]any{
		"completed_tasks": completed,
		"failed_tasks":    failed,
		"total_tasks":     len(tasks),
	}}
}
