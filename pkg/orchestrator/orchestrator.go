// Package orchestrator is the top-level driver: prerequisite checks,
// the phase-by-phase run loop with per-phase retry and auto-commit,
// resume, status, reset, rollback-to-phase, health check, and an
// append-only JSONL action log. Grounded directly on
// original_source/orchestrator/orchestrator.py's Orchestrator class,
// generalized from its five-hardcoded-phase-classes list into the
// phase.Runner slice this module's five packages implement.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/gitops"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/phase"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// phaseEntry pairs a phase with the Runner that implements it.
type phaseEntry struct {
	number models.Phase
	runner phase.Runner
}

// Orchestrator drives one workflow through Planning→Completion.
type Orchestrator struct {
	repos      storage.Repositories
	git        *gitops.Git
	invoker    *agentcli.Invoker
	cfg        *config.Config
	phases     []phaseEntry
	actionLog  *actionLogger
	autoCommit bool
}

// Option customizes an Orchestrator. WithAutoCommit, which toggles the
// per-phase auto-commit, is the only option.
type Option func(*Orchestrator)

func WithAutoCommit(enabled bool) Option {
	return func(o *Orchestrator) { o.autoCommit = enabled }
}

func New(repos storage.Repositories, git *gitops.Git, invoker *agentcli.Invoker, cfg *config.Config, actionLogPath string, opts ...Option) (*Orchestrator, error) {
	deps := phase.Deps{Repos: repos, Invoker: invoker, Git: git, Cfg: cfg}
	log, err := newActionLogger(actionLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}

	o := &Orchestrator{
		repos:      repos,
		git:        git,
		invoker:    invoker,
		cfg:        cfg,
		actionLog:  log,
		autoCommit: true,
		phases: []phaseEntry{
			{models.PhasePlanning, phase.Planning{Deps: deps}},
			{models.PhaseValidation, phase.Validation{Deps: deps}},
			// Implementation is wired in by the caller via
			// SetImplementationRunner, since it needs a *taskloop.Loop bound
			// to a workflow id and project directory, which New does not
			// receive.
			{models.PhaseVerification, phase.Verification{Deps: deps}},
			{models.PhaseCompletion, phase.Completion{Deps: deps}},
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetImplementationRunner installs the Implementation phase, deferred
// from New because it needs a *taskloop.Loop scoped to one workflow's
// project directory.
func (o *Orchestrator) SetImplementationRunner(r phase.Runner) {
	entries := make([]phaseEntry, 0, len(o.phases)+1)
	inserted := false
	for _, e := range o.phases {
		if e.number == models.PhaseValidation {
			entries = append(entries, e)
			entries = append(entries, phaseEntry{models.PhaseImplementation, r})
			inserted = true
			continue
		}
		entries = append(entries, e)
	}
	if !inserted {
		entries = append(entries, phaseEntry{models.PhaseImplementation, r})
	}
	o.phases = entries
}

// CheckPrerequisites verifies PRODUCT.md exists and every registered
// agent binary is resolvable on PATH, mirroring check_prerequisites.
func (o *Orchestrator) CheckPrerequisites(projectDir string, registry map[string]agentcli.Registration) []string {
	var errs []string
	if _, err := os.Stat(filepath.Join(projectDir, "PRODUCT.md")); err != nil {
		errs = append(errs, "PRODUCT.md not found. Create it with your feature specification.")
	}
	seen := map[string]bool{}
	for _, reg := range registry {
		if seen[reg.Binary] {
			continue
		}
		seen[reg.Binary] = true
		if !binaryAvailable(reg.Binary) {
			errs = append(errs, fmt.Sprintf("%s CLI not found on PATH", reg.Binary))
		}
	}
	return errs
}

func binaryAvailable(name string) bool {
	for _, dir := range filepathSplitList(os.Getenv("PATH")) {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func filepathSplitList(path string) []string {
	if path == "" {
		return nil
	}
	var out []string
	start := 0
	for i, r := range path {
		if r == os.PathListSeparator {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

// Run drives phases from startPhase to wf.EndPhase (or Completion if
// unset), honoring skipValidation, per-phase retry, the global circuit
// breaker, and auto-commit after each successful phase.
func (o *Orchestrator) Run(ctx context.Context, wf *models.WorkflowState, startPhase models.Phase, skipValidation bool) phase.Result {
	endPhase := wf.EndPhase
	if endPhase == 0 {
		endPhase = models.PhaseCompletion
	}

	for _, entry := range o.phases {
		if entry.number < startPhase {
			continue
		}
		if entry.number > endPhase {
			break
		}
		if skipValidation && entry.number == models.PhaseValidation {
			o.actionLog.record(wf.ID, entry.number, "skip", "validation skipped by request")
			continue
		}

		result := o.runPhaseWithRetry(ctx, wf, entry)
		o.actionLog.record(wf.ID, entry.number, string(result.Decision), result.Reason)

		switch result.Decision {
		case models.DecisionContinue:
			wf.CurrentPhase = entry.number
			wf.UpdatedAt = time.Now()
			if err := o.repos.Workflows.Update(ctx, wf); err != nil {
				slog.Error("failed to persist workflow phase advance", "workflow_id", wf.ID, "error", err)
			}
			if o.autoCommit && entry.number < models.PhaseCompletion {
				o.autoCommitPhase(ctx, wf, entry.number)
			}
		case models.DecisionAbort, models.DecisionEscalate:
			if wf.Status != models.WorkflowPaused && wf.Status != models.WorkflowAborted {
				wf.Status = models.WorkflowFailed
			}
			wf.UpdatedAt = time.Now()
			_ = o.repos.Workflows.Update(ctx, wf)
			return result
		case models.DecisionRetry:
			wf.Status = models.WorkflowFailed
			wf.UpdatedAt = time.Now()
			_ = o.repos.Workflows.Update(ctx, wf)
			return result
		}
	}

	wf.Status = models.WorkflowCompleted
	wf.UpdatedAt = time.Now()
	_ = o.repos.Workflows.Update(ctx, wf)
	return phase.Result{Decision: models.DecisionContinue, Reason: "workflow completed"}
}

// runPhaseWithRetry retries a phase according to cfg.Retry's
// agent-level backoff (the implementation-level attempts and backoff for
// the Implementation phase, when configured), counting every retry in
// wf.TotalRetries against the global circuit breaker (MaxTotalRetries).
// Once the breaker trips, the workflow is paused for human review in
// HITL mode and aborted in AFK mode, with no further retry.
func (o *Orchestrator) runPhaseWithRetry(ctx context.Context, wf *models.WorkflowState, entry phaseEntry) phase.Result {
	backoff := o.cfg.Retry.AgentInitialBackoff
	maxAttempts := o.cfg.Retry.AgentMaxAttempts
	if entry.number == models.PhaseImplementation && o.cfg.Retry.ImplementationMaxAttempts > 0 {
		maxAttempts = o.cfg.Retry.ImplementationMaxAttempts
		backoff = o.cfg.Retry.ImplementationBackoff
	}
	var last phase.Result

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if wf.TotalRetries >= o.cfg.Retry.MaxTotalRetries {
			if wf.ExecutionMode == models.ExecutionHITL {
				wf.Status = models.WorkflowPaused
				return phase.Result{Decision: models.DecisionEscalate, Reason: "global retry circuit breaker tripped; pausing for human review (HITL mode)"}
			}
			wf.Status = models.WorkflowAborted
			return phase.Result{Decision: models.DecisionAbort, Reason: "global retry circuit breaker tripped; aborting workflow (AFK mode)"}
		}

		last = entry.runner.Run(ctx, wf)
		if last.Decision == models.DecisionContinue {
			return last
		}
		if last.Decision == models.DecisionEscalate || last.Decision == models.DecisionAbort {
			return last
		}

		wf.TotalRetries++
		if attempt == maxAttempts {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		sleep := backoff + jitter
		slog.Info("retrying phase", "workflow_id", wf.ID, "phase", entry.number, "attempt", attempt+1, "backoff", sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return phase.Result{Decision: models.DecisionAbort, Reason: "context cancelled during retry backoff"}
		}
		backoff = time.Duration(float64(backoff) * o.cfg.Retry.AgentBackoffMultiplier)
	}
	return last
}

func (o *Orchestrator) autoCommitPhase(ctx context.Context, wf *models.WorkflowState, ph models.Phase) {
	message := fmt.Sprintf("phase %s complete", ph)
	hash, err := o.git.CommitPhase(ctx, ph, message)
	if err != nil {
		slog.Warn("auto-commit failed", "workflow_id", wf.ID, "phase", ph, "error", err)
		return
	}
	cp, err := gitops.SaveCheckpoint(ctx, o.git, o.repos.Checkpoints, wf.ID, ph, wf)
	if err != nil {
		slog.Warn("failed to save post-phase checkpoint", "workflow_id", wf.ID, "phase", ph, "error", err)
		return
	}
	slog.Info("committed phase", "workflow_id", wf.ID, "phase", ph, "hash", hash, "checkpoint_id", cp.ID)
}

// Resume finds the first non-completed phase and runs from there.
func (o *Orchestrator) Resume(ctx context.Context, wf *models.WorkflowState) phase.Result {
	if wf.CurrentPhase >= models.PhaseCompletion && wf.Status == models.WorkflowCompleted {
		return phase.Result{Decision: models.DecisionContinue, Reason: "workflow already complete"}
	}
	return o.Run(ctx, wf, wf.CurrentPhase, false)
}

// RollbackToPhase requires the caller to have already obtained explicit
// user confirmation — this method only executes the
// rollback, finding the latest checkpoint recorded strictly before
// targetPhase and resetting the repository and in-memory workflow state
// to it.
func (o *Orchestrator) RollbackToPhase(ctx context.Context, wf *models.WorkflowState, targetPhase models.Phase) error {
	var target *models.Checkpoint
	for p := targetPhase - 1; p >= models.PhasePlanning; p-- {
		cp, err := o.repos.Checkpoints.FindLatest(ctx, wf.ID, p)
		if err == nil {
			target = cp
			break
		}
		if err != storage.ErrNotFound {
			return fmt.Errorf("failed to look up checkpoint for phase %s: %w", p, err)
		}
	}
	if target == nil {
		return fmt.Errorf("no checkpoint found before phase %s", targetPhase)
	}

	if err := gitops.Restore(ctx, o.git, target, wf); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	wf.CurrentPhase = targetPhase - 1
	if wf.CurrentPhase < models.PhasePlanning {
		wf.CurrentPhase = models.PhasePlanning
	}
	wf.Status = models.WorkflowRunning
	wf.UpdatedAt = time.Now()
	if err := o.repos.Workflows.Update(ctx, wf); err != nil {
		return fmt.Errorf("failed to persist rolled-back workflow state: %w", err)
	}
	o.actionLog.record(wf.ID, targetPhase, "rollback", fmt.Sprintf("rolled back to checkpoint %s", target.ID))
	return nil
}

// Reset, when ph is zero, resets the whole workflow: back to Planning,
// TotalRetries cleared, status Running. For a non-zero ph it only
// records a "reset" action-log entry; the workflow state is not changed.
func (o *Orchestrator) Reset(ctx context.Context, wf *models.WorkflowState, ph models.Phase) error {
	if ph != 0 {
		o.actionLog.record(wf.ID, ph, "reset", "phase reset requested")
		return nil
	}
	wf.CurrentPhase = models.PhasePlanning
	wf.TotalRetries = 0
	wf.Status = models.WorkflowRunning
	wf.UpdatedAt = time.Now()
	if err := o.repos.Workflows.Update(ctx, wf); err != nil {
		return fmt.Errorf("failed to persist reset workflow: %w", err)
	}
	o.actionLog.record(wf.ID, 0, "reset", "all phases reset")
	return nil
}

// HealthStatus summarizes Health for cmd/conductor's `health` command.
type HealthStatus struct {
	Status       string          `json:"status"`
	ProjectName  string          `json:"project"`
	CurrentPhase models.Phase    `json:"current_phase"`
	WorkflowStatus models.WorkflowStatus `json:"workflow_status"`
	Agents       map[string]bool `json:"agents"`
	TotalRetries int             `json:"total_retries"`
}

// HealthCheck reports agent availability plus the workflow's current
// phase/status, mirroring health_check's degraded/unhealthy/healthy
// tiering.
func (o *Orchestrator) HealthCheck(wf *models.WorkflowState, registry map[string]agentcli.Registration) HealthStatus {
	agents := make(map[string]bool, len(registry))
	allAvailable := true
	for name, reg := range registry {
		available := binaryAvailable(reg.Binary)
		agents[name] = available
		if !available {
			allAvailable = false
		}
	}

	status := "healthy"
	if !allAvailable {
		status = "degraded"
	}
	if wf.Status == models.WorkflowFailed {
		status = "unhealthy"
	}

	return HealthStatus{
		Status:         status,
		ProjectName:    wf.ProjectName,
		CurrentPhase:   wf.CurrentPhase,
		WorkflowStatus: wf.Status,
		Agents:         agents,
		TotalRetries:   wf.TotalRetries,
	}
}

// HandoffBrief is the human-facing summary produced when a workflow
// escalates or completes, naming what happened and what to do next.
type HandoffBrief struct {
	WorkflowID   string       `json:"workflow_id"`
	Phase        models.Phase `json:"phase"`
	Decision     models.NextDecision `json:"decision"`
	Reason       string       `json:"reason"`
	NextSteps    []string     `json:"next_steps"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Handoff builds the brief a human operator sees after an escalation.
func Handoff(wf *models.WorkflowState, result phase.Result) HandoffBrief {
	var steps []string
	switch result.Decision {
	case models.DecisionEscalate:
		steps = []string{
			"Review the action log for the failing phase.",
			"Resolve the blocking issue (budget, review conflict, or repeated failure).",
			"Resume the workflow once fixed: conductor resume.",
		}
	case models.DecisionAbort:
		steps = []string{"Inspect checkpoints and consider conductor rollback before retrying."}
	default:
		steps = []string{"No action needed."}
	}
	return HandoffBrief{
		WorkflowID:  wf.ID,
		Phase:       wf.CurrentPhase,
		Decision:    result.Decision,
		Reason:      result.Reason,
		NextSteps:   steps,
		GeneratedAt: time.Now(),
	}
}

// actionLogger appends one JSON line per orchestrator action, forming
// the append-only action log used for audit/replay, plus a sidecar
// index file (action_log_index.json) so a reader can find a workflow's
// entries by byte offset instead of scanning the whole JSONL.
type actionLogger struct {
	path      string
	indexPath string
	mu        sync.Mutex
	index     []actionLogIndexEntry
}

func newActionLogger(path string) (*actionLogger, error) {
	if path == "" {
		return &actionLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	indexPath := filepath.Join(filepath.Dir(path), "action_log_index.json")
	l := &actionLogger{path: path, indexPath: indexPath}
	if data, err := os.ReadFile(indexPath); err == nil {
		if jsonErr := json.Unmarshal(data, &l.index); jsonErr != nil {
			slog.Warn("action log index corrupted, rebuilding from scratch", "path", indexPath, "error", jsonErr)
			l.index = nil
			if logData, readErr := os.ReadFile(path); readErr == nil {
				start := 0
				for i, c := range logData {
					if c != '\n' {
						continue
					}
					var e actionLogEntry
					if json.Unmarshal(logData[start:i], &e) == nil {
						l.index = append(l.index, actionLogIndexEntry{WorkflowID: e.WorkflowID, Phase: e.Phase, Action: e.Action, Offset: int64(start), Length: i + 1 - start})
					}
					start = i + 1
				}
			}
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("failed to read action log index", "path", indexPath, "error", err)
	}
	return l, nil
}

type actionLogEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	WorkflowID string      `json:"workflow_id"`
	Phase     models.Phase `json:"phase"`
	Action    string       `json:"action"`
	Detail    string       `json:"detail"`
}

// actionLogIndexEntry records where one action log line lives in the
// JSONL file, so a reader can seek directly to a workflow's entries.
type actionLogIndexEntry struct {
	WorkflowID string       `json:"workflow_id"`
	Phase      models.Phase `json:"phase"`
	Action     string       `json:"action"`
	Offset     int64        `json:"offset"`
	Length     int          `json:"length"`
}

func (l *actionLogger) record(workflowID string, ph models.Phase, action, detail string) {
	if l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := actionLogEntry{Timestamp: time.Now(), WorkflowID: workflowID, Phase: ph, Action: action, Detail: detail}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to marshal action log entry", "error", err)
		return
	}
	line := append(data, '\n')

	info, err := os.Stat(l.path)
	var offset int64
	if err == nil {
		offset = info.Size()
	} else if !os.IsNotExist(err) {
		slog.Error("failed to stat action log", "error", err)
		return
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("failed to open action log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		slog.Error("failed to append action log entry", "error", err)
		return
	}

	l.index = append(l.index, actionLogIndexEntry{
		WorkflowID: workflowID, Phase: ph, Action: action, Offset: offset, Length: len(line),
	})
	if err := l.writeIndex(); err != nil {
		slog.Warn("failed to persist action log index", "error", err)
	}
}

func (l *actionLogger) writeIndex() error {
	data, err := json.MarshalIndent(l.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal action log index: %w", err)
	}
	tmp := l.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write action log index: %w", err)
	}
	return os.Rename(tmp, l.indexPath)
}
