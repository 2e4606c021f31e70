// Package models defines the engine's core entity types: workflow state,
// tasks, audit entries, sessions, budget records, checkpoints, and review
// feedback. Types here carry JSON tags for the filesystem/Postgres
// repositories in pkg/storage and are otherwise free of behavior beyond
// small construction and validation helpers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase identifies one of the five workflow phases.
type Phase int

const (
	PhasePlanning Phase = iota + 1
	PhaseValidation
	PhaseImplementation
	PhaseVerification
	PhaseCompletion
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseValidation:
		return "validation"
	case PhaseImplementation:
		return "implementation"
	case PhaseVerification:
		return "verification"
	case PhaseCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// NextDecision is the outcome a phase or task-loop step hands back to the
// scheduler; it replaces exceptions-as-control-flow in the Python original.
type NextDecision string

const (
	DecisionContinue NextDecision = "continue"
	DecisionRetry    NextDecision = "retry"
	DecisionEscalate NextDecision = "escalate"
	DecisionAbort    NextDecision = "abort"
)

// WorkflowStatus tracks where a workflow sits relative to HITL/AFK control.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAborted   WorkflowStatus = "aborted"
	WorkflowFailed    WorkflowStatus = "failed"
)

// ExecutionMode selects how the orchestrator behaves once the retry
// budget for a phase is exhausted: ExecutionHITL pauses and waits for a
// human to resume, ExecutionAFK aborts the workflow outright.
type ExecutionMode string

const (
	ExecutionAFK  ExecutionMode = "afk"
	ExecutionHITL ExecutionMode = "hitl"
)

// WorkflowState is the top-level record for one workflow run against one
// project. Exactly one engine process owns mutations to a given
// WorkflowState at a time.
type WorkflowState struct {
	ID              string         `json:"id"`
	ProjectName     string         `json:"project_name"`
	ProjectDir      string         `json:"project_dir"`
	CurrentPhase    Phase          `json:"current_phase"`
	EndPhase        Phase          `json:"end_phase,omitempty"`
	Status          WorkflowStatus `json:"status"`
	ExecutionMode   ExecutionMode  `json:"execution_mode"`
	TotalRetries    int            `json:"total_retries"`
	MaxTotalRetries int            `json:"max_total_retries"`
	IterationCount  int            `json:"iteration_count"`
	SpecChecksum    string         `json:"spec_checksum,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewWorkflowState constructs a fresh run scoped to projectDir, defaulting
// to AFK execution; callers that want HITL pausing set ExecutionMode
// explicitly before the first Run.
func NewWorkflowState(projectName, projectDir string, maxTotalRetries int) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		ID:              uuid.NewString(),
		ProjectName:     projectName,
		ProjectDir:      projectDir,
		CurrentPhase:    PhasePlanning,
		Status:          WorkflowRunning,
		ExecutionMode:   ExecutionAFK,
		MaxTotalRetries: maxTotalRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TaskStatus is a task's position in the implement/verify loop.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskVerifying  TaskStatus = "verifying"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Complexity is the plan's per-task estimate, surfaced in the handoff
// brief and completion summary.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is one unit of implementation work produced by the planning phase.
type Task struct {
	ID                  string     `json:"id"`
	WorkflowID          string     `json:"workflow_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	DependsOn           []string   `json:"depends_on"`
	Status              TaskStatus `json:"status"`
	// Priority orders task selection within the implementation loop:
	// higher values are picked before lower ones among dependency-ready
	// pending tasks. Unset (zero) tasks sort after tasks with a positive
	// priority and before tasks with a negative one.
	Priority            int        `json:"priority"`
	Attempts            int        `json:"attempts"`
	EstimatedComplexity Complexity `json:"estimated_complexity,omitempty"`
	TestCommand         string     `json:"test_command,omitempty"`
	FilesCreated        []string   `json:"files_created"`
	FilesModified       []string   `json:"files_modified"`
	TestResults         *TestResults `json:"test_results,omitempty"`
	Error               string     `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TestResults is the parsed outcome of a task's test command run.
type TestResults struct {
	AllPassed bool     `json:"all_passed"`
	Passed    int      `json:"passed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Ready reports whether every dependency in done is satisfied.
func (t *Task) Ready(done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// OutputKind distinguishes how an agent invocation's stdout was understood.
type OutputKind string

const (
	OutputJSON      OutputKind = "json"
	OutputExtracted OutputKind = "extracted_json"
	OutputText      OutputKind = "text"
	OutputEmpty     OutputKind = "empty"
)

// AuditEntry records one agent CLI invocation. The prompt is stored only
// as a SHA-256 hash; full prompt text is never persisted.
type AuditEntry struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	TaskID       string     `json:"task_id,omitempty"`
	Agent        string     `json:"agent"`
	Phase        Phase      `json:"phase"`
	PromptHash   string     `json:"prompt_hash"`
	AllowedTools []string   `json:"allowed_tools,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
	DurationMS   int64      `json:"duration_ms"`
	ExitCode     int        `json:"exit_code"`
	OutputKind   OutputKind `json:"output_kind"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Session is a per-task CLI continuity record: the agent CLI's own
// conversation/session id, so a retry resumes rather than restarts.
type Session struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	CLISessID string    `json:"cli_session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Expired reports whether the session has passed its advisory TTL. This
// is advisory only: an explicit Close is what's authoritative.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	if s.ClosedAt != nil {
		return true
	}
	return now.Sub(s.UpdatedAt) > ttl
}

// BudgetRecord tracks cumulative spend for one scope (task or project).
type BudgetRecord struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	SpentUSD   float64   `json:"spent_usd"`
	LimitUSD   float64   `json:"limit_usd"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is an atomic snapshot of workflow + task state, optionally
// paired with a file-list manifest and the git commit it corresponds to.
type Checkpoint struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	Phase         Phase     `json:"phase"`
	GitCommitHash string    `json:"git_commit_hash,omitempty"`
	StateSnapshot []byte    `json:"state_snapshot"`
	FileManifest  []string  `json:"file_manifest,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Assessment is the reviewer's verdict kind in a Feedback tagged union.
type Assessment string

const (
	Approve             Assessment = "approve"
	ApproveWithChanges  Assessment = "approve_with_changes"
	Reject              Assessment = "reject"
)

// Feedback is a reviewer's structured verdict. It replaces the dynamic
// duck-typed feedback objects the original used. Strengths, Concerns and
// BlockingIssues are independent lists; any of them may be populated
// whatever the Assessment.
type Feedback struct {
	Reviewer       string     `json:"reviewer"`
	Assessment     Assessment `json:"assessment"`
	Score          float64    `json:"score"`
	Strengths      []string   `json:"strengths,omitempty"`
	Concerns       []string   `json:"concerns,omitempty"`
	BlockingIssues []string   `json:"blocking_issues,omitempty"`
	TimedOut       bool       `json:"timed_out"`
	Error          string     `json:"error,omitempty"`
}

// NewID generates a fresh entity id.
func NewID() string {
	return uuid.NewString()
}
