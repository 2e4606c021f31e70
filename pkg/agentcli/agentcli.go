// Package agentcli invokes external CLI coding agents (planner,
// reviewer-a, reviewer-b, bugfixer) as subprocesses: scrubbed
// environment, wall-clock timeout, budget pre-check, audit logging with
// a hashed prompt, and JSON-stdout parsing with an embedded-object
// extraction fallback. Grounded on original_source/orchestrator/agents/base.py's
// "never raise, return a result" contract and claude_agent.py's
// CLI-argument building and output-parsing fallback chain.
package agentcli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/budget"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/session"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// Registration describes one invokable agent identity.
type Registration struct {
	Name            string
	Binary          string
	DefaultTimeout  time.Duration
	AllowedTools    []string
	ContextFilePath string
}

// DefaultRegistry pre-registers the four agent identities this engine names:
// planner (implementation + planning), reviewer-a/reviewer-b (dual
// review), and bugfixer (fix-bug specialist routing).
func DefaultRegistry() map[string]Registration {
	return map[string]Registration{
		"planner": {
			Name: "planner", Binary: "claude", DefaultTimeout: 20 * time.Minute,
			AllowedTools: []string{"Read", "Write", "Edit", "Bash", "Grep", "Glob"},
			ContextFilePath: "CLAUDE.md",
		},
		"reviewer-a": {
			Name: "reviewer-a", Binary: "cursor-agent", DefaultTimeout: 10 * time.Minute,
			AllowedTools: []string{"Read", "Grep", "Glob"},
			ContextFilePath: ".cursor/rules",
		},
		"reviewer-b": {
			Name: "reviewer-b", Binary: "gemini", DefaultTimeout: 10 * time.Minute,
			AllowedTools: []string{"Read", "Grep", "Glob"},
			ContextFilePath: "GEMINI.md",
		},
		"bugfixer": {
			Name: "bugfixer", Binary: "claude", DefaultTimeout: 15 * time.Minute,
			AllowedTools: []string{"Read", "Write", "Edit", "Bash"},
			ContextFilePath: "CLAUDE.md",
		},
	}
}

// Request describes one agent invocation.
type Request struct {
	WorkflowID string
	TaskID     string
	Phase      models.Phase
	Agent      string
	Prompt     string
	ExtraArgs  []string
	WorkDir    string
	CostHintUSD float64 // pre-check estimate; real cost is parsed from output when available
}

// Result is the always-non-raising outcome of Invoke. Callers inspect
// Success/Error rather than unwinding an exception.
type Result struct {
	Success      bool
	Output       string
	ParsedOutput map[string]any
	OutputKind   models.OutputKind
	ExitCode     int
	DurationMS   int64
	CostUSD      float64
	SessionID    string
	Error        string
	BudgetResult budget.Result
}

// Invoker spawns agent CLI subprocesses.
type Invoker struct {
	registry map[string]Registration
	budget   *budget.Enforcer
	audits   storage.AuditRepository
	sessions *session.Manager
}

func NewInvoker(registry map[string]Registration, enforcer *budget.Enforcer, audits storage.AuditRepository, sessions *session.Manager) *Invoker {
	return &Invoker{registry: registry, budget: enforcer, audits: audits, sessions: sessions}
}

// Invoke never returns an error from the subprocess layer: every failure
// mode (budget rejection, spawn failure, timeout, non-zero exit) is
// folded into Result.Success=false + Result.Error.
func (inv *Invoker) Invoke(ctx context.Context, req Request) Result {
	reg, ok := inv.registry[req.Agent]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown agent %q", req.Agent)}
	}

	bresult := inv.budget.CanSpend(ctx, req.WorkflowID, req.TaskID, req.CostHintUSD)
	if bresult.Decision == budget.Abort {
		return Result{Success: false, Error: "budget exhausted: " + bresult.Reason, BudgetResult: bresult}
	}

	sess, sessErr := inv.sessions.GetOrCreate(ctx, req.TaskID, req.Agent)
	var resumeArgs []string
	if sessErr == nil {
		resumeArgs = session.ResumeArgs(sess)
	} else {
		slog.Warn("failed to establish CLI session, starting without continuity", "task_id", req.TaskID, "error", sessErr)
	}

	promptHash := hashPrompt(req.Prompt)
	audit := &models.AuditEntry{
		ID:           models.NewID(),
		WorkflowID:   req.WorkflowID,
		TaskID:       req.TaskID,
		Agent:        req.Agent,
		Phase:        req.Phase,
		PromptHash:   promptHash,
		AllowedTools: reg.AllowedTools,
		CreatedAt:    time.Now(),
	}

	timeout := reg.DefaultTimeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := buildArgs(reg, req, resumeArgs)
	cmd := exec.CommandContext(runCtx, reg.Binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = scrubbedEnv()
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := Result{
		DurationMS: duration.Milliseconds(),
		Output:     stdout.String(),
		BudgetResult: bresult,
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		if runCtx.Err() != nil {
			result.Error = fmt.Sprintf("agent %s timed out after %s", req.Agent, timeout)
		} else {
			result.Error = fmt.Sprintf("failed to run agent %s: %v", req.Agent, runErr)
		}
	}

	parsed, kind := ParseOutput(result.Output)
	result.ParsedOutput = parsed
	result.OutputKind = kind
	if cost, ok := parsed["cost_usd"].(float64); ok {
		result.CostUSD = cost
	}
	if sid, ok := parsed["session_id"].(string); ok && sid != "" {
		result.SessionID = sid
		if sessErr == nil {
			if err := inv.sessions.SetCLISessionID(ctx, req.TaskID, sid); err != nil {
				slog.Warn("failed to persist captured session id", "task_id", req.TaskID, "error", err)
			}
		}
	}

	result.Success = result.Error == "" && result.ExitCode == 0

	audit.SessionID = result.SessionID
	audit.CostUSD = result.CostUSD
	audit.DurationMS = result.DurationMS
	audit.ExitCode = result.ExitCode
	audit.OutputKind = result.OutputKind
	audit.Error = result.Error
	if err := inv.audits.Create(ctx, audit); err != nil {
		slog.Error("failed to persist audit entry", "agent", req.Agent, "error", err)
	}

	if result.Success && sessErr == nil {
		if err := inv.sessions.Touch(ctx, req.TaskID); err != nil {
			slog.Warn("failed to touch session", "task_id", req.TaskID, "error", err)
		}
	}

	return result
}

func buildArgs(reg Registration, req Request, resumeArgs []string) []string {
	args := []string{"--output-format", "json"}
	if len(reg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(reg.AllowedTools, ","))
	}
	args = append(args, resumeArgs...)
	args = append(args, req.ExtraArgs...)
	return args
}

// scrubbedEnv returns a minimal child-process environment carrying only
// PATH, HOME, LANG, and agent-credential variables explicitly allowlisted,
// never the full parent environment — so no project secret or
// unrelated credential leaks into the agent subprocess.
func scrubbedEnv() []string {
	allow := []string{"PATH", "HOME", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY", "CURSOR_API_KEY", "LANG"}
	env := make([]string, 0, len(allow))
	for _, key := range allow {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// ParseOutput tries strict JSON first, then falls back to extracting the
// first complete JSON object found anywhere in the text, then to a plain
// text result. Mirrors claude_agent.py's parse chain.
func ParseOutput(output string) (map[string]any, models.OutputKind) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, models.OutputEmpty
	}

	var direct map[string]any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct, models.OutputJSON
	}

	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != '{' {
			continue
		}
		var extracted map[string]any
		if err := json.NewDecoder(strings.NewReader(trimmed[i:])).Decode(&extracted); err == nil {
			return extracted, models.OutputExtracted
		}
	}

	return map[string]any{"text": trimmed}, models.OutputText
}
