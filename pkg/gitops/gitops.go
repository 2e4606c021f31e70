// Package gitops implements checkpoint snapshots, git-based rollback,
// and per-phase auto-commit. Git subprocess calls are batched with
// tiered timeouts (short for queries, moderate for writes) and run
// against a scrubbed environment, grounded on
// tim-coutinho-agentops/cli/internal/rpi/worktree.go's exec.CommandContext
// idiom and original_source/orchestrator.py's rollback_to_phase/commit
// contract.
package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

const (
	// QueryTimeout bounds read-only git calls (status, rev-parse, log).
	QueryTimeout = 10 * time.Second
	// WriteTimeout bounds git calls that mutate the working tree (add, commit).
	WriteTimeout = 30 * time.Second
	// ResetTimeout bounds the more expensive reset/checkout used for rollback.
	ResetTimeout = 60 * time.Second
)

// Git wraps a repository root and runs scrubbed, timeout-bounded git
// subprocesses against it.
type Git struct {
	repoRoot string
}

func New(repoRoot string) *Git {
	return &Git{repoRoot: repoRoot}
}

func (g *Git) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = g.repoRoot
	cmd.Env = scrubbedEnv()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("git %s timed out after %s", strings.Join(args, " "), timeout)
	}
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// scrubbedEnv carries only what git needs, never the full parent
// environment or any API key a co-located agent subprocess might use.
func scrubbedEnv() []string {
	allow := []string{"PATH", "HOME", "GIT_AUTHOR_NAME", "GIT_AUTHOR_EMAIL", "GIT_COMMITTER_NAME", "GIT_COMMITTER_EMAIL"}
	env := make([]string, 0, len(allow))
	for _, key := range allow {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// HeadCommit returns the current HEAD commit hash.
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	return g.run(ctx, QueryTimeout, "rev-parse", "HEAD")
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *Git) IsClean(ctx context.Context) bool {
	_, err := g.run(ctx, QueryTimeout, "diff-index", "--quiet", "HEAD")
	return err == nil
}

// CommitPhase stages everything and commits with a message recording the
// phase, mirroring orchestrator.py's per-successful-phase auto-commit.
// Returns the new commit hash, or the current HEAD hash unchanged if
// there was nothing to commit.
func (g *Git) CommitPhase(ctx context.Context, phase models.Phase, message string) (string, error) {
	if _, err := g.run(ctx, WriteTimeout, "add", "-A"); err != nil {
		return "", err
	}
	if g.IsClean(ctx) {
		return g.HeadCommit(ctx)
	}
	commitMsg := fmt.Sprintf("[%s] %s", phase, message)
	if _, err := g.run(ctx, WriteTimeout, "commit", "-m", commitMsg); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx)
}

// RollbackTo performs a hard reset to targetCommit. Callers MUST obtain
// explicit confirmation before calling this — gitops itself does not
// prompt, it only executes; confirmation is an orchestrator-layer
// responsibility.
func (g *Git) RollbackTo(ctx context.Context, targetCommit string) error {
	_, err := g.run(ctx, ResetTimeout, "reset", "--hard", targetCommit)
	return err
}

// Snapshot builds a Checkpoint for the given workflow state: a JSON
// state snapshot, the optional list of files changed by the HEAD commit
// (empty when HEAD has no parent), and the commit the checkpoint
// corresponds to.
func Snapshot(ctx context.Context, g *Git, workflowID string, phase models.Phase, state any) (*models.Checkpoint, error) {
	commit, err := g.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint commit: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	manifest, err := g.run(ctx, QueryTimeout, "diff", "--name-only", "HEAD~1", "HEAD")
	var files []string
	if err == nil && manifest != "" {
		files = strings.Split(manifest, "\n")
	}
	return &models.Checkpoint{
		ID:            models.NewID(),
		WorkflowID:    workflowID,
		Phase:         phase,
		GitCommitHash: commit,
		StateSnapshot: data,
		FileManifest:  files,
	}, nil
}

// Restore decodes a checkpoint's state snapshot into dest and resets the
// repository to its recorded commit hash.
func Restore(ctx context.Context, g *Git, cp *models.Checkpoint, dest any) error {
	if err := json.Unmarshal(cp.StateSnapshot, dest); err != nil {
		return fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if cp.GitCommitHash == "" {
		return nil
	}
	return g.RollbackTo(ctx, cp.GitCommitHash)
}

// SaveCheckpoint persists a fresh checkpoint via the repository and
// returns it, so the caller (typically pkg/phase or pkg/orchestrator)
// can also act on the returned commit hash.
func SaveCheckpoint(ctx context.Context, g *Git, checkpoints storage.CheckpointRepository, workflowID string, phase models.Phase, state any) (*models.Checkpoint, error) {
	cp, err := Snapshot(ctx, g, workflowID, phase, state)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.Create(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return cp, nil
}
