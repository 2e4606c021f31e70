// Package session manages per-task CLI continuity sessions: getting or
// creating a session before an agent invocation, touching it after each
// successful iteration, and closing it when a task finishes. Mirrors the
// mutex-guarded mutator style of tarsy's session.Session type, applied to
// the Python original's per-task (not per-project) session scope.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// Manager enforces at-most-one-active-session-per-task and TTL-based
// advisory expiry.
type Manager struct {
	sessions storage.SessionRepository
	cfg      *config.SessionConfig
	mu       sync.Mutex
}

func NewManager(sessions storage.SessionRepository, cfg *config.SessionConfig) *Manager {
	return &Manager{sessions: sessions, cfg: cfg}
}

// GetOrCreate returns the task's active session, creating one if absent
// or expired. Serialized by mu so two concurrent calls for the same task
// can never both decide "no active session" and create two.
func (m *Manager) GetOrCreate(ctx context.Context, taskID, agent string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.sessions.FindByTaskID(ctx, taskID)
	if err == nil {
		if !existing.Expired(m.cfg.TTL, time.Now()) {
			return existing, nil
		}
		if err := m.closeLocked(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to close expired session: %w", err)
		}
	} else if err != storage.ErrNotFound {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	now := time.Now()
	sess := &models.Session{
		ID:        generateSessionID(taskID),
		TaskID:    taskID,
		Agent:     agent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("created agent session", "task_id", taskID, "agent", agent, "session_id", sess.ID)
	return sess, nil
}

// Touch updates the session's last-used timestamp after a successful
// iteration, extending its advisory TTL.
func (m *Manager) Touch(ctx context.Context, taskID string) error {
	sess, err := m.sessions.FindByTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()
	return m.sessions.Update(ctx, sess)
}

// SetCLISessionID records the agent CLI's own session id once captured
// from its output, so future invocations can --resume it.
func (m *Manager) SetCLISessionID(ctx context.Context, taskID, cliSessionID string) error {
	sess, err := m.sessions.FindByTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	sess.CLISessID = cliSessionID
	sess.UpdatedAt = time.Now()
	return m.sessions.Update(ctx, sess)
}

// Close marks the task's session closed. Explicit close is authoritative
// over TTL expiry.
func (m *Manager) Close(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.sessions.FindByTaskID(ctx, taskID)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return m.closeLocked(ctx, sess)
}

func (m *Manager) closeLocked(ctx context.Context, sess *models.Session) error {
	now := time.Now()
	sess.ClosedAt = &now
	sess.UpdatedAt = now
	return m.sessions.Update(ctx, sess)
}

// CleanupExpired closes every session past its TTL across all tasks.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	all, err := m.sessions.FindAll(ctx, storage.Page{})
	if err != nil {
		return 0, err
	}
	now := time.Now()
	count := 0
	for _, sess := range all {
		if sess.ClosedAt == nil && sess.Expired(m.cfg.TTL, now) {
			if err := m.Close(ctx, sess.TaskID); err != nil {
				slog.Warn("failed to close expired session", "task_id", sess.TaskID, "error", err)
				continue
			}
			count++
		}
	}
	return count, nil
}

// ResumeArgs returns the CLI arguments that continue sess: "--resume <id>"
// once the agent CLI's own session id is known, else
// "--session-id <generated>". It never returns nil, so exactly one of the
// two is appended to an agent invocation.
func ResumeArgs(sess *models.Session) []string {
	if sess.CLISessID != "" {
		return []string{"--resume", sess.CLISessID}
	}
	return []string{"--session-id", sess.ID}
}

// generateSessionID builds a "<taskID>-<12-hex>" id from random bytes,
// matching the Python original's hash-suffixed format without needing a
// stable hash input (a raw random suffix is simpler and equally unique).
func generateSessionID(taskID string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s", taskID, hex.EncodeToString(buf))
}
