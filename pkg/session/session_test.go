package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

type fakeSessionRepo struct {
	byTask map[string]*models.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{byTask: map[string]*models.Session{}}
}

func (f *fakeSessionRepo) FindByID(ctx context.Context, id string) (*models.Session, error) {
	for _, s := range f.byTask {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeSessionRepo) FindByTaskID(ctx context.Context, taskID string) (*models.Session, error) {
	s, ok := f.byTask[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionRepo) FindAll(ctx context.Context, page storage.Page) ([]*models.Session, error) {
	out := make([]*models.Session, 0, len(f.byTask))
	for _, s := range f.byTask {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *models.Session) error {
	f.byTask[s.TaskID] = s
	return nil
}

func (f *fakeSessionRepo) Update(ctx context.Context, s *models.Session) error {
	f.byTask[s.TaskID] = s
	return nil
}

func (f *fakeSessionRepo) Delete(ctx context.Context, id string) error {
	for k, s := range f.byTask {
		if s.ID == id {
			delete(f.byTask, k)
		}
	}
	return nil
}

func TestGetOrCreateCreatesOnFirstCall(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: 24 * time.Hour})

	sess, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)
	assert.Equal(t, "task-1", sess.TaskID)
	assert.Contains(t, sess.ID, "task-1-")
}

func TestGetOrCreateReusesActiveSession(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: 24 * time.Hour})

	first, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)

	second, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateReplacesExpiredSession(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: time.Hour})

	stale := &models.Session{
		ID:        "task-1-aaaaaaaaaaaa",
		TaskID:    "task-1",
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	repo.byTask["task-1"] = stale

	fresh, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)
	assert.NotNil(t, stale.ClosedAt, "stale session should have been closed")
}

func TestTouchExtendsSession(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: time.Hour})

	sess, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)
	before := sess.UpdatedAt

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Touch(context.Background(), "task-1"))
	assert.True(t, repo.byTask["task-1"].UpdatedAt.After(before))
}

func TestSetCLISessionID(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: time.Hour})

	_, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)
	require.NoError(t, m.SetCLISessionID(context.Background(), "task-1", "cli-sess-42"))
	assert.Equal(t, "cli-sess-42", repo.byTask["task-1"].CLISessID)
}

func TestCloseIsIdempotent(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: time.Hour})

	assert.NoError(t, m.Close(context.Background(), "no-such-task"))

	_, err := m.GetOrCreate(context.Background(), "task-1", "planner")
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background(), "task-1"))
	assert.NotNil(t, repo.byTask["task-1"].ClosedAt)
}

func TestCleanupExpiredClosesOnlyStaleSessions(t *testing.T) {
	repo := newFakeSessionRepo()
	m := NewManager(repo, &config.SessionConfig{TTL: time.Hour})

	repo.byTask["stale"] = &models.Session{TaskID: "stale", UpdatedAt: time.Now().Add(-2 * time.Hour)}
	repo.byTask["fresh"] = &models.Session{TaskID: "fresh", UpdatedAt: time.Now()}

	n, err := m.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, repo.byTask["stale"].ClosedAt)
	assert.Nil(t, repo.byTask["fresh"].ClosedAt)
}

func TestResumeArgsPrefersExistingCLISession(t *testing.T) {
	sess := &models.Session{ID: "task-1-abc123", CLISessID: "cli-99"}
	assert.Equal(t, []string{"--resume", "cli-99"}, ResumeArgs(sess))
}

func TestResumeArgsFallsBackToGeneratedID(t *testing.T) {
	sess := &models.Session{ID: "task-1-abc123"}
	assert.Equal(t, []string{"--session-id", "task-1-abc123"}, ResumeArgs(sess))
}
