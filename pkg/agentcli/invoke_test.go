package agentcli

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/budget"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/session"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

type fakeAuditRepo struct {
	entries []*models.AuditEntry
}

func (f *fakeAuditRepo) FindByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeAuditRepo) FindAll(ctx context.Context, workflowID string, page storage.Page) ([]*models.AuditEntry, error) {
	return f.entries, nil
}

func (f *fakeAuditRepo) Create(ctx context.Context, a *models.AuditEntry) error {
	f.entries = append(f.entries, a)
	return nil
}

type fakeSessionRepoForInvoker struct {
	byTask map[string]*models.Session
}

func (f *fakeSessionRepoForInvoker) FindByID(ctx context.Context, id string) (*models.Session, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeSessionRepoForInvoker) FindByTaskID(ctx context.Context, taskID string) (*models.Session, error) {
	s, ok := f.byTask[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}
func (f *fakeSessionRepoForInvoker) FindAll(ctx context.Context, page storage.Page) ([]*models.Session, error) {
	return nil, nil
}
func (f *fakeSessionRepoForInvoker) Create(ctx context.Context, s *models.Session) error {
	f.byTask[s.TaskID] = s
	return nil
}
func (f *fakeSessionRepoForInvoker) Update(ctx context.Context, s *models.Session) error {
	f.byTask[s.TaskID] = s
	return nil
}
func (f *fakeSessionRepoForInvoker) Delete(ctx context.Context, id string) error {
	delete(f.byTask, id)
	return nil
}

type fakeBudgetRepoForInvoker struct{}

func (f *fakeBudgetRepoForInvoker) FindByScope(ctx context.Context, workflowID, taskID string) (*models.BudgetRecord, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeBudgetRepoForInvoker) Create(ctx context.Context, b *models.BudgetRecord) error { return nil }
func (f *fakeBudgetRepoForInvoker) Update(ctx context.Context, b *models.BudgetRecord) error { return nil }

func newTestInvoker(t *testing.T, reg map[string]Registration) (*Invoker, *fakeAuditRepo) {
	t.Helper()
	enforcer := budget.NewEnforcer(&fakeBudgetRepoForInvoker{}, &config.BudgetConfig{})
	sessMgr := session.NewManager(&fakeSessionRepoForInvoker{byTask: map[string]*models.Session{}}, &config.SessionConfig{TTL: time.Hour})
	audits := &fakeAuditRepo{}
	return NewInvoker(reg, enforcer, audits, sessMgr), audits
}

func TestInvokeUnknownAgentNeverRaises(t *testing.T) {
	inv, _ := newTestInvoker(t, DefaultRegistry())
	res := inv.Invoke(context.Background(), Request{Agent: "no-such-agent"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown agent")
}

// fakeAgentScript writes an executable shell script that ignores every
// CLI flag Invoke passes it (--output-format, --session-id, etc.) and
// just runs body, the way a real agent binary accepts and ignores flags
// it doesn't need.
func fakeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := t.TempDir() + "/fake-agent.sh"
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestInvokeRunsSubprocessAndParsesJSON(t *testing.T) {
	bin := fakeAgentScript(t, `echo '{"result":"done","cost_usd":0.25,"session_id":"sess-xyz"}'`)
	reg := map[string]Registration{
		"planner": {Name: "planner", Binary: bin, DefaultTimeout: 5 * time.Second},
	}
	inv, audits := newTestInvoker(t, reg)

	req := Request{
		WorkflowID: "wf1",
		TaskID:     "task1",
		Agent:      "planner",
		Prompt:     "do the thing",
		WorkDir:    t.TempDir(),
	}
	res := inv.Invoke(context.Background(), req)

	require.True(t, res.Success, "invoke should succeed: %s", res.Error)
	assert.Equal(t, models.OutputJSON, res.OutputKind)
	assert.Equal(t, "done", res.ParsedOutput["result"])
	assert.Equal(t, 0.25, res.CostUSD)
	assert.Equal(t, "sess-xyz", res.SessionID)
	assert.Len(t, audits.entries, 1)
	assert.Equal(t, "sess-xyz", audits.entries[0].SessionID)
}

func TestInvokeFoldsNonZeroExitIntoFailure(t *testing.T) {
	bin := fakeAgentScript(t, "exit 1")
	reg := map[string]Registration{
		"planner": {Name: "planner", Binary: bin, DefaultTimeout: 5 * time.Second},
	}
	inv, _ := newTestInvoker(t, reg)

	req := Request{
		WorkflowID: "wf1",
		TaskID:     "task1",
		Agent:      "planner",
		WorkDir:    t.TempDir(),
	}
	res := inv.Invoke(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
}
