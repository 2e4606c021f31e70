package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/budget"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/gitops"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/orchestrator"
	"github.com/codeready-toolchain/conductor/pkg/phase"
	"github.com/codeready-toolchain/conductor/pkg/session"
	"github.com/codeready-toolchain/conductor/pkg/storage"
	"github.com/codeready-toolchain/conductor/pkg/storage/filestore"
	"github.com/codeready-toolchain/conductor/pkg/storage/pgstore"
	"github.com/codeready-toolchain/conductor/pkg/taskloop"
)

// app bundles every collaborator a CLI command needs, built once per
// invocation from the project directory's configuration — mirroring
// a production service's Initialize-then-wire bootstrap sequence, adapted
// from an HTTP server bootstrap to a CLI-command bootstrap.
type app struct {
	cfg     *config.Config
	repos   storage.Repositories
	bus     storage.EventBus
	git     *gitops.Git
	invoker *agentcli.Invoker
	sess    *session.Manager
	orch    *orchestrator.Orchestrator
	closeFn func()
}

func newApp(ctx context.Context, projectDir string) (*app, error) {
	envPath := filepath.Join(projectDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("no .env file found, continuing with existing environment", "path", envPath)
	}

	cfg, err := config.Initialize(ctx, projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	var repos storage.Repositories
	var bus storage.EventBus
	var closeFn func()

	if cfg.Database != nil && cfg.Database.Host != "" {
		store, err := pgstore.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pgBus, err := pgstore.NewBus(ctx, pgDSN(cfg.Database))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to start postgres event bus: %w", err)
		}
		repos = store.Repositories()
		bus = pgBus
		closeFn = func() { pgBus.Close(); store.Close() }
	} else {
		fs, err := filestore.New(projectDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file store: %w", err)
		}
		repos = fs.Repositories()
		bus = fs.EventBus()
		closeFn = func() {}
	}

	git := gitops.New(projectDir)
	enforcer := budget.NewEnforcer(repos.Budgets, cfg.Budget)
	sessMgr := session.NewManager(repos.Sessions, cfg.Session)
	invoker := agentcli.NewInvoker(agentcli.DefaultRegistry(), enforcer, repos.Audits, sessMgr)

	actionLogPath := filepath.Join(projectDir, ".workflow", "action-log.jsonl")
	orch, err := orchestrator.New(repos, git, invoker, cfg, actionLogPath)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	return &app{cfg: cfg, repos: repos, bus: bus, git: git, invoker: invoker, sess: sessMgr, orch: orch, closeFn: closeFn}, nil
}

// bindImplementation wires the task loop into the orchestrator once a
// concrete workflow (and therefore project directory/workflow id) is
// known.
func (a *app) bindImplementation(workflowID, projectDir string) {
	publisher := events.NewPublisher(a.bus, workflowID)
	loop := taskloop.NewLoop(a.repos.Tasks, a.repos.Workflows, a.invoker, budget.NewEnforcer(a.repos.Budgets, a.cfg.Budget), publisher, a.cfg.Workflow, projectDir)
	a.orch.SetImplementationRunner(phase.Implementation{
		Deps: phase.Deps{Repos: a.repos, Invoker: a.invoker, Git: a.git, Cfg: a.cfg},
		Loop: loop,
	})
}

func (a *app) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// findOrCreateWorkflow returns the existing workflow for projectDir, or
// creates a fresh one. The filestore/pgstore backends don't index by
// project directory, so this scans — acceptable since a single project
// directory rarely accumulates more than a handful of historical runs.
func (a *app) findOrCreateWorkflow(ctx context.Context, projectDir string, maxRetries int) (*models.WorkflowState, error) {
	all, err := a.repos.Workflows.FindAll(ctx, storage.Page{})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	for _, wf := range all {
		if wf.ProjectDir == projectDir && wf.Status != models.WorkflowCompleted {
			return wf, nil
		}
	}

	if maxRetries <= 0 {
		maxRetries = a.cfg.Retry.MaxTotalRetries
	}
	wf := models.NewWorkflowState(filepath.Base(projectDir), projectDir, maxRetries)
	if hitl {
		wf.ExecutionMode = models.ExecutionHITL
	}
	if err := a.repos.Workflows.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, nil
}

func pgDSN(db *config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", db.User, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
