package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/orchestrator"
	"github.com/codeready-toolchain/conductor/pkg/phase"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start (or continue) a workflow against the project directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, projectDir)
		if err != nil {
			return err
		}
		defer a.Close()

		if noCommit {
			a.orch, err = rebuildWithAutoCommit(a, false)
			if err != nil {
				return err
			}
		}

		if errs := a.orch.CheckPrerequisites(projectDir, agentcli.DefaultRegistry()); len(errs) > 0 {
			for _, e := range errs {
				fmt.Println("prerequisite error:", e)
			}
			return fmt.Errorf("prerequisites not met")
		}

		wf, err := a.findOrCreateWorkflow(ctx, projectDir, maxRetries)
		if err != nil {
			return err
		}

		if ph := parsePhaseFlag(endPhaseFlag); ph != 0 {
			wf.EndPhase = ph
		}

		a.bindImplementation(wf.ID, projectDir)

		result := a.orch.Run(ctx, wf, wf.CurrentPhase, skipValidation)
		printResult(result)
		if result.Decision == models.DecisionEscalate || result.Decision == models.DecisionAbort {
			brief := orchestrator.Handoff(wf, result)
			printHandoff(brief)
			return fmt.Errorf("workflow halted: %s", result.Reason)
		}
		return nil
	},
}

func rebuildWithAutoCommit(a *app, enabled bool) (*orchestrator.Orchestrator, error) {
	actionLogPath := filepath.Join(projectDir, ".workflow", "action-log.jsonl")
	return orchestrator.New(a.repos, a.git, a.invoker, a.cfg, actionLogPath, orchestrator.WithAutoCommit(enabled))
}

func parsePhaseFlag(s string) models.Phase {
	switch s {
	case "planning":
		return models.PhasePlanning
	case "validation":
		return models.PhaseValidation
	case "implementation":
		return models.PhaseImplementation
	case "verification":
		return models.PhaseVerification
	case "completion":
		return models.PhaseCompletion
	default:
		return 0
	}
}

func printResult(result phase.Result) {
	fmt.Printf("decision: %s\nreason: %s\n", result.Decision, result.Reason)
	if len(result.Data) > 0 {
		for k, v := range result.Data {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
}

func printHandoff(brief orchestrator.HandoffBrief) {
	fmt.Println("\nhandoff:")
	fmt.Printf("  phase: %s\n  decision: %s\n  reason: %s\n", brief.Phase, brief.Decision, brief.Reason)
	fmt.Println("  next steps:")
	for _, s := range brief.NextSteps {
		fmt.Printf("    - %s\n", s)
	}
}
