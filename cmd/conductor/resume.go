package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/orchestrator"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a halted workflow from its last recorded phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, projectDir)
		if err != nil {
			return err
		}
		defer a.Close()

		wf, err := a.findOrCreateWorkflow(ctx, projectDir, maxRetries)
		if err != nil {
			return err
		}

		a.bindImplementation(wf.ID, projectDir)

		result := a.orch.Resume(ctx, wf)
		printResult(result)
		if result.Decision == models.DecisionEscalate || result.Decision == models.DecisionAbort {
			brief := orchestrator.Handoff(wf, result)
			printHandoff(brief)
			return fmt.Errorf("workflow halted: %s", result.Reason)
		}
		return nil
	},
}
