package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resetPhaseFlag string

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the whole workflow, or with --phase only record a reset action for that phase",
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

		ph := parsePhaseFlag(resetPhaseFlag)
		if err := a.orch.Reset(ctx, wf, ph); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		fmt.Println("reset complete")
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetPhaseFlag, "phase", "", "Phase to record a reset action for, leaving workflow state unchanged (omit to reset the entire workflow)")
}
