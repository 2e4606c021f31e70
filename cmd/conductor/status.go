package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current workflow status and task summary",
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

		tasks, err := a.repos.Tasks.FindAll(ctx, wf.ID, storage.Page{})
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		counts := map[models.TaskStatus]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}

		fmt.Printf("workflow: %s (%s)\n", wf.ID, wf.ProjectName)
		fmt.Printf("status: %s\n", wf.Status)
		fmt.Printf("phase: %s\n", wf.CurrentPhase)
		fmt.Printf("total retries: %d\n", wf.TotalRetries)
		fmt.Println("tasks:")
		for status, n := range counts {
			fmt.Printf("  %s: %d\n", status, n)
		}
		return nil
	},
}
