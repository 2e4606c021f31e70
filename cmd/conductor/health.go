package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report agent binary availability and workflow health",
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

		health := a.orch.HealthCheck(wf, agentcli.DefaultRegistry())
		fmt.Printf("status: %s\n", health.Status)
		fmt.Printf("project: %s\n", health.ProjectName)
		fmt.Printf("phase: %s\n", health.CurrentPhase)
		fmt.Printf("workflow status: %s\n", health.WorkflowStatus)
		fmt.Printf("total retries: %d\n", health.TotalRetries)
		fmt.Println("agents:")
		for name, available := range health.Agents {
			fmt.Printf("  %s: available=%t\n", name, available)
		}
		if health.Status != "healthy" {
			return fmt.Errorf("workflow health is %s", health.Status)
		}
		return nil
	},
}
