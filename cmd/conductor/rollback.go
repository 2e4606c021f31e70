package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	rollbackPhaseFlag string
	rollbackYes       bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the workflow and git repository to the last checkpoint before a phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := parsePhaseFlag(rollbackPhaseFlag)
		if target == 0 {
			return fmt.Errorf("--phase is required (planning, validation, implementation, verification, completion)")
		}

		if !rollbackYes && !confirmRollback(target.String()) {
			fmt.Println("rollback cancelled")
			return nil
		}

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

		if err := a.orch.RollbackToPhase(ctx, wf, target); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		fmt.Printf("rolled back to the checkpoint before %s\n", target)
		return nil
	},
}

// confirmRollback asks the operator to confirm a destructive reset of
// both the git working tree and the workflow's recorded state, modeled
// on quickstart.go's stdin y/n prompt.
func confirmRollback(phaseName string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("This discards uncommitted changes and resets the repository before %s. Continue? [y/N]: ", phaseName)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackPhaseFlag, "phase", "", "Roll back to the checkpoint before this phase")
	rollbackCmd.Flags().BoolVar(&rollbackYes, "yes", false, "Skip the confirmation prompt")
}
