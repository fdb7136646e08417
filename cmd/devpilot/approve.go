package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devpilot/devpilot/pkg/models"
)

var approveDryRun bool

var approveCmd = &cobra.Command{
	Use:   "approve <project-id> <checkpoint-id>",
	Short: "Approve a stored checkpoint and continue the project",
	Long: `Approve the pending checkpoint of a project that was paused in the
awaiting_approval state, then keep the project running. Later
checkpoints prompt interactively as usual.

Find the pending checkpoint id with 'devpilot status <project-id>'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkStoredCheckpoint(args[0], args[1]); err != nil {
			return err
		}
		preset := map[string]presetDecision{args[1]: {approved: true}}
		return resumeProject(args[0], preset, approveDryRun, false)
	},
}

func init() {
	approveCmd.Flags().BoolVar(&approveDryRun, "dry-run", false, "Use the offline stub generator instead of the Anthropic API")
}

// checkStoredCheckpoint verifies the stored snapshot is paused on the
// named checkpoint before the project is resumed.
func checkStoredCheckpoint(projectID, checkpointID string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.Load(projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	pc := snap.Context
	if pc.Status != models.ProjectAwaitingApproval || pc.Pending == nil {
		return fmt.Errorf("project %s is %s, not awaiting approval", projectID, pc.Status)
	}
	if pc.Pending.ID != checkpointID {
		return fmt.Errorf("project %s is waiting on checkpoint %s, not %s",
			projectID, pc.Pending.ID, checkpointID)
	}
	return nil
}
