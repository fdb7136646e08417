package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resumeDryRun      bool
	resumeAutoApprove bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume a blocked or paused project",
	Long: `Resume a project from its last persisted snapshot.

Blocked projects restart the failed stage with a fresh retry budget.
Projects paused at a checkpoint surface the checkpoint again for a
decision. Completed and cancelled projects cannot be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeProject(args[0], nil, resumeDryRun, resumeAutoApprove)
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeDryRun, "dry-run", false, "Use the offline stub generator instead of the Anthropic API")
	resumeCmd.Flags().BoolVar(&resumeAutoApprove, "auto-approve", false, "Approve every checkpoint without prompting")
}

// resumeProject rebuilds the system, resumes the stored project, and
// drives it with any preset checkpoint decisions.
func resumeProject(projectID string, preset map[string]presetDecision, dryRun, autoApprove bool) error {
	sys, err := buildSystem(dryRun, false)
	if err != nil {
		return err
	}
	defer sys.Close()

	sup, err := sys.Resume(projectID)
	if err != nil {
		return err
	}

	fmt.Printf("Resuming project %s\n\n", projectID)
	return driveRun(sys, sup, autoApprove, preset)
}
