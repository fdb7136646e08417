package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var rejectDryRun bool

var rejectCmd = &cobra.Command{
	Use:   "reject <project-id> <checkpoint-id> <feedback...>",
	Short: "Reject a stored checkpoint and regenerate the stage",
	Long: `Reject the pending checkpoint of a project that was paused in the
awaiting_approval state. The reviewed stage is regenerated with the
feedback and the checkpoint surfaces again once the rework lands.

Find the pending checkpoint id with 'devpilot status <project-id>'.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkStoredCheckpoint(args[0], args[1]); err != nil {
			return err
		}
		preset := map[string]presetDecision{
			args[1]: {approved: false, feedback: strings.Join(args[2:], " ")},
		}
		return resumeProject(args[0], preset, rejectDryRun, false)
	},
}

func init() {
	rejectCmd.Flags().BoolVar(&rejectDryRun, "dry-run", false, "Use the offline stub generator instead of the Anthropic API")
}
