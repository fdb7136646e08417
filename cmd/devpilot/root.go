package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devpilot",
	Short: "Multi-agent software delivery pipeline",
	Long: `DevPilot runs a software project through a pipeline of specialized
agents: business analysis, architecture, implementation, code review,
security review, test planning, and deployment planning.

A supervisor delegates each stage over a message bus, retries transient
failures with backoff, surfaces human review checkpoints between
stages, and persists every state change so an interrupted project can
be resumed.

Core capabilities:
- Plans a project as a dependency DAG of capability stages
- Delegates stages to agents and collects versioned artifacts
- Pauses at review checkpoints for approve/reject decisions
- Blocks instead of losing work when a stage exhausts its retries
- Resumes blocked or approved projects from the last snapshot`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
