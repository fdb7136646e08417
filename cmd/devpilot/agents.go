package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devpilot/devpilot/internal/agent"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent roster",
	Long: `List the specialized agents the pipeline runs, one per capability.

Agents marked as reviewed hold their work in the reviewing state until
the review stages of the same wave pass without findings.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%-20s %-22s %s\n", "CAPABILITY", "AGENT", "NOTES")
		for _, spec := range agent.AllSpecs() {
			notes := ""
			if spec.ReviewRequired {
				notes = "work held for review"
			}
			fmt.Printf("%-20s %-22s %s\n", spec.Capability, spec.Name, notes)
		}
	},
}
