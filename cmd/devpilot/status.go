package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devpilot/devpilot/internal/config"
	"github.com/devpilot/devpilot/internal/state"
	"github.com/devpilot/devpilot/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show stored project state",
	Long: `Display stored project state from the snapshot database.

Without arguments, lists every stored project. With a project id,
shows the project's status, pending checkpoint, artifacts, and the
full task plan.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 0 {
		return listProjects(db)
	}

	snap, err := db.Load(args[0])
	if err != nil {
		return fmt.Errorf("load project %s: %w", args[0], err)
	}
	printContext(snap.Context, snap.Tasks)
	return nil
}

// openStore opens the snapshot database at the configured path.
func openStore() (*state.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func listProjects(db *state.DB) error {
	projects, err := db.List()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects. Run 'devpilot run <name> <requirements>' to start one.")
		return nil
	}

	fmt.Printf("%-28s %-20s %-18s %s\n", "PROJECT", "NAME", "STATUS", "UPDATED")
	for _, p := range projects {
		fmt.Printf("%-28s %-20s %-18s %s ago\n",
			p.ProjectID, p.Name,
			statusColor(p.Status).Sprint(string(p.Status)),
			formatDuration(time.Since(p.UpdatedAt)))
	}
	return nil
}

// printContext renders one project's context and plan.
func printContext(pc *models.ProjectContext, tasks []*models.Task) {
	fmt.Printf("Project: %s (%s)\n", pc.Name, pc.ProjectID)
	fmt.Printf("  Status: %s\n", statusColor(pc.Status).Sprint(string(pc.Status)))
	fmt.Printf("  Updated: %s ago\n", formatDuration(time.Since(pc.UpdatedAt)))
	if pc.BlockedReason != "" {
		fmt.Printf("  Blocked: %s\n", pc.BlockedReason)
	}
	if pc.Pending != nil {
		fmt.Printf("  Checkpoint: %s (reviews %s stage, raised %s ago)\n",
			pc.Pending.ID, pc.Pending.Capability,
			formatDuration(time.Since(pc.Pending.RaisedAt)))
		if pc.Pending.Reason != "" {
			fmt.Printf("    Reason: %s\n", pc.Pending.Reason)
		}
	}

	if len(pc.Artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		names := make([]string, 0, len(pc.Artifacts))
		for name := range pc.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			art := pc.Artifacts[name]
			fmt.Printf("  %-16s v%d by %-18s %s ago\n",
				art.Name, art.Version, art.ProducedBy,
				formatDuration(time.Since(art.UpdatedAt)))
		}
	}

	if len(tasks) > 0 {
		fmt.Println("\nTasks:")
		for _, t := range tasks {
			extra := ""
			if t.AssignedTo != "" && !t.Status.Terminal() {
				extra = fmt.Sprintf(" → %s", t.AssignedTo)
			}
			if t.RetryCount > 0 {
				extra += fmt.Sprintf(" (retries: %d)", t.RetryCount)
			}
			if t.Error != "" && t.Status == models.TaskStatusFailed {
				extra += fmt.Sprintf(" %s", t.Error)
			}
			fmt.Printf("  %s %-24s %-12s %s%s\n",
				taskMarker(t), t.ID, t.Status, t.Title, extra)
		}
	}
}

// taskMarker returns a colored one-character status marker.
func taskMarker(t *models.Task) string {
	switch t.Status {
	case models.TaskStatusDone:
		return color.GreenString("✓")
	case models.TaskStatusFailed:
		return color.RedString("✗")
	case models.TaskStatusCancelled:
		return color.RedString("-")
	case models.TaskStatusAssigned:
		return color.CyanString("»")
	case models.TaskStatusReady:
		return color.YellowString("•")
	default:
		return " "
	}
}

// statusColor maps a project status to its display color.
func statusColor(s models.ProjectStatus) *color.Color {
	switch s {
	case models.ProjectCompleted:
		return color.New(color.FgGreen)
	case models.ProjectRunning:
		return color.New(color.FgCyan)
	case models.ProjectAwaitingApproval:
		return color.New(color.FgYellow)
	case models.ProjectBlocked, models.ProjectCancelled:
		return color.New(color.FgRed)
	default:
		return color.New()
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
