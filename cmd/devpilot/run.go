package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devpilot/devpilot/internal/config"
	"github.com/devpilot/devpilot/internal/core"
	"github.com/devpilot/devpilot/internal/supervisor"
	"github.com/devpilot/devpilot/internal/textgen"
	"github.com/devpilot/devpilot/pkg/models"
)

var (
	runDryRun        bool
	runNoCheckpoints bool
	runAutoApprove   bool
)

var runCmd = &cobra.Command{
	Use:   "run <name> <requirements...>",
	Short: "Run a project through the agent pipeline",
	Long: `Run a project from requirements to a full set of delivery artifacts.

The project is planned as a capability pipeline: business analysis,
architecture, implementation, code review, security review, test plan,
and deployment plan. Each stage is delegated to a specialized agent and
its output is stored as a versioned artifact.

Between stages the supervisor raises review checkpoints. At a
checkpoint the command prompts for a decision:

  approve              accept the stage and continue
  reject <feedback>    regenerate the stage with the feedback
  status               show the current project state
  deadletters          list undeliverable bus messages
  replay <message-id>  republish a dead-lettered message
  cancel               cancel the project

If a stage exhausts its retries the project blocks instead of losing
work; resume it later with 'devpilot resume <project-id>'.

Examples:
  devpilot run "Todo App" build a todo app with add, list, done
  devpilot run --dry-run "Todo App" exercise the pipeline offline
  devpilot run --no-checkpoints "Todo App" run without review gates`,
	Args: cobra.MinimumNArgs(2),
	RunE: runProject,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use the offline stub generator instead of the Anthropic API")
	runCmd.Flags().BoolVar(&runNoCheckpoints, "no-checkpoints", false, "Skip human review checkpoints")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Approve every checkpoint without prompting")
}

func runProject(cmd *cobra.Command, args []string) error {
	name := args[0]
	requirements := strings.Join(args[1:], " ")

	sys, err := buildSystem(runDryRun, runNoCheckpoints)
	if err != nil {
		return err
	}
	defer sys.Close()

	sup, err := sys.StartProject(name, requirements)
	if err != nil {
		return err
	}

	fmt.Printf("Starting project: %s\n", name)
	fmt.Printf("  Project ID: %s\n", sup.ProjectID())
	if runDryRun {
		fmt.Println("  Generator: stub (dry run)")
	}
	fmt.Println()

	return driveRun(sys, sup, runAutoApprove, nil)
}

// buildSystem assembles the agent system from the loaded configuration.
func buildSystem(dryRun, noCheckpoints bool) (*core.System, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if noCheckpoints {
		cfg.Workflow.Checkpoints = false
	}

	opts := core.Options{Config: cfg}
	if dryRun {
		opts.Generator = textgen.NewStub("APPROVED\n(dry run output)")
	}
	return core.New(opts)
}

// presetDecision is a checkpoint decision supplied up front, used by
// the approve and reject commands to resume a paused project.
type presetDecision struct {
	approved bool
	feedback string
}

// driveRun runs a project to a terminal state, printing lifecycle
// events and handling checkpoints as they surface.
func driveRun(sys *core.System, sup *supervisor.Supervisor, autoApprove bool, preset map[string]presetDecision) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectID := sup.ProjectID()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, cancelling project...")
		if err := sys.Cancel(context.Background(), projectID); err != nil {
			fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
		}
	}()

	events, err := sys.Events(projectID, "cli")
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer events.Cancel()
	go printEvents(events.C())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	prompted := ""
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			// Let trailing events print before the report.
			time.Sleep(100 * time.Millisecond)
			return report(sys, sup, err)
		case <-ticker.C:
		}

		pc := sup.Context()
		if pc.Status != models.ProjectAwaitingApproval || pc.Pending == nil {
			prompted = ""
			continue
		}
		cp := pc.Pending

		if d, ok := preset[cp.ID]; ok {
			delete(preset, cp.ID)
			if err := applyDecision(ctx, sup, cp.ID, d); err != nil {
				fmt.Fprintf(os.Stderr, "checkpoint %s: %v\n", cp.ID, err)
			}
			continue
		}
		if autoApprove {
			if err := sup.Approve(ctx, cp.ID); err != nil && !gateRaced(err) {
				return err
			}
			continue
		}
		if cp.ID == prompted {
			continue
		}
		prompted = cp.ID
		if err := promptCheckpoint(ctx, sys, sup, cp); err != nil {
			if gateRaced(err) {
				continue
			}
			return err
		}
	}
}

func applyDecision(ctx context.Context, sup *supervisor.Supervisor, checkpointID string, d presetDecision) error {
	if d.approved {
		fmt.Printf("Approving checkpoint %s\n", checkpointID)
		return sup.Approve(ctx, checkpointID)
	}
	fmt.Printf("Rejecting checkpoint %s: %s\n", checkpointID, d.feedback)
	return sup.Reject(ctx, checkpointID, d.feedback)
}

// gateRaced reports whether a decision lost the race with the gate it
// targeted, which the polling loop simply retries.
func gateRaced(err error) bool {
	return errors.Is(err, supervisor.ErrNoPendingCheckpoint) ||
		errors.Is(err, supervisor.ErrCheckpointMismatch)
}

// promptCheckpoint reads decisions from stdin until one resolves the
// checkpoint or cancels the project.
func promptCheckpoint(ctx context.Context, sys *core.System, sup *supervisor.Supervisor, cp *models.Checkpoint) error {
	fmt.Println()
	color.Yellow("Checkpoint pending: %s", cp.ID)
	fmt.Printf("  Reviews: %s stage (task %s)\n", cp.Capability, cp.AfterTaskID)
	if cp.Reason != "" {
		fmt.Printf("  Reason: %s\n", cp.Reason)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("approve / reject <feedback> / status / deadletters / replay <id> / cancel > ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read decision: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "a", "approve":
			return sup.Approve(ctx, cp.ID)
		case "r", "reject":
			feedback := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
			if feedback == "" {
				fmt.Println("reject needs feedback text")
				continue
			}
			return sup.Reject(ctx, cp.ID, feedback)
		case "s", "status":
			printContext(sup.Context(), sup.Tasks())
		case "d", "deadletters":
			printDeadLetters(sys)
		case "replay":
			if len(fields) < 2 {
				fmt.Println("replay needs a message id")
				continue
			}
			if err := sys.Replay(ctx, fields[1]); err != nil {
				fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			} else {
				fmt.Printf("Replayed message %s\n", fields[1])
			}
		case "c", "cancel":
			return sys.Cancel(ctx, sup.ProjectID())
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

// printEvents streams lifecycle events to stdout until the
// subscription closes.
func printEvents(ch <-chan models.Message) {
	for msg := range ch {
		kind, _ := msg.Payload["event"].(string)
		ts := msg.CreatedAt.Local().Format("15:04:05")
		switch kind {
		case "project_started":
			color.Cyan("%s %s", ts, describeEvent(kind, msg.Payload))
		case "stage_completed", "checkpoint_approved", "project_completed":
			color.Green("%s %s", ts, describeEvent(kind, msg.Payload))
		case "stage_rejected", "checkpoint_pending", "checkpoint_rejected":
			color.Yellow("%s %s", ts, describeEvent(kind, msg.Payload))
		case "project_blocked", "project_cancelled":
			color.Red("%s %s", ts, describeEvent(kind, msg.Payload))
		default:
			fmt.Printf("%s %s\n", ts, describeEvent(kind, msg.Payload))
		}
	}
}

func describeEvent(kind string, payload map[string]any) string {
	field := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	switch kind {
	case "project_started":
		return "project started"
	case "stage_completed":
		if a := field("artifact"); a != "" {
			return fmt.Sprintf("stage %s completed by %s (artifact %s)", field("task_id"), field("agent_id"), a)
		}
		return fmt.Sprintf("stage %s completed by %s", field("task_id"), field("agent_id"))
	case "stage_rejected":
		return fmt.Sprintf("stage %s sent back for rework: %s", field("task_id"), field("feedback"))
	case "checkpoint_pending":
		return fmt.Sprintf("checkpoint %s awaiting review", field("checkpoint_id"))
	case "checkpoint_approved":
		return fmt.Sprintf("checkpoint %s approved", field("checkpoint_id"))
	case "checkpoint_rejected":
		return fmt.Sprintf("checkpoint %s rejected", field("checkpoint_id"))
	case "project_blocked":
		return fmt.Sprintf("project blocked: %s", field("reason"))
	case "project_completed":
		return "project completed"
	case "project_cancelled":
		return "project cancelled"
	default:
		return kind
	}
}

// report prints the final project state once the run ends.
func report(sys *core.System, sup *supervisor.Supervisor, runErr error) error {
	pc := sup.Context()
	fmt.Println()
	switch {
	case runErr == nil:
		color.Green("Project %s completed.", pc.ProjectID)
	case errors.Is(runErr, supervisor.ErrProjectCancelled):
		color.Red("Project %s cancelled.", pc.ProjectID)
		runErr = nil
	case errors.Is(runErr, supervisor.ErrProjectBlocked):
		color.Red("Project %s blocked: %s", pc.ProjectID, pc.BlockedReason)
		fmt.Printf("Resume with: devpilot resume %s\n", pc.ProjectID)
	default:
		color.Red("Project %s failed: %v", pc.ProjectID, runErr)
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
			fmt.Printf("  %-16s v%d by %s\n", art.Name, art.Version, art.ProducedBy)
		}
	}

	if letters, err := sys.DeadLetters(); err == nil && len(letters) > 0 {
		fmt.Printf("\n%d undeliverable messages on the bus:\n", len(letters))
		printDeadLetters(sys)
	}
	return runErr
}

func printDeadLetters(sys *core.System) {
	letters, err := sys.DeadLetters()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead letters: %v\n", err)
		return
	}
	if len(letters) == 0 {
		fmt.Println("No dead letters.")
		return
	}
	for _, dl := range letters {
		fmt.Printf("  %s  topic=%s to=%s attempts=%d  %s\n",
			dl.Msg.ID, dl.Topic, dl.SubscriberID, dl.Attempts, dl.Reason)
	}
}
