package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devpilot/devpilot/internal/config"
	"github.com/devpilot/devpilot/internal/state"
	"github.com/devpilot/devpilot/internal/supervisor"
	"github.com/devpilot/devpilot/internal/textgen"
	"github.com/devpilot/devpilot/pkg/models"
)

func testSystem(t *testing.T, gen textgen.Generator, checkpoints bool) *System {
	t.Helper()
	cfg := config.Default()
	cfg.Workflow.Checkpoints = checkpoints
	cfg.State.DBPath = filepath.Join(t.TempDir(), "core.db")
	cfg.Supervisor.BackoffBase = 5 * time.Millisecond
	cfg.Supervisor.BackoffMax = 50 * time.Millisecond
	cfg.Supervisor.CapabilityWait = 2 * time.Second

	s, err := New(Options{Config: cfg, Generator: gen})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEndToEndProject(t *testing.T) {
	s := testSystem(t, textgen.NewStub("APPROVED\nwork product"), false)

	sup, err := s.StartProject("Todo App", "Build a todo app with add, list, and done commands")
	if err != nil {
		t.Fatalf("StartProject failed: %v", err)
	}
	projectID := sup.ProjectID()
	if !strings.HasPrefix(projectID, "todo-app-") {
		t.Errorf("project ID = %q, want todo-app- prefix", projectID)
	}

	events, err := s.Events(projectID, "test")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	defer events.Cancel()
	var seen []string
	got := make(chan struct{})
	go func() {
		defer close(got)
		for msg := range events.C() {
			kind, _ := msg.Payload["event"].(string)
			seen = append(seen, kind)
			if kind == "project_completed" {
				return
			}
		}
	}()

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("completion event never arrived")
	}
	if seen[0] != "project_started" {
		t.Errorf("first event = %q, want project_started", seen[0])
	}
	stages := 0
	for _, e := range seen {
		if e == "stage_completed" {
			stages++
		}
	}
	if stages != 7 {
		t.Errorf("stage_completed events = %d, want 7", stages)
	}

	pc, tasks, err := s.Status(projectID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if pc.Status != models.ProjectCompleted {
		t.Errorf("status = %s, want completed", pc.Status)
	}
	if len(tasks) != 7 {
		t.Errorf("tasks = %d, want 7", len(tasks))
	}
	if len(pc.Artifacts) != 7 {
		t.Errorf("artifacts = %d, want 7", len(pc.Artifacts))
	}

	list, err := s.Projects()
	if err != nil {
		t.Fatalf("Projects failed: %v", err)
	}
	if len(list) != 1 || list[0].Status != models.ProjectCompleted {
		t.Errorf("project list = %+v", list)
	}

	if agents := s.Agents(); len(agents) != 7 {
		t.Errorf("registered agents = %d, want 7", len(agents))
	}

	// Bus history captured the exchange.
	history, err := s.History("", "", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) == 0 {
		t.Error("bus history is empty")
	}
}

func TestResumeBlockedProject(t *testing.T) {
	stub := textgen.NewStub("APPROVED\nwork product")
	stub.FailuresLeft = 100
	s := testSystem(t, stub, false)

	sup, err := s.StartProject("Todo App", "Build a todo app")
	if err != nil {
		t.Fatalf("StartProject failed: %v", err)
	}
	projectID := sup.ProjectID()

	if err := sup.Run(context.Background()); !errors.Is(err, supervisor.ErrProjectBlocked) {
		t.Fatalf("Run = %v, want ErrProjectBlocked", err)
	}

	// The failure cleared; the resumed run picks the plan back up.
	stub.FailuresLeft = 0
	resumed, err := s.Resume(projectID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	pc, _, err := s.Status(projectID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if pc.Status != models.ProjectCompleted {
		t.Errorf("status after resume = %s, want completed", pc.Status)
	}

	// The resumed run's snapshots landed over the blocked row.
	list, err := s.Projects()
	if err != nil {
		t.Fatalf("Projects failed: %v", err)
	}
	if len(list) != 1 || list[0].Status != models.ProjectCompleted {
		t.Errorf("stored project = %+v, want completed", list)
	}
	if list[0].Version != pc.Version {
		t.Errorf("stored version = %d, want %d", list[0].Version, pc.Version)
	}
}

func TestResumeTerminalProjectRejected(t *testing.T) {
	s := testSystem(t, textgen.NewStub("APPROVED\nok"), false)
	sup, err := s.StartProject("Todo App", "Build a todo app")
	if err != nil {
		t.Fatalf("StartProject failed: %v", err)
	}
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := s.Resume(sup.ProjectID()); err == nil {
		t.Error("Resume of a completed project should fail")
	}
}

func TestStatusUnknownProject(t *testing.T) {
	s := testSystem(t, textgen.NewStub("ok"), false)
	if _, _, err := s.Status("ghost"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Status = %v, want ErrNotFound", err)
	}
}

func TestApproveRoutesToProject(t *testing.T) {
	s := testSystem(t, textgen.NewStub("APPROVED\nwork product"), true)

	sup, err := s.StartProject("Todo App", "Build a todo app")
	if err != nil {
		t.Fatalf("StartProject failed: %v", err)
	}
	projectID := sup.ProjectID()

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	ctx := context.Background()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			pc, _, _ := s.Status(projectID)
			if pc.Status != models.ProjectCompleted {
				t.Errorf("status = %s, want completed", pc.Status)
			}
			return
		case <-deadline:
			t.Fatal("run did not finish")
		default:
		}

		pc, _, err := s.Status(projectID)
		if err == nil && pc.Status == models.ProjectAwaitingApproval && pc.Pending != nil {
			if err := s.Approve(ctx, projectID, pc.Pending.ID); err != nil &&
				!errors.Is(err, supervisor.ErrNoPendingCheckpoint) {
				t.Fatalf("Approve failed: %v", err)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApproveUnknownProject(t *testing.T) {
	s := testSystem(t, textgen.NewStub("ok"), false)
	if err := s.Approve(context.Background(), "ghost", "cp"); !errors.Is(err, ErrUnknownProject) {
		t.Errorf("Approve = %v, want ErrUnknownProject", err)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Todo App", "todo-app"},
		{"  API -- Gateway  ", "api-gateway"},
		{"x", "x"},
		{"!!!", "project"},
		{"A Very Long Project Name Indeed", "a-very-long-proj"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
