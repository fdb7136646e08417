package registry

import (
	"errors"
	"testing"

	"github.com/devpilot/devpilot/pkg/models"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewAgentRegistry()

	if err := r.Register("dev-1", "Developer One", models.CapDeveloper); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("dev-2", "Developer Two", models.CapDeveloper); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("qa-1", "QA One", models.CapQA); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.Register("dev-1", "Duplicate", models.CapDeveloper); err == nil {
		t.Error("Register accepted a duplicate ID")
	}
	if err := r.Register("x", "Bad", models.Capability("juggler")); err == nil {
		t.Error("Register accepted an unknown capability")
	}

	devs := r.Lookup(models.CapDeveloper)
	if len(devs) != 2 || devs[0] != "dev-1" || devs[1] != "dev-2" {
		t.Errorf("Lookup(developer) = %v, want [dev-1 dev-2]", devs)
	}
	if got := r.Lookup(models.CapArchitect); len(got) != 0 {
		t.Errorf("Lookup(architect) = %v, want empty", got)
	}

	a, err := r.Get("qa-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.State != models.AgentIdle {
		t.Errorf("new agent state = %s, want idle", a.State)
	}
}

// TestTransitionTable checks every (from, to) pair against the lifecycle.
func TestTransitionTable(t *testing.T) {
	allowed := map[[2]models.AgentState]bool{
		{models.AgentIdle, models.AgentWorking}:        true,
		{models.AgentWorking, models.AgentReviewing}:   true,
		{models.AgentWorking, models.AgentCompleted}:   true,
		{models.AgentWorking, models.AgentError}:       true,
		{models.AgentReviewing, models.AgentCompleted}: true,
		{models.AgentReviewing, models.AgentWorking}:   true,
		{models.AgentCompleted, models.AgentWorking}:   true,
		{models.AgentError, models.AgentWorking}:       true,
		{models.AgentError, models.AgentBlocked}:       true,
		{models.AgentBlocked, models.AgentIdle}:        true,
	}
	states := []models.AgentState{
		models.AgentIdle, models.AgentWorking, models.AgentReviewing,
		models.AgentCompleted, models.AgentError, models.AgentBlocked,
	}

	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]models.AgentState{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestUpdateStateEnforcesLifecycle(t *testing.T) {
	r := NewAgentRegistry()
	if err := r.Register("dev-1", "Dev", models.CapDeveloper); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := r.UpdateState("dev-1", models.AgentCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("idle -> completed = %v, want ErrInvalidTransition", err)
	}
	a, _ := r.Get("dev-1")
	if a.State != models.AgentIdle {
		t.Errorf("state changed on rejected transition: %s", a.State)
	}

	steps := []models.AgentState{
		models.AgentWorking, models.AgentReviewing, models.AgentWorking,
		models.AgentError, models.AgentBlocked, models.AgentIdle,
	}
	for _, next := range steps {
		if err := r.UpdateState("dev-1", next); err != nil {
			t.Fatalf("UpdateState(%s) failed: %v", next, err)
		}
	}

	if err := r.UpdateState("ghost", models.AgentWorking); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("UpdateState on unknown agent = %v, want ErrNotRegistered", err)
	}
	if err := r.UpdateState("dev-1", models.AgentState("sleeping")); err == nil {
		t.Error("UpdateState accepted an unknown state")
	}
}

func TestAvailable(t *testing.T) {
	r := NewAgentRegistry()
	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		if err := r.Register(id, id, models.CapDeveloper); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	if err := r.UpdateState("dev-1", models.AgentWorking); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	if err := r.UpdateState("dev-2", models.AgentWorking); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	if err := r.UpdateState("dev-2", models.AgentCompleted); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	// dev-1 is working, dev-2 completed (available again), dev-3 idle.
	got := r.Available(models.CapDeveloper)
	if len(got) != 2 || got[0] != "dev-2" || got[1] != "dev-3" {
		t.Errorf("Available = %v, want [dev-2 dev-3]", got)
	}
}

func TestCurrentTaskClearedOnTerminalStates(t *testing.T) {
	r := NewAgentRegistry()
	if err := r.Register("dev-1", "Dev", models.CapDeveloper); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.UpdateState("dev-1", models.AgentWorking); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	if err := r.SetCurrentTask("dev-1", "t-1"); err != nil {
		t.Fatalf("SetCurrentTask failed: %v", err)
	}

	if err := r.UpdateState("dev-1", models.AgentCompleted); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	a, _ := r.Get("dev-1")
	if a.CurrentTask != "" {
		t.Errorf("current task = %q after completion, want empty", a.CurrentTask)
	}
}

func TestMetricsAndAll(t *testing.T) {
	r := NewAgentRegistry()
	if err := r.Register("qa-1", "QA", models.CapQA); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("ba-1", "BA", models.CapBusinessAnalyst); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.AddMetrics("qa-1", 2, 1, 5)
	a, _ := r.Get("qa-1")
	if a.Metrics.TasksCompleted != 2 || a.Metrics.TasksFailed != 1 || a.Metrics.MessagesSent != 5 {
		t.Errorf("metrics = %+v", a.Metrics)
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d agents, want 2", len(all))
	}
	// Pipeline order: business analyst before QA.
	if all[0].ID != "ba-1" || all[1].ID != "qa-1" {
		t.Errorf("All order = [%s %s], want [ba-1 qa-1]", all[0].ID, all[1].ID)
	}

	r.Unregister("qa-1")
	if r.Count() != 1 {
		t.Errorf("Count after unregister = %d, want 1", r.Count())
	}
}
