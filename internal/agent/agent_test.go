package agent

import (
	"context"
	"testing"
	"time"

	"github.com/devpilot/devpilot/internal/bus"
	"github.com/devpilot/devpilot/internal/queue"
	"github.com/devpilot/devpilot/internal/registry"
	"github.com/devpilot/devpilot/internal/textgen"
	"github.com/devpilot/devpilot/pkg/models"
)

type fixture struct {
	bus      *bus.MemoryBus
	queue    *queue.TaskQueue
	registry *registry.AgentRegistry
	sup      *bus.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultOptions())
	t.Cleanup(func() { _ = b.Close() })
	sup, err := b.Subscribe(SupervisorTopic, "supervisor")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return &fixture{
		bus:      b,
		queue:    queue.NewTaskQueue(),
		registry: registry.NewAgentRegistry(),
		sup:      sup,
	}
}

func (f *fixture) startAgent(t *testing.T, id string, spec Spec, gen textgen.Generator) *BaseAgent {
	t.Helper()
	a := New(Config{
		ID:        id,
		Spec:      spec,
		Registry:  f.registry,
		Bus:       f.bus,
		Queue:     f.queue,
		Generator: gen,
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func (f *fixture) enqueue(t *testing.T, id string, cap models.Capability) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:         id,
		Capability: cap,
		Status:     models.TaskStatusReady,
		Priority:   models.PriorityNormal,
		MaxRetries: 3,
	}
	if err := f.queue.Enqueue(task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return task
}

func (f *fixture) delegate(t *testing.T, agentID string, payload map[string]any) models.Message {
	t.Helper()
	msg := models.NewDelegate("supervisor", agentID, payload)
	if err := f.bus.Publish(context.Background(), AgentTopic(agentID), msg); err != nil {
		t.Fatalf("Publish delegate failed: %v", err)
	}
	return msg
}

func (f *fixture) awaitReply(t *testing.T) models.Message {
	t.Helper()
	select {
	case msg := <-f.sup.C():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent reply")
		return models.Message{}
	}
}

func TestAgentExecutesDelegatedTask(t *testing.T) {
	f := newFixture(t)
	spec, err := SpecFor(models.CapBusinessAnalyst)
	if err != nil {
		t.Fatalf("SpecFor failed: %v", err)
	}
	f.startAgent(t, "ba-1", spec, textgen.NewStub("user stories"))
	task := f.enqueue(t, "t-1", models.CapBusinessAnalyst)

	req := f.delegate(t, "ba-1", map[string]any{"requirements": "build a todo app"})
	reply := f.awaitReply(t)

	if reply.Kind != models.KindResponse {
		t.Fatalf("reply kind = %s, want response", reply.Kind)
	}
	if reply.CorrelationID != req.CorrelationID {
		t.Errorf("reply correlation = %s, want %s", reply.CorrelationID, req.CorrelationID)
	}
	if got := reply.Payload["task_id"]; got != "t-1" {
		t.Errorf("reply task_id = %v, want t-1", got)
	}
	if got := reply.Payload["artifact"]; got != ArtifactRequirements {
		t.Errorf("reply artifact = %v, want %s", got, ArtifactRequirements)
	}
	if got := reply.Payload["content"]; got != "user stories" {
		t.Errorf("reply content = %v", got)
	}

	if task.Status != models.TaskStatusDone {
		t.Errorf("task status = %s, want done", task.Status)
	}
	a, _ := f.registry.Get("ba-1")
	if a.State != models.AgentCompleted {
		t.Errorf("agent state = %s, want completed", a.State)
	}
	if a.Metrics.TasksCompleted != 1 {
		t.Errorf("tasks completed = %d, want 1", a.Metrics.TasksCompleted)
	}
	if a.Metrics.MessagesSent != 1 {
		t.Errorf("messages sent = %d, want 1", a.Metrics.MessagesSent)
	}
}

func TestDeveloperEntersReviewing(t *testing.T) {
	f := newFixture(t)
	spec, _ := SpecFor(models.CapDeveloper)
	f.startAgent(t, "dev-1", spec, textgen.NewStub("code"))
	f.enqueue(t, "t-1", models.CapDeveloper)

	f.delegate(t, "dev-1", nil)
	f.awaitReply(t)

	a, _ := f.registry.Get("dev-1")
	if a.State != models.AgentReviewing {
		t.Errorf("developer state after task = %s, want reviewing", a.State)
	}
}

func TestAgentFailureRequeuesTask(t *testing.T) {
	f := newFixture(t)
	spec, _ := SpecFor(models.CapDeveloper)
	gen := textgen.NewStub("code")
	gen.FailuresLeft = 1
	f.startAgent(t, "dev-1", spec, gen)
	task := f.enqueue(t, "t-1", models.CapDeveloper)

	f.delegate(t, "dev-1", nil)
	reply := f.awaitReply(t)

	if reply.Kind != models.KindError {
		t.Fatalf("reply kind = %s, want error", reply.Kind)
	}
	if got := reply.Payload["retried"]; got != true {
		t.Errorf("reply retried = %v, want true", got)
	}
	if task.Status != models.TaskStatusReady {
		t.Errorf("task status = %s, want ready (requeued)", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
	a, _ := f.registry.Get("dev-1")
	if a.State != models.AgentError {
		t.Errorf("agent state = %s, want error", a.State)
	}

	// A fresh delegation recovers the agent through error -> working.
	f.delegate(t, "dev-1", nil)
	reply = f.awaitReply(t)
	if reply.Kind != models.KindResponse {
		t.Fatalf("second reply kind = %s, want response", reply.Kind)
	}
	if task.Status != models.TaskStatusDone {
		t.Errorf("task status = %s, want done", task.Status)
	}
}

func TestDelegateWithoutReadyTask(t *testing.T) {
	f := newFixture(t)
	spec, _ := SpecFor(models.CapQA)
	f.startAgent(t, "qa-1", spec, textgen.NewStub("test plan"))

	f.delegate(t, "qa-1", nil)
	reply := f.awaitReply(t)

	if reply.Kind != models.KindError {
		t.Fatalf("reply kind = %s, want error", reply.Kind)
	}
	a, _ := f.registry.Get("qa-1")
	if a.State != models.AgentIdle {
		t.Errorf("agent state = %s, want idle", a.State)
	}
}

func TestReviewerVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		response string
		approved bool
		findings int
	}{
		{"approval", "Looks solid.\nAPPROVED\n- minor nit", true, 1},
		{"rejection", "Problems found.\nREJECTED\n- SQL injection\n- no input validation", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			spec, _ := SpecFor(models.CapCodeReviewer)
			f.startAgent(t, "rev-1", spec, textgen.NewStub(tt.response))
			f.enqueue(t, "t-1", models.CapCodeReviewer)

			f.delegate(t, "rev-1", map[string]any{
				"artifacts": map[string]models.Artifact{
					ArtifactImplementation: {Name: ArtifactImplementation, Content: "code", Version: 1},
				},
			})
			reply := f.awaitReply(t)

			if got := reply.Payload["approved"]; got != tt.approved {
				t.Errorf("approved = %v, want %v", got, tt.approved)
			}
			findings, _ := reply.Payload["findings"].([]string)
			if len(findings) != tt.findings {
				t.Errorf("findings = %v, want %d entries", findings, tt.findings)
			}
		})
	}
}

func TestCancellationInterruptsTask(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	spec := Spec{
		Capability: models.CapDeveloper,
		Name:       "Slow Developer",
		Produce: func(ctx context.Context, _ textgen.Generator, task *models.Task, _ Input) (Output, error) {
			close(started)
			<-ctx.Done()
			return Output{}, ctx.Err()
		},
	}
	f.startAgent(t, "dev-1", spec, textgen.NewStub(""))
	task := f.enqueue(t, "t-1", models.CapDeveloper)

	f.delegate(t, "dev-1", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	// Cancel the task in the queue first, then tell the agent.
	f.queue.Cancel(task.ID)
	cancelMsg := models.NewNotify("supervisor", "dev-1", map[string]any{"cancel_task": task.ID})
	if err := f.bus.Publish(context.Background(), AgentTopic("dev-1"), cancelMsg); err != nil {
		t.Fatalf("Publish cancel failed: %v", err)
	}

	// Expect the acknowledgement, then the error reply from the
	// interrupted execution, in either order.
	sawAck := false
	deadline := time.After(5 * time.Second)
	for !sawAck {
		select {
		case msg := <-f.sup.C():
			if msg.Payload["cancel_ack"] == task.ID {
				sawAck = true
			}
		case <-deadline:
			t.Fatal("never received cancel acknowledgement")
		}
	}

	if got := f.queue.Get(task.ID).Status; got != models.TaskStatusCancelled {
		t.Errorf("task status = %s, want cancelled", got)
	}
}

func TestInputFromJSONPayload(t *testing.T) {
	// Payloads that crossed a JSON boundary decode artifacts as generic maps.
	in := inputFromPayload(map[string]any{
		"project_id":   "p-1",
		"requirements": "reqs",
		"artifacts": map[string]any{
			"implementation": map[string]any{
				"content": "code",
				"version": float64(3),
			},
		},
	})
	if in.ProjectID != "p-1" || in.Requirements != "reqs" {
		t.Errorf("scalar fields = %+v", in)
	}
	art := in.Artifacts["implementation"]
	if art.Content != "code" || art.Version != 3 {
		t.Errorf("artifact = %+v", art)
	}
}

func TestSpecForUnknownCapability(t *testing.T) {
	if _, err := SpecFor(models.Capability("wizard")); err == nil {
		t.Error("SpecFor accepted an unknown capability")
	}
}
