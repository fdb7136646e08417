// Package agent provides the base agent runtime and the specialized
// agents that execute pipeline stages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devpilot/devpilot/internal/bus"
	"github.com/devpilot/devpilot/internal/queue"
	"github.com/devpilot/devpilot/internal/registry"
	"github.com/devpilot/devpilot/internal/textgen"
	"github.com/devpilot/devpilot/pkg/models"
)

// SupervisorTopic is where agents publish their responses.
const SupervisorTopic = "supervisor"

// AgentTopic returns the delegation topic for an agent ID.
func AgentTopic(agentID string) string {
	return "agent." + agentID
}

// Input is the slice of project state an agent works from. It is built
// from an immutable context snapshot, so concurrent agents never share
// mutable state.
type Input struct {
	// ProjectID is the project the task belongs to.
	ProjectID string
	// Requirements is the raw project requirements text.
	Requirements string
	// Artifacts holds the artifacts visible to the agent.
	Artifacts map[string]models.Artifact
	// Feedback carries reviewer or human feedback for rework tasks.
	Feedback string
}

// Output is what a stage execution produced.
type Output struct {
	// ArtifactName is the artifact the agent wrote, empty for pure
	// review stages.
	ArtifactName string
	// Content is the artifact body.
	Content string
	// BaseVersion is the artifact version the content was derived from.
	// The supervisor rejects the write if the stored version moved on.
	BaseVersion int
	// Approved is the review verdict for reviewer capabilities.
	Approved *bool
	// Findings lists reviewer observations.
	Findings []string
}

// ProduceFunc executes one task against the generator.
type ProduceFunc func(ctx context.Context, gen textgen.Generator, task *models.Task, in Input) (Output, error)

// Spec defines the behavior of one agent capability.
type Spec struct {
	// Capability is the kind of work the agent performs.
	Capability models.Capability
	// Name is the human-readable agent name.
	Name string
	// SystemPrompt frames every generation call the agent makes.
	SystemPrompt string
	// ReviewRequired routes the agent through the reviewing state after
	// a successful task instead of straight to completed.
	ReviewRequired bool
	// Produce executes one task.
	Produce ProduceFunc
}

// Runner is the contract the supervisor drives agents through.
type Runner interface {
	// ID returns the agent's unique ID.
	ID() string
	// Capability returns the agent's capability.
	Capability() models.Capability
	// Start registers the agent and begins consuming delegations.
	Start(ctx context.Context) error
	// Stop cancels the delegation loop and waits for it to exit.
	Stop()
}

// BaseAgent implements the shared agent lifecycle: delegation intake,
// state transitions, task execution, response publication, and
// cancellation. Specialized behavior comes from its Spec.
type BaseAgent struct {
	id       string
	spec     Spec
	registry *registry.AgentRegistry
	bus      bus.Bus
	queue    *queue.TaskQueue
	gen      textgen.Generator

	// taskTimeout bounds one Produce call.
	taskTimeout time.Duration

	mu          sync.Mutex
	cancelTask  context.CancelFunc
	currentTask string

	stop context.CancelFunc
	done chan struct{}
}

// Config wires a BaseAgent into the system.
type Config struct {
	ID          string
	Spec        Spec
	Registry    *registry.AgentRegistry
	Bus         bus.Bus
	Queue       *queue.TaskQueue
	Generator   textgen.Generator
	TaskTimeout time.Duration
}

// New creates an agent from its spec.
func New(cfg Config) *BaseAgent {
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &BaseAgent{
		id:          cfg.ID,
		spec:        cfg.Spec,
		registry:    cfg.Registry,
		bus:         cfg.Bus,
		queue:       cfg.Queue,
		gen:         cfg.Generator,
		taskTimeout: timeout,
		done:        make(chan struct{}),
	}
}

// ID returns the agent's unique ID.
func (a *BaseAgent) ID() string { return a.id }

// Capability returns the agent's capability.
func (a *BaseAgent) Capability() models.Capability { return a.spec.Capability }

// Start registers the agent and launches its delegation loop.
func (a *BaseAgent) Start(ctx context.Context) error {
	if err := a.registry.Register(a.id, a.spec.Name, a.spec.Capability); err != nil {
		return fmt.Errorf("start agent %s: %w", a.id, err)
	}
	sub, err := a.bus.Subscribe(AgentTopic(a.id), a.id)
	if err != nil {
		return fmt.Errorf("start agent %s: %w", a.id, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	go a.runLoop(runCtx, sub)
	return nil
}

// Stop cancels the delegation loop and waits for it to exit.
func (a *BaseAgent) Stop() {
	if a.stop != nil {
		a.stop()
	}
	<-a.done
}

// runLoop consumes the agent's topic until the context ends.
func (a *BaseAgent) runLoop(ctx context.Context, sub *bus.Subscription) {
	defer close(a.done)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			switch msg.Kind {
			case models.KindDelegate:
				// Execution runs off the loop so cancellation
				// notifications can interrupt it.
				go a.handleDelegate(ctx, msg)
			case models.KindNotify:
				a.handleNotify(ctx, msg)
			}
		}
	}
}

// handleDelegate claims a task for the agent's capability and executes it.
func (a *BaseAgent) handleDelegate(ctx context.Context, msg models.Message) {
	task, ok := a.queue.Dequeue(a.spec.Capability, a.id)
	if !ok {
		a.reply(ctx, msg.ErrorReply("no ready task for capability "+string(a.spec.Capability)))
		return
	}

	if err := a.registry.UpdateState(a.id, models.AgentWorking); err != nil {
		// The agent cannot legally take work right now. Put the task back.
		if _, ferr := a.queue.Fail(task.ID, "agent unavailable: "+err.Error()); ferr != nil {
			log.Printf("[agent %s] requeue after refused transition: %v", a.id, ferr)
		}
		a.reply(ctx, msg.ErrorReply(err.Error()))
		return
	}
	_ = a.registry.SetCurrentTask(a.id, task.ID)

	in := inputFromPayload(msg.Payload)
	taskCtx, cancel := context.WithTimeout(ctx, a.taskTimeout)
	a.mu.Lock()
	a.cancelTask = cancel
	a.currentTask = task.ID
	a.mu.Unlock()

	out, err := a.spec.Produce(taskCtx, a.gen, task, in)

	a.mu.Lock()
	a.cancelTask = nil
	a.currentTask = ""
	a.mu.Unlock()
	cancel()

	if err != nil {
		a.finishFailed(ctx, msg, task, err)
		return
	}
	a.finishDone(ctx, msg, task, out)
}

// finishFailed reports a failed execution. The queue decides whether
// the task gets another attempt.
func (a *BaseAgent) finishFailed(ctx context.Context, msg models.Message, task *models.Task, err error) {
	log.Printf("[agent %s] task %s failed: %v", a.id, task.ID, err)

	retried, qerr := a.queue.Fail(task.ID, err.Error())
	if qerr != nil && !errors.Is(qerr, queue.ErrNotAssigned) {
		log.Printf("[agent %s] fail task %s: %v", a.id, task.ID, qerr)
	}
	if serr := a.registry.UpdateState(a.id, models.AgentError); serr != nil {
		log.Printf("[agent %s] transition to error: %v", a.id, serr)
	}
	a.registry.AddMetrics(a.id, 0, 1, 0)

	reply := msg.ErrorReply(err.Error())
	reply.Payload["task_id"] = task.ID
	reply.Payload["retried"] = retried
	a.reply(ctx, reply)
}

// finishDone reports a successful execution.
func (a *BaseAgent) finishDone(ctx context.Context, msg models.Message, task *models.Task, out Output) {
	if err := a.queue.Complete(task.ID); err != nil {
		// The task was cancelled mid-flight; drop the output.
		log.Printf("[agent %s] complete task %s: %v", a.id, task.ID, err)
		if serr := a.registry.UpdateState(a.id, models.AgentError); serr != nil {
			log.Printf("[agent %s] transition to error: %v", a.id, serr)
		}
		return
	}

	next := models.AgentCompleted
	if a.spec.ReviewRequired {
		next = models.AgentReviewing
	}
	if err := a.registry.UpdateState(a.id, next); err != nil {
		log.Printf("[agent %s] transition to %s: %v", a.id, next, err)
	}
	a.registry.AddMetrics(a.id, 1, 0, 0)

	payload := map[string]any{
		"task_id": task.ID,
	}
	if out.ArtifactName != "" {
		payload["artifact"] = out.ArtifactName
		payload["content"] = out.Content
		payload["base_version"] = out.BaseVersion
	}
	if out.Approved != nil {
		payload["approved"] = *out.Approved
	}
	if len(out.Findings) > 0 {
		payload["findings"] = out.Findings
	}
	a.reply(ctx, msg.Reply(payload))
}

// handleNotify processes control notifications, currently cancellation.
func (a *BaseAgent) handleNotify(ctx context.Context, msg models.Message) {
	taskID, _ := msg.Payload["cancel_task"].(string)
	if taskID == "" {
		return
	}
	a.mu.Lock()
	if a.currentTask == taskID && a.cancelTask != nil {
		a.cancelTask()
	}
	a.mu.Unlock()

	ack := models.NewNotify(a.id, msg.Sender, map[string]any{
		"cancel_ack": taskID,
	})
	a.reply(ctx, ack)
}

// reply publishes a message to the supervisor topic.
func (a *BaseAgent) reply(ctx context.Context, msg models.Message) {
	msg.Sender = a.id
	if err := a.bus.Publish(ctx, SupervisorTopic, msg); err != nil {
		log.Printf("[agent %s] publish reply: %v", a.id, err)
		return
	}
	a.registry.AddMetrics(a.id, 0, 0, 1)
}

// inputFromPayload rebuilds an Input from a delegation payload. The
// payload may have crossed a JSON boundary, so both typed and decoded
// forms are accepted.
func inputFromPayload(payload map[string]any) Input {
	in := Input{Artifacts: make(map[string]models.Artifact)}
	if payload == nil {
		return in
	}
	in.ProjectID, _ = payload["project_id"].(string)
	in.Requirements, _ = payload["requirements"].(string)
	in.Feedback, _ = payload["feedback"].(string)

	switch arts := payload["artifacts"].(type) {
	case map[string]models.Artifact:
		for k, v := range arts {
			in.Artifacts[k] = v
		}
	case map[string]any:
		for k, v := range arts {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			art := models.Artifact{Name: k}
			art.Content, _ = m["content"].(string)
			if ver, ok := m["version"].(float64); ok {
				art.Version = int(ver)
			}
			in.Artifacts[k] = art
		}
	}
	return in
}

var _ Runner = (*BaseAgent)(nil)
