// Package supervisor drives one project run: it promotes plan tasks,
// delegates them to agents over the bus, applies their results to the
// project context, and surfaces checkpoints for human review.
//
// The supervisor is the single writer of its ProjectContext. Agents
// only ever see immutable snapshots, and every accepted result flows
// back through one mutex here.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/devpilot/devpilot/internal/agent"
	"github.com/devpilot/devpilot/internal/bus"
	"github.com/devpilot/devpilot/internal/queue"
	"github.com/devpilot/devpilot/internal/registry"
	"github.com/devpilot/devpilot/internal/state"
	"github.com/devpilot/devpilot/internal/workflow"
	"github.com/devpilot/devpilot/pkg/models"
)

// SupervisorID is the sender ID the supervisor uses on the bus.
const SupervisorID = "supervisor"

var (
	// ErrAgentTimeout indicates an agent did not respond within the
	// configured window.
	ErrAgentTimeout = errors.New("agent response timeout")
	// ErrCapabilityUnavailable indicates no agent for a required
	// capability became available within the configured wait.
	ErrCapabilityUnavailable = errors.New("no agent available for capability")
	// ErrProjectBlocked indicates the run stopped and needs human
	// intervention before it can resume.
	ErrProjectBlocked = errors.New("project blocked")
	// ErrProjectCancelled indicates the run was cancelled.
	ErrProjectCancelled = errors.New("project cancelled")
	// ErrNoPendingCheckpoint indicates an approval decision arrived with
	// no checkpoint awaiting one.
	ErrNoPendingCheckpoint = errors.New("no pending checkpoint")
	// ErrCheckpointMismatch indicates a decision named a checkpoint other
	// than the pending one.
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")
)

// EventsTopic returns the bus topic project lifecycle events are
// published on.
func EventsTopic(projectID string) string {
	return "events." + projectID
}

// Config wires a Supervisor into the system.
type Config struct {
	// Context is the project context the supervisor owns.
	Context *models.ProjectContext
	// Engine is the project plan.
	Engine *workflow.Engine
	// Bus carries delegations, responses, and events.
	Bus bus.Bus
	// Queue is the shared task queue agents draw from.
	Queue *queue.TaskQueue
	// Registry tracks agent availability and lifecycle.
	Registry *registry.AgentRegistry
	// Store persists snapshots after every transition. Nil disables
	// persistence.
	Store state.ContextStore
	// StoredVersion is the context version currently on disk for this
	// project, zero when it has never been saved. It guards the first
	// snapshot write of the run; resumed contexts mutate in memory
	// before the supervisor starts, so the in-memory version cannot
	// serve as the guard.
	StoredVersion int

	// MaxRetries caps delegation attempts per task.
	MaxRetries int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// AgentTimeout bounds the wait for one agent response.
	AgentTimeout time.Duration
	// CapabilityWait bounds the wait for an available agent.
	CapabilityWait time.Duration
}

// rework is a deferred regeneration decision collected during a wave.
type rework struct {
	target   string
	feedback string
}

// decision is a human verdict on the pending checkpoint.
type decision struct {
	checkpointID string
	approved     bool
	feedback     string
	reply        chan error
}

// Supervisor orchestrates one project run.
type Supervisor struct {
	cfg       Config
	projectID string
	engine    *workflow.Engine
	bus       bus.Bus
	queue     *queue.TaskQueue
	registry  *registry.AgentRegistry
	store     state.ContextStore
	sub       *bus.Subscription

	decisions chan decision

	mu           sync.Mutex
	ctx          *models.ProjectContext
	waiters      map[string]chan models.Message
	acks         map[string]chan struct{}
	waveReworks  []rework
	waveVerdicts int
	stored       int
	cancelled    bool
	runCancel    context.CancelFunc
}

// New creates a supervisor and subscribes it to its response topic.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Context == nil || cfg.Engine == nil {
		return nil, errors.New("supervisor: context and engine are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 120 * time.Second
	}
	if cfg.CapabilityWait <= 0 {
		cfg.CapabilityWait = 5 * time.Minute
	}

	sub, err := cfg.Bus.Subscribe(agent.SupervisorTopic, SupervisorID)
	if err != nil {
		return nil, fmt.Errorf("supervisor subscribe: %w", err)
	}

	s := &Supervisor{
		cfg:       cfg,
		projectID: cfg.Context.ProjectID,
		engine:    cfg.Engine,
		bus:       cfg.Bus,
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		store:     cfg.Store,
		sub:       sub,
		decisions: make(chan decision),
		ctx:       cfg.Context,
		waiters:   make(map[string]chan models.Message),
		acks:      make(map[string]chan struct{}),
		stored:    cfg.StoredVersion,
	}
	go s.recvLoop()
	return s, nil
}

// recvLoop routes agent responses to their waiting delegations and
// handles control notifications. It runs until Close.
func (s *Supervisor) recvLoop() {
	for msg := range s.sub.C() {
		switch msg.Kind {
		case models.KindResponse, models.KindError:
			s.mu.Lock()
			ch, ok := s.waiters[msg.CorrelationID]
			if ok {
				delete(s.waiters, msg.CorrelationID)
			}
			s.mu.Unlock()
			if ok {
				ch <- msg
			} else {
				log.Printf("[supervisor %s] dropping late response %s from %s", s.projectID, msg.ID, msg.Sender)
			}
		case models.KindNotify:
			if taskID, ok := msg.Payload["cancel_ack"].(string); ok {
				s.mu.Lock()
				ack := s.acks[taskID]
				s.mu.Unlock()
				if ack != nil {
					select {
					case ack <- struct{}{}:
					default:
					}
				}
			}
		}
	}
}

// Run executes the plan to completion. It returns nil when every stage
// finished, ErrProjectBlocked when the run needs intervention, and
// ErrProjectCancelled after a cancel.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	s.event(runCtx, "project_started", nil)
	s.persist()

	for {
		if runCtx.Err() != nil {
			if s.isCancelled() {
				return ErrProjectCancelled
			}
			return runCtx.Err()
		}
		if s.engine.Done() {
			return s.complete(ctx)
		}

		ready := s.engine.PromoteReady()
		var work, gates []*models.Task
		for _, task := range ready {
			if task.Checkpoint {
				gates = append(gates, task)
			} else {
				work = append(work, task)
			}
		}
		if len(work) == 0 && len(gates) == 0 {
			if s.isCancelled() {
				return ErrProjectCancelled
			}
			return fmt.Errorf("project %s: plan stalled with no ready tasks", s.projectID)
		}

		if len(work) > 0 {
			errs := make([]error, len(work))
			var wg sync.WaitGroup
			for i, task := range work {
				wg.Add(1)
				go func(i int, task *models.Task) {
					defer wg.Done()
					errs[i] = s.runTask(runCtx, task)
				}(i, task)
			}
			wg.Wait()
			for _, err := range errs {
				if err == nil {
					continue
				}
				if s.isCancelled() {
					return ErrProjectCancelled
				}
				return err
			}
			s.resolveWave(runCtx)
			s.persist()
		}

		for _, gate := range gates {
			if err := s.handleCheckpoint(runCtx, gate); err != nil {
				if s.isCancelled() {
					return ErrProjectCancelled
				}
				return err
			}
		}
	}
}

// runTask delegates one task until it succeeds, exhausts its retry
// budget, or the run ends.
func (s *Supervisor) runTask(ctx context.Context, task *models.Task) error {
	if err := s.queue.Enqueue(task); err != nil {
		return s.permanentFail(ctx, task, err)
	}

	backoff := s.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		agentID, err := s.waitForAgent(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.permanentFail(ctx, task, err)
		}

		msg := models.NewDelegate(SupervisorID, agentID, s.delegationPayload(task))
		ch := s.addWaiter(msg.CorrelationID)
		if err := s.bus.Publish(ctx, agent.AgentTopic(agentID), msg); err != nil {
			s.removeWaiter(msg.CorrelationID)
			return s.permanentFail(ctx, task, err)
		}

		resp, err := s.await(ctx, msg.CorrelationID, ch)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timed out. Tell the agent to abandon the attempt so the
			// task lands back in the queue before the next one.
			log.Printf("[supervisor %s] task %s on %s: %v", s.projectID, task.ID, agentID, err)
			s.notifyCancel(ctx, agentID, task.ID)
		case resp.Kind == models.KindResponse:
			return s.accept(ctx, task, resp)
		default:
			reason, _ := resp.Payload["error"].(string)
			log.Printf("[supervisor %s] task %s attempt %d failed: %s", s.projectID, task.ID, attempt, reason)
			if retried, ok := resp.Payload["retried"].(bool); ok && !retried {
				// The queue gave up on the task.
				return s.permanentFail(ctx, task, fmt.Errorf("retries exhausted: %s", reason))
			}
		}

		if attempt >= s.cfg.MaxRetries {
			return s.permanentFail(ctx, task,
				fmt.Errorf("no successful response after %d attempts", attempt))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
}

// waitForAgent polls the registry until an agent for the task's
// capability can accept work. Rework tasks may also go to an agent held
// in reviewing, which resumes it on the feedback.
func (s *Supervisor) waitForAgent(ctx context.Context, task *models.Task) (string, error) {
	deadline := time.NewTimer(s.cfg.CapabilityWait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		if ids := s.candidates(task); len(ids) > 0 {
			return ids[0], nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: %s after %s", ErrCapabilityUnavailable, task.Capability, s.cfg.CapabilityWait)
		case <-tick.C:
		}
	}
}

func (s *Supervisor) candidates(task *models.Task) []string {
	ids := s.registry.Available(task.Capability)
	for _, a := range s.registry.All() {
		if a.Capability != task.Capability {
			continue
		}
		switch a.State {
		case models.AgentError:
			// Errored agents may take work again; that is their recovery
			// path.
			ids = append(ids, a.ID)
		case models.AgentReviewing:
			// An agent held for review resumes its own stage on rework.
			if task.Rework {
				ids = append(ids, a.ID)
			}
		}
	}
	return ids
}

// await blocks for the response matching a delegation.
func (s *Supervisor) await(ctx context.Context, correlationID string, ch chan models.Message) (models.Message, error) {
	timer := time.NewTimer(s.cfg.AgentTimeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		s.removeWaiter(correlationID)
		return models.Message{}, fmt.Errorf("%w after %s", ErrAgentTimeout, s.cfg.AgentTimeout)
	case <-ctx.Done():
		s.removeWaiter(correlationID)
		return models.Message{}, ctx.Err()
	}
}

// accept applies a successful task response to the project context.
// Artifact writes are guarded by the version the agent based its work
// on; a stale write schedules regeneration instead of landing.
func (s *Supervisor) accept(ctx context.Context, task *models.Task, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, _ := msg.Payload["artifact"].(string)
	content, _ := msg.Payload["content"].(string)
	base := intFromPayload(msg.Payload["base_version"])

	if name != "" {
		if err := s.ctx.PutArtifact(name, content, msg.Sender, base); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				log.Printf("[supervisor %s] task %s: %v, scheduling regeneration", s.projectID, task.ID, err)
				s.waveReworks = append(s.waveReworks, rework{
					target:   task.ID,
					feedback: fmt.Sprintf("artifact %s changed since version %d; regenerate against the current content", name, base),
				})
				return nil
			}
			return err
		}
	}

	s.ctx.RecordStage(models.StageRecord{
		TaskID:      task.ID,
		Capability:  task.Capability,
		AgentID:     msg.Sender,
		Artifact:    name,
		CompletedAt: time.Now().UTC(),
	})
	if err := s.engine.Complete(task.ID); err != nil {
		return err
	}

	if approved, ok := msg.Payload["approved"].(bool); ok {
		s.waveVerdicts++
		if !approved {
			feedback := joinFindings(msg.Payload["findings"])
			if feedback == "" {
				feedback = fmt.Sprintf("%s rejected the implementation", task.Capability)
			}
			target := s.findProducer(agent.ArtifactImplementation)
			if target != "" {
				s.waveReworks = append(s.waveReworks, rework{target: target, feedback: feedback})
			}
			log.Printf("[supervisor %s] task %s: %s rejected the implementation",
				s.projectID, task.ID, task.Capability)
		}
	}

	s.event(ctx, "stage_completed", map[string]any{
		"task_id":  task.ID,
		"agent_id": msg.Sender,
		"artifact": name,
	})
	return nil
}

// resolveWave applies deferred regeneration decisions once every task
// in the wave has reported. Deferring keeps parallel reviewers from
// racing each other's rework of the same stage.
func (s *Supervisor) resolveWave(ctx context.Context) {
	s.mu.Lock()
	reworks := s.waveReworks
	verdicts := s.waveVerdicts
	s.waveReworks = nil
	s.waveVerdicts = 0
	s.mu.Unlock()

	if len(reworks) == 0 {
		// Agents held in reviewing are released once a review wave
		// passes their work.
		if verdicts > 0 {
			for _, a := range s.registry.All() {
				if a.State == models.AgentReviewing {
					if err := s.registry.UpdateState(a.ID, models.AgentCompleted); err != nil {
						log.Printf("[supervisor %s] release %s: %v", s.projectID, a.ID, err)
					}
				}
			}
		}
		return
	}

	merged := make(map[string][]string)
	var order []string
	for _, r := range reworks {
		if _, seen := merged[r.target]; !seen {
			order = append(order, r.target)
		}
		merged[r.target] = append(merged[r.target], r.feedback)
	}
	for _, target := range order {
		feedback := strings.Join(merged[target], "\n")
		if _, err := s.engine.Rework(target, feedback); err != nil {
			log.Printf("[supervisor %s] rework %s: %v", s.projectID, target, err)
			continue
		}
		s.event(ctx, "stage_rejected", map[string]any{
			"task_id":  target,
			"feedback": feedback,
		})
	}
}

// handleCheckpoint surfaces a review gate and blocks until a human
// decision arrives. Approval completes the gate; rejection regenerates
// the reviewed stage and the gate resurfaces after the rework lands.
func (s *Supervisor) handleCheckpoint(ctx context.Context, task *models.Task) error {
	stageID := ""
	if n := len(task.DependsOn); n > 0 {
		stageID = task.DependsOn[n-1]
	}
	var capability models.Capability
	if stage := s.engine.Get(stageID); stage != nil {
		capability = stage.Capability
	}

	s.mu.Lock()
	s.ctx.SetPending(&models.Checkpoint{
		ID:          task.ID,
		AfterTaskID: stageID,
		Capability:  capability,
		RaisedAt:    time.Now().UTC(),
	})
	s.mu.Unlock()
	s.persist()
	s.event(ctx, "checkpoint_pending", map[string]any{
		"checkpoint_id": task.ID,
		"after_task":    stageID,
	})
	log.Printf("[supervisor %s] checkpoint %s awaiting approval", s.projectID, task.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.decisions:
			if d.checkpointID != task.ID {
				d.reply <- fmt.Errorf("%w: pending is %s", ErrCheckpointMismatch, task.ID)
				continue
			}

			// Clear the pending gate before acknowledging so a second
			// decision cannot race into a handler that already left.
			s.mu.Lock()
			s.ctx.SetPending(nil)
			s.mu.Unlock()
			d.reply <- nil

			if d.approved {
				if err := s.engine.Complete(task.ID); err != nil {
					return err
				}
				s.event(ctx, "checkpoint_approved", map[string]any{"checkpoint_id": task.ID})
			} else {
				if _, err := s.engine.Rework(stageID, d.feedback); err != nil {
					return err
				}
				s.event(ctx, "checkpoint_rejected", map[string]any{
					"checkpoint_id": task.ID,
					"feedback":      d.feedback,
				})
			}
			s.persist()
			return nil
		}
	}
}

// permanentFail blocks the project on a task that cannot make progress.
func (s *Supervisor) permanentFail(ctx context.Context, task *models.Task, cause error) error {
	if s.isCancelled() {
		return ErrProjectCancelled
	}
	now := time.Now().UTC()
	if !task.Status.Terminal() {
		task.Status = models.TaskStatusFailed
		task.CompletedAt = &now
		task.Error = cause.Error()
	}

	s.mu.Lock()
	s.ctx.SetPending(&models.Checkpoint{
		ID:          task.ID + "-blocked",
		AfterTaskID: task.ID,
		Capability:  task.Capability,
		Reason:      cause.Error(),
		RaisedAt:    now,
	})
	s.ctx.SetBlocked(fmt.Sprintf("task %s: %v", task.ID, cause))
	s.mu.Unlock()
	s.persist()
	s.event(ctx, "project_blocked", map[string]any{
		"task_id": task.ID,
		"reason":  cause.Error(),
	})

	log.Printf("[supervisor %s] blocked: task %s: %v", s.projectID, task.ID, cause)
	return fmt.Errorf("task %s: %v: %w", task.ID, cause, ErrProjectBlocked)
}

// complete finishes a fully executed plan.
func (s *Supervisor) complete(ctx context.Context) error {
	s.mu.Lock()
	s.ctx.SetStatus(models.ProjectCompleted)
	s.mu.Unlock()
	s.persist()
	s.event(ctx, "project_completed", nil)
	log.Printf("[supervisor %s] project completed", s.projectID)
	return nil
}

// delegationPayload builds the delegation body from an immutable
// context snapshot.
func (s *Supervisor) delegationPayload(task *models.Task) map[string]any {
	s.mu.Lock()
	snap := s.ctx.Clone()
	s.mu.Unlock()
	return map[string]any{
		"task_id":      task.ID,
		"project_id":   snap.ProjectID,
		"requirements": snap.Requirements,
		"artifacts":    snap.Artifacts,
		"feedback":     task.Feedback,
	}
}

// findProducer returns the task that wrote the current version of an
// artifact, from the stage history.
func (s *Supervisor) findProducer(artifact string) string {
	for i := len(s.ctx.Stages) - 1; i >= 0; i-- {
		if s.ctx.Stages[i].Artifact == artifact {
			return s.ctx.Stages[i].TaskID
		}
	}
	return ""
}

// notifyCancel tells an agent to abandon a task.
func (s *Supervisor) notifyCancel(ctx context.Context, agentID, taskID string) {
	note := models.NewNotify(SupervisorID, agentID, map[string]any{"cancel_task": taskID})
	note.Priority = models.PriorityCritical
	if err := s.bus.Publish(ctx, agent.AgentTopic(agentID), note); err != nil {
		log.Printf("[supervisor %s] cancel notify to %s: %v", s.projectID, agentID, err)
	}
}

// persist saves a snapshot, guarded by the version last written.
func (s *Supervisor) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snap := state.Snapshot{Context: s.ctx.Clone(), Tasks: s.engine.Tasks()}
	expected := s.stored
	s.mu.Unlock()

	if err := s.store.Save(snap, expected); err != nil {
		log.Printf("[supervisor %s] persist: %v", s.projectID, err)
		return
	}
	s.mu.Lock()
	s.stored = snap.Context.Version
	s.mu.Unlock()
}

// event publishes a lifecycle notification on the project events topic.
func (s *Supervisor) event(ctx context.Context, kind string, fields map[string]any) {
	payload := map[string]any{
		"event":      kind,
		"project_id": s.projectID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	msg := models.NewBroadcast(SupervisorID, payload)
	if err := s.bus.Publish(ctx, EventsTopic(s.projectID), msg); err != nil {
		log.Printf("[supervisor %s] publish event %s: %v", s.projectID, kind, err)
	}
}

func (s *Supervisor) addWaiter(correlationID string) chan models.Message {
	ch := make(chan models.Message, 1)
	s.mu.Lock()
	s.waiters[correlationID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) removeWaiter(correlationID string) {
	s.mu.Lock()
	delete(s.waiters, correlationID)
	s.mu.Unlock()
}

func (s *Supervisor) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// intFromPayload reads an int that may have crossed a JSON boundary.
func intFromPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// joinFindings flattens reviewer findings into feedback text.
func joinFindings(v any) string {
	switch f := v.(type) {
	case []string:
		return strings.Join(f, "\n")
	case []any:
		parts := make([]string, 0, len(f))
		for _, item := range f {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
