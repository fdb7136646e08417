package workflow

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/devpilot/devpilot/pkg/models"
)

// stage describes one node of the standard delivery pipeline.
type stage struct {
	key        string
	capability models.Capability
	checkpoint bool
	dependsOn  []string
}

// sdlcStages is the standard plan: analysis through deployment, with a
// human review checkpoint after each producing stage. Code review and
// security audit run in parallel.
var sdlcStages = []stage{
	{key: "ba", capability: models.CapBusinessAnalyst},
	{key: "cp-ba", checkpoint: true, dependsOn: []string{"ba"}},
	{key: "arch", capability: models.CapArchitect, dependsOn: []string{"cp-ba"}},
	{key: "cp-arch", checkpoint: true, dependsOn: []string{"arch"}},
	{key: "dev", capability: models.CapDeveloper, dependsOn: []string{"cp-arch"}},
	{key: "cp-dev", checkpoint: true, dependsOn: []string{"dev"}},
	{key: "review", capability: models.CapCodeReviewer, dependsOn: []string{"cp-dev"}},
	{key: "sec", capability: models.CapSecurity, dependsOn: []string{"cp-dev"}},
	{key: "qa", capability: models.CapQA, dependsOn: []string{"review", "sec"}},
	{key: "cp-qa", checkpoint: true, dependsOn: []string{"qa"}},
	{key: "devops", capability: models.CapDevOps, dependsOn: []string{"cp-qa"}},
}

// Engine owns one project's plan: it tracks readiness, hands out newly
// unblocked tasks exactly once, and rebuilds the downstream pipeline
// when a stage is rejected.
type Engine struct {
	mu        sync.Mutex
	projectID string
	prefix    string
	graph     *DependencyGraph
	seq       int
}

// NewSDLCPlan builds the standard pipeline plan for a project. The
// prefix namespaces task IDs, typically the first segment of the
// project ID. Checkpoints can be disabled for unattended runs.
func NewSDLCPlan(projectID, prefix string, withCheckpoints bool) (*Engine, error) {
	e := &Engine{
		projectID: projectID,
		prefix:    prefix,
		graph:     NewDependencyGraph(),
	}

	byKey := make(map[string]string)
	var tasks []*models.Task
	for _, s := range sdlcStages {
		if s.checkpoint && !withCheckpoints {
			byKey[s.key] = "" // resolves through to real dependencies
			continue
		}
		e.seq++
		task := &models.Task{
			ID:         e.taskID(s.key),
			ProjectID:  projectID,
			Seq:        e.seq,
			Title:      s.key,
			Capability: s.capability,
			Checkpoint: s.checkpoint,
			Status:     models.TaskStatusPending,
			Priority:   models.PriorityNormal,
			CreatedAt:  time.Now().UTC(),
		}
		for _, dep := range s.dependsOn {
			if id := byKey[dep]; id != "" {
				task.DependsOn = append(task.DependsOn, id)
			} else if id == "" {
				// Skipped checkpoint: inherit its dependencies.
				for _, prev := range sdlcStages {
					if prev.key == dep {
						for _, inner := range prev.dependsOn {
							task.DependsOn = append(task.DependsOn, byKey[inner])
						}
					}
				}
			}
		}
		byKey[s.key] = task.ID
		tasks = append(tasks, task)
	}

	if err := e.graph.Build(tasks); err != nil {
		return nil, fmt.Errorf("build plan for project %s: %w", projectID, err)
	}
	return e, nil
}

// Restore rebuilds an engine from persisted tasks, typically after a
// crash. Done tasks are re-marked so readiness picks up where it left off.
func Restore(projectID, prefix string, tasks []*models.Task) (*Engine, error) {
	e := &Engine{
		projectID: projectID,
		prefix:    prefix,
		graph:     NewDependencyGraph(),
	}
	if err := e.graph.Build(tasks); err != nil {
		return nil, fmt.Errorf("restore plan for project %s: %w", projectID, err)
	}
	for _, task := range tasks {
		if task.Seq > e.seq {
			e.seq = task.Seq
		}
		switch task.Status {
		case models.TaskStatusDone:
			e.graph.MarkDone(task.ID)
		case models.TaskStatusReady, models.TaskStatusAssigned:
			// In-flight work is not durable; run it again.
			task.Status = models.TaskStatusPending
			task.AssignedTo = ""
		case models.TaskStatusFailed:
			// A resumed run gets a fresh retry budget for the failed stage.
			task.Status = models.TaskStatusPending
			task.AssignedTo = ""
			task.RetryCount = 0
		}
	}
	return e, nil
}

func (e *Engine) taskID(key string) string {
	return fmt.Sprintf("%s-%03d-%s", e.prefix, e.seq, key)
}

// PromoteReady moves every unblocked pending task to ready and returns
// them in ascending sequence order. Each task is returned exactly once.
func (e *Engine) PromoteReady() []*models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	ready := e.graph.Ready()
	for _, task := range ready {
		task.Status = models.TaskStatusReady
	}
	return ready
}

// Complete marks a task done and records it in the graph. Dependents
// become visible through the next PromoteReady call.
func (e *Engine) Complete(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.graph.Get(taskID)
	if task == nil {
		return fmt.Errorf("complete: unknown task %s", taskID)
	}
	if task.Status != models.TaskStatusDone {
		now := time.Now().UTC()
		task.Status = models.TaskStatusDone
		task.CompletedAt = &now
	}
	e.graph.MarkDone(taskID)
	return nil
}

// Rework regenerates a rejected stage. It creates a fresh copy of the
// stage task carrying the feedback, plus fresh copies of every already
// completed task downstream of it, and retargets the rest of the plan
// onto the copies. The rejected work stays in the graph as history; it
// never becomes a cycle.
func (e *Engine) Rework(stageID, feedback string) (*models.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stage := e.graph.Get(stageID)
	if stage == nil {
		return nil, fmt.Errorf("rework: unknown task %s", stageID)
	}

	// Collect the stage and all completed transitive dependents.
	redo := map[string]bool{stageID: true}
	var collect func(id string)
	collect = func(id string) {
		for _, depID := range e.graph.Dependents(id) {
			if redo[depID] {
				continue
			}
			if e.graph.IsDone(depID) {
				redo[depID] = true
				collect(depID)
			}
		}
	}
	collect(stageID)

	// Copy each in plan order, remapping dependencies into the copy set.
	// A task's dependencies always carry a lower sequence number, so by
	// the time a copy is inserted every copy it depends on already is.
	ids := make([]string, 0, len(redo))
	for id := range redo {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return e.graph.Get(ids[i]).Seq < e.graph.Get(ids[j]).Seq
	})

	copies := make(map[string]*models.Task, len(redo))
	for _, id := range ids {
		orig := e.graph.Get(id)
		e.seq++
		cp := &models.Task{
			ID:         e.taskID(orig.Title + "-r"),
			ProjectID:  orig.ProjectID,
			Seq:        e.seq,
			Title:      orig.Title,
			Capability: orig.Capability,
			Checkpoint: orig.Checkpoint,
			Status:     models.TaskStatusPending,
			Priority:   orig.Priority,
			MaxRetries: orig.MaxRetries,
			Rework:     true,
			CreatedAt:  time.Now().UTC(),
		}
		copies[id] = cp
	}
	copies[stageID].Feedback = feedback

	for _, origID := range ids {
		cp := copies[origID]
		for _, depID := range e.graph.Dependencies(origID) {
			if mapped, ok := copies[depID]; ok {
				cp.DependsOn = append(cp.DependsOn, mapped.ID)
			} else {
				cp.DependsOn = append(cp.DependsOn, depID)
			}
		}
		if err := e.graph.Add(cp); err != nil {
			return nil, fmt.Errorf("rework %s: %w", stageID, err)
		}
	}

	// Retarget unfinished tasks that depended on replaced work. Ready
	// ones go back to pending so they resurface once the rework lands.
	for origID, cp := range copies {
		for _, depID := range e.graph.Dependents(origID) {
			if _, replaced := copies[depID]; replaced {
				continue
			}
			e.graph.Retarget(depID, origID, cp.ID)
			if dep := e.graph.Get(depID); dep != nil && dep.Status == models.TaskStatusReady {
				dep.Status = models.TaskStatusPending
			}
		}
	}

	log.Printf("[workflow] project %s: stage %s rejected, %d tasks regenerated",
		e.projectID, stageID, len(copies))
	return copies[stageID], nil
}

// Cancel marks every non-terminal task cancelled and returns the IDs of
// tasks that were assigned when cancellation hit.
func (e *Engine) Cancel() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var inFlight []string
	now := time.Now().UTC()
	for _, task := range e.graph.Tasks() {
		if task.Status.Terminal() {
			continue
		}
		if task.Status == models.TaskStatusAssigned {
			inFlight = append(inFlight, task.ID)
		}
		task.Status = models.TaskStatusCancelled
		task.CompletedAt = &now
	}
	return inFlight
}

// Done returns true once every task in the plan is done or represents
// abandoned rejected work.
func (e *Engine) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, task := range e.graph.Tasks() {
		if task.Status != models.TaskStatusDone && task.Status != models.TaskStatusCancelled {
			return false
		}
	}
	return true
}

// Get returns a task by ID, or nil.
func (e *Engine) Get(taskID string) *models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Get(taskID)
}

// Tasks returns every task in the plan in ascending sequence order.
func (e *Engine) Tasks() []*models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Tasks()
}

// ProjectID returns the project this plan belongs to.
func (e *Engine) ProjectID() string {
	return e.projectID
}
