// Package queue provides the shared task queue agents draw work from.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devpilot/devpilot/pkg/models"
)

// ErrNotAssigned indicates a completion or failure report for a task
// that is not currently assigned.
var ErrNotAssigned = errors.New("task not assigned")

// DefaultMaxRetries caps re-enqueues of a failing task.
const DefaultMaxRetries = 3

// TaskQueue holds ready tasks per capability and assigns them to agents
// atomically. A single mutex spans the status transition, so a task is
// handed to exactly one agent no matter how many dequeue concurrently.
type TaskQueue struct {
	mu      sync.Mutex
	ready   map[models.Capability]*taskHeap
	tasks   map[string]*models.Task
	seq     uint64
	metrics queueMetrics
}

type queueMetrics struct {
	enqueued  int
	assigned  int
	completed int
	failed    int
	retried   int
}

// entry is a queued task with its arrival sequence number.
type entry struct {
	task *models.Task
	seq  uint64
}

// taskHeap orders entries by priority, then task sequence, then arrival.
type taskHeap []entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	if h[i].task.Seq != h[j].task.Seq {
		return h[i].task.Seq < h[j].task.Seq
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewTaskQueue creates an empty task queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		ready: make(map[models.Capability]*taskHeap),
		tasks: make(map[string]*models.Task),
	}
}

// Enqueue adds a ready task to its capability queue. Tasks in any other
// status are rejected.
func (q *TaskQueue) Enqueue(task *models.Task) error {
	if task.Status != models.TaskStatusReady {
		return fmt.Errorf("task %s has status %s, only %s can be enqueued",
			task.ID, task.Status, models.TaskStatusReady)
	}
	if !task.Capability.Valid() {
		return fmt.Errorf("task %s has unknown capability %q", task.ID, task.Capability)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.ready[task.Capability]
	if !ok {
		h = &taskHeap{}
		q.ready[task.Capability] = h
	}
	q.seq++
	heap.Push(h, entry{task: task, seq: q.seq})
	q.tasks[task.ID] = task
	q.metrics.enqueued++
	return nil
}

// Dequeue atomically assigns the highest-priority ready task of the
// given capability to the agent. Returns false when none is available.
func (q *TaskQueue) Dequeue(capability models.Capability, agentID string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.ready[capability]
	if !ok {
		return nil, false
	}
	for h.Len() > 0 {
		item := heap.Pop(h).(entry)
		// Tasks cancelled while queued are skipped here rather than
		// removed eagerly.
		if item.task.Status != models.TaskStatusReady {
			continue
		}
		item.task.Status = models.TaskStatusAssigned
		item.task.AssignedTo = agentID
		q.metrics.assigned++
		return item.task, true
	}
	return nil, false
}

// Complete marks an assigned task done.
func (q *TaskQueue) Complete(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status != models.TaskStatusAssigned {
		return fmt.Errorf("complete task %s: %w", taskID, ErrNotAssigned)
	}
	now := time.Now().UTC()
	task.Status = models.TaskStatusDone
	task.CompletedAt = &now
	task.AssignedTo = ""
	q.metrics.completed++
	return nil
}

// Fail records a failure for an assigned task. While the task has
// retries left it is re-enqueued as ready and Fail returns true;
// otherwise the task is marked failed and Fail returns false.
func (q *TaskQueue) Fail(taskID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status != models.TaskStatusAssigned {
		return false, fmt.Errorf("fail task %s: %w", taskID, ErrNotAssigned)
	}
	task.Error = reason
	task.AssignedTo = ""

	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	if task.RetryCount < maxRetries {
		task.RetryCount++
		task.Status = models.TaskStatusReady
		h, ok := q.ready[task.Capability]
		if !ok {
			h = &taskHeap{}
			q.ready[task.Capability] = h
		}
		q.seq++
		heap.Push(h, entry{task: task, seq: q.seq})
		q.metrics.retried++
		log.Printf("[queue] task %s failed, retry %d/%d: %s", taskID, task.RetryCount, maxRetries, reason)
		return true, nil
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	q.metrics.failed++
	log.Printf("[queue] task %s failed permanently after %d retries: %s", taskID, task.RetryCount, reason)
	return false, nil
}

// Cancel marks a non-terminal task cancelled. Queued entries for it are
// skipped on dequeue.
func (q *TaskQueue) Cancel(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	task.AssignedTo = ""
}

// Get returns the task with the given ID, or nil.
func (q *TaskQueue) Get(taskID string) *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[taskID]
}

// Pending returns how many tasks are queued for a capability.
func (q *TaskQueue) Pending(capability models.Capability) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.ready[capability]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range *h {
		if e.task.Status == models.TaskStatusReady {
			n++
		}
	}
	return n
}

// Metrics returns a snapshot of the queue counters.
func (q *TaskQueue) Metrics() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int{
		"enqueued":  q.metrics.enqueued,
		"assigned":  q.metrics.assigned,
		"completed": q.metrics.completed,
		"failed":    q.metrics.failed,
		"retried":   q.metrics.retried,
	}
}
