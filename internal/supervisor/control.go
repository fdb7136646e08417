package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/devpilot/devpilot/pkg/models"
)

// Approve resolves the pending checkpoint positively and lets the plan
// continue.
func (s *Supervisor) Approve(ctx context.Context, checkpointID string) error {
	return s.decide(ctx, checkpointID, true, "")
}

// Reject resolves the pending checkpoint negatively. The reviewed stage
// is regenerated with the feedback and the checkpoint resurfaces after
// the rework lands.
func (s *Supervisor) Reject(ctx context.Context, checkpointID, feedback string) error {
	return s.decide(ctx, checkpointID, false, feedback)
}

func (s *Supervisor) decide(ctx context.Context, checkpointID string, approved bool, feedback string) error {
	s.mu.Lock()
	status := s.ctx.Status
	pending := s.ctx.Pending
	s.mu.Unlock()

	if status != models.ProjectAwaitingApproval || pending == nil {
		return fmt.Errorf("project %s status %s: %w", s.projectID, status, ErrNoPendingCheckpoint)
	}
	if pending.ID != checkpointID {
		return fmt.Errorf("checkpoint %s: %w: pending is %s", checkpointID, ErrCheckpointMismatch, pending.ID)
	}

	d := decision{
		checkpointID: checkpointID,
		approved:     approved,
		feedback:     feedback,
		reply:        make(chan error, 1),
	}
	select {
	case s.decisions <- d:
	case <-time.After(2 * time.Second):
		// The gate was resolved between the status check and the send.
		return fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNoPendingCheckpoint)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the run: in-flight tasks are interrupted at their
// agents, every remaining task is marked cancelled, and the project is
// persisted in the cancelled state.
func (s *Supervisor) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	stopRun := s.runCancel
	s.mu.Unlock()
	if stopRun != nil {
		stopRun()
	}

	type victim struct {
		taskID  string
		agentID string
	}
	var victims []victim
	for _, taskID := range s.engine.Cancel() {
		if task := s.engine.Get(taskID); task != nil && task.AssignedTo != "" {
			victims = append(victims, victim{taskID: taskID, agentID: task.AssignedTo})
		}
	}

	for _, v := range victims {
		ack := s.addAck(v.taskID)
		s.notifyCancel(ctx, v.agentID, v.taskID)
		select {
		case <-ack:
			s.settleCancelledAgent(v.agentID)
		case <-time.After(2 * time.Second):
			log.Printf("[supervisor %s] no cancel ack from %s for task %s", s.projectID, v.agentID, v.taskID)
		case <-ctx.Done():
			s.removeAck(v.taskID)
			return ctx.Err()
		}
		s.removeAck(v.taskID)
	}

	s.mu.Lock()
	s.ctx.SetStatus(models.ProjectCancelled)
	s.mu.Unlock()
	s.persist()
	s.event(ctx, "project_cancelled", nil)
	log.Printf("[supervisor %s] cancelled, %d in-flight tasks interrupted", s.projectID, len(victims))
	return nil
}

// settleCancelledAgent walks an interrupted agent back to idle once its
// aborted execution lands in the error state.
func (s *Supervisor) settleCancelledAgent(agentID string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := s.registry.Get(agentID)
		if err != nil {
			return
		}
		switch a.State {
		case models.AgentError:
			if err := s.registry.UpdateState(agentID, models.AgentBlocked); err != nil {
				log.Printf("[supervisor %s] settle %s: %v", s.projectID, agentID, err)
				return
			}
			if err := s.registry.UpdateState(agentID, models.AgentIdle); err != nil {
				log.Printf("[supervisor %s] settle %s: %v", s.projectID, agentID, err)
			}
			return
		case models.AgentIdle, models.AgentCompleted:
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	log.Printf("[supervisor %s] agent %s never settled after cancel", s.projectID, agentID)
}

func (s *Supervisor) addAck(taskID string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.acks[taskID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) removeAck(taskID string) {
	s.mu.Lock()
	delete(s.acks, taskID)
	s.mu.Unlock()
}

// Context returns a snapshot of the project context.
func (s *Supervisor) Context() *models.ProjectContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Clone()
}

// Tasks returns the plan tasks in sequence order.
func (s *Supervisor) Tasks() []*models.Task {
	return s.engine.Tasks()
}

// ProjectID returns the project this supervisor runs.
func (s *Supervisor) ProjectID() string {
	return s.projectID
}

// Close unsubscribes the supervisor from the bus.
func (s *Supervisor) Close() error {
	s.sub.Cancel()
	return nil
}
