package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict indicates a write against a stale artifact or
// snapshot version. The caller must reload and regenerate.
var ErrVersionConflict = errors.New("version conflict")

// ProjectStatus represents the overall state of a project run.
type ProjectStatus string

const (
	// ProjectRunning indicates the project pipeline is executing.
	ProjectRunning ProjectStatus = "running"
	// ProjectAwaitingApproval indicates a checkpoint is pending human review.
	ProjectAwaitingApproval ProjectStatus = "awaiting_approval"
	// ProjectBlocked indicates the project cannot proceed without intervention.
	ProjectBlocked ProjectStatus = "blocked"
	// ProjectCompleted indicates every stage finished.
	ProjectCompleted ProjectStatus = "completed"
	// ProjectCancelled indicates the project was cancelled.
	ProjectCancelled ProjectStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectRunning, ProjectAwaitingApproval, ProjectBlocked,
		ProjectCompleted, ProjectCancelled:
		return true
	default:
		return false
	}
}

// Artifact is a named, versioned output produced by an agent.
type Artifact struct {
	// Name identifies the artifact within its project.
	Name string `json:"name"`
	// Content is the artifact body.
	Content string `json:"content"`
	// Version increases by one on every accepted write.
	Version int `json:"version"`
	// ProducedBy is the agent ID that wrote the current version.
	ProducedBy string `json:"produced_by,omitempty"`
	// UpdatedAt is when the current version was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// StageRecord captures one completed pipeline stage.
type StageRecord struct {
	// TaskID is the task that executed the stage.
	TaskID string `json:"task_id"`
	// Capability is the agent capability that ran the stage.
	Capability Capability `json:"capability"`
	// AgentID is the agent that executed the stage.
	AgentID string `json:"agent_id"`
	// Artifact names the artifact the stage produced, if any.
	Artifact string `json:"artifact,omitempty"`
	// CompletedAt is when the stage finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Checkpoint is a pending human review gate.
type Checkpoint struct {
	// ID is the checkpoint task ID.
	ID string `json:"id"`
	// AfterTaskID is the stage task the checkpoint reviews.
	AfterTaskID string `json:"after_task_id"`
	// Capability is the capability of the reviewed stage.
	Capability Capability `json:"capability"`
	// Reason describes why the checkpoint was raised, for checkpoints
	// surfaced on failure rather than planned review.
	Reason string `json:"reason,omitempty"`
	// RaisedAt is when the checkpoint became pending.
	RaisedAt time.Time `json:"raised_at"`
}

// ProjectContext is the shared state of one project run. The supervisor
// is its single writer; agents receive immutable snapshots via Clone.
type ProjectContext struct {
	// ProjectID is the unique identifier for the project.
	ProjectID string `json:"project_id"`
	// Name is the human-readable project name.
	Name string `json:"name"`
	// Requirements is the raw requirements text the project started from.
	Requirements string `json:"requirements"`
	// Status is the overall project state.
	Status ProjectStatus `json:"status"`
	// Version increases on every persisted mutation. The store uses it
	// for optimistic concurrency.
	Version int `json:"version"`
	// Stages records completed pipeline stages in order.
	Stages []StageRecord `json:"stages,omitempty"`
	// Artifacts maps artifact name to its current versioned content.
	Artifacts map[string]Artifact `json:"artifacts,omitempty"`
	// Pending is the checkpoint awaiting human review, if any.
	Pending *Checkpoint `json:"pending,omitempty"`
	// BlockedReason explains a blocked status.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// CreatedAt is when the project started.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the context last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProjectContext creates a context for a new project run.
func NewProjectContext(projectID, name, requirements string) *ProjectContext {
	now := time.Now().UTC()
	return &ProjectContext{
		ProjectID:    projectID,
		Name:         name,
		Requirements: requirements,
		Status:       ProjectRunning,
		Artifacts:    make(map[string]Artifact),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// PutArtifact writes an artifact version. expectedVersion must equal the
// stored version (0 for a new artifact); a stale write returns
// ErrVersionConflict and leaves the artifact untouched.
func (c *ProjectContext) PutArtifact(name, content, producedBy string, expectedVersion int) error {
	if c.Artifacts == nil {
		// A context with no artifacts yet round-trips through JSON as a
		// nil map.
		c.Artifacts = make(map[string]Artifact)
	}
	cur := c.Artifacts[name].Version
	if expectedVersion != cur {
		return fmt.Errorf("artifact %s: expected version %d, have %d: %w",
			name, expectedVersion, cur, ErrVersionConflict)
	}
	c.Artifacts[name] = Artifact{
		Name:       name,
		Content:    content,
		Version:    cur + 1,
		ProducedBy: producedBy,
		UpdatedAt:  time.Now().UTC(),
	}
	c.touch()
	return nil
}

// RecordStage appends a completed stage to the history.
func (c *ProjectContext) RecordStage(rec StageRecord) {
	c.Stages = append(c.Stages, rec)
	c.touch()
}

// SetPending installs or clears the pending checkpoint and adjusts status.
func (c *ProjectContext) SetPending(cp *Checkpoint) {
	c.Pending = cp
	if cp != nil {
		c.Status = ProjectAwaitingApproval
	} else if c.Status == ProjectAwaitingApproval {
		c.Status = ProjectRunning
	}
	c.touch()
}

// SetStatus moves the project to a new overall status. Leaving the
// blocked status clears the blocked reason.
func (c *ProjectContext) SetStatus(s ProjectStatus) {
	c.Status = s
	if s != ProjectBlocked {
		c.BlockedReason = ""
	}
	c.touch()
}

// SetBlocked marks the project blocked with a reason.
func (c *ProjectContext) SetBlocked(reason string) {
	c.Status = ProjectBlocked
	c.BlockedReason = reason
	c.touch()
}

// Clone returns a deep copy of the context. Snapshots handed to agents
// go through here so concurrent agents never share mutable state.
func (c *ProjectContext) Clone() *ProjectContext {
	cp := *c
	cp.Artifacts = make(map[string]Artifact, len(c.Artifacts))
	for k, v := range c.Artifacts {
		cp.Artifacts[k] = v
	}
	cp.Stages = append([]StageRecord(nil), c.Stages...)
	if c.Pending != nil {
		p := *c.Pending
		cp.Pending = &p
	}
	return &cp
}

func (c *ProjectContext) touch() {
	c.Version++
	c.UpdatedAt = time.Now().UTC()
}
