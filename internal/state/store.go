package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/devpilot/devpilot/internal/bus"
	"github.com/devpilot/devpilot/pkg/models"
)

// ErrNotFound indicates a load for a project that was never saved.
var ErrNotFound = errors.New("project not found")

// ProjectSummary is the listing row for a stored project.
type ProjectSummary struct {
	ProjectID string
	Name      string
	Status    models.ProjectStatus
	Version   int
	UpdatedAt time.Time
}

// Snapshot is one durable unit of project state: the context plus the
// plan tasks, saved together so resume sees a consistent pair.
type Snapshot struct {
	Context *models.ProjectContext `json:"context"`
	Tasks   []*models.Task         `json:"tasks"`
}

// ContextStore persists project snapshots with optimistic concurrency.
type ContextStore interface {
	io.Closer
	// Migrate applies all pending schema migrations.
	Migrate() error
	// Save writes a snapshot. For a project already on disk,
	// expectedVersion must match the stored version; a stale write
	// returns models.ErrVersionConflict. The first save of a project
	// inserts its row regardless of expectedVersion.
	Save(snap Snapshot, expectedVersion int) error
	// Load returns the last saved snapshot for a project.
	Load(projectID string) (Snapshot, error)
	// List returns a summary row per stored project.
	List() ([]ProjectSummary, error)
	// Delete removes a stored project.
	Delete(projectID string) error
}

// Save writes a snapshot, guarded by the context version the caller
// last observed.
func (db *DB) Save(snap Snapshot, expectedVersion int) error {
	if snap.Context == nil {
		return fmt.Errorf("save: nil context")
	}
	ctxJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	tasksJSON, err := json.Marshal(snap.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	// The guard applies only when a row already exists: a brand new
	// context may legitimately be saved at any version, including 0.
	c := snap.Context
	res, err := db.conn.Exec(`
		INSERT INTO projects (id, name, status, version, snapshot, tasks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			version = excluded.version,
			snapshot = excluded.snapshot,
			tasks = excluded.tasks,
			updated_at = excluded.updated_at
		WHERE projects.version = ?
	`, c.ProjectID, c.Name, string(c.Status), c.Version, string(ctxJSON), string(tasksJSON),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), expectedVersion)
	if err != nil {
		return fmt.Errorf("save project %s: %w", c.ProjectID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save project %s: %w", c.ProjectID, err)
	}
	if affected == 0 {
		return fmt.Errorf("save project %s at version %d: %w",
			c.ProjectID, expectedVersion, models.ErrVersionConflict)
	}
	return nil
}

// Load returns the last saved snapshot for a project.
func (db *DB) Load(projectID string) (Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var ctxJSON, tasksJSON string
	row := db.conn.QueryRow("SELECT snapshot, tasks FROM projects WHERE id = ?", projectID)
	if err := row.Scan(&ctxJSON, &tasksJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("load project %s: %w", projectID, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("load project %s: %w", projectID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(ctxJSON), &snap.Context); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal context for %s: %w", projectID, err)
	}
	if err := json.Unmarshal([]byte(tasksJSON), &snap.Tasks); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal tasks for %s: %w", projectID, err)
	}
	return snap, nil
}

// List returns a summary row per stored project, most recently updated
// first.
func (db *DB) List() ([]ProjectSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, name, status, version, updated_at
		FROM projects ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectSummary
	for rows.Next() {
		var s ProjectSummary
		var status, updated string
		if err := rows.Scan(&s.ProjectID, &s.Name, &status, &s.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		s.Status = models.ProjectStatus(status)
		if t, err := parseTime(updated); err == nil {
			s.UpdatedAt = t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a stored project.
func (db *DB) Delete(projectID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.Exec("DELETE FROM projects WHERE id = ?", projectID); err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	return nil
}

// SaveDeadLetter records a dead-lettered message for replay across
// restarts.
func (db *DB) SaveDeadLetter(dl bus.DeadLetter) error {
	payload, err := json.Marshal(dl.Msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.Msg.ID, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		INSERT OR REPLACE INTO dead_letters (message_id, topic, subscriber_id, payload, attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, dl.Msg.ID, dl.Topic, dl.SubscriberID, string(payload), dl.Attempts, dl.Reason, formatTime(dl.FailedAt))
	if err != nil {
		return fmt.Errorf("save dead letter %s: %w", dl.Msg.ID, err)
	}
	return nil
}

// DeadLetters returns all stored dead letters, oldest first.
func (db *DB) DeadLetters() ([]bus.DeadLetter, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT message_id, topic, subscriber_id, payload, attempts, reason, failed_at
		FROM dead_letters ORDER BY failed_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []bus.DeadLetter
	for rows.Next() {
		var dl bus.DeadLetter
		var msgID, payload, failedAt string
		if err := rows.Scan(&msgID, &dl.Topic, &dl.SubscriberID, &payload, &dl.Attempts, &dl.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &dl.Msg); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter %s: %w", msgID, err)
		}
		if t, err := parseTime(failedAt); err == nil {
			dl.FailedAt = t
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes a stored dead letter after a replay.
func (db *DB) DeleteDeadLetter(messageID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.Exec("DELETE FROM dead_letters WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", messageID, err)
	}
	return nil
}

// Compile-time verification that DB implements the store interface.
var _ ContextStore = (*DB)(nil)
