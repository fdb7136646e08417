package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPutArtifactVersions(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")

	if err := pc.PutArtifact("implementation", "v1 content", "developer-1", 0); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if got := pc.Artifacts["implementation"].Version; got != 1 {
		t.Errorf("version = %d, want 1", got)
	}

	if err := pc.PutArtifact("implementation", "v2 content", "developer-1", 1); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	art := pc.Artifacts["implementation"]
	if art.Version != 2 || art.Content != "v2 content" {
		t.Errorf("artifact = v%d %q, want v2 %q", art.Version, art.Content, "v2 content")
	}
}

func TestPutArtifactStaleWriteRejected(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")
	if err := pc.PutArtifact("architecture", "first", "architect-1", 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := pc.PutArtifact("architecture", "second", "architect-1", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err := pc.PutArtifact("architecture", "stale", "architect-1", 1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale write = %v, want ErrVersionConflict", err)
	}
	art := pc.Artifacts["architecture"]
	if art.Version != 2 || art.Content != "second" {
		t.Errorf("stale write modified the artifact: v%d %q", art.Version, art.Content)
	}
}

func TestPutArtifactAfterJSONRoundTrip(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")

	// With no artifacts written yet, the map is dropped from the JSON
	// and comes back nil on load.
	data, err := json.Marshal(pc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var loaded ProjectContext
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if loaded.Artifacts != nil {
		t.Fatalf("artifacts after round trip = %v, want nil", loaded.Artifacts)
	}

	if err := loaded.PutArtifact("requirements", "stories", "ba-1", 0); err != nil {
		t.Fatalf("write after round trip failed: %v", err)
	}
	if got := loaded.Artifacts["requirements"].Version; got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
}

func TestSetPendingStatus(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")
	if pc.Status != ProjectRunning {
		t.Fatalf("initial status = %s, want running", pc.Status)
	}

	pc.SetPending(&Checkpoint{ID: "p-1-cp-arch", Capability: CapArchitect})
	if pc.Status != ProjectAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", pc.Status)
	}

	pc.SetPending(nil)
	if pc.Status != ProjectRunning {
		t.Errorf("status after clear = %s, want running", pc.Status)
	}
	if pc.Pending != nil {
		t.Error("pending checkpoint not cleared")
	}
}

func TestSetPendingDoesNotUnblock(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")
	pc.SetBlocked("retries exhausted")

	// Clearing a gate on a blocked project must not flip it to running.
	pc.SetPending(nil)
	if pc.Status != ProjectBlocked {
		t.Errorf("status = %s, want blocked", pc.Status)
	}
}

func TestSetBlockedAndStatus(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")

	pc.SetBlocked("no agent available for qa")
	if pc.Status != ProjectBlocked || pc.BlockedReason == "" {
		t.Errorf("blocked state = %s %q", pc.Status, pc.BlockedReason)
	}

	pc.SetStatus(ProjectRunning)
	if pc.Status != ProjectRunning {
		t.Errorf("status = %s, want running", pc.Status)
	}
	if pc.BlockedReason != "" {
		t.Errorf("blocked reason survived unblock: %q", pc.BlockedReason)
	}
}

func TestVersionIncrementsOnMutation(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")
	before := pc.Version

	if err := pc.PutArtifact("requirements", "content", "ba-1", 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	pc.RecordStage(StageRecord{TaskID: "p-1-ba", Capability: CapBusinessAnalyst, AgentID: "ba-1"})

	if pc.Version != before+2 {
		t.Errorf("version = %d, want %d", pc.Version, before+2)
	}
}

func TestCloneIsolation(t *testing.T) {
	pc := NewProjectContext("p-1", "Todo App", "build a todo app")
	if err := pc.PutArtifact("requirements", "original", "ba-1", 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	pc.RecordStage(StageRecord{TaskID: "p-1-ba", Capability: CapBusinessAnalyst, AgentID: "ba-1"})
	pc.SetPending(&Checkpoint{ID: "p-1-cp-ba", Capability: CapBusinessAnalyst})

	snap := pc.Clone()

	// Mutations on the clone must not reach the original.
	snap.Artifacts["requirements"] = Artifact{Name: "requirements", Content: "tampered", Version: 9}
	snap.Stages[0].AgentID = "intruder"
	snap.Pending.ID = "other"

	if got := pc.Artifacts["requirements"].Content; got != "original" {
		t.Errorf("artifact content = %q, want original", got)
	}
	if pc.Stages[0].AgentID != "ba-1" {
		t.Errorf("stage agent = %s, want ba-1", pc.Stages[0].AgentID)
	}
	if pc.Pending.ID != "p-1-cp-ba" {
		t.Errorf("pending ID = %s, want p-1-cp-ba", pc.Pending.ID)
	}
}

func TestProjectStatusValid(t *testing.T) {
	for _, s := range []ProjectStatus{ProjectRunning, ProjectAwaitingApproval,
		ProjectBlocked, ProjectCompleted, ProjectCancelled} {
		if !s.Valid() {
			t.Errorf("%s reported invalid", s)
		}
	}
	if ProjectStatus("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}
