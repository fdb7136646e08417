package models

import "testing"

func TestNewRequestCorrelation(t *testing.T) {
	m := NewRequest("supervisor", "developer-1", map[string]any{"task_id": "t-1"})

	if m.ID == "" {
		t.Fatal("request has no ID")
	}
	if m.CorrelationID != m.ID {
		t.Errorf("CorrelationID = %s, want own ID %s", m.CorrelationID, m.ID)
	}
	if m.Kind != KindRequest {
		t.Errorf("Kind = %s, want %s", m.Kind, KindRequest)
	}
	if m.Priority != PriorityNormal {
		t.Errorf("Priority = %d, want %d", m.Priority, PriorityNormal)
	}
}

func TestNewDelegate(t *testing.T) {
	m := NewDelegate("supervisor", "qa-1", nil)
	if m.Kind != KindDelegate {
		t.Errorf("Kind = %s, want %s", m.Kind, KindDelegate)
	}
	if m.CorrelationID != m.ID {
		t.Errorf("CorrelationID = %s, want own ID %s", m.CorrelationID, m.ID)
	}
}

func TestReply(t *testing.T) {
	req := NewRequest("supervisor", "developer-1", map[string]any{"task_id": "t-1"})
	resp := req.Reply(map[string]any{"artifact": "implementation"})

	if resp.ID == req.ID {
		t.Error("reply reused the request ID")
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("CorrelationID = %s, want %s", resp.CorrelationID, req.CorrelationID)
	}
	if resp.ParentID != req.ID {
		t.Errorf("ParentID = %s, want %s", resp.ParentID, req.ID)
	}
	if resp.Kind != KindResponse {
		t.Errorf("Kind = %s, want %s", resp.Kind, KindResponse)
	}
	if resp.Sender != "developer-1" || resp.Recipient != "supervisor" {
		t.Errorf("sender/recipient = %s/%s, want developer-1/supervisor", resp.Sender, resp.Recipient)
	}
}

func TestErrorReply(t *testing.T) {
	req := NewRequest("supervisor", "developer-1", nil)
	er := req.ErrorReply("generation failed")

	if er.Kind != KindError {
		t.Errorf("Kind = %s, want %s", er.Kind, KindError)
	}
	if er.CorrelationID != req.CorrelationID {
		t.Errorf("CorrelationID = %s, want %s", er.CorrelationID, req.CorrelationID)
	}
	if er.Priority != PriorityHigh {
		t.Errorf("Priority = %d, want %d", er.Priority, PriorityHigh)
	}
	if reason, _ := er.Payload["error"].(string); reason != "generation failed" {
		t.Errorf("error payload = %q", reason)
	}
}

func TestBroadcast(t *testing.T) {
	b := NewBroadcast("supervisor", map[string]any{"event": "project_started"})
	if !b.IsBroadcast() {
		t.Error("broadcast not addressed to all subscribers")
	}
	if b.Kind != KindNotify {
		t.Errorf("Kind = %s, want %s", b.Kind, KindNotify)
	}
	if b.Priority != PriorityLow {
		t.Errorf("Priority = %d, want %d", b.Priority, PriorityLow)
	}

	direct := NewNotify("supervisor", "developer-1", nil)
	if direct.IsBroadcast() {
		t.Error("direct notify reported as broadcast")
	}
}

func TestMessageKindValid(t *testing.T) {
	for _, k := range []MessageKind{KindRequest, KindResponse, KindNotify, KindDelegate, KindError} {
		if !k.Valid() {
			t.Errorf("%s reported invalid", k)
		}
	}
	if MessageKind("gossip").Valid() {
		t.Error("unknown kind reported valid")
	}
}

func TestPriorityValid(t *testing.T) {
	if !PriorityCritical.Valid() || !PriorityBackground.Valid() {
		t.Error("defined priorities reported invalid")
	}
	if Priority(0).Valid() || Priority(6).Valid() {
		t.Error("out-of-range priority reported valid")
	}
}
