// Package models defines the core data types shared across the system.
package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind represents the intent of a message on the bus.
type MessageKind string

const (
	// KindRequest asks the recipient to perform work and reply.
	KindRequest MessageKind = "request"
	// KindResponse answers a prior request, carrying its correlation ID.
	KindResponse MessageKind = "response"
	// KindNotify is a one-way informational message.
	KindNotify MessageKind = "notify"
	// KindDelegate assigns a task to an agent on behalf of the supervisor.
	KindDelegate MessageKind = "delegate"
	// KindError reports a failure, carrying the correlation ID of the
	// request that failed.
	KindError MessageKind = "error"
)

// Valid returns true if the kind is a known value.
func (k MessageKind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindNotify, KindDelegate, KindError:
		return true
	default:
		return false
	}
}

// Priority orders messages on the bus. Lower values deliver first.
type Priority int

const (
	// PriorityCritical is reserved for cancellation and shutdown traffic.
	PriorityCritical Priority = 1
	// PriorityHigh is used for retries and escalations.
	PriorityHigh Priority = 2
	// PriorityNormal is the default for ordinary traffic.
	PriorityNormal Priority = 3
	// PriorityLow is used for status updates.
	PriorityLow Priority = 4
	// PriorityBackground is used for metrics and housekeeping.
	PriorityBackground Priority = 5
)

// Valid returns true if the priority is in the defined range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// BroadcastID is the recipient marker for messages addressed to every
// subscriber of a topic rather than a single agent.
const BroadcastID = "broadcast"

// Message is the immutable unit of communication between agents.
// The bus and handlers never mutate a message after creation; replies
// are built with Reply and ErrorReply so correlation IDs are preserved.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// CorrelationID links a response or error back to its request.
	// Requests carry their own ID here so the full exchange shares one value.
	CorrelationID string `json:"correlation_id"`
	// ParentID threads a message under an earlier one, if any.
	ParentID string `json:"parent_id,omitempty"`
	// Kind is the message intent.
	Kind MessageKind `json:"kind"`
	// Sender is the agent ID that produced the message.
	Sender string `json:"sender"`
	// Recipient is the target agent ID, or BroadcastID.
	Recipient string `json:"recipient"`
	// Priority orders delivery; defaults to PriorityNormal.
	Priority Priority `json:"priority"`
	// Payload is the kind-specific body.
	Payload map[string]any `json:"payload,omitempty"`
	// CreatedAt is when the message was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewRequest creates a request message. The correlation ID is the
// message's own ID so replies can be matched to it.
func NewRequest(sender, recipient string, payload map[string]any) Message {
	id := uuid.New().String()
	return Message{
		ID:            id,
		CorrelationID: id,
		Kind:          KindRequest,
		Sender:        sender,
		Recipient:     recipient,
		Priority:      PriorityNormal,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewDelegate creates a task delegation message from the supervisor.
func NewDelegate(sender, recipient string, payload map[string]any) Message {
	m := NewRequest(sender, recipient, payload)
	m.Kind = KindDelegate
	return m
}

// NewNotify creates a one-way notification.
func NewNotify(sender, recipient string, payload map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		Kind:      KindNotify,
		Sender:    sender,
		Recipient: recipient,
		Priority:  PriorityLow,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// NewBroadcast creates a notification addressed to every subscriber.
func NewBroadcast(sender string, payload map[string]any) Message {
	return NewNotify(sender, BroadcastID, payload)
}

// Reply builds a response to this message, preserving its correlation ID
// and swapping sender and recipient.
func (m Message) Reply(payload map[string]any) Message {
	return Message{
		ID:            uuid.New().String(),
		CorrelationID: m.CorrelationID,
		ParentID:      m.ID,
		Kind:          KindResponse,
		Sender:        m.Recipient,
		Recipient:     m.Sender,
		Priority:      m.Priority,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// ErrorReply builds an error response to this message, preserving its
// correlation ID.
func (m Message) ErrorReply(reason string) Message {
	r := m.Reply(map[string]any{"error": reason})
	r.Kind = KindError
	r.Priority = PriorityHigh
	return r
}

// IsBroadcast returns true if the message is addressed to all subscribers.
func (m Message) IsBroadcast() bool {
	return m.Recipient == BroadcastID
}
