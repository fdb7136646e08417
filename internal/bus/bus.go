// Package bus provides priority-ordered, at-least-once message delivery
// between agents, with dead-lettering for undeliverable messages.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/devpilot/devpilot/pkg/models"
)

// ErrDeliveryExhausted indicates a message exceeded its redelivery
// budget and was moved to the dead-letter queue.
var ErrDeliveryExhausted = errors.New("delivery exhausted")

// ErrBusClosed indicates an operation on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// DeadLetterPrefix prefixes the topic a dead-lettered message is
// announced on.
const DeadLetterPrefix = "deadletter."

// Bus is the message transport between agents. Implementations deliver
// at-least-once; handlers must tolerate duplicates.
type Bus interface {
	// Publish enqueues a message on a topic. It blocks while the topic
	// is at capacity and returns the context error if ctx ends first.
	Publish(ctx context.Context, topic string, msg models.Message) error
	// Subscribe registers a subscriber on a topic and returns its
	// subscription. Each subscriber receives every message published to
	// the topic, priority first, FIFO within a priority.
	Subscribe(topic, subscriberID string) (*Subscription, error)
	// Close shuts the bus down and cancels all subscriptions.
	Close() error
}

// Subscription is one subscriber's receive side on a topic.
type Subscription struct {
	// Topic is the subscribed topic.
	Topic string
	// SubscriberID identifies the subscriber.
	SubscriberID string

	ch     chan models.Message
	cancel func()
}

// C returns the channel messages are delivered on. The channel closes
// when the subscription is cancelled or the bus shuts down.
func (s *Subscription) C() <-chan models.Message {
	return s.ch
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// DeadLetter records a message that could not be delivered.
type DeadLetter struct {
	// Topic is the topic the message was published to.
	Topic string `json:"topic"`
	// SubscriberID is the subscriber that never took delivery.
	SubscriberID string `json:"subscriber_id"`
	// Msg is the undeliverable message, unmodified.
	Msg models.Message `json:"msg"`
	// Attempts is the number of delivery attempts made.
	Attempts int `json:"attempts"`
	// Reason describes why delivery failed.
	Reason string `json:"reason"`
	// FailedAt is when the message was dead-lettered.
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterStore persists dead letters so they survive a restart. The
// state package's SQLite store implements it.
type DeadLetterStore interface {
	// SaveDeadLetter records one dead letter.
	SaveDeadLetter(dl DeadLetter) error
	// DeadLetters returns every stored dead letter, oldest first.
	DeadLetters() ([]DeadLetter, error)
	// DeleteDeadLetter removes a stored dead letter after a replay.
	DeleteDeadLetter(messageID string) error
}
