package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/devpilot/devpilot/pkg/models"
)

// subjectPrefix namespaces bus topics on the NATS side.
const subjectPrefix = "devpilot.bus."

// NATSBus is the Bus implementation backed by a core NATS connection,
// for deployments where agents run in separate processes. Messages are
// JSON-encoded. Delivery order is NATS arrival order; the priority
// ordering of MemoryBus does not apply across processes.
type NATSBus struct {
	nc *nats.Conn

	mu      sync.Mutex
	subs    []*nats.Subscription
	metrics *Metrics
	closed  bool
}

// NATSOptions configures a NATSBus.
type NATSOptions struct {
	// URL is the NATS server address.
	URL string
	// Name labels the connection on the server.
	Name string
	// Metrics receives the bus counters. Nil disables them.
	Metrics *Metrics
}

// NewNATSBus connects to NATS and returns a bus over it.
func NewNATSBus(opts NATSOptions) (*NATSBus, error) {
	name := opts.Name
	if name == "" {
		name = "devpilot"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc, metrics: opts.Metrics}, nil
}

// Publish JSON-encodes the message and publishes it on the topic's subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	if err := b.nc.Publish(subjectPrefix+topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(topic).Inc()
	}
	return nil
}

// Subscribe registers a subscriber on a topic's subject. Messages that
// fail to decode are logged and skipped.
func (b *NATSBus) Subscribe(topic, subscriberID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	ch := make(chan models.Message, 64)
	var once sync.Once
	sub := &Subscription{
		Topic:        topic,
		SubscriberID: subscriberID,
		ch:           ch,
	}

	ns, err := b.nc.Subscribe(subjectPrefix+topic, func(m *nats.Msg) {
		var msg models.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[bus] skipping undecodable message on %s: %v", topic, err)
			return
		}
		ch <- msg
		if b.metrics != nil {
			b.metrics.Delivered.WithLabelValues(topic).Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub.cancel = func() {
		once.Do(func() {
			_ = ns.Unsubscribe()
			close(ch)
		})
	}
	b.subs = append(b.subs, ns)
	return sub, nil
}

// Close drains the connection and closes it.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	b.nc.Close()
	return nil
}

var _ Bus = (*NATSBus)(nil)
