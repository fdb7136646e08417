package bus

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devpilot/devpilot/pkg/models"
)

// Options configures a MemoryBus.
type Options struct {
	// MaxPending is the per-subscriber pending message cap. Publish
	// blocks while any subscriber of the topic is at the cap.
	MaxPending int
	// MaxRedeliveries is how many extra delivery attempts a message
	// gets before it is dead-lettered.
	MaxRedeliveries int
	// DeliveryWindow is how long a single delivery attempt waits for
	// the subscriber to take the message.
	DeliveryWindow time.Duration
	// HistoryLimit bounds the message history ring.
	HistoryLimit int
	// Metrics receives the bus counters. Nil disables them.
	Metrics *Metrics
	// DeadLetterStore persists dead letters across restarts. Nil keeps
	// them in memory only.
	DeadLetterStore DeadLetterStore
}

// DefaultOptions returns the standard bus configuration.
func DefaultOptions() Options {
	return Options{
		MaxPending:      1024,
		MaxRedeliveries: 3,
		DeliveryWindow:  5 * time.Second,
		HistoryLimit:    1000,
	}
}

// MemoryBus is the in-process Bus implementation. Delivery is
// priority-ordered per subscriber: lower priority value first, then
// publication order within a priority.
type MemoryBus struct {
	opts Options

	mu           sync.Mutex
	topics       map[string][]*subscriber
	correlations map[string]struct{}
	dead         []DeadLetter
	history      *historyRing
	seq          uint64
	closed       bool
}

// subscriber holds one subscription's pending queue and delivery state.
type subscriber struct {
	id    string
	topic string
	sub   *Subscription

	mu      sync.Mutex
	cond    *sync.Cond
	pending msgHeap
	space   chan struct{}
	closed  bool
}

// queued is a pending message with its publication sequence number.
type queued struct {
	msg models.Message
	seq uint64
}

// msgHeap orders queued messages by priority, then sequence.
type msgHeap []queued

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts Options) *MemoryBus {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultOptions().MaxPending
	}
	if opts.MaxRedeliveries < 0 {
		opts.MaxRedeliveries = 0
	}
	if opts.DeliveryWindow <= 0 {
		opts.DeliveryWindow = DefaultOptions().DeliveryWindow
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions().HistoryLimit
	}
	b := &MemoryBus{
		opts:         opts,
		topics:       make(map[string][]*subscriber),
		correlations: make(map[string]struct{}),
		history:      newHistoryRing(opts.HistoryLimit),
	}
	if opts.DeadLetterStore != nil {
		stored, err := opts.DeadLetterStore.DeadLetters()
		if err != nil {
			log.Printf("[bus] load stored dead letters: %v", err)
		} else {
			b.dead = stored
		}
	}
	return b
}

// Publish enqueues a message for every subscriber of the topic. It
// blocks while a subscriber's pending queue is full and returns the
// context error if ctx ends first. Responses with a correlation ID
// that was never issued by a request are dropped, not errors.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg models.Message) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("invalid message kind %q", msg.Kind)
	}
	if !msg.Priority.Valid() {
		msg.Priority = models.PriorityNormal
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	switch msg.Kind {
	case models.KindRequest, models.KindDelegate:
		b.correlations[msg.CorrelationID] = struct{}{}
	case models.KindResponse, models.KindError:
		if _, ok := b.correlations[msg.CorrelationID]; !ok {
			b.mu.Unlock()
			log.Printf("[bus] dropping %s on %s: unknown correlation id %s", msg.Kind, topic, msg.CorrelationID)
			if b.opts.Metrics != nil {
				b.opts.Metrics.DroppedResponses.WithLabelValues(topic).Inc()
			}
			return nil
		}
	}
	b.seq++
	seq := b.seq
	subs := append([]*subscriber(nil), b.topics[topic]...)
	b.history.add(topic, msg)
	b.mu.Unlock()

	if b.opts.Metrics != nil {
		b.opts.Metrics.Published.WithLabelValues(topic).Inc()
	}

	for _, s := range subs {
		select {
		case s.space <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			<-s.space
			continue
		}
		heap.Push(&s.pending, queued{msg: msg, seq: seq})
		s.cond.Signal()
		s.mu.Unlock()
	}
	return nil
}

// Subscribe registers a subscriber on a topic. A dedicated goroutine
// delivers its pending messages in priority order.
func (b *MemoryBus) Subscribe(topic, subscriberID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	s := &subscriber{
		id:    subscriberID,
		topic: topic,
		space: make(chan struct{}, b.opts.MaxPending),
	}
	s.cond = sync.NewCond(&s.mu)
	s.sub = &Subscription{
		Topic:        topic,
		SubscriberID: subscriberID,
		ch:           make(chan models.Message),
		cancel: func() {
			b.removeSubscriber(s)
		},
	}
	b.topics[topic] = append(b.topics[topic], s)

	go b.deliverLoop(s)
	return s.sub, nil
}

// deliverLoop pops pending messages for one subscriber and hands them
// over, retrying within the delivery window before dead-lettering.
func (b *MemoryBus) deliverLoop(s *subscriber) {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.pending) == 0 {
			s.mu.Unlock()
			close(s.sub.ch)
			return
		}
		item := heap.Pop(&s.pending).(queued)
		s.mu.Unlock()
		<-s.space

		if !b.deliver(s, item.msg) {
			b.deadLetter(s, item.msg)
		}
	}
}

// deliver attempts to hand one message to the subscriber. Returns false
// once the redelivery budget is spent.
func (b *MemoryBus) deliver(s *subscriber, msg models.Message) bool {
	attempts := b.opts.MaxRedeliveries + 1
	timer := time.NewTimer(b.opts.DeliveryWindow)
	defer timer.Stop()

	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Printf("[bus] redelivering %s to %s on %s (attempt %d/%d)",
				msg.ID, s.id, s.topic, i+1, attempts)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.opts.DeliveryWindow)
		select {
		case s.sub.ch <- msg:
			if b.opts.Metrics != nil {
				b.opts.Metrics.Delivered.WithLabelValues(s.topic).Inc()
			}
			return true
		case <-timer.C:
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return true
		}
	}
	return false
}

// deadLetter records an undeliverable message and announces it on the
// dead-letter topic.
func (b *MemoryBus) deadLetter(s *subscriber, msg models.Message) {
	dl := DeadLetter{
		Topic:        s.topic,
		SubscriberID: s.id,
		Msg:          msg,
		Attempts:     b.opts.MaxRedeliveries + 1,
		Reason:       ErrDeliveryExhausted.Error(),
		FailedAt:     time.Now().UTC(),
	}
	b.mu.Lock()
	b.dead = append(b.dead, dl)
	b.mu.Unlock()
	if b.opts.DeadLetterStore != nil {
		if err := b.opts.DeadLetterStore.SaveDeadLetter(dl); err != nil {
			log.Printf("[bus] persist dead letter %s: %v", msg.ID, err)
		}
	}

	log.Printf("[bus] dead-lettered %s for %s on %s after %d attempts",
		msg.ID, s.id, s.topic, dl.Attempts)
	if b.opts.Metrics != nil {
		b.opts.Metrics.DeadLettered.WithLabelValues(s.topic).Inc()
	}

	notice := models.NewNotify("bus", models.BroadcastID, map[string]any{
		"message_id":    msg.ID,
		"topic":         s.topic,
		"subscriber_id": s.id,
		"reason":        dl.Reason,
	})
	notice.Priority = models.PriorityHigh
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = b.Publish(ctx, DeadLetterPrefix+s.topic, notice)
}

// DeadLetters returns a copy of the dead-letter queue.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Replay re-publishes a dead-lettered message to its original topic and
// removes it from the queue. The message is republished unchanged, so a
// successful replay is indistinguishable from a slow first delivery.
func (b *MemoryBus) Replay(ctx context.Context, messageID string) error {
	b.mu.Lock()
	idx := -1
	for i, dl := range b.dead {
		if dl.Msg.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return fmt.Errorf("no dead letter for message %s", messageID)
	}
	dl := b.dead[idx]
	b.dead = append(b.dead[:idx], b.dead[idx+1:]...)
	b.mu.Unlock()
	if b.opts.DeadLetterStore != nil {
		if err := b.opts.DeadLetterStore.DeleteDeadLetter(messageID); err != nil {
			log.Printf("[bus] drop stored dead letter %s: %v", messageID, err)
		}
	}

	return b.Publish(ctx, dl.Topic, dl.Msg)
}

// History returns recent messages, optionally filtered by sender and
// kind. Zero values match everything.
func (b *MemoryBus) History(sender string, kind models.MessageKind, limit int) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.query(sender, kind, limit)
}

// Snapshot returns coarse bus statistics for status reporting.
func (b *MemoryBus) Snapshot() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := 0
	for _, list := range b.topics {
		subs += len(list)
	}
	return map[string]int{
		"topics":       len(b.topics),
		"subscribers":  subs,
		"dead_letters": len(b.dead),
		"history":      b.history.len(),
	}
}

// Close shuts the bus down. Subscriber channels close after their
// pending messages drain.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscriber
	for _, list := range b.topics {
		all = append(all, list...)
	}
	b.topics = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		s.closed = true
		s.cond.Signal()
		s.mu.Unlock()
	}
	return nil
}

func (b *MemoryBus) removeSubscriber(s *subscriber) {
	b.mu.Lock()
	list := b.topics[s.topic]
	for i, cur := range list {
		if cur == s {
			b.topics[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
	b.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

var _ Bus = (*MemoryBus)(nil)
