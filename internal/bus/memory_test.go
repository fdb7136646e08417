package bus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/devpilot/devpilot/pkg/models"
)

func testBus(t *testing.T, opts Options) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(opts)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := testBus(t, DefaultOptions())

	sub, err := b.Subscribe("tasks", "agent-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg := models.NewRequest("supervisor", "agent-1", map[string]any{"work": "plan"})
	if err := b.Publish(context.Background(), "tasks", msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.ID != msg.ID {
			t.Errorf("delivered message ID = %s, want %s", got.ID, msg.ID)
		}
		if got.CorrelationID != msg.ID {
			t.Errorf("request correlation ID = %s, want own ID %s", got.CorrelationID, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPriorityOrdering(t *testing.T) {
	b := testBus(t, DefaultOptions())

	sub, err := b.Subscribe("tasks", "agent-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// The first message is popped immediately, so it leads regardless.
	// The rest must come back highest priority first.
	publish := func(p models.Priority) models.Message {
		m := models.NewRequest("supervisor", "agent-1", nil)
		m.Priority = p
		if err := b.Publish(context.Background(), "tasks", m); err != nil {
			t.Fatalf("Publish(%d) failed: %v", p, err)
		}
		return m
	}

	first := publish(models.PriorityCritical)
	time.Sleep(50 * time.Millisecond)
	publish(models.PriorityLow)
	publish(models.PriorityNormal)
	publish(models.PriorityHigh)

	want := []models.Priority{
		models.PriorityCritical, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	}
	for i, p := range want {
		select {
		case got := <-sub.C():
			if got.Priority != p {
				t.Errorf("message %d priority = %d, want %d", i, got.Priority, p)
			}
			if i == 0 && got.ID != first.ID {
				t.Errorf("first message ID = %s, want %s", got.ID, first.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	b := testBus(t, DefaultOptions())

	sub, err := b.Subscribe("tasks", "agent-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		m := models.NewRequest("supervisor", "agent-1", nil)
		ids = append(ids, m.ID)
		if err := b.Publish(context.Background(), "tasks", m); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i, id := range ids {
		select {
		case got := <-sub.C():
			if got.ID != id {
				t.Errorf("message %d ID = %s, want %s", i, got.ID, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := testBus(t, DefaultOptions())

	sub1, _ := b.Subscribe("events", "agent-1")
	sub2, _ := b.Subscribe("events", "agent-2")

	msg := models.NewBroadcast("supervisor", map[string]any{"event": "started"})
	if err := b.Publish(context.Background(), "events", msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case got := <-sub.C():
			if !got.IsBroadcast() {
				t.Errorf("subscriber %d: message not marked broadcast", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d never received broadcast", i)
		}
	}
}

func TestUnknownCorrelationDropped(t *testing.T) {
	b := testBus(t, DefaultOptions())

	sub, err := b.Subscribe("replies", "supervisor")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	orphan := models.Message{
		ID:            "m-1",
		CorrelationID: "never-issued",
		Kind:          models.KindResponse,
		Sender:        "agent-1",
		Recipient:     "supervisor",
		Priority:      models.PriorityNormal,
		CreatedAt:     time.Now(),
	}
	if err := b.Publish(context.Background(), "replies", orphan); err != nil {
		t.Fatalf("Publish of orphan response errored: %v", err)
	}

	select {
	case got := <-sub.C():
		t.Fatalf("orphan response was delivered: %v", got.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	b := testBus(t, DefaultOptions())

	reqSub, _ := b.Subscribe("agent.dev", "dev")
	respSub, _ := b.Subscribe("supervisor", "supervisor")

	req := models.NewDelegate("supervisor", "dev", map[string]any{"task": "t-1"})
	if err := b.Publish(context.Background(), "agent.dev", req); err != nil {
		t.Fatalf("Publish request failed: %v", err)
	}

	var received models.Message
	select {
	case received = <-reqSub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received delegation")
	}

	resp := received.Reply(map[string]any{"result": "done"})
	if err := b.Publish(context.Background(), "supervisor", resp); err != nil {
		t.Fatalf("Publish response failed: %v", err)
	}

	select {
	case got := <-respSub.C():
		if got.CorrelationID != req.CorrelationID {
			t.Errorf("response correlation = %s, want %s", got.CorrelationID, req.CorrelationID)
		}
		if got.ParentID != req.ID {
			t.Errorf("response parent = %s, want %s", got.ParentID, req.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never received response")
	}
}

func TestDeadLetterAndReplay(t *testing.T) {
	opts := DefaultOptions()
	opts.DeliveryWindow = 20 * time.Millisecond
	opts.MaxRedeliveries = 1
	b := testBus(t, opts)

	sub, err := b.Subscribe("tasks", "agent-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg := models.NewRequest("supervisor", "agent-1", nil)
	if err := b.Publish(context.Background(), "tasks", msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Nobody reads; the message should exhaust its attempts.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(b.DeadLetters()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message was never dead-lettered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	dl := b.DeadLetters()[0]
	if dl.Msg.ID != msg.ID {
		t.Errorf("dead letter message ID = %s, want %s", dl.Msg.ID, msg.ID)
	}
	if dl.Attempts != 2 {
		t.Errorf("dead letter attempts = %d, want 2", dl.Attempts)
	}
	if dl.Reason != ErrDeliveryExhausted.Error() {
		t.Errorf("dead letter reason = %q", dl.Reason)
	}

	// Start reading, then replay. The replayed message must arrive
	// unchanged and leave the queue.
	got := make(chan models.Message, 1)
	go func() {
		for m := range sub.C() {
			if m.ID == msg.ID {
				got <- m
				return
			}
		}
	}()

	if err := b.Replay(context.Background(), msg.ID); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	select {
	case m := <-got:
		if m.CorrelationID != msg.CorrelationID {
			t.Errorf("replayed correlation = %s, want %s", m.CorrelationID, msg.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replayed message never arrived")
	}

	if n := len(b.DeadLetters()); n != 0 {
		t.Errorf("dead letter queue has %d entries after replay, want 0", n)
	}
}

func TestPublishBlocksAtCapacity(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPending = 1
	opts.DeliveryWindow = time.Minute
	b := testBus(t, opts)

	if _, err := b.Subscribe("tasks", "agent-1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// First publish is popped by the delivery goroutine, second fills
	// the queue, third must block until the context expires.
	for i := 0; i < 2; i++ {
		if err := b.Publish(context.Background(), "tasks", models.NewRequest("s", "agent-1", nil)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, "tasks", models.NewRequest("s", "agent-1", nil))
	if err != context.DeadlineExceeded {
		t.Errorf("Publish at capacity = %v, want context.DeadlineExceeded", err)
	}
}

func TestHistoryFiltering(t *testing.T) {
	b := testBus(t, DefaultOptions())

	if err := b.Publish(context.Background(), "t", models.NewRequest("alice", "bob", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(context.Background(), "t", models.NewNotify("bob", "alice", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(context.Background(), "t", models.NewNotify("alice", "bob", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := len(b.History("", "", 0)); got != 3 {
		t.Errorf("unfiltered history = %d entries, want 3", got)
	}
	if got := len(b.History("alice", "", 0)); got != 2 {
		t.Errorf("sender-filtered history = %d entries, want 2", got)
	}
	if got := len(b.History("alice", models.KindNotify, 0)); got != 1 {
		t.Errorf("sender+kind-filtered history = %d entries, want 1", got)
	}
	if got := len(b.History("", "", 2)); got != 2 {
		t.Errorf("limited history = %d entries, want 2", got)
	}
}

func TestHistoryRingEviction(t *testing.T) {
	r := newHistoryRing(3)
	for i := 0; i < 5; i++ {
		r.add("t", models.NewNotify("s", "r", map[string]any{"n": i}))
	}
	if r.len() != 3 {
		t.Fatalf("ring length = %d, want 3", r.len())
	}
	msgs := r.query("", "", 0)
	if got := msgs[0].Payload["n"].(int); got != 2 {
		t.Errorf("oldest surviving entry n = %v, want 2", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := DefaultOptions()
	opts.Metrics = NewMetrics(reg)
	b := testBus(t, opts)

	sub, _ := b.Subscribe("tasks", "agent-1")
	if err := b.Publish(context.Background(), "tasks", models.NewRequest("s", "agent-1", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-sub.C()

	if got := testutil.ToFloat64(opts.Metrics.Published.WithLabelValues("tasks")); got != 1 {
		t.Errorf("published counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(opts.Metrics.Delivered.WithLabelValues("tasks")); got != 1 {
		t.Errorf("delivered counter = %v, want 1", got)
	}
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := NewMemoryBus(DefaultOptions())
	sub, err := b.Subscribe("tasks", "agent-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("received a message after close, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel never closed")
	}

	if err := b.Publish(context.Background(), "tasks", models.NewRequest("s", "r", nil)); err != ErrBusClosed {
		t.Errorf("Publish after close = %v, want ErrBusClosed", err)
	}
}
