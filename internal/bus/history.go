package bus

import "github.com/devpilot/devpilot/pkg/models"

// historyEntry pairs a message with the topic it was published on.
type historyEntry struct {
	topic string
	msg   models.Message
}

// historyRing is a bounded record of accepted publications, oldest
// entries evicted first. Callers hold the bus lock.
type historyRing struct {
	entries []historyEntry
	limit   int
	next    int
	full    bool
}

func newHistoryRing(limit int) *historyRing {
	return &historyRing{
		entries: make([]historyEntry, limit),
		limit:   limit,
	}
}

func (r *historyRing) add(topic string, msg models.Message) {
	r.entries[r.next] = historyEntry{topic: topic, msg: msg}
	r.next++
	if r.next == r.limit {
		r.next = 0
		r.full = true
	}
}

func (r *historyRing) len() int {
	if r.full {
		return r.limit
	}
	return r.next
}

// query returns matching messages oldest first. Empty sender and kind
// match everything; limit <= 0 means no limit.
func (r *historyRing) query(sender string, kind models.MessageKind, limit int) []models.Message {
	n := r.len()
	start := 0
	if r.full {
		start = r.next
	}

	var out []models.Message
	for i := 0; i < n; i++ {
		e := r.entries[(start+i)%r.limit]
		if sender != "" && e.msg.Sender != sender {
			continue
		}
		if kind != "" && e.msg.Kind != kind {
			continue
		}
		out = append(out, e.msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
