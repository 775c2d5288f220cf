package realtime

import "github.com/auditmarket/chat/internal/model"

// outboundQueue holds messages composed while offline, in composition order.
// It is memory only and guarded by Client.mu.
type outboundQueue struct {
	items []model.ChatMessage
}

func (q *outboundQueue) push(m model.ChatMessage) {
	q.items = append(q.items, m)
}

// drain returns all queued messages oldest first and empties the queue.
func (q *outboundQueue) drain() []model.ChatMessage {
	out := q.items
	q.items = nil
	return out
}

// requeue puts msgs back ahead of anything queued since they were drained.
func (q *outboundQueue) requeue(msgs []model.ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	q.items = append(append(make([]model.ChatMessage, 0, len(msgs)+len(q.items)), msgs...), q.items...)
}

func (q *outboundQueue) len() int {
	return len(q.items)
}
