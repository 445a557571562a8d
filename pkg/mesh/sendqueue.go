package mesh

import (
	"sync"
	"time"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// DefaultSendQueueMax bounds the send queue length.
const DefaultSendQueueMax = 100

// SendQueue is the FIFO of outgoing messages. Each entry carries its own
// earliest transmit instant (SendTime) and remaining transmission count;
// the scheduler drains in arrival order but defers entries whose send
// time is still in the future.
type SendQueue struct {
	mu    sync.Mutex
	items []*protocol.Message
	max   int
}

// NewSendQueue creates an empty queue bounded to max entries. Zero
// selects the default bound.
func NewSendQueue(max int) *SendQueue {
	if max <= 0 {
		max = DefaultSendQueueMax
	}
	return &SendQueue{max: max}
}

// Append adds a message at the tail. It returns false when the queue is
// full and the message was not accepted.
func (q *SendQueue) Append(m *protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, m)
	return true
}

// PopDue removes and returns, in arrival order, the messages whose send
// time has passed. Entries scheduled for later are re-appended at the
// tail after one pass, preserving their relative order.
func (q *SendQueue) PopDue(now time.Time) []*protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due, deferred []*protocol.Message
	for _, m := range q.items {
		if m.SendTime.After(now) {
			deferred = append(deferred, m)
		} else {
			due = append(due, m)
		}
	}
	q.items = deferred
	return due
}

// Requeue puts a message back at the tail, as retransmissions and
// watchdog-recovered messages are.
func (q *SendQueue) Requeue(m *protocol.Message) bool {
	return q.Append(m)
}

// Len returns the number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue. Used by the crash handler to free memory.
func (q *SendQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
