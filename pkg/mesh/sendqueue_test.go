package mesh

import (
	"testing"
	"time"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

func queuedMsg(uid uint32, delay time.Duration) *protocol.Message {
	m := protocol.NewDataMessage(protocol.Address{1}, "n", "t", "")
	m.UID = uid
	m.SendTime = time.Now().Add(delay)
	return m
}

func TestSendQueueFIFO(t *testing.T) {
	q := NewSendQueue(10)
	for uid := uint32(1); uid <= 3; uid++ {
		if !q.Append(queuedMsg(uid, 0)) {
			t.Fatal("Append() refused with room available")
		}
	}
	due := q.PopDue(time.Now())
	if len(due) != 3 {
		t.Fatalf("PopDue() = %d messages, want 3", len(due))
	}
	for i, m := range due {
		if m.UID != uint32(i+1) {
			t.Errorf("PopDue()[%d].UID = %d, want %d", i, m.UID, i+1)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain", q.Len())
	}
}

func TestSendQueueBounded(t *testing.T) {
	q := NewSendQueue(2)
	q.Append(queuedMsg(1, 0))
	q.Append(queuedMsg(2, 0))
	if q.Append(queuedMsg(3, 0)) {
		t.Error("Append() accepted beyond the bound")
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestSendQueueDefersFutureEntries(t *testing.T) {
	q := NewSendQueue(10)
	q.Append(queuedMsg(1, time.Hour)) // not due yet
	q.Append(queuedMsg(2, 0))
	q.Append(queuedMsg(3, -time.Second))

	due := q.PopDue(time.Now())
	if len(due) != 2 || due[0].UID != 2 || due[1].UID != 3 {
		t.Fatalf("PopDue() = %v", uids(due))
	}
	// The deferred entry is still queued, at the tail.
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestSendQueueClear(t *testing.T) {
	q := NewSendQueue(10)
	q.Append(queuedMsg(1, 0))
	q.Clear()
	if q.Len() != 0 {
		t.Error("Clear() left entries behind")
	}
}

func uids(ms []*protocol.Message) []uint32 {
	out := make([]uint32, len(ms))
	for i, m := range ms {
		out[i] = m.UID
	}
	return out
}
