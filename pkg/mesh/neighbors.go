package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// Neighbor table defaults.
const (
	// NeighborMaxAge is how long a neighbor survives without being heard.
	NeighborMaxAge = 10 * time.Minute

	// maxNeighbors bounds the table size on crowded channels.
	maxNeighbors = 32
)

// NeighborTable tracks the nodes heard recently, keyed by sender id. Each
// entry stores the last HELLO (or non-relayed DATA) message seen from
// that node, whose reception time doubles as the last-seen timestamp.
type NeighborTable struct {
	mu        sync.Mutex
	neighbors map[protocol.Address]*protocol.Message
}

// NewNeighborTable creates an empty neighbor table.
func NewNeighborTable() *NeighborTable {
	return &NeighborTable{
		neighbors: make(map[protocol.Address]*protocol.Message),
	}
}

// Upsert refreshes the entry for the message sender and returns true if
// the sender was not known before. On overflow the oldest entry is
// dropped to make room.
func (t *NeighborTable) Upsert(m *protocol.Message) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, known := t.neighbors[m.Sender]
	if !known && len(t.neighbors) >= maxNeighbors {
		var oldest protocol.Address
		var oldestTime time.Time
		first := true
		for addr, entry := range t.neighbors {
			if first || entry.CTime.Before(oldestTime) {
				oldest, oldestTime, first = addr, entry.CTime, false
			}
		}
		delete(t.neighbors, oldest)
	}
	t.neighbors[m.Sender] = m
	return !known
}

// Get returns the last message seen from the given sender.
func (t *NeighborTable) Get(addr protocol.Address) (*protocol.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.neighbors[addr]
	return m, ok
}

// Count returns the number of known neighbors.
func (t *NeighborTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.neighbors)
}

// List returns the known neighbors, most recently heard first.
func (t *NeighborTable) List() []*protocol.Message {
	t.mu.Lock()
	list := make([]*protocol.Message, 0, len(t.neighbors))
	for _, m := range t.neighbors {
		list = append(list, m)
	}
	t.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].CTime.After(list[j].CTime)
	})
	return list
}

// Evict removes the neighbors not heard for longer than maxAge and
// returns how many were dropped.
func (t *NeighborTable) Evict(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for addr, m := range t.neighbors {
		if time.Since(m.CTime) > maxAge {
			delete(t.neighbors, addr)
			dropped++
		}
	}
	return dropped
}
