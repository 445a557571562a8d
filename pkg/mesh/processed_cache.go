package mesh

import (
	"sync"
	"time"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// Processed cache defaults.
const (
	// ProcessedMaxAge is the minimum dedup lifetime of a cached entry.
	ProcessedMaxAge = 60 * time.Second

	// processedEvictBatch bounds the work of a single eviction pass.
	processedEvictBatch = 10
)

// ProcessedCache remembers the DATA messages recently seen, keyed by uid,
// so that duplicated copies (our own relays included) are suppressed.
//
// Two generations are kept. Insertions always go into the new generation;
// lookups check both. An eviction pass pops a few entries from the new
// generation: fresh ones move to the old generation, stale ones are
// dropped. When the new generation empties, the old one takes its place.
// This bounds memory at about twice the live working set while giving
// each entry at least ProcessedMaxAge of dedup lifetime.
type ProcessedCache struct {
	mu     sync.Mutex
	newGen map[uint32]*protocol.Message
	oldGen map[uint32]*protocol.Message
	maxAge time.Duration
}

// NewProcessedCache creates an empty cache. A zero maxAge selects the
// default retention.
func NewProcessedCache(maxAge time.Duration) *ProcessedCache {
	if maxAge <= 0 {
		maxAge = ProcessedMaxAge
	}
	return &ProcessedCache{
		newGen: make(map[uint32]*protocol.Message),
		oldGen: make(map[uint32]*protocol.Message),
		maxAge: maxAge,
	}
}

// Insert adds a message to the cache.
func (c *ProcessedCache) Insert(m *protocol.Message) {
	c.mu.Lock()
	c.newGen[m.UID] = m
	c.mu.Unlock()
}

// Get returns the cached message with the given uid, if any.
func (c *ProcessedCache) Get(uid uint32) (*protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.newGen[uid]; ok {
		return m, true
	}
	m, ok := c.oldGen[uid]
	return m, ok
}

// Has returns true if the uid was already seen.
func (c *ProcessedCache) Has(uid uint32) bool {
	_, ok := c.Get(uid)
	return ok
}

// EvictPass performs one incremental eviction step and returns the number
// of entries dropped for good.
func (c *ProcessedCache) EvictPass() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	count := 0
	for uid, m := range c.newGen {
		if count >= processedEvictBatch {
			break
		}
		count++
		delete(c.newGen, uid)
		if m.Age() <= c.maxAge {
			c.oldGen[uid] = m
		} else {
			dropped++
		}
	}
	if len(c.newGen) == 0 && len(c.oldGen) > 0 {
		c.newGen = c.oldGen
		c.oldGen = make(map[uint32]*protocol.Message)
	}
	return dropped
}

// Len returns the number of cached entries across both generations.
func (c *ProcessedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.newGen) + len(c.oldGen)
}

// Clear empties the cache. Used by the crash handler to free memory.
func (c *ProcessedCache) Clear() {
	c.mu.Lock()
	c.newGen = make(map[uint32]*protocol.Message)
	c.oldGen = make(map[uint32]*protocol.Message)
	c.mu.Unlock()
}
