package capture

import (
	"sort"
	"sync"

	core "netsight/internal/core/model"
)

// DefaultTrackerCapacity bounds the in-memory connection table.
const DefaultTrackerCapacity = 10000

// ConnectionTracker keeps a live, capacity-bounded view of connections
// seen by the pipeline, so interactive consumers can show top talkers
// without a store round trip. The durable truth stays in the store's
// connections table; this view evicts least-recently-seen entries when
// full.
type ConnectionTracker struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	conns    map[core.ConnectionKey]*trackedConn
}

type trackedConn struct {
	pattern core.ConnectionPattern
	seq     uint64
}

// NewConnectionTracker builds a tracker holding at most capacity
// connections.
func NewConnectionTracker(capacity int) *ConnectionTracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	return &ConnectionTracker{
		capacity: capacity,
		conns:    make(map[core.ConnectionKey]*trackedConn),
	}
}

// Observe folds one record into the table.
func (t *ConnectionTracker) Observe(rec core.PacketRecord) {
	if rec.SrcIP == nil || rec.DstIP == nil {
		return
	}
	key := core.CanonicalKey(rec.SrcIP, rec.DstIP, rec.SrcPort, rec.DstPort, rec.Transport)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	tc, ok := t.conns[key]
	if !ok {
		if len(t.conns) >= t.capacity {
			t.evictOldest()
		}
		tc = &trackedConn{pattern: core.ConnectionPattern{
			Key:       key,
			FirstSeen: rec.Arrival,
		}}
		t.conns[key] = tc
	}

	tc.seq = t.seq
	tc.pattern.LastSeen = rec.Arrival
	tc.pattern.TotalBytes += uint64(rec.Size)
	tc.pattern.TotalPackets++
	if rec.App != core.AppUnknown {
		tc.pattern.App = rec.App
	}
}

// evictOldest removes the least-recently-observed entry. Caller holds
// the lock.
func (t *ConnectionTracker) evictOldest() {
	var victim core.ConnectionKey
	oldest := ^uint64(0)
	for key, tc := range t.conns {
		if tc.seq < oldest {
			oldest = tc.seq
			victim = key
		}
	}
	delete(t.conns, victim)
}

// Len reports the current table size.
func (t *ConnectionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Top returns up to n connections ordered by byte count.
func (t *ConnectionTracker) Top(n int) []core.ConnectionPattern {
	t.mu.Lock()
	patterns := make([]core.ConnectionPattern, 0, len(t.conns))
	for _, tc := range t.conns {
		patterns = append(patterns, tc.pattern)
	}
	t.mu.Unlock()

	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].TotalBytes > patterns[j].TotalBytes
	})
	if n > 0 && len(patterns) > n {
		patterns = patterns[:n]
	}
	return patterns
}
