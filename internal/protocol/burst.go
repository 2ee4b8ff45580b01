package protocol

import (
	"sync"
	"time"

	core "netsight/internal/core/model"
)

const (
	burstWindow    = time.Second
	burstMinCount  = 20
	burstMinSize   = 1024
	burstTableSize = 1024
)

// burstDetector watches for high-frequency large payloads to a single
// peer on ports nothing identified. Advisory only; a hit sets
// FlagBurstSuspect on the record.
type burstDetector struct {
	mu    sync.Mutex
	peers map[string]*burstState
}

type burstState struct {
	windowStart time.Time
	count       int
}

func newBurstDetector() *burstDetector {
	return &burstDetector{peers: make(map[string]*burstState)}
}

func (b *burstDetector) observe(rec core.PacketRecord) bool {
	if rec.App != core.AppUnknown || rec.Size < burstMinSize || rec.DstIP == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := rec.DstIP.String()
	st, ok := b.peers[key]
	if !ok || rec.Arrival.Sub(st.windowStart) > burstWindow {
		if !ok && len(b.peers) >= burstTableSize {
			// Table full: forget everything rather than grow unbounded.
			b.peers = make(map[string]*burstState)
		}
		b.peers[key] = &burstState{windowStart: rec.Arrival, count: 1}
		return false
	}

	st.count++
	return st.count >= burstMinCount
}
