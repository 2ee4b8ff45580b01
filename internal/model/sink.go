package model

import (
	core "netsight/internal/core/model"
)

// PacketSink receives normalized packet records from the capture
// pipeline. Implementations must not block for long; the pipeline's
// workers call this on the hot path.
type PacketSink interface {
	WritePacket(rec core.PacketRecord) error
}

// SnapshotSink receives throughput snapshots from the bandwidth
// collector's caller.
type SnapshotSink interface {
	WriteSnapshot(s core.ThroughputSnapshot) error
}

// SecurityEvent is an advisory observation persisted for later review.
type SecurityEvent struct {
	Record      core.PacketRecord
	EventType   string
	Description string
	Severity    string
}

// EventSink receives advisory security events.
type EventSink interface {
	WriteEvent(ev SecurityEvent) error
}
