package model

import (
	"context"
	"net"

	core "netsight/internal/core/model"
)

// InterfaceInfo is the enumeration-time view of one interface, used by
// the classifier alongside counter samples.
type InterfaceInfo struct {
	Name      string
	Addresses []net.IP
	Up        bool
}

// Sampler is the platform capability for reading monotonic interface
// counters. Implementations must report the same semantics on every
// platform: unsigned monotonic counters that reset on interface
// re-initialization.
type Sampler interface {
	// SampleAll returns a fresh snapshot of every readable interface.
	// Interfaces that fail to read are omitted, not zero-filled; only a
	// total facility failure returns an error (ErrPlatformUnavailable).
	SampleAll(ctx context.Context) ([]core.CounterSample, error)

	// Interfaces enumerates interfaces with their addresses and state.
	Interfaces(ctx context.Context) ([]InterfaceInfo, error)
}
