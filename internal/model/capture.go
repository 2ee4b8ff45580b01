package model

import (
	"context"

	core "netsight/internal/core/model"
)

// CaptureSource opens frame readers on named interfaces. Platform
// dispatch lives behind this interface; the pipeline never touches the
// capture facility directly.
type CaptureSource interface {
	// Open acquires a capture handle. filter is an optional BPF-style
	// predicate. Fails with ErrPermissionDenied (wrapped in a
	// PermissionError carrying a remediation hint) when privilege is
	// missing, or ErrInterfaceNotFound for unknown names.
	Open(iface, filter string) (CaptureHandle, error)
}

// CaptureHandle is a scoped frame reader. The frame returned by Recv is
// only valid until the next Recv on the same handle; callers that need
// the bytes longer must copy.
type CaptureHandle interface {
	// Recv blocks until a frame arrives, the context is canceled, or
	// the handle is closed.
	Recv(ctx context.Context) (core.NetworkFrame, error)

	// Stats reports frames received and dropped by the kernel facility.
	Stats() (received, dropped int, err error)

	Close() error
}
