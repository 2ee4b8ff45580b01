package pcap

import (
	"context"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	core "netsight/internal/core/model"
	"netsight/internal/model"
)

// FileSource replays a capture file through the same pipeline as a
// live session, for offline analysis and tests.
type FileSource struct {
	Path string
}

// Open opens the capture file; iface becomes the InterfaceID stamped on
// every replayed frame. The filter applies as on a live capture.
func (s *FileSource) Open(iface, filter string) (model.CaptureHandle, error) {
	handle, err := pcap.OpenOffline(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", s.Path, err)
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set BPF filter %q: %w", filter, err)
		}
	}
	return &fileHandle{handle: handle, iface: iface}, nil
}

type fileHandle struct {
	handle *pcap.Handle
	iface  string
}

// Recv returns the next frame from the file, io.EOF at the end.
func (h *fileHandle) Recv(ctx context.Context) (core.NetworkFrame, error) {
	if err := ctx.Err(); err != nil {
		return core.NetworkFrame{}, err
	}

	data, ci, err := h.handle.ReadPacketData()
	if err == io.EOF {
		return core.NetworkFrame{}, io.EOF
	}
	if err != nil {
		return core.NetworkFrame{}, fmt.Errorf("read capture file: %w", err)
	}

	return core.NetworkFrame{
		Arrival:     ci.Timestamp,
		InterfaceID: h.iface,
		Data:        data,
		Length:      ci.Length,
	}, nil
}

func (h *fileHandle) Stats() (received, dropped int, err error) {
	// File replay never drops.
	return 0, 0, nil
}

func (h *fileHandle) Close() error {
	h.handle.Close()
	return nil
}

// LinkType exposes the file's link type so the pipeline can build a
// matching parser.
func (h *fileHandle) LinkType() layers.LinkType {
	return h.handle.LinkType()
}
