package capture

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	core "netsight/internal/core/model"
	"netsight/internal/model"
)

const (
	// DefaultSnapLen captures full frames; the parser needs payload
	// prefixes for signature identification.
	DefaultSnapLen = 65535

	// readTimeout bounds each blocking read so Recv can notice
	// cancellation without a frame arriving.
	readTimeout = 100 * time.Millisecond
)

// PcapSource opens live captures through libpcap (Npcap on Windows).
type PcapSource struct {
	SnapLen     int
	Promiscuous bool
}

// NewPcapSource returns the platform live-capture source.
func NewPcapSource(snapLen int, promiscuous bool) *PcapSource {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	return &PcapSource{SnapLen: snapLen, Promiscuous: promiscuous}
}

// Open acquires a capture handle on the named interface, optionally
// with a BPF filter. Privilege failures are wrapped so the CLI can
// print a platform remediation hint; unknown interfaces are checked
// against the device list to distinguish the two cases.
func (s *PcapSource) Open(iface, filter string) (model.CaptureHandle, error) {
	handle, err := pcap.OpenLive(iface, int32(s.SnapLen), s.Promiscuous, readTimeout)
	if err != nil {
		if isPermissionError(err) {
			return nil, &core.PermissionError{Interface: iface, Hint: permissionHint()}
		}
		if !deviceExists(iface) {
			return nil, fmt.Errorf("%w: %s (use the interface list to see capture devices)", core.ErrInterfaceNotFound, iface)
		}
		return nil, fmt.Errorf("%w: open %s: %v", core.ErrPlatformUnavailable, iface, err)
	}

	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set BPF filter %q on %s: %w", filter, iface, err)
		}
	}

	return &pcapHandle{handle: handle, iface: iface}, nil
}

// pcapHandle adapts a *pcap.Handle to the engine's capture interface.
// Reads are zero-copy: the returned frame's Data aliases the handle's
// ring slot and is invalidated by the next Recv.
type pcapHandle struct {
	handle *pcap.Handle
	iface  string
}

func (h *pcapHandle) Recv(ctx context.Context) (core.NetworkFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.NetworkFrame{}, err
		}

		data, ci, err := h.handle.ZeroCopyReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			continue
		}
		if err == io.EOF {
			return core.NetworkFrame{}, io.EOF
		}
		if err != nil {
			return core.NetworkFrame{}, fmt.Errorf("read on %s: %w", h.iface, err)
		}

		return core.NetworkFrame{
			Arrival:     ci.Timestamp,
			InterfaceID: h.iface,
			Data:        data,
			Length:      ci.Length,
		}, nil
	}
}

func (h *pcapHandle) Stats() (received, dropped int, err error) {
	st, err := h.handle.Stats()
	if err != nil {
		return 0, 0, err
	}
	return st.PacketsReceived, st.PacketsDropped, nil
}

func (h *pcapHandle) Close() error {
	h.handle.Close()
	return nil
}

// LinkType exposes the pcap link type so the pipeline can build a
// matching parser.
func (h *pcapHandle) LinkType() layers.LinkType {
	return h.handle.LinkType()
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "don't have permission")
}

func permissionHint() string {
	switch runtime.GOOS {
	case "linux":
		return "run as root or grant the binary CAP_NET_RAW: sudo setcap cap_net_raw,cap_net_admin=eip <binary>"
	case "darwin":
		return "run with sudo, or install the ChmodBPF helper to open /dev/bpf* without root"
	case "windows":
		return "run from an elevated prompt and ensure Npcap is installed with WinPcap compatibility"
	default:
		return "packet capture requires elevated privileges on this platform"
	}
}

func deviceExists(iface string) bool {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		// Can't enumerate; assume it exists so the original error wins.
		return true
	}
	for _, d := range devs {
		if d.Name == iface {
			return true
		}
	}
	return false
}

// ListDevices enumerates capture-capable interfaces for the CLI's
// interface listing.
func ListDevices() ([]model.InterfaceInfo, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("%w: listing capture devices: %v", core.ErrPlatformUnavailable, err)
	}
	infos := make([]model.InterfaceInfo, 0, len(devs))
	for _, d := range devs {
		info := model.InterfaceInfo{Name: d.Name}
		for _, a := range d.Addresses {
			info.Addresses = append(info.Addresses, a.IP)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
