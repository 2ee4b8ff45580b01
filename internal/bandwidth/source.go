package bandwidth

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	core "netsight/internal/core/model"
	"netsight/internal/model"
	"netsight/internal/pkg/logx"
)

// maxAvgPacketSize rejects counter reads whose byte/packet ratio is
// physically implausible for a single frame.
const maxAvgPacketSize = 65536.0

// gopsutilSampler reads per-interface counters through gopsutil, which
// dispatches to /proc/net/dev, sysctl or the Windows API depending on
// the platform. All three report monotonic unsigned counters that reset
// on interface re-initialization.
type gopsutilSampler struct {
	invalidDropped uint64
}

// NewSampler returns the platform counter source.
func NewSampler() model.Sampler {
	return &gopsutilSampler{}
}

func (s *gopsutilSampler) SampleAll(ctx context.Context) ([]core.CounterSample, error) {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("%w: reading interface counters: %v", core.ErrPlatformUnavailable, err)
	}

	// One capture instant for the whole batch. CapturedAt keeps the
	// monotonic reading; WallTime is stripped via Round(0) so the two
	// clocks can later be compared for jumps.
	now := time.Now()
	wall := now.Round(0)

	samples := make([]core.CounterSample, 0, len(counters))
	for _, c := range counters {
		if err := validateCounters(c.Name, c.BytesRecv, c.BytesSent, c.PacketsRecv, c.PacketsSent); err != nil {
			s.invalidDropped++
			logx.Debugf("sampler: omitting %s: %v", c.Name, err)
			continue
		}
		samples = append(samples, core.CounterSample{
			ID:         c.Name,
			RxBytes:    c.BytesRecv,
			TxBytes:    c.BytesSent,
			RxPackets:  c.PacketsRecv,
			TxPackets:  c.PacketsSent,
			CapturedAt: now,
			WallTime:   wall,
		})
	}
	return samples, nil
}

func (s *gopsutilSampler) Interfaces(ctx context.Context) ([]model.InterfaceInfo, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating interfaces: %v", core.ErrPlatformUnavailable, err)
	}

	infos := make([]model.InterfaceInfo, 0, len(ifaces))
	for _, ifc := range ifaces {
		info := model.InterfaceInfo{Name: ifc.Name}
		for _, f := range ifc.Flags {
			if strings.EqualFold(f, "up") {
				info.Up = true
			}
		}
		for _, a := range ifc.Addrs {
			// Addr strings arrive in CIDR form.
			if ip, _, err := net.ParseCIDR(a.Addr); err == nil {
				info.Addresses = append(info.Addresses, ip)
			} else if ip := net.ParseIP(a.Addr); ip != nil {
				info.Addresses = append(info.Addresses, ip)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// validateCounters rejects reads with impossible packet/byte ratios
// before they can poison a delta. Omission, not batch failure.
func validateCounters(name string, rxBytes, txBytes, rxPkts, txPkts uint64) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("invalid interface name %q", name)
	}
	if rxPkts > 0 && rxBytes == 0 {
		return fmt.Errorf("%d rx packets but 0 bytes", rxPkts)
	}
	if txPkts > 0 && txBytes == 0 {
		return fmt.Errorf("%d tx packets but 0 bytes", txPkts)
	}
	if rxPkts > 0 && float64(rxBytes)/float64(rxPkts) > maxAvgPacketSize {
		return fmt.Errorf("average rx packet size too large: %.0f bytes", float64(rxBytes)/float64(rxPkts))
	}
	if txPkts > 0 && float64(txBytes)/float64(txPkts) > maxAvgPacketSize {
		return fmt.Errorf("average tx packet size too large: %.0f bytes", float64(txBytes)/float64(txPkts))
	}
	return nil
}
