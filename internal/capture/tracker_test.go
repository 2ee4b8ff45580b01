package capture

import (
	"net"
	"testing"
	"time"

	core "netsight/internal/core/model"
)

func trackerRecord(src, dst string, srcPort, dstPort uint16, size int) core.PacketRecord {
	return core.PacketRecord{
		Arrival:   time.Now(),
		Size:      size,
		Transport: core.TransportTCP,
		SrcIP:     net.ParseIP(src),
		DstIP:     net.ParseIP(dst),
		SrcPort:   srcPort,
		DstPort:   dstPort,
	}
}

func TestTrackerFoldsDirection(t *testing.T) {
	tr := NewConnectionTracker(10)
	tr.Observe(trackerRecord("10.0.0.1", "10.0.0.2", 5000, 443, 100))
	tr.Observe(trackerRecord("10.0.0.2", "10.0.0.1", 443, 5000, 200))

	if tr.Len() != 1 {
		t.Fatalf("both directions must fold into one connection, got %d", tr.Len())
	}
	top := tr.Top(1)
	if top[0].TotalBytes != 300 || top[0].TotalPackets != 2 {
		t.Errorf("expected 300 bytes / 2 packets, got %d/%d", top[0].TotalBytes, top[0].TotalPackets)
	}
}

func TestTrackerEvictsOldest(t *testing.T) {
	tr := NewConnectionTracker(3)
	for i := 0; i < 4; i++ {
		tr.Observe(trackerRecord("10.0.0.1", "10.0.0.2", uint16(6000+i), 443, 10))
	}
	if tr.Len() != 3 {
		t.Fatalf("capacity 3 must hold, got %d", tr.Len())
	}

	// The first connection observed is the eviction victim.
	for _, p := range tr.Top(0) {
		if p.Key.APort == 6000 || p.Key.BPort == 6000 {
			t.Errorf("oldest connection should have been evicted: %v", p.Key)
		}
	}
}

func TestTrackerTopOrder(t *testing.T) {
	tr := NewConnectionTracker(10)
	tr.Observe(trackerRecord("10.0.0.1", "10.0.0.2", 5000, 443, 100))
	tr.Observe(trackerRecord("10.0.0.1", "10.0.0.3", 5001, 443, 900))
	tr.Observe(trackerRecord("10.0.0.1", "10.0.0.4", 5002, 443, 500))

	top := tr.Top(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].TotalBytes != 900 || top[1].TotalBytes != 500 {
		t.Errorf("expected byte-descending order, got %d then %d", top[0].TotalBytes, top[1].TotalBytes)
	}
}
