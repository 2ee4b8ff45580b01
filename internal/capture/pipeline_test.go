package capture

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	core "netsight/internal/core/model"
	"netsight/internal/model"
)

// scriptedSource hands out scriptedHandles that replay fixed frames and
// then block until canceled.
type scriptedSource struct {
	frames []core.NetworkFrame
	openErr error
}

func (s *scriptedSource) Open(iface, filter string) (model.CaptureHandle, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &scriptedHandle{iface: iface, frames: s.frames}, nil
}

type scriptedHandle struct {
	iface  string
	frames []core.NetworkFrame
	next   int
}

func (h *scriptedHandle) Recv(ctx context.Context) (core.NetworkFrame, error) {
	if h.next < len(h.frames) {
		f := h.frames[h.next]
		h.next++
		f.InterfaceID = h.iface
		return f, nil
	}
	<-ctx.Done()
	return core.NetworkFrame{}, ctx.Err()
}

func (h *scriptedHandle) Stats() (int, int, error) { return h.next, 0, nil }
func (h *scriptedHandle) Close() error             { return nil }

// collectSink records every packet it receives.
type collectSink struct {
	mu   sync.Mutex
	recs []core.PacketRecord
}

func (s *collectSink) WritePacket(rec core.PacketRecord) error {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func testUDPFrame(t *testing.T, n int) core.NetworkFrame {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(40000 + n%1000), DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte(fmt.Sprintf("%08d", n)))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return core.NetworkFrame{
		Arrival: time.Now(),
		Data:    buf.Bytes(),
		Length:  len(buf.Bytes()),
	}
}

func TestQueueDropOldest(t *testing.T) {
	// 5000 frames into a 4096 queue with no consumer running: the
	// queue holds the latest 4096 in arrival order and exactly 904
	// drops are counted.
	p := NewPipeline(PipelineConfig{QueueSize: 4096}, &scriptedSource{}, &collectSink{})

	for i := 0; i < 5000; i++ {
		p.enqueue(core.NetworkFrame{InterfaceID: "test", Length: i})
	}

	if n := len(p.queue); n != 4096 {
		t.Fatalf("queue size: expected 4096, got %d", n)
	}
	stats := p.Stats()
	if got := stats.Dropped["test"]; got != 904 {
		t.Fatalf("dropped: expected 904, got %d", got)
	}

	// The survivors are the newest frames, still in arrival order.
	want := 904
	for len(p.queue) > 0 {
		f := <-p.queue
		if f.Length != want {
			t.Fatalf("expected frame %d next, got %d", want, f.Length)
		}
		want++
	}
	if want != 5000 {
		t.Fatalf("expected frames up to 4999, stopped at %d", want-1)
	}
}

func TestPipelineLifecycle(t *testing.T) {
	frames := make([]core.NetworkFrame, 50)
	for i := range frames {
		frames[i] = testUDPFrame(t, i)
	}
	sink := &collectSink{}
	p := NewPipeline(PipelineConfig{QueueSize: 128, NumWorkers: 2, StopTimeout: 2 * time.Second},
		&scriptedSource{frames: frames}, sink)

	if p.State() != StateIdle {
		t.Fatalf("expected idle, got %v", p.State())
	}

	ctx := context.Background()
	specs := []IfaceSpec{{Name: "test0", Addresses: []net.IP{net.ParseIP("10.0.0.1")}}}
	if err := p.Start(ctx, specs); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.State() != StateRunning {
		t.Fatalf("expected running, got %v", p.State())
	}

	deadline := time.After(3 * time.Second)
	for sink.count() < len(frames) {
		select {
		case <-deadline:
			t.Fatalf("timed out: parsed %d of %d", sink.count(), len(frames))
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", p.State())
	}

	// Records carry direction relative to the capture interface.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, rec := range sink.recs {
		if rec.Direction != core.DirectionOut {
			t.Fatalf("expected outbound records, got %v", rec.Direction)
		}
		if rec.App != core.AppDNS {
			t.Fatalf("expected dns records, got %q", rec.App)
		}
	}
}

func TestPipelineOpenFailureLeavesIdle(t *testing.T) {
	src := &scriptedSource{openErr: &core.PermissionError{Interface: "en0", Hint: "run as root"}}
	p := NewPipeline(PipelineConfig{}, src, &collectSink{})

	err := p.Start(context.Background(), []IfaceSpec{{Name: "en0"}})
	if err == nil {
		t.Fatal("expected open error")
	}
	if p.State() != StateIdle {
		t.Fatalf("failed start must leave the pipeline idle, got %v", p.State())
	}
}

func TestPipelineRejectsDoubleStart(t *testing.T) {
	p := NewPipeline(PipelineConfig{QueueSize: 8, NumWorkers: 1}, &scriptedSource{}, &collectSink{})
	if err := p.Start(context.Background(), []IfaceSpec{{Name: "a"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background(), []IfaceSpec{{Name: "b"}}); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestBackpressureWindow(t *testing.T) {
	var stats pipelineStats
	stats.enqueued = make(map[string]uint64)
	stats.dropped = make(map[string]uint64)
	stats.decodeErrors = make(map[string]uint64)

	for i := 0; i < 40; i++ {
		stats.noteEnqueued("en0")
	}
	for i := 0; i < 60; i++ {
		stats.noteDropped("en0")
	}

	ratio, over := stats.rollWindow()
	if !over {
		t.Fatalf("60%% drops must trip the backpressure threshold (ratio %f)", ratio)
	}

	// The window resets; a clean second window clears the condition.
	stats.noteEnqueued("en0")
	if _, over := stats.rollWindow(); over {
		t.Fatal("clean window must clear the backpressure condition")
	}
}
