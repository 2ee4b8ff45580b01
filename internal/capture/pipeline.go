package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"

	core "netsight/internal/core/model"
	"netsight/internal/model"
	"netsight/internal/pkg/logx"
	"netsight/internal/protocol"
)

// State is the pipeline lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

const (
	// DefaultQueueSize bounds frames between capture and parsing.
	DefaultQueueSize = 4096

	// DefaultStopTimeout is how long Stop waits for the queue to drain
	// before giving up on the workers.
	DefaultStopTimeout = 5 * time.Second

	// backpressureWindow and backpressureRatio define the drop-rate
	// alarm: more than half the frames dropped over ten seconds.
	backpressureWindow = 10 * time.Second
	backpressureRatio  = 0.5
)

// IfaceSpec names one interface to capture on.
type IfaceSpec struct {
	Name      string
	Filter    string
	Addresses []net.IP
}

// PipelineConfig tunes the capture pipeline.
type PipelineConfig struct {
	QueueSize   int
	NumWorkers  int
	StopTimeout time.Duration
}

// Pipeline couples capture sources to the protocol parser through a
// bounded drop-oldest queue. One producer goroutine runs per interface;
// a worker pool drains the queue, parses, and hands records to the
// sink. The queue owns frames between producer and worker.
type Pipeline struct {
	cfg    PipelineConfig
	source model.CaptureSource
	sink   model.PacketSink

	mu      sync.Mutex
	state   State
	handles []model.CaptureHandle
	cancel  context.CancelFunc

	queue      chan core.NetworkFrame
	producerWg sync.WaitGroup
	workerWg   sync.WaitGroup
	monitorWg  sync.WaitGroup

	tracker *ConnectionTracker
	stats   pipelineStats
}

// pipelineStats tracks absorbed-error and drop counters. Every dropped
// frame and decode failure increments a counter; nothing is silently
// discarded.
type pipelineStats struct {
	mu           sync.Mutex
	enqueued     map[string]uint64
	dropped      map[string]uint64
	decodeErrors map[string]uint64
	parsed       uint64

	windowStart    time.Time
	windowEnqueued uint64
	windowDropped  uint64
	backpressure   bool
}

// PipelineStats is a point-in-time copy of the counters.
type PipelineStats struct {
	Enqueued     map[string]uint64
	Dropped      map[string]uint64
	DecodeErrors map[string]uint64
	Parsed       uint64
	Backpressure bool
}

// NewPipeline builds a pipeline over the given source and sink.
func NewPipeline(cfg PipelineConfig, source model.CaptureSource, sink model.PacketSink) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Pipeline{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		tracker: NewConnectionTracker(DefaultTrackerCapacity),
		queue:   make(chan core.NetworkFrame, cfg.QueueSize),
		stats: pipelineStats{
			enqueued:     make(map[string]uint64),
			dropped:      make(map[string]uint64),
			decodeErrors: make(map[string]uint64),
		},
	}
}

// Start opens every interface and begins capturing. A failed open
// closes the handles already acquired and leaves the pipeline Idle.
func (p *Pipeline) Start(ctx context.Context, ifaces []IfaceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return fmt.Errorf("pipeline is %s, not idle", p.state)
	}
	if len(ifaces) == 0 {
		return errors.New("no interfaces to capture on")
	}

	runCtx, cancel := context.WithCancel(ctx)

	type opened struct {
		handle model.CaptureHandle
		spec   IfaceSpec
	}
	var acquired []opened
	for _, spec := range ifaces {
		h, err := p.source.Open(spec.Name, spec.Filter)
		if err != nil {
			for _, o := range acquired {
				o.handle.Close()
			}
			cancel()
			return err
		}
		acquired = append(acquired, opened{handle: h, spec: spec})
	}

	p.cancel = cancel
	p.state = StateRunning
	p.stats.windowStart = time.Now()

	// Workers share one parser per interface, prepared up front.
	parsers := make(map[string]*protocol.Parser, len(acquired))
	for _, o := range acquired {
		p.handles = append(p.handles, o.handle)
		parsers[o.spec.Name] = p.newParser(o.handle, o.spec)
		p.producerWg.Add(1)
		go p.produce(runCtx, o.handle, o.spec.Name)
	}
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.workerWg.Add(1)
		go p.work(parsers)
	}

	p.monitorWg.Add(1)
	go p.monitor(runCtx)

	logx.Infof("capture pipeline started on %d interface(s), queue=%d workers=%d",
		len(acquired), p.cfg.QueueSize, p.cfg.NumWorkers)
	return nil
}

func (p *Pipeline) newParser(h model.CaptureHandle, spec IfaceSpec) *protocol.Parser {
	linkType := layers.LinkTypeEthernet
	if lt, ok := h.(interface{ LinkType() layers.LinkType }); ok {
		linkType = lt.LinkType()
	}
	return protocol.NewParser(linkType, spec.Addresses)
}

// produce reads frames from one handle and enqueues copies. The recv
// slot is only valid until the next read, so the bytes are copied here,
// at the edge, where the cost is paid once.
func (p *Pipeline) produce(ctx context.Context, h model.CaptureHandle, iface string) {
	defer p.producerWg.Done()

	for {
		frame, err := h.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logx.Warnf("capture on %s stopped: %v", iface, err)
			return
		}

		data := make([]byte, len(frame.Data))
		copy(data, frame.Data)
		frame.Data = data

		p.enqueue(frame)
	}
}

// enqueue adds a frame, evicting the oldest queued frame when full.
// Each overflow increments the drop counter of the evicted frame's
// interface by exactly one.
func (p *Pipeline) enqueue(frame core.NetworkFrame) {
	for {
		select {
		case p.queue <- frame:
			p.stats.noteEnqueued(frame.InterfaceID)
			return
		default:
		}

		select {
		case old := <-p.queue:
			p.stats.noteDropped(old.InterfaceID)
		default:
			// A worker got there first; the queue has room again.
		}
	}
}

func (p *Pipeline) work(parsers map[string]*protocol.Parser) {
	defer p.workerWg.Done()

	for frame := range p.queue {
		parser, ok := parsers[frame.InterfaceID]
		if !ok {
			continue
		}
		rec, err := parser.Parse(frame)
		if err != nil {
			p.stats.noteDecodeError(frame.InterfaceID)
			continue
		}
		p.tracker.Observe(rec)
		if err := p.sink.WritePacket(rec); err != nil {
			logx.Debugf("packet sink: %v", err)
		}
		p.stats.noteParsed()
	}
}

// TopConnections exposes the live connection table, heaviest first.
func (p *Pipeline) TopConnections(n int) []core.ConnectionPattern {
	return p.tracker.Top(n)
}

// monitor evaluates the drop rate each window and raises the
// backpressure warning when more than half the frames were dropped.
func (p *Pipeline) monitor(ctx context.Context) {
	defer p.monitorWg.Done()
	ticker := time.NewTicker(backpressureWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ratio, over := p.stats.rollWindow(); over {
				logx.Warnf("capture backpressure: %.0f%% of frames dropped in the last %s", ratio*100, backpressureWindow)
			}
		}
	}
}

// Stop drains the pipeline. Producers are canceled, the queue is
// closed, and workers get the configured deadline to finish; past the
// deadline the pipeline reports ErrForceStopped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("pipeline is %s, not running", p.state)
	}
	p.state = StateDraining
	cancel := p.cancel
	handles := p.handles
	p.mu.Unlock()

	cancel()
	p.producerWg.Wait()
	for _, h := range handles {
		h.Close()
	}
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(p.cfg.StopTimeout):
		err = core.ErrForceStopped
	}
	p.monitorWg.Wait()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	if err != nil {
		logx.Warnf("capture pipeline missed its %s drain deadline", p.cfg.StopTimeout)
		return err
	}
	logx.Infof("capture pipeline stopped cleanly")
	return nil
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats copies the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return p.stats.snapshot()
}

func (s *pipelineStats) noteEnqueued(iface string) {
	s.mu.Lock()
	s.enqueued[iface]++
	s.windowEnqueued++
	s.mu.Unlock()
}

func (s *pipelineStats) noteDropped(iface string) {
	s.mu.Lock()
	s.dropped[iface]++
	s.windowDropped++
	s.mu.Unlock()
}

func (s *pipelineStats) noteDecodeError(iface string) {
	s.mu.Lock()
	s.decodeErrors[iface]++
	s.mu.Unlock()
}

func (s *pipelineStats) noteParsed() {
	s.mu.Lock()
	s.parsed++
	s.mu.Unlock()
}

// rollWindow closes the current accounting window and reports whether
// the drop ratio crossed the backpressure threshold.
func (s *pipelineStats) rollWindow() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every frame is counted in windowEnqueued when it enters the
	// queue; a dropped frame was enqueued first, so it is not added again.
	total := s.windowEnqueued
	var ratio float64
	if total > 0 {
		ratio = float64(s.windowDropped) / float64(total)
	}
	s.backpressure = ratio > backpressureRatio
	s.windowEnqueued = 0
	s.windowDropped = 0
	s.windowStart = time.Now()
	return ratio, s.backpressure
}

func (s *pipelineStats) snapshot() PipelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := PipelineStats{
		Enqueued:     make(map[string]uint64, len(s.enqueued)),
		Dropped:      make(map[string]uint64, len(s.dropped)),
		DecodeErrors: make(map[string]uint64, len(s.decodeErrors)),
		Parsed:       s.parsed,
		Backpressure: s.backpressure,
	}
	for k, v := range s.enqueued {
		out.Enqueued[k] = v
	}
	for k, v := range s.dropped {
		out.Dropped[k] = v
	}
	for k, v := range s.decodeErrors {
		out.DecodeErrors[k] = v
	}
	return out
}
