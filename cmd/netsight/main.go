package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netsight/internal/aggregate"
	"netsight/internal/api"
	"netsight/internal/bandwidth"
	"netsight/internal/capture"
	"netsight/internal/config"
	core "netsight/internal/core/model"
	"netsight/internal/model"
	"netsight/internal/pkg/logx"
	"netsight/internal/storage"
)

// sysexits-style codes the invoker contract promises.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitTempFail = 75 // EX_TEMPFAIL: e.g. capture drop rate over 50%
	exitNoPerm   = 77 // EX_NOPERM: capture privilege missing
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "status":
		err = cmdStatus(rest, false)
	case "live":
		err = cmdStatus(rest, true)
	case "packets":
		err = cmdPackets(rest)
	case "analyze":
		err = cmdAnalyze(rest)
	case "serve":
		err = cmdServe(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		return exitUsage
	}

	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, core.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, err)
		return exitNoPerm
	case errors.Is(err, errBackpressure):
		fmt.Fprintln(os.Stderr, err)
		return exitTempFail
	case errors.Is(err, flag.ErrHelp):
		return exitUsage
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
}

var errBackpressure = errors.New("capture dropped more than half of all frames")

func usage() {
	fmt.Fprintln(os.Stderr, `usage: netsight <command> [flags]

commands:
  status    one bandwidth snapshot per interface
  live      repeated snapshots until interrupted
  packets   capture and classify traffic on an interface
  analyze   query stored traffic aggregates
  serve     run the collector, retention and query API`)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func cmdStatus(args []string, live bool) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to config file")
	duration := fs.Duration("measurement-duration", 0, "measurement window (1s-60s)")
	filter := fs.String("show", "", "important-only | active-only | show-all")
	noStore := fs.Bool("no-store", false, "skip persisting snapshots")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *duration == 0 {
		if *duration, err = cfg.MeasurementDuration(); err != nil {
			return err
		}
	}
	mode := cfg.Collector.Filter
	if *filter != "" {
		mode = *filter
	}

	var writer *storage.Writer
	if !*noStore {
		store, err := storage.Open(cfg.Storage.Path, storage.Options{ReadConns: cfg.Storage.ReadConns})
		if err != nil {
			return err
		}
		defer store.Close()
		flush, _ := time.ParseDuration(cfg.Storage.FlushInterval)
		writer = store.NewWriter(cfg.Storage.BatchSize, flush)
		defer writer.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	collector := bandwidth.NewCollector(bandwidth.NewSampler())
	for {
		report, err := collector.Collect(ctx, *duration)
		if err != nil {
			return err
		}
		printReport(report, mode)
		if writer != nil {
			for _, snap := range report.Snapshots {
				writer.WriteSnapshot(snap)
			}
		}

		if !live {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*duration):
		}
	}
}

func printReport(report *bandwidth.Report, mode string) {
	snaps := report.Snapshots
	switch mode {
	case "important-only":
		snaps = report.FilterImportant()
	case "active-only":
		snaps = report.FilterActive()
	}

	fmt.Printf("%-16s %-10s %14s %14s %10s\n", "INTERFACE", "KIND", "DOWN", "UP", "CONFIDENCE")
	for _, s := range snaps {
		fmt.Printf("%-16s %-10s %14s %14s %10s\n",
			s.InterfaceID, s.Kind,
			bandwidth.FormatRate(s.DownloadBps), bandwidth.FormatRate(s.UploadBps),
			s.Confidence)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}
}

// eventTap forwards records to the store and mirrors advisory-flagged
// ones into the security_events table.
type eventTap struct {
	sink   *storage.Writer
	events model.EventSink
}

func (t *eventTap) WritePacket(rec core.PacketRecord) error {
	if rec.Flags&core.FlagPlaintextSensitive != 0 {
		t.events.WriteEvent(model.SecurityEvent{
			Record:      rec,
			EventType:   "plaintext-sensitive-port",
			Description: fmt.Sprintf("plaintext payload on sensitive port %d", rec.DstPort),
			Severity:    "warning",
		})
	}
	if rec.Flags&core.FlagBurstSuspect != 0 {
		t.events.WriteEvent(model.SecurityEvent{
			Record:      rec,
			EventType:   "burst-unknown-port",
			Description: fmt.Sprintf("high-frequency large payloads to %s", rec.DstIP),
			Severity:    "info",
		})
	}
	return t.sink.WritePacket(rec)
}

func cmdPackets(args []string) error {
	fs := flag.NewFlagSet("packets", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to config file")
	iface := fs.String("interface", "", "interface to capture on (required)")
	bpf := fs.String("filter", "", "BPF filter expression")
	duration := fs.Duration("capture", 10*time.Second, "capture duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *iface == "" {
		fmt.Fprintln(os.Stderr, "packets: --interface is required; capture devices:")
		if devs, err := capture.ListDevices(); err == nil {
			for _, d := range devs {
				fmt.Fprintf(os.Stderr, "  %s\n", d.Name)
			}
		}
		return flag.ErrHelp
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *bpf == "" {
		*bpf = cfg.Capture.BPF
	}

	store, err := storage.Open(cfg.Storage.Path, storage.Options{ReadConns: cfg.Storage.ReadConns})
	if err != nil {
		return err
	}
	defer store.Close()
	flush, _ := time.ParseDuration(cfg.Storage.FlushInterval)
	writer := store.NewWriter(cfg.Storage.BatchSize, flush)
	defer writer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	addrs := interfaceAddresses(ctx, *iface)

	stopTimeout, _ := time.ParseDuration(cfg.Capture.StopTimeout)
	pipeline := capture.NewPipeline(capture.PipelineConfig{
		QueueSize:   cfg.Capture.QueueSize,
		NumWorkers:  cfg.Capture.NumWorkers,
		StopTimeout: stopTimeout,
	}, capture.NewPcapSource(cfg.Capture.SnapLen, cfg.Capture.Promiscuous), &eventTap{sink: writer, events: writer})

	specs := []capture.IfaceSpec{{Name: *iface, Filter: *bpf, Addresses: addrs}}
	if err := pipeline.Start(ctx, specs); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(*duration):
	}
	stopErr := pipeline.Stop()

	stats := pipeline.Stats()
	var enq, drop, decodeErrs uint64
	for _, v := range stats.Enqueued {
		enq += v
	}
	for _, v := range stats.Dropped {
		drop += v
	}
	for _, v := range stats.DecodeErrors {
		decodeErrs += v
	}
	fmt.Printf("captured %d frames, parsed %d, dropped %d, decode errors %d\n",
		enq, stats.Parsed, drop, decodeErrs)

	if stopErr != nil {
		return stopErr
	}
	// Every captured frame is counted once in Enqueued; dropped frames
	// were enqueued before being evicted.
	if enq > 0 && float64(drop)/float64(enq) > 0.5 {
		return errBackpressure
	}
	return nil
}

func interfaceAddresses(ctx context.Context, iface string) []net.IP {
	infos, err := bandwidth.NewSampler().Interfaces(ctx)
	if err != nil {
		logx.Warnf("could not enumerate addresses for %s: %v", iface, err)
		return nil
	}
	for _, info := range infos {
		if info.Name == iface {
			return info.Addresses
		}
	}
	return nil
}

func cmdAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to config file")
	iface := fs.String("interface", "", "interface to analyze")
	period := fs.Duration("period", time.Hour, "how far back to aggregate")
	kind := fs.String("report", "summary", "summary | protocols | throughput | connections")
	bucket := fs.Duration("bucket", time.Minute, "series bucket width")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.Path, storage.Options{ReadConns: cfg.Storage.ReadConns})
	if err != nil {
		return err
	}
	defer store.Close()

	svc := aggregate.NewService(store)
	end := time.Now()
	start := end.Add(-*period)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch *kind {
	case "summary":
		summary, err := svc.TrafficSummary(ctx, *iface, start, end)
		if err != nil {
			return err
		}
		printSummary(summary)
	case "protocols":
		dist, err := svc.ProtocolDistribution(ctx, *iface, start, end)
		if err != nil {
			return err
		}
		for app, count := range dist {
			name := string(app)
			if name == "" {
				name = "unidentified"
			}
			fmt.Printf("%-14s %10d packets %14s\n", name, count.Packets, bandwidth.FormatBytes(float64(count.Bytes)))
		}
	case "throughput":
		series, err := svc.ThroughputSeries(ctx, *iface, start, end, *bucket)
		if err != nil {
			return err
		}
		for _, p := range series {
			fmt.Printf("%s  down %14s  up %14s  confidence>=%s\n",
				p.Bucket.Format(time.RFC3339),
				bandwidth.FormatRate(p.AvgDownBps), bandwidth.FormatRate(p.AvgUpBps),
				p.MinConfidence)
		}
	case "connections":
		patterns, err := svc.ConnectionPatterns(ctx, *iface, start, end)
		if err != nil {
			return err
		}
		for _, p := range patterns {
			fmt.Printf("%-52s %10d pkts %14s  %s\n",
				p.Key, p.TotalPackets, bandwidth.FormatBytes(float64(p.TotalBytes)), p.App)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown report: %s\n", *kind)
		return flag.ErrHelp
	}
	return nil
}

func printSummary(t *core.TrafficSummary) {
	fmt.Printf("interface %s  %s .. %s\n", orAll(t.InterfaceID), t.Start.Format(time.RFC3339), t.End.Format(time.RFC3339))
	fmt.Printf("  total: %s in %d packets (%s in / %s out)\n",
		bandwidth.FormatBytes(float64(t.TotalBytes)), t.TotalPackets,
		bandwidth.FormatBytes(float64(t.BytesIn)), bandwidth.FormatBytes(float64(t.BytesOut)))
	fmt.Printf("  connections: %d\n", t.ConnectionCount)
	for app, count := range t.ByApp {
		name := string(app)
		if name == "" {
			name = "unidentified"
		}
		fmt.Printf("  %-14s %10d packets %14s\n", name, count.Packets, bandwidth.FormatBytes(float64(count.Bytes)))
	}
	if len(t.TopConnections) > 0 {
		fmt.Println("  top connections:")
		for _, c := range t.TopConnections {
			fmt.Printf("    %-52s %14s\n", c.Key, bandwidth.FormatBytes(float64(c.TotalBytes)))
		}
	}
}

func orAll(iface string) string {
	if iface == "" {
		return "(all)"
	}
	return iface
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	duration, err := cfg.MeasurementDuration()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Path, storage.Options{ReadConns: cfg.Storage.ReadConns})
	if err != nil {
		return err
	}
	defer store.Close()
	flush, _ := time.ParseDuration(cfg.Storage.FlushInterval)
	writer := store.NewWriter(cfg.Storage.BatchSize, flush)
	defer writer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	go store.RunRetention(ctx, retentionPolicy(cfg))

	sampler := bandwidth.NewSampler()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.Listen, aggregate.NewService(store), sampler)
		server.Start()
	}

	collector := bandwidth.NewCollector(sampler)
	logx.Infof("collector loop started, measuring every %s", duration)
	for {
		report, err := collector.Collect(ctx, duration)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logx.Errorf("collect: %v", err)
		} else {
			for _, snap := range report.Snapshots {
				writer.WriteSnapshot(snap)
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(duration):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if server != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		server.Shutdown(shCtx)
	}
	logx.Infof("serve shutting down")
	return nil
}

func retentionPolicy(cfg *config.Config) storage.RetentionPolicy {
	parse := func(s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			logx.Warnf("bad retention duration %q, using default", s)
			return 0
		}
		return d
	}
	return storage.RetentionPolicy{
		Packets:     parse(cfg.Storage.Retention.Packets),
		Throughput:  parse(cfg.Storage.Retention.Throughput),
		Connections: parse(cfg.Storage.Retention.Connections),
		Interval:    parse(cfg.Storage.Retention.Interval),
	}
}
