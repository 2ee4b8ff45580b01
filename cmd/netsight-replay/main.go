package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"netsight/internal/capture"
	"netsight/internal/config"
	"netsight/internal/storage"
	"netsight/pkg/pcap"
)

// netsight-replay feeds a pcap file through the live parse/persist
// pipeline, so stored aggregates can be built from an offline capture.
func main() {
	cfgPath := flag.String("config", "", "path to config file")
	file := flag.String("file", "", "pcap file to replay (required)")
	iface := flag.String("interface", "replay0", "interface id to stamp on replayed frames")
	filter := flag.String("filter", "", "BPF filter expression")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	store, err := storage.Open(cfg.Storage.Path, storage.Options{ReadConns: cfg.Storage.ReadConns})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	flush, _ := time.ParseDuration(cfg.Storage.FlushInterval)
	writer := store.NewWriter(cfg.Storage.BatchSize, flush)
	defer writer.Close()

	stopTimeout, _ := time.ParseDuration(cfg.Capture.StopTimeout)
	pipeline := capture.NewPipeline(capture.PipelineConfig{
		QueueSize:   cfg.Capture.QueueSize,
		NumWorkers:  cfg.Capture.NumWorkers,
		StopTimeout: stopTimeout,
	}, &pcap.FileSource{Path: *file}, writer)

	ctx := context.Background()
	specs := []capture.IfaceSpec{{Name: *iface, Filter: *filter}}
	if err := pipeline.Start(ctx, specs); err != nil {
		log.Fatalf("start replay: %v", err)
	}

	// A file source hits EOF and its producer exits; poll until the
	// queue drains (or stalls, for an empty file), then stop.
	idle := 0
	var lastDone uint64
	for idle < 10 {
		time.Sleep(200 * time.Millisecond)
		stats := pipeline.Stats()
		var enq, decodeErrs uint64
		for _, v := range stats.Enqueued {
			enq += v
		}
		for _, v := range stats.DecodeErrors {
			decodeErrs += v
		}
		done := stats.Parsed + decodeErrs
		if enq > 0 && done >= enq {
			break
		}
		if done == lastDone {
			idle++
		} else {
			idle = 0
			lastDone = done
		}
	}
	if err := pipeline.Stop(); err != nil {
		log.Fatalf("stop replay: %v", err)
	}

	stats := pipeline.Stats()
	fmt.Printf("replayed %s: parsed %d records\n", *file, stats.Parsed)
}
