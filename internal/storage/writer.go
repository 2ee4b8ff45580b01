package storage

import (
	"database/sql"
	"fmt"
	"net"
	"sync"
	"time"

	core "netsight/internal/core/model"
	"netsight/internal/model"
	"netsight/internal/pkg/logx"
)

const (
	// DefaultBatchSize and DefaultFlushInterval: a batch commits when
	// either limit is reached, whichever comes first.
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second

	// degradeRingSize bounds the in-memory buffer used when the store
	// is unreachable. Oldest records are discarded beyond this.
	degradeRingSize = 10000

	retryBackoff = 100 * time.Millisecond
)

// batchItem is one queued record of any table.
type batchItem struct {
	snap *core.ThroughputSnapshot
	pkt  *core.PacketRecord
	ev   *model.SecurityEvent
}

// WriterStats counts the write path's observable outcomes.
type WriterStats struct {
	Written     uint64
	Retries     uint64
	Buffered    uint64
	RingDropped uint64
}

// Writer owns the store's single write connection. Records are batched
// and committed in one transaction; a failed commit is retried once
// with backoff, then the batch degrades into a bounded memory ring that
// drains when the store recovers.
type Writer struct {
	store *Store

	batchSize     int
	flushInterval time.Duration

	in   chan batchItem
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	ring     []batchItem
	degraded bool
	stats    WriterStats
}

// NewWriter starts the background writer for this store. Close flushes
// what remains.
func (s *Store) NewWriter(batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	w := &Writer{
		store:         s,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		in:            make(chan batchItem, 4*batchSize),
		done:          make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// WriteSnapshot queues a throughput snapshot.
func (w *Writer) WriteSnapshot(snap core.ThroughputSnapshot) error {
	w.in <- batchItem{snap: &snap}
	return nil
}

// WritePacket queues a packet record. The record also feeds the
// connections upsert when it carries an address pair.
func (w *Writer) WritePacket(rec core.PacketRecord) error {
	w.in <- batchItem{pkt: &rec}
	return nil
}

// WriteEvent queues an advisory security event.
func (w *Writer) WriteEvent(ev model.SecurityEvent) error {
	w.in <- batchItem{ev: &ev}
	return nil
}

// Degraded reports whether the writer is currently buffering in memory.
func (w *Writer) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Stats copies the writer counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops the writer after flushing queued records.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]batchItem, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 && !w.hasRing() {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case item := <-w.in:
			batch = append(batch, item)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			// Drain whatever is still queued, then final flush.
			for {
				select {
				case item := <-w.in:
					batch = append(batch, item)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) hasRing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ring) > 0
}

// flush commits one batch, prepending any ring contents from an earlier
// degraded period. One retry with backoff; after the second failure the
// batch goes to the ring and the writer reports Degraded.
func (w *Writer) flush(batch []batchItem) {
	w.mu.Lock()
	if len(w.ring) > 0 {
		batch = append(w.ring, batch...)
		w.ring = nil
	}
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	err := w.commit(batch)
	if err != nil {
		w.mu.Lock()
		w.stats.Retries++
		w.mu.Unlock()
		time.Sleep(retryBackoff)
		err = w.commit(batch)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		logx.Errorf("store write failed twice, buffering %d records in memory: %v", len(batch), err)
		w.ring = append(w.ring, batch...)
		if overflow := len(w.ring) - degradeRingSize; overflow > 0 {
			w.ring = w.ring[overflow:]
			w.stats.RingDropped += uint64(overflow)
		}
		w.stats.Buffered = uint64(len(w.ring))
		w.degraded = true
		return
	}
	w.stats.Written += uint64(len(batch))
	w.stats.Buffered = 0
	if w.degraded {
		logx.Infof("store recovered, drained in-memory buffer")
		w.degraded = false
	}
}

func (w *Writer) commit(batch []batchItem) error {
	tx, err := w.store.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	if err := insertBatch(tx, batch); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	logx.Debugf("store committed batch of %d records", len(batch))
	return nil
}

func insertBatch(tx *sql.Tx, batch []batchItem) error {
	snapStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO throughput_samples
		(ts, interface_id, kind, download_bps, upload_bps,
		 bytes_rx_total, bytes_tx_total, pkts_rx_total, pkts_tx_total, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer snapStmt.Close()

	pktStmt, err := tx.Prepare(`
		INSERT INTO packets
		(ts, interface_id, size, direction, net_proto, transport,
		 src_ip, dst_ip, src_port, dst_port, app_proto, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare packet insert: %w", err)
	}
	defer pktStmt.Close()

	// The upsert is guarded on last_arrival_ns so re-ingesting the same
	// record (same key, same arrival) cannot double-count.
	connStmt, err := tx.Prepare(`
		INSERT INTO connections
		(key_hash, first_seen, last_seen, last_arrival_ns,
		 total_bytes, total_packets, src_endpoint, dst_endpoint, transport, app_proto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			last_seen       = MAX(connections.last_seen, excluded.last_seen),
			last_arrival_ns = excluded.last_arrival_ns,
			total_bytes     = connections.total_bytes + excluded.total_bytes,
			total_packets   = connections.total_packets + excluded.total_packets,
			app_proto       = CASE WHEN excluded.app_proto != ''
			                  THEN excluded.app_proto ELSE connections.app_proto END
		WHERE excluded.last_arrival_ns != connections.last_arrival_ns`)
	if err != nil {
		return fmt.Errorf("prepare connection upsert: %w", err)
	}
	defer connStmt.Close()

	evStmt, err := tx.Prepare(`
		INSERT INTO security_events
		(ts, interface_id, event_type, src_ip, dst_ip, port, transport, description, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer evStmt.Close()

	for _, item := range batch {
		switch {
		case item.snap != nil:
			s := item.snap
			if _, err := snapStmt.Exec(
				s.Timestamp.UnixNano(), s.InterfaceID, s.Kind.String(),
				s.DownloadBps, s.UploadBps,
				int64(s.BytesRecvTotal), int64(s.BytesSentTotal),
				int64(s.PacketsRecvTotal), int64(s.PacketsSentTotal),
				int(s.Confidence),
			); err != nil {
				return fmt.Errorf("insert snapshot: %w", err)
			}

		case item.pkt != nil:
			p := item.pkt
			if _, err := pktStmt.Exec(
				p.Arrival.UnixNano(), p.InterfaceID, p.Size,
				p.Direction.String(), p.Net.String(), p.Transport.String(),
				ipString(p.SrcIP), ipString(p.DstIP),
				int(p.SrcPort), int(p.DstPort), string(p.App), int(p.Flags),
			); err != nil {
				return fmt.Errorf("insert packet: %w", err)
			}

			if p.SrcIP != nil && p.DstIP != nil {
				key := core.CanonicalKey(p.SrcIP, p.DstIP, p.SrcPort, p.DstPort, p.Transport)
				if _, err := connStmt.Exec(
					fmt.Sprintf("%016x", key.Hash()),
					p.Arrival.UnixNano(), p.Arrival.UnixNano(), p.Arrival.UnixNano(),
					int64(p.Size), int64(1),
					fmt.Sprintf("%s:%d", key.AIP, key.APort),
					fmt.Sprintf("%s:%d", key.BIP, key.BPort),
					key.Transport.String(), string(p.App),
				); err != nil {
					return fmt.Errorf("upsert connection: %w", err)
				}
			}

		case item.ev != nil:
			ev := item.ev
			if _, err := evStmt.Exec(
				ev.Record.Arrival.UnixNano(), ev.Record.InterfaceID, ev.EventType,
				ipString(ev.Record.SrcIP), ipString(ev.Record.DstIP),
				int(ev.Record.DstPort), ev.Record.Transport.String(),
				ev.Description, ev.Severity,
			); err != nil {
				return fmt.Errorf("insert security event: %w", err)
			}
		}
	}
	return nil
}

func ipString(ip net.IP) interface{} {
	if ip == nil {
		return nil
	}
	return ip.String()
}
