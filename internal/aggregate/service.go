package aggregate

import (
	"context"
	"fmt"
	"time"

	core "netsight/internal/core/model"
	"netsight/internal/storage"
)

// DefaultTopConnections bounds the top-N connection list in summaries.
const DefaultTopConnections = 10

// Service answers time-range aggregate queries over the store. It is
// stateless; every method is safe for concurrent use and reads from the
// store's read pool, so results see whole batches or nothing.
type Service struct {
	store *storage.Store
	topN  int
}

// NewService builds a query service over an open store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, topN: DefaultTopConnections}
}

// TrafficSummary aggregates packet activity on one interface over
// [start,end]: totals, per-protocol histograms, and the heaviest
// connections. The connection count and top list come from
// ConnectionPatterns and are not filtered by interface.
func (s *Service) TrafficSummary(ctx context.Context, iface string, start, end time.Time) (*core.TrafficSummary, error) {
	summary := &core.TrafficSummary{
		InterfaceID: iface,
		Start:       start,
		End:         end,
		ByApp:       make(map[core.AppProtocol]core.ProtoCount),
		ByTransport: make(map[core.Transport]core.ProtoCount),
	}
	db := s.store.Read()

	rows, err := db.QueryContext(ctx, `
		SELECT direction, transport, app_proto, COUNT(*), COALESCE(SUM(size), 0)
		FROM packets
		WHERE interface_id = ? AND ts BETWEEN ? AND ?
		GROUP BY direction, transport, app_proto`,
		iface, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("traffic summary query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var direction, transport, app string
		var packets, bytes uint64
		if err := rows.Scan(&direction, &transport, &app, &packets, &bytes); err != nil {
			return nil, fmt.Errorf("scan traffic summary row: %w", err)
		}

		summary.TotalPackets += packets
		summary.TotalBytes += bytes
		switch direction {
		case core.DirectionIn.String():
			summary.BytesIn += bytes
		case core.DirectionOut.String():
			summary.BytesOut += bytes
		}

		ac := summary.ByApp[core.AppProtocol(app)]
		ac.Bytes += bytes
		ac.Packets += packets
		summary.ByApp[core.AppProtocol(app)] = ac

		tr := parseTransport(transport)
		tc := summary.ByTransport[tr]
		tc.Bytes += bytes
		tc.Packets += packets
		summary.ByTransport[tr] = tc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("traffic summary rows: %w", err)
	}

	patterns, err := s.ConnectionPatterns(ctx, iface, start, end)
	if err != nil {
		return nil, err
	}
	summary.ConnectionCount = len(patterns)
	if len(patterns) > s.topN {
		patterns = patterns[:s.topN]
	}
	summary.TopConnections = patterns

	return summary, nil
}

// ThroughputSeries buckets snapshot rates into aligned windows of the
// given width and averages within each bucket. The bucket's confidence
// is the minimum seen, so one shaky sample taints its whole bucket
// visibly rather than being averaged away.
func (s *Service) ThroughputSeries(ctx context.Context, iface string, start, end time.Time, bucket time.Duration) ([]core.SeriesPoint, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	bucketNs := bucket.Nanoseconds()

	rows, err := s.store.Read().QueryContext(ctx, `
		SELECT (ts / ?) * ?, AVG(download_bps), AVG(upload_bps), MIN(confidence)
		FROM throughput_samples
		WHERE interface_id = ? AND ts BETWEEN ? AND ?
		GROUP BY ts / ?
		ORDER BY 1`,
		bucketNs, bucketNs, iface, start.UnixNano(), end.UnixNano(), bucketNs)
	if err != nil {
		return nil, fmt.Errorf("throughput series query: %w", err)
	}
	defer rows.Close()

	var series []core.SeriesPoint
	for rows.Next() {
		var bucketTs int64
		var down, up float64
		var conf int
		if err := rows.Scan(&bucketTs, &down, &up, &conf); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		series = append(series, core.SeriesPoint{
			Bucket:        time.Unix(0, bucketTs),
			AvgDownBps:    down,
			AvgUpBps:      up,
			MinConfidence: core.Confidence(conf),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("throughput series rows: %w", err)
	}
	return series, nil
}

// ProtocolDistribution returns bytes and packets per identified
// application protocol on one interface over [start,end].
func (s *Service) ProtocolDistribution(ctx context.Context, iface string, start, end time.Time) (map[core.AppProtocol]core.ProtoCount, error) {
	rows, err := s.store.Read().QueryContext(ctx, `
		SELECT app_proto, COUNT(*), COALESCE(SUM(size), 0)
		FROM packets
		WHERE interface_id = ? AND ts BETWEEN ? AND ?
		GROUP BY app_proto`,
		iface, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("protocol distribution query: %w", err)
	}
	defer rows.Close()

	dist := make(map[core.AppProtocol]core.ProtoCount)
	for rows.Next() {
		var app string
		var packets, bytes uint64
		if err := rows.Scan(&app, &packets, &bytes); err != nil {
			return nil, fmt.Errorf("scan distribution row: %w", err)
		}
		dist[core.AppProtocol(app)] = core.ProtoCount{Bytes: bytes, Packets: packets}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("protocol distribution rows: %w", err)
	}
	return dist, nil
}

// ConnectionPatterns lists tracked connections active in [start,end],
// heaviest first.
func (s *Service) ConnectionPatterns(ctx context.Context, iface string, start, end time.Time) ([]core.ConnectionPattern, error) {
	// Connections are not stored per interface; activity overlap with
	// the window is keyed on last_seen/first_seen.
	_ = iface
	rows, err := s.store.Read().QueryContext(ctx, `
		SELECT src_endpoint, dst_endpoint, transport, app_proto,
		       first_seen, last_seen, total_bytes, total_packets
		FROM connections
		WHERE last_seen >= ? AND first_seen <= ?
		ORDER BY total_bytes DESC`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("connection patterns query: %w", err)
	}
	defer rows.Close()

	var patterns []core.ConnectionPattern
	for rows.Next() {
		var srcEp, dstEp, transport, app string
		var firstSeen, lastSeen int64
		var bytes, packets uint64
		if err := rows.Scan(&srcEp, &dstEp, &transport, &app, &firstSeen, &lastSeen, &bytes, &packets); err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		key, err := parseEndpoints(srcEp, dstEp, parseTransport(transport))
		if err != nil {
			continue
		}
		patterns = append(patterns, core.ConnectionPattern{
			Key:          key,
			FirstSeen:    time.Unix(0, firstSeen),
			LastSeen:     time.Unix(0, lastSeen),
			TotalBytes:   bytes,
			TotalPackets: packets,
			App:          core.AppProtocol(app),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("connection patterns rows: %w", err)
	}
	return patterns, nil
}

// SnapshotsAt returns the stored snapshots for one interface at an
// exact timestamp, used by status consumers to re-read what was just
// persisted.
func (s *Service) SnapshotsAt(ctx context.Context, iface string, ts time.Time) ([]core.ThroughputSnapshot, error) {
	rows, err := s.store.Read().QueryContext(ctx, `
		SELECT ts, interface_id, download_bps, upload_bps,
		       bytes_rx_total, bytes_tx_total, pkts_rx_total, pkts_tx_total, confidence
		FROM throughput_samples
		WHERE interface_id = ? AND ts BETWEEN ? AND ?
		ORDER BY ts`,
		iface, ts.UnixNano(), ts.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("snapshot query: %w", err)
	}
	defer rows.Close()

	var snaps []core.ThroughputSnapshot
	for rows.Next() {
		var tsNs int64
		var snap core.ThroughputSnapshot
		var rxB, txB, rxP, txP int64
		var conf int
		if err := rows.Scan(&tsNs, &snap.InterfaceID, &snap.DownloadBps, &snap.UploadBps,
			&rxB, &txB, &rxP, &txP, &conf); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snap.Timestamp = time.Unix(0, tsNs)
		snap.BytesRecvTotal = uint64(rxB)
		snap.BytesSentTotal = uint64(txB)
		snap.PacketsRecvTotal = uint64(rxP)
		snap.PacketsSentTotal = uint64(txP)
		snap.Confidence = core.Confidence(conf)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot rows: %w", err)
	}
	return snaps, nil
}

func parseTransport(s string) core.Transport {
	switch s {
	case "tcp":
		return core.TransportTCP
	case "udp":
		return core.TransportUDP
	case "icmp":
		return core.TransportICMP
	default:
		return core.TransportOther
	}
}

// parseEndpoints rebuilds a ConnectionKey from the stored endpoint
// strings ("ip:port", already canonicalized at write time).
func parseEndpoints(a, b string, tr core.Transport) (core.ConnectionKey, error) {
	aIP, aPort, err := splitEndpoint(a)
	if err != nil {
		return core.ConnectionKey{}, err
	}
	bIP, bPort, err := splitEndpoint(b)
	if err != nil {
		return core.ConnectionKey{}, err
	}
	return core.ConnectionKey{AIP: aIP, APort: aPort, BIP: bIP, BPort: bPort, Transport: tr}, nil
}

func splitEndpoint(ep string) (string, uint16, error) {
	for i := len(ep) - 1; i >= 0; i-- {
		if ep[i] == ':' {
			var port int
			if _, err := fmt.Sscanf(ep[i+1:], "%d", &port); err != nil {
				return "", 0, fmt.Errorf("bad endpoint %q: %w", ep, err)
			}
			return ep[:i], uint16(port), nil
		}
	}
	return "", 0, fmt.Errorf("bad endpoint %q", ep)
}
