package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"netsight/internal/aggregate"
	"netsight/internal/bandwidth"
	core "netsight/internal/core/model"
	"netsight/internal/model"
	"netsight/internal/pkg/logx"
)

const queryTimeout = 5 * time.Second

// Server exposes the aggregation service as read-only JSON over a
// localhost listener, for the chart and dashboard collaborators.
type Server struct {
	svc     *aggregate.Service
	sampler model.Sampler
	http    *http.Server
}

// NewServer builds the API server over the query service.
func NewServer(listen string, svc *aggregate.Service, sampler model.Sampler) *Server {
	s := &Server{svc: svc, sampler: sampler}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/summary", s.summaryHandler).Methods("GET")
	r.HandleFunc("/api/v1/throughput", s.throughputHandler).Methods("GET")
	r.HandleFunc("/api/v1/protocols", s.protocolsHandler).Methods("GET")
	r.HandleFunc("/api/v1/connections", s.connectionsHandler).Methods("GET")
	r.HandleFunc("/api/v1/interfaces", s.interfacesHandler).Methods("GET")

	s.http = &http.Server{Addr: listen, Handler: r}
	return s
}

func (s *Server) interfacesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	infos, err := s.sampler.Interfaces(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	type ifaceEntry struct {
		ID        string   `json:"id"`
		Kind      string   `json:"kind"`
		Relevance int      `json:"relevance"`
		Up        bool     `json:"up"`
		Addresses []string `json:"addresses,omitempty"`
	}
	out := make([]ifaceEntry, 0, len(infos))
	for _, info := range infos {
		rec := bandwidth.Classify(info.Name, info.Addresses)
		entry := ifaceEntry{
			ID:        rec.ID,
			Kind:      rec.Kind.String(),
			Relevance: rec.Relevance,
			Up:        info.Up,
		}
		for _, a := range info.Addresses {
			entry.Addresses = append(entry.Addresses, a.String())
		}
		out = append(out, entry)
	}
	writeJSON(w, out)
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		logx.Infof("query API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Errorf("query API: %v", err)
		}
	}()
}

// Shutdown stops the listener, letting in-flight queries finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// rangeParams extracts interface and time-range query parameters.
// Defaults: the last hour, any interface given explicitly.
func rangeParams(r *http.Request) (iface string, start, end time.Time, err error) {
	q := r.URL.Query()
	iface = q.Get("interface")
	end = time.Now()
	start = end.Add(-time.Hour)

	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return
		}
	}
	return
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	iface, start, end, err := rangeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	summary, err := s.svc.TrafficSummary(ctx, iface, start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summaryPayload(summary))
}

func (s *Server) throughputHandler(w http.ResponseWriter, r *http.Request) {
	iface, start, end, err := rangeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bucket := time.Minute
	if v := r.URL.Query().Get("bucket"); v != "" {
		if bucket, err = time.ParseDuration(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	series, err := s.svc.ThroughputSeries(ctx, iface, start, end, bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type point struct {
		Bucket        time.Time `json:"bucket"`
		AvgDownBps    float64   `json:"avg_down_bps"`
		AvgUpBps      float64   `json:"avg_up_bps"`
		MinConfidence string    `json:"min_confidence"`
	}
	out := make([]point, 0, len(series))
	for _, p := range series {
		out = append(out, point{p.Bucket, p.AvgDownBps, p.AvgUpBps, p.MinConfidence.String()})
	}
	writeJSON(w, out)
}

func (s *Server) protocolsHandler(w http.ResponseWriter, r *http.Request) {
	iface, start, end, err := rangeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	dist, err := s.svc.ProtocolDistribution(ctx, iface, start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make(map[string]core.ProtoCount, len(dist))
	for app, count := range dist {
		name := string(app)
		if name == "" {
			name = "unidentified"
		}
		out[name] = count
	}
	writeJSON(w, out)
}

func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	iface, start, end, err := rangeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	patterns, err := s.svc.ConnectionPatterns(ctx, iface, start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type conn struct {
		Key          string    `json:"key"`
		FirstSeen    time.Time `json:"first_seen"`
		LastSeen     time.Time `json:"last_seen"`
		TotalBytes   uint64    `json:"total_bytes"`
		TotalPackets uint64    `json:"total_packets"`
		App          string    `json:"app_proto,omitempty"`
	}
	out := make([]conn, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, conn{
			Key:          p.Key.String(),
			FirstSeen:    p.FirstSeen,
			LastSeen:     p.LastSeen,
			TotalBytes:   p.TotalBytes,
			TotalPackets: p.TotalPackets,
			App:          string(p.App),
		})
	}
	writeJSON(w, out)
}

func summaryPayload(t *core.TrafficSummary) map[string]interface{} {
	byApp := make(map[string]core.ProtoCount, len(t.ByApp))
	for app, count := range t.ByApp {
		name := string(app)
		if name == "" {
			name = "unidentified"
		}
		byApp[name] = count
	}
	byTransport := make(map[string]core.ProtoCount, len(t.ByTransport))
	for tr, count := range t.ByTransport {
		byTransport[tr.String()] = count
	}
	return map[string]interface{}{
		"interface_id":     t.InterfaceID,
		"start":            t.Start,
		"end":              t.End,
		"bytes_in":         t.BytesIn,
		"bytes_out":        t.BytesOut,
		"total_bytes":      t.TotalBytes,
		"total_packets":    t.TotalPackets,
		"by_app":           byApp,
		"by_transport":     byTransport,
		"connection_count": t.ConnectionCount,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Debugf("encode response: %v", err)
	}
}
