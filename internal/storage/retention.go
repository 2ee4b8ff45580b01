package storage

import (
	"context"
	"fmt"
	"time"

	"netsight/internal/pkg/logx"
)

// RetentionPolicy declares row age limits per table. Zero values fall
// back to the defaults: raw packets 24h, throughput samples 90d,
// connection aggregates 30d.
type RetentionPolicy struct {
	Packets     time.Duration
	Throughput  time.Duration
	Connections time.Duration
	Interval    time.Duration
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.Packets <= 0 {
		p.Packets = 24 * time.Hour
	}
	if p.Throughput <= 0 {
		p.Throughput = 90 * 24 * time.Hour
	}
	if p.Connections <= 0 {
		p.Connections = 30 * 24 * time.Hour
	}
	if p.Interval <= 0 {
		p.Interval = time.Hour
	}
	return p
}

// RunRetention enforces the policy on a timer until the context is
// canceled. One pass runs immediately so a long-stopped host prunes on
// startup.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy) {
	policy = policy.withDefaults()

	if err := s.RetentionPass(ctx, policy); err != nil {
		logx.Warnf("retention: %v", err)
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RetentionPass(ctx, policy); err != nil {
				logx.Warnf("retention: %v", err)
			}
		}
	}
}

// RetentionPass removes expired rows once. Aggregates over an expired
// range afterwards read as zero, never as an error.
func (s *Store) RetentionPass(ctx context.Context, policy RetentionPolicy) error {
	policy = policy.withDefaults()
	now := time.Now()

	type target struct {
		table  string
		column string
		age    time.Duration
	}
	targets := []target{
		{"packets", "ts", policy.Packets},
		{"throughput_samples", "ts", policy.Throughput},
		{"connections", "last_seen", policy.Connections},
		{"security_events", "ts", policy.Packets},
	}

	for _, t := range targets {
		cutoff := now.Add(-t.age).UnixNano()
		res, err := s.writeDB.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column), cutoff)
		if err != nil {
			return fmt.Errorf("prune %s: %w", t.table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			logx.Debugf("retention: pruned %d rows from %s", n, t.table)
		}
	}
	return nil
}
