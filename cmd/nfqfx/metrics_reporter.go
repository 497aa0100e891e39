package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/irctrakz/nfqfx/pkg/dispatch"
	"github.com/irctrakz/nfqfx/pkg/logging"
	"github.com/irctrakz/nfqfx/pkg/metrics"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Engine    metrics.Snapshot  `json:"engine"`
	Pool      map[string]uint64 `json:"pool"`
	RT        map[string]uint64 `json:"rt"`
}

// runMetricsReporter logs a snapshot every interval until ctx ends.
func runMetricsReporter(ctx context.Context, interval time.Duration, format string, m *metrics.Engine, d *dispatch.Dispatcher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := collectMetrics(m, d)
			if err != nil {
				logging.Warnf("metrics: gather failed: %v", err)
				continue
			}
			logging.Infof("metrics: %s", formatMetrics(snap, format))
		}
	}
}

func collectMetrics(m *metrics.Engine, d *dispatch.Dispatcher) (metricsSnapshot, error) {
	es, err := m.Snapshot()
	if err != nil {
		return metricsSnapshot{}, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := d.Stats()
	return metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Engine:    es,
		Pool: map[string]uint64{
			"running":   uint64(st.Running),
			"inflight":  uint64(st.InFlight),
			"queued":    uint64(st.Queued),
			"overloads": st.Overloads,
		},
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}, nil
}

func formatMetrics(snap metricsSnapshot, format string) string {
	if format == "json" {
		b, _ := json.Marshal(snap)
		return string(b)
	}
	e := snap.Engine
	return fmt.Sprintf("ts=%s pkts: sub=%d acc=%d drop=%d filt=%d infl=%d | effect: err=%d retx=%d | pool: run=%d q=%d ovl=%d | capture: drops=%d | rt: heap=%dMi gor=%d gc=%d",
		snap.Timestamp,
		e.Submitted, e.Accepted, e.Dropped, e.Filtered, e.InFlight,
		e.EffectErrors, e.Retransmissions,
		snap.Pool["running"], snap.Pool["queued"], snap.Pool["overloads"],
		e.CaptureDrops,
		snap.RT["heap_alloc"]>>20, snap.RT["goroutines"], snap.RT["num_gc"],
	)
}
