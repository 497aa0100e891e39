package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/irctrakz/nfqfx/pkg/dispatch"
)

type healthReport struct {
	Status    string `json:"status"`
	RunID     string `json:"run_id"`
	Mode      string `json:"mode"`
	Submitted uint64 `json:"submitted"`
	InFlight  int    `json:"inflight"`
	Running   int    `json:"running_workers"`
	Packets   uint64 `json:"effect_packets"`
	Errors    uint64 `json:"effect_errors"`
	Uptime    string `json:"uptime"`
}

// newMetricsServer serves the Prometheus registry on /metrics and the
// engine state on /health.
func newMetricsServer(addr string, ec *dispatch.EngineContext, d *dispatch.Dispatcher) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", ec.Metrics.Handler())
	mux.HandleFunc("/health", healthHandler(ec, d, time.Now()))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(ec *dispatch.EngineContext, d *dispatch.Dispatcher, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := d.Stats()
		rep := healthReport{
			Status:    "ok",
			RunID:     ec.RunID,
			Mode:      string(ec.Config.Mode),
			Submitted: st.Submitted,
			InFlight:  st.InFlight,
			Running:   st.Running,
			Uptime:    time.Since(started).Truncate(time.Second).String(),
		}
		if ec.Effect != nil {
			es := ec.Effect.Stats()
			rep.Packets = es.TotalPackets
			rep.Errors = es.Errors
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(rep)
	}
}
