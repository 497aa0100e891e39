// Package metrics exposes the engine counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irctrakz/nfqfx/pkg/core"
)

const namespace = "nfqfx"

// Engine holds every metric of one engine run. A nil *Engine is valid and
// records nothing.
type Engine struct {
	registry *prometheus.Registry

	// PacketsSubmitted counts packets handed to the dispatcher.
	PacketsSubmitted prometheus.Counter

	// Verdicts counts resolved packets by verdict.
	Verdicts *prometheus.CounterVec

	// Filtered counts packets accepted by the protocol filter.
	Filtered prometheus.Counter

	// Overloads counts submits rejected by a saturated worker pool.
	Overloads prometheus.Counter

	// EffectErrors counts failed or panicking effect runs.
	EffectErrors prometheus.Counter

	// Retransmissions counts segments already present in the history.
	Retransmissions prometheus.Counter

	// CaptureDrops counts capture records lost to a full writer queue.
	CaptureDrops prometheus.Counter

	// InFlight gauges packets submitted but not yet resolved.
	InFlight prometheus.Gauge
}

// New creates the engine metrics labelled with the effect mode and run id.
func New(mode core.Mode, runID string) *Engine {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	labels := prometheus.Labels{"mode": string(mode), "run_id": runID}
	f := promauto.With(reg)
	return &Engine{
		registry: reg,
		PacketsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_submitted_total",
			Help: "Total number of packets handed to the dispatcher", ConstLabels: labels,
		}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verdicts_total",
			Help: "Total number of verdicts by kind", ConstLabels: labels,
		}, []string{"verdict"}),
		Filtered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_filtered_total",
			Help: "Packets accepted without an effect because they did not match the target protocol", ConstLabels: labels,
		}),
		Overloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_overloads_total",
			Help: "Submits rejected by a saturated worker pool", ConstLabels: labels,
		}),
		EffectErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "effect_errors_total",
			Help: "Effect runs that failed or panicked", ConstLabels: labels,
		}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmissions_total",
			Help: "TCP segments matching one already in the history", ConstLabels: labels,
		}),
		CaptureDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "capture_drops_total",
			Help: "Capture records dropped because the writer queue was full", ConstLabels: labels,
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "packets_inflight",
			Help: "Packets submitted but not yet resolved", ConstLabels: labels,
		}),
	}
}

// Registry returns the private registry
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Engine) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Submitted records a packet entering the dispatcher.
func (e *Engine) Submitted() {
	if e == nil {
		return
	}
	e.PacketsSubmitted.Inc()
	e.InFlight.Inc()
}

// Resolved records the verdict of a submitted packet.
func (e *Engine) Resolved(v core.Verdict) {
	if e == nil {
		return
	}
	e.Verdicts.WithLabelValues(v.String()).Inc()
	e.InFlight.Dec()
}

// Filter records a packet skipped by the protocol filter
func (e *Engine) Filter() {
	if e != nil {
		e.Filtered.Inc()
	}
}

// Overload records a saturated pool
func (e *Engine) Overload() {
	if e != nil {
		e.Overloads.Inc()
	}
}

// EffectError records an effect failure
func (e *Engine) EffectError() {
	if e != nil {
		e.EffectErrors.Inc()
	}
}

// Retransmission records a duplicate segment
func (e *Engine) Retransmission() {
	if e != nil {
		e.Retransmissions.Inc()
	}
}

// CaptureDrop records a lost capture record
func (e *Engine) CaptureDrop() {
	if e != nil {
		e.CaptureDrops.Inc()
	}
}

// Snapshot is a flat view of the counters for the periodic reporter.
type Snapshot struct {
	Submitted       uint64 `json:"submitted"`
	Accepted        uint64 `json:"accepted"`
	Dropped         uint64 `json:"dropped"`
	Filtered        uint64 `json:"filtered"`
	Overloads       uint64 `json:"overloads"`
	EffectErrors    uint64 `json:"effect_errors"`
	Retransmissions uint64 `json:"retransmissions"`
	CaptureDrops    uint64 `json:"capture_drops"`
	InFlight        int64  `json:"inflight"`
}

// Snapshot gathers the current values from the registry.
func (e *Engine) Snapshot() (Snapshot, error) {
	var s Snapshot
	if e == nil {
		return s, nil
	}
	families, err := e.registry.Gather()
	if err != nil {
		return s, err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			val := uint64(m.GetCounter().GetValue())
			switch mf.GetName() {
			case namespace + "_packets_submitted_total":
				s.Submitted = val
			case namespace + "_verdicts_total":
				for _, lp := range m.GetLabel() {
					if lp.GetName() != "verdict" {
						continue
					}
					switch lp.GetValue() {
					case core.VerdictAccept.String():
						s.Accepted = val
					case core.VerdictDrop.String():
						s.Dropped = val
					}
				}
			case namespace + "_packets_filtered_total":
				s.Filtered = val
			case namespace + "_pool_overloads_total":
				s.Overloads = val
			case namespace + "_effect_errors_total":
				s.EffectErrors = val
			case namespace + "_retransmissions_total":
				s.Retransmissions = val
			case namespace + "_capture_drops_total":
				s.CaptureDrops = val
			case namespace + "_packets_inflight":
				s.InFlight = int64(m.GetGauge().GetValue())
			}
		}
	}
	return s, nil
}
