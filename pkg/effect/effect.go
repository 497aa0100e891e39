// Package effect implements the per-packet effects and the shared lifecycle
// every effect goes through before its verdict logic runs.
package effect

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/logging"
	"github.com/irctrakz/nfqfx/pkg/terminal"
)

// Variant is the verdict logic of one effect. Apply must eventually resolve
// pkt, either before returning or later from a background task.
type Variant interface {
	// Name identifies the effect in logs and status output
	Name() string

	// Apply decides the fate of pkt
	Apply(ctx context.Context, pkt *core.Packet) error
}

// Starter is implemented by variants with background tasks.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by variants holding packets. Stop runs after the
// Apply context is cancelled and must resolve every packet still held.
type Stopper interface {
	Stop() error
}

// Reporter is implemented by variants contributing to the status line.
type Reporter interface {
	Status(run RunStats) string
}

// Options configures the shared lifecycle.
type Options struct {
	// Tracking decodes TCP segments into the history.
	Tracking bool

	// HistoryCapacity bounds the history, 0 keeps everything.
	HistoryCapacity int

	// Status receives the live status line. Nil disables output.
	Status *terminal.StatusLine

	// Clock is the time source, the real clock when nil.
	Clock clockwork.Clock

	// OnRetransmission is called for every segment matching one already
	// in the history.
	OnRetransmission func(flow.Segment)

	// OnError is called for every failed or panicking Apply.
	OnError func(*core.EffectRuntimeError)
}

// RunStats is a snapshot of an effect's run state.
type RunStats struct {
	Start        time.Time
	Elapsed      time.Duration
	TotalPackets uint64
	Errors       uint64
	History      flow.HistoryStats
}

// runState is shared by every worker processing packets for the effect.
type runState struct {
	start   time.Time
	total   atomic.Uint64
	errors  atomic.Uint64
	history *flow.History
}

// Effect runs the shared per-packet lifecycle and delegates the verdict to
// its Variant.
type Effect struct {
	variant Variant
	opts    Options
	clock   clockwork.Clock
	state   runState
	log     *logrus.Entry
}

// New wraps a variant. A nil variant is rejected with
// core.ErrUnimplementedEffect.
func New(v Variant, opts Options) (*Effect, error) {
	if v == nil {
		return nil, fmt.Errorf("effect without verdict logic: %w", core.ErrUnimplementedEffect)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	e := &Effect{
		variant: v,
		opts:    opts,
		clock:   opts.Clock,
		log:     logging.Component("effect").WithField("effect", v.Name()),
	}
	e.state.start = opts.Clock.Now()
	e.state.history = flow.NewHistory(opts.HistoryCapacity)
	return e, nil
}

// Name returns the variant name
func (e *Effect) Name() string { return e.variant.Name() }

// Variant returns the wrapped verdict logic
func (e *Effect) Variant() Variant { return e.variant }

// History returns the segment history
func (e *Effect) History() *flow.History { return e.state.history }

// Start launches the variant's background tasks, if any.
func (e *Effect) Start(ctx context.Context) error {
	if s, ok := e.variant.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Stop lets the variant release whatever it still holds.
func (e *Effect) Stop() error {
	defer e.opts.Status.Done()
	if s, ok := e.variant.(Stopper); ok {
		if err := s.Stop(); err != nil {
			return fmt.Errorf("stop %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Process runs the lifecycle for one packet: track, count, display, then
// apply the variant. Failures are logged and the packet is accepted if the
// variant left it unresolved.
func (e *Effect) Process(ctx context.Context, pkt *core.Packet) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(pkt, fmt.Errorf("panic: %v", r))
		}
	}()

	if e.opts.Tracking {
		e.track(pkt)
	}
	e.state.total.Add(1)
	e.printStats()

	if err := e.variant.Apply(ctx, pkt); err != nil {
		e.fail(pkt, err)
	}
}

func (e *Effect) track(pkt *core.Packet) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("segment tracking panic: %v", r)
		}
	}()
	data := pkt.Data()
	if flow.Classify(data) != flow.ProtoTCP {
		return
	}
	seg, err := flow.Decode(data)
	if err != nil {
		e.log.WithError(err).Debug("skipping segment tracking")
		return
	}
	if e.state.history.Append(seg) && e.opts.OnRetransmission != nil {
		e.opts.OnRetransmission(seg)
	}
}

func (e *Effect) fail(pkt *core.Packet, err error) {
	e.state.errors.Add(1)
	rerr := &core.EffectRuntimeError{Effect: e.Name(), PacketID: pkt.ID(), Err: err}
	e.log.WithError(rerr).Error("effect failed")
	if e.opts.OnError != nil {
		e.opts.OnError(rerr)
	}
	if !pkt.Resolved() {
		if aerr := pkt.Accept(); aerr != nil {
			e.log.WithError(aerr).Error("fallback accept failed")
		}
	}
}

func (e *Effect) printStats() {
	if !e.opts.Status.Enabled() {
		return
	}
	e.opts.Status.Refresh(e.StatusLine())
}

// StatusLine renders the current status.
func (e *Effect) StatusLine() string {
	st := e.Stats()
	s := e.opts.Status
	parts := []string{
		fmt.Sprintf("%s %d", s.Label("Packets:"), st.TotalPackets),
		fmt.Sprintf("%s %s", s.Label("Elapsed:"), st.Elapsed.Truncate(time.Second)),
	}
	if e.opts.Tracking {
		parts = append(parts, fmt.Sprintf("%s %d", s.Label("Retransmissions:"), st.History.Retransmitted))
	}
	if r, ok := e.variant.(Reporter); ok {
		if extra := r.Status(st); extra != "" {
			parts = append(parts, extra)
		}
	}
	return "[" + e.Name() + "] " + strings.Join(parts, " | ")
}

// Stats returns a snapshot of the run state.
func (e *Effect) Stats() RunStats {
	return RunStats{
		Start:        e.state.start,
		Elapsed:      e.clock.Since(e.state.start),
		TotalPackets: e.state.total.Load(),
		Errors:       e.state.errors.Load(),
		History:      e.state.history.Stats(),
	}
}
