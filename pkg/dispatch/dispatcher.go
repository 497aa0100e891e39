// Package dispatch moves packets from the serial verdict source onto a
// bounded worker pool running the active effect.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/effect"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/logging"
	"github.com/irctrakz/nfqfx/pkg/metrics"
)

// OverloadPolicy decides what happens to a packet when the work queue is full.
type OverloadPolicy string

const (
	// OverloadAccept accepts the packet immediately, bypassing the effect.
	OverloadAccept OverloadPolicy = "accept"

	// OverloadBlock waits for queue space until BlockTimeout passes, then
	// accepts.
	OverloadBlock OverloadPolicy = "block"
)

// ParseOverloadPolicy parses a policy name, empty meaning accept.
func ParseOverloadPolicy(s string) (OverloadPolicy, error) {
	switch p := OverloadPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", OverloadAccept:
		return OverloadAccept, nil
	case OverloadBlock:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overload policy %q", s)
	}
}

const (
	DefaultWorkers      = 256
	DefaultQueueLen     = 4096
	DefaultBlockTimeout = time.Second
)

// ErrNotStarted is returned by Submit before Start.
var ErrNotStarted = errors.New("dispatcher not started")

// CaptureSink receives a copy of every submitted datagram.
type CaptureSink interface {
	Capture(data []byte, ts time.Time) bool
}

// EngineContext carries everything one engine run shares between the
// verdict source, the workers and the effect.
type EngineContext struct {
	RunID   string
	Config  core.EffectConfig
	Effect  *effect.Effect
	Clock   clockwork.Clock
	Capture CaptureSink
	Metrics *metrics.Engine
}

// NewEngineContext creates a context with a fresh run id and the real clock.
func NewEngineContext(cfg core.EffectConfig, eff *effect.Effect) *EngineContext {
	return &EngineContext{
		RunID:  uuid.NewString(),
		Config: cfg,
		Effect: eff,
		Clock:  clockwork.NewRealClock(),
	}
}

// Options configures the work queue and the worker pool.
type Options struct {
	Workers      int
	QueueLen     int
	Overload     OverloadPolicy
	BlockTimeout time.Duration
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted uint64
	Filtered  uint64
	Overloads uint64
	InFlight  int
	Queued    int
	Running   int
}

// Dispatcher wraps verdict source handles into packets and runs the effect
// on them concurrently.
type Dispatcher struct {
	ec   *EngineContext
	opts Options
	pool  *ants.PoolWithFunc
	queue chan *core.Packet
	quit  chan struct{}
	log   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping bool
	inflight map[uint64]*core.Packet
	tasks    sync.WaitGroup

	nextID    atomic.Uint64
	submitted atomic.Uint64
	filtered  atomic.Uint64
	overloads atomic.Uint64
}

// New creates a dispatcher. Only ignore mode may run without an effect.
func New(ec *EngineContext, opts Options) (*Dispatcher, error) {
	if ec == nil {
		return nil, errors.New("dispatch: nil engine context")
	}
	if ec.Effect == nil && ec.Config.Mode != core.ModeIgnore {
		return nil, fmt.Errorf("mode %s without effect: %w", ec.Config.Mode, core.ErrUnimplementedEffect)
	}
	if ec.Clock == nil {
		ec.Clock = clockwork.NewRealClock()
	}
	if ec.RunID == "" {
		ec.RunID = uuid.NewString()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = DefaultQueueLen
	}
	if opts.Overload == "" {
		opts.Overload = OverloadAccept
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}

	d := &Dispatcher{
		ec:       ec,
		opts:     opts,
		inflight: make(map[uint64]*core.Packet),
		queue:    make(chan *core.Packet, opts.QueueLen),
		quit:     make(chan struct{}),
		log: logging.Component("dispatch").WithFields(logrus.Fields{
			"run_id": ec.RunID,
			"mode":   string(ec.Config.Mode),
		}),
	}
	pool, err := ants.NewPoolWithFunc(opts.Workers, d.work,
		ants.WithNonblocking(false),
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(r interface{}) {
			d.log.Errorf("worker panic: %v", r)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Context returns the engine context
func (d *Dispatcher) Context() *EngineContext { return d.ec }

// Start starts the effect's background tasks. ctx bounds every Apply.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	if d.ec.Effect != nil {
		if err := d.ec.Effect.Start(d.ctx); err != nil {
			d.cancel()
			return err
		}
	}
	d.started = true
	go d.feed()
	d.log.WithFields(logrus.Fields{
		"workers":  d.opts.Workers,
		"queue":    d.opts.QueueLen,
		"overload": string(d.opts.Overload),
		"target":   d.ec.Config.Target,
	}).Info("dispatcher started")
	return nil
}

// Submit takes one packet from the verdict source. It never blocks longer
// than BlockTimeout, and every handle gets exactly one verdict.
func (d *Dispatcher) Submit(h core.Handle) error {
	pkt := core.NewPacket(d.nextID.Add(1), h, d.ec.Clock.Now())
	d.submitted.Add(1)
	d.ec.Metrics.Submitted()
	pkt.OnResolved(d.resolved)

	if d.ec.Capture != nil {
		d.ec.Capture.Capture(pkt.Data(), pkt.Received())
	}

	if !d.ec.Config.TargetsAll() && !flow.Classify(pkt.Data()).Matches(d.ec.Config.Target) {
		d.filtered.Add(1)
		d.ec.Metrics.Filter()
		return pkt.Accept()
	}
	if d.ec.Effect == nil {
		return pkt.Accept()
	}

	d.mu.Lock()
	if !d.started || d.stopping {
		started := d.started
		d.mu.Unlock()
		err := pkt.Accept()
		if !started {
			return ErrNotStarted
		}
		return err
	}
	d.inflight[pkt.ID()] = pkt
	d.tasks.Add(1)
	d.mu.Unlock()

	if d.enqueue(pkt) {
		return nil
	}

	d.tasks.Done()
	n := d.overloads.Add(1)
	d.ec.Metrics.Overload()
	if n&(n-1) == 0 {
		d.log.WithField("overloads", n).
			Warn(fmt.Errorf("work queue full, accepting: %w", core.ErrResourceExhausted))
	}
	return pkt.Accept()
}

// enqueue hands pkt to the feeder, waiting for space only under the block
// policy.
func (d *Dispatcher) enqueue(pkt *core.Packet) bool {
	select {
	case d.queue <- pkt:
		return true
	default:
	}
	if d.opts.Overload != OverloadBlock {
		return false
	}
	timer := d.ec.Clock.NewTimer(d.opts.BlockTimeout)
	defer timer.Stop()
	select {
	case d.queue <- pkt:
		return true
	case <-timer.Chan():
		return false
	case <-d.ctx.Done():
		return false
	}
}

// feed moves queued packets onto the pool, waiting for a free worker. It
// keeps running after cancellation so queued packets still reach the
// effect, and exits once Stop has drained the queue.
func (d *Dispatcher) feed() {
	for {
		select {
		case pkt := <-d.queue:
			if err := d.pool.Invoke(pkt); err != nil {
				d.tasks.Done()
				d.log.WithError(err).Error("submit to worker pool failed")
				_ = pkt.Accept()
			}
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) work(arg interface{}) {
	defer d.tasks.Done()
	pkt := arg.(*core.Packet)
	d.ec.Effect.Process(d.ctx, pkt)
}

func (d *Dispatcher) resolved(pkt *core.Packet, v core.Verdict) {
	d.mu.Lock()
	delete(d.inflight, pkt.ID())
	d.mu.Unlock()
	d.ec.Metrics.Resolved(v)
}

// Stop shuts the engine down: new packets are accepted directly, the
// effect is cancelled and drained, workers are awaited and anything still
// unresolved is accepted. The latter case is reported as
// core.ErrUnresolvedOnExit.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	started := d.started
	d.mu.Unlock()

	if started {
		d.cancel()
		if d.ec.Effect != nil {
			if err := d.ec.Effect.Stop(); err != nil {
				d.log.WithError(err).Error("effect stop failed")
			}
		}
	}

	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.WithError(ctx.Err()).Warn("workers still busy at shutdown")
	}
	close(d.quit)
	d.pool.Release()

	d.mu.Lock()
	left := make([]*core.Packet, 0, len(d.inflight))
	for _, pkt := range d.inflight {
		left = append(left, pkt)
	}
	d.mu.Unlock()

	forced := 0
	for _, pkt := range left {
		if err := pkt.Accept(); err == nil {
			forced++
		}
	}
	st := d.Stats()
	d.log.WithFields(logrus.Fields{
		"submitted": st.Submitted,
		"filtered":  st.Filtered,
		"overloads": st.Overloads,
		"forced":    forced,
	}).Info("dispatcher stopped")
	if forced > 0 {
		return fmt.Errorf("%d packets: %w", forced, core.ErrUnresolvedOnExit)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	n := len(d.inflight)
	d.mu.Unlock()
	return Stats{
		Submitted: d.submitted.Load(),
		Filtered:  d.filtered.Load(),
		Overloads: d.overloads.Load(),
		InFlight:  n,
		Queued:    len(d.queue),
		Running:   d.pool.Running(),
	}
}
