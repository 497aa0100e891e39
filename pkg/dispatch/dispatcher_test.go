package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/effect"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/metrics"
)

const waitFor = 2 * time.Second

type holdForever struct{}

func (holdForever) Name() string { return "hold" }

func (holdForever) Apply(context.Context, *core.Packet) error { return nil }

type recordingSink struct {
	mu   sync.Mutex
	seen [][]byte
}

func (r *recordingSink) Capture(data []byte, _ time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, data)
	return true
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func engineFor(t *testing.T, mode core.Mode, v effect.Variant, clock clockwork.Clock) *EngineContext {
	t.Helper()
	cfg := core.DefaultEffectConfig()
	cfg.Mode = mode
	var eff *effect.Effect
	if v != nil {
		var err error
		eff, err = effect.New(v, effect.Options{Tracking: true, Clock: clock})
		require.NoError(t, err)
	}
	ec := NewEngineContext(cfg, eff)
	ec.Clock = clock
	ec.Metrics = metrics.New(mode, ec.RunID)
	return ec
}

func startDispatcher(t *testing.T, ec *EngineContext, opts Options) *Dispatcher {
	t.Helper()
	d, err := New(ec, opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	return d
}

func tcpPayload(t *testing.T, seq uint32) []byte {
	t.Helper()
	b, err := flow.BuildTCP(flow.TCPParams{SrcPort: 40000, DstPort: 443, Seq: seq, Flags: flow.FlagACK})
	require.NoError(t, err)
	return b
}

func udpPayload(t *testing.T) []byte {
	t.Helper()
	b, err := flow.BuildUDP(nil, nil, 5353, 53, []byte("q"))
	require.NoError(t, err)
	return b
}

func TestNewRequiresEffectOutsideIgnore(t *testing.T) {
	_, err := New(engineFor(t, core.ModeLatency, nil, clockwork.NewFakeClock()), Options{})
	assert.True(t, errors.Is(err, core.ErrUnimplementedEffect))

	_, err = New(nil, Options{})
	assert.Error(t, err)
}

func TestIgnoreModeAcceptsEverything(t *testing.T) {
	ec := engineFor(t, core.ModeIgnore, nil, clockwork.NewFakeClock())
	d := startDispatcher(t, ec, Options{Workers: 2})

	hs := make([]*core.MockHandle, 10)
	for i := range hs {
		hs[i] = core.NewMockHandle(tcpPayload(t, uint32(i)), nil)
		require.NoError(t, d.Submit(hs[i]))
	}
	for _, h := range hs {
		assert.Equal(t, 1, h.Accepts())
	}
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 10.0, testutil.ToFloat64(ec.Metrics.Verdicts.WithLabelValues("accept")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ec.Metrics.InFlight))
}

func TestTargetFilterBypassesEffect(t *testing.T) {
	loss, err := effect.NewPacketLoss(100, 1)
	require.NoError(t, err)
	ec := engineFor(t, core.ModePacketLoss, loss, clockwork.NewFakeClock())
	ec.Config.Target = "udp"
	d := startDispatcher(t, ec, Options{Workers: 4, Overload: OverloadBlock})

	tcp := core.NewMockHandle(tcpPayload(t, 1), nil)
	require.NoError(t, d.Submit(tcp))
	assert.Equal(t, 1, tcp.Accepts())

	udp := core.NewMockHandle(udpPayload(t), nil)
	require.NoError(t, d.Submit(udp))
	select {
	case <-udp.Done():
	case <-time.After(waitFor):
		t.Fatal("udp packet not resolved")
	}
	assert.Equal(t, 1, udp.Drops())

	require.NoError(t, d.Stop(context.Background()))
	st := d.Stats()
	assert.Equal(t, uint64(2), st.Submitted)
	assert.Equal(t, uint64(1), st.Filtered)
	assert.Equal(t, uint64(1), ec.Effect.Stats().TotalPackets)
	assert.Equal(t, 1.0, testutil.ToFloat64(ec.Metrics.Filtered))
}

func TestCaptureSeesEverySubmit(t *testing.T) {
	ec := engineFor(t, core.ModeIgnore, nil, clockwork.NewFakeClock())
	ec.Config.Target = "TCP"
	sink := &recordingSink{}
	ec.Capture = sink
	d := startDispatcher(t, ec, Options{})

	require.NoError(t, d.Submit(core.NewMockHandle(tcpPayload(t, 1), nil)))
	require.NoError(t, d.Submit(core.NewMockHandle(udpPayload(t), nil)))
	assert.Equal(t, 2, sink.count())
	require.NoError(t, d.Stop(context.Background()))
}

// saturate occupies the single worker with first and leaves one packet in
// the queue, so the next Submit finds the queue full.
func saturate(t *testing.T, d *Dispatcher, clock clockwork.Clock, effectClock clockwork.FakeClock) []*core.MockHandle {
	t.Helper()
	first := core.NewMockHandle(tcpPayload(t, 1), clock.Now)
	require.NoError(t, d.Submit(first))
	effectClock.BlockUntil(1)

	second := core.NewMockHandle(tcpPayload(t, 2), clock.Now)
	require.NoError(t, d.Submit(second))
	require.Eventually(t, func() bool { return d.Stats().Queued == 0 }, waitFor, time.Millisecond)

	third := core.NewMockHandle(tcpPayload(t, 3), clock.Now)
	require.NoError(t, d.Submit(third))
	assert.Equal(t, 1, d.Stats().Queued)
	return []*core.MockHandle{first, second, third}
}

func TestBurstReachesEffect(t *testing.T) {
	loss, err := effect.NewPacketLoss(100, 1)
	require.NoError(t, err)
	ec := engineFor(t, core.ModePacketLoss, loss, clockwork.NewRealClock())
	d := startDispatcher(t, ec, Options{Workers: 8, Overload: OverloadAccept})

	const total = 2000
	payload := tcpPayload(t, 1)
	hs := make([]*core.MockHandle, total)
	for i := range hs {
		hs[i] = core.NewMockHandle(payload, nil)
		require.NoError(t, d.Submit(hs[i]))
	}
	for i, h := range hs {
		select {
		case <-h.Done():
		case <-time.After(waitFor):
			t.Fatalf("packet %d not resolved", i)
		}
	}
	require.NoError(t, d.Stop(context.Background()))

	accepted := 0
	for _, h := range hs {
		accepted += h.Accepts()
		assert.Equal(t, 1, h.Calls())
	}
	assert.Equal(t, 0, accepted)
	assert.Equal(t, uint64(0), d.Stats().Overloads)
	assert.Equal(t, uint64(total), ec.Effect.Stats().TotalPackets)
	assert.Equal(t, float64(total), testutil.ToFloat64(ec.Metrics.Verdicts.WithLabelValues("drop")))
}

func TestOverloadAcceptsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lat, err := effect.NewLatency(time.Second, clock)
	require.NoError(t, err)
	ec := engineFor(t, core.ModeLatency, lat, clock)
	d := startDispatcher(t, ec, Options{Workers: 1, QueueLen: 1, Overload: OverloadAccept})

	held := saturate(t, d, clock, clock)
	over := core.NewMockHandle(tcpPayload(t, 4), clock.Now)
	require.NoError(t, d.Submit(over))
	assert.Equal(t, 1, over.Accepts())
	for _, h := range held {
		assert.Equal(t, 0, h.Calls())
	}
	assert.Equal(t, uint64(1), d.Stats().Overloads)
	assert.Equal(t, 1.0, testutil.ToFloat64(ec.Metrics.Overloads))

	clock.Advance(time.Second)
	for _, h := range held {
		select {
		case <-h.Done():
		case <-time.After(waitFor):
			t.Fatal("delayed packet not released")
		}
		assert.Equal(t, 1, h.Accepts())
	}
	require.NoError(t, d.Stop(context.Background()))
}

func TestOverloadBlockWaitsForWorker(t *testing.T) {
	lat, err := effect.NewLatency(30*time.Millisecond, nil)
	require.NoError(t, err)
	ec := engineFor(t, core.ModeLatency, lat, clockwork.NewRealClock())
	d := startDispatcher(t, ec, Options{Workers: 1, Overload: OverloadBlock, BlockTimeout: 5 * time.Second})

	first := core.NewMockHandle(tcpPayload(t, 1), nil)
	second := core.NewMockHandle(tcpPayload(t, 2), nil)
	require.NoError(t, d.Submit(first))
	require.NoError(t, d.Submit(second))

	select {
	case <-second.Done():
	case <-time.After(waitFor):
		t.Fatal("blocked packet not processed")
	}
	assert.Equal(t, 1, first.Accepts())
	assert.Equal(t, 1, second.Accepts())
	assert.Equal(t, uint64(0), d.Stats().Overloads)
	assert.Equal(t, uint64(2), ec.Effect.Stats().TotalPackets)
	require.NoError(t, d.Stop(context.Background()))
}

func TestOverloadBlockTimesOut(t *testing.T) {
	effectClock := clockwork.NewFakeClock()
	lat, err := effect.NewLatency(time.Hour, effectClock)
	require.NoError(t, err)
	ec := engineFor(t, core.ModeLatency, lat, effectClock)
	ec.Clock = clockwork.NewRealClock()
	d := startDispatcher(t, ec, Options{Workers: 1, QueueLen: 1, Overload: OverloadBlock, BlockTimeout: 20 * time.Millisecond})

	held := saturate(t, d, ec.Clock, effectClock)
	over := core.NewMockHandle(tcpPayload(t, 4), nil)
	start := time.Now()
	require.NoError(t, d.Submit(over))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, over.Accepts())
	assert.Equal(t, uint64(1), d.Stats().Overloads)

	require.NoError(t, d.Stop(context.Background()))
	for _, h := range held {
		assert.Equal(t, 1, h.Accepts())
	}
}

func TestOverloadBlockFollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lat, err := effect.NewLatency(time.Hour, clock)
	require.NoError(t, err)
	ec := engineFor(t, core.ModeLatency, lat, clock)
	d := startDispatcher(t, ec, Options{Workers: 1, QueueLen: 1, Overload: OverloadBlock, BlockTimeout: time.Second})

	held := saturate(t, d, clock, clock)
	over := core.NewMockHandle(tcpPayload(t, 4), clock.Now)
	submitted := make(chan error, 1)
	go func() { submitted <- d.Submit(over) }()

	clock.BlockUntil(2)
	assert.Equal(t, 0, over.Calls())
	clock.Advance(time.Second)
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("blocked submit did not time out")
	}
	assert.Equal(t, 1, over.Accepts())
	assert.Equal(t, uint64(1), d.Stats().Overloads)

	require.NoError(t, d.Stop(context.Background()))
	for _, h := range held {
		assert.Equal(t, 1, h.Accepts())
	}
}

func TestStopDrainsSurge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	surge, err := effect.NewSurge(time.Hour, 0, clock)
	require.NoError(t, err)
	ec := engineFor(t, core.ModeSurge, surge, clock)
	d := startDispatcher(t, ec, Options{Workers: 8, Overload: OverloadBlock})

	hs := make([]*core.MockHandle, 50)
	for i := range hs {
		hs[i] = core.NewMockHandle(tcpPayload(t, uint32(i)), clock.Now)
		require.NoError(t, d.Submit(hs[i]))
	}
	require.NoError(t, d.Stop(context.Background()))
	for _, h := range hs {
		assert.Equal(t, 1, h.Calls())
		assert.Equal(t, 1, h.Accepts())
	}
	assert.Equal(t, 0, d.Stats().InFlight)

	late := core.NewMockHandle(tcpPayload(t, 99), clock.Now)
	require.NoError(t, d.Submit(late))
	assert.Equal(t, 1, late.Accepts())
}

func TestStopForcesUnresolved(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ec := engineFor(t, core.ModePrint, holdForever{}, clock)
	d := startDispatcher(t, ec, Options{Workers: 2, Overload: OverloadBlock})

	hs := make([]*core.MockHandle, 5)
	for i := range hs {
		hs[i] = core.NewMockHandle(nil, clock.Now)
		require.NoError(t, d.Submit(hs[i]))
	}
	err := d.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnresolvedOnExit))
	assert.Contains(t, err.Error(), "5 packets")
	for _, h := range hs {
		assert.Equal(t, 1, h.Accepts())
	}
	assert.NoError(t, d.Stop(context.Background()))
}

func TestSubmitBeforeStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, err := New(engineFor(t, core.ModePrint, effect.NewPassThrough(nil), clock), Options{})
	require.NoError(t, err)
	h := core.NewMockHandle(nil, nil)
	assert.ErrorIs(t, d.Submit(h), ErrNotStarted)
	assert.Equal(t, 1, h.Accepts())
	require.NoError(t, d.Stop(context.Background()))
}

func TestConcurrentWorkersCountEveryPacket(t *testing.T) {
	ec := engineFor(t, core.ModePrint, effect.NewPassThrough(nil), clockwork.NewRealClock())
	d := startDispatcher(t, ec, Options{Workers: 16, Overload: OverloadBlock, BlockTimeout: 10 * time.Second})

	const total = 1000
	hs := make([]*core.MockHandle, total)
	for i := range hs {
		var data []byte
		if i%3 == 0 {
			data = udpPayload(t)
		} else {
			data = tcpPayload(t, uint32(i))
		}
		hs[i] = core.NewMockHandle(data, nil)
		require.NoError(t, d.Submit(hs[i]))
	}
	require.NoError(t, d.Stop(context.Background()))

	for _, h := range hs {
		assert.Equal(t, 1, h.Accepts())
	}
	assert.Equal(t, uint64(total), ec.Effect.Stats().TotalPackets)
	assert.Equal(t, float64(total), testutil.ToFloat64(ec.Metrics.PacketsSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(ec.Metrics.InFlight))
}

func TestParseOverloadPolicy(t *testing.T) {
	p, err := ParseOverloadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverloadAccept, p)
	p, err = ParseOverloadPolicy(" BLOCK ")
	require.NoError(t, err)
	assert.Equal(t, OverloadBlock, p)
	_, err = ParseOverloadPolicy("drop")
	assert.Error(t, err)
}
