package effect

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/irctrakz/nfqfx/pkg/core"
)

// Latency holds every packet until a fixed delay has passed since intake.
type Latency struct {
	delay time.Duration
	clock clockwork.Clock

	holding  atomic.Int64
	released atomic.Uint64
	lastNs   atomic.Int64
	sumNs    atomic.Int64
}

// NewLatency creates a latency effect.
func NewLatency(delay time.Duration, clock clockwork.Clock) (*Latency, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("latency must be positive, got %s", delay)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Latency{delay: delay, clock: clock}, nil
}

// Name implements Variant
func (l *Latency) Name() string { return string(core.ModeLatency) }

// Apply waits out the remaining delay, then accepts. A cancelled context
// releases the packet immediately.
func (l *Latency) Apply(ctx context.Context, pkt *core.Packet) error {
	l.holding.Add(1)
	defer l.holding.Add(-1)

	if remaining := l.delay - l.clock.Since(pkt.Received()); remaining > 0 {
		select {
		case <-l.clock.After(remaining):
		case <-ctx.Done():
		}
	}

	elapsed := l.clock.Since(pkt.Received())
	l.lastNs.Store(int64(elapsed))
	l.sumNs.Add(int64(elapsed))
	l.released.Add(1)
	return pkt.Accept()
}

// Holding returns the number of packets currently delayed
func (l *Latency) Holding() int { return int(l.holding.Load()) }

// LastObserved returns the intake-to-verdict time of the latest packet.
func (l *Latency) LastObserved() time.Duration { return time.Duration(l.lastNs.Load()) }

// AverageObserved returns the mean intake-to-verdict time.
func (l *Latency) AverageObserved() time.Duration {
	n := l.released.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(l.sumNs.Load() / int64(n))
}

// Status implements Reporter
func (l *Latency) Status(RunStats) string {
	return fmt.Sprintf("Delay: %s | Holding: %d | Avg: %s",
		l.delay, l.Holding(), l.AverageObserved().Truncate(time.Microsecond))
}
