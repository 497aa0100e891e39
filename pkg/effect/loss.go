package effect

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/nfqfx/pkg/core"
)

// PacketLoss drops each packet independently with a fixed probability.
type PacketLoss struct {
	percent float64

	mu  sync.Mutex
	rng *rand.Rand

	seen    atomic.Uint64
	dropped atomic.Uint64
}

// NewPacketLoss creates a loss effect dropping percent% of packets. The
// same seed yields the same drop sequence.
func NewPacketLoss(percent float64, seed int64) (*PacketLoss, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("packet loss must be within [0,100], got %g", percent)
	}
	return &PacketLoss{percent: percent, rng: rand.New(rand.NewSource(seed))}, nil
}

// Name implements Variant
func (l *PacketLoss) Name() string { return string(core.ModePacketLoss) }

// Apply implements Variant
func (l *PacketLoss) Apply(_ context.Context, pkt *core.Packet) error {
	l.seen.Add(1)
	if l.shouldDrop() {
		l.dropped.Add(1)
		return pkt.Drop()
	}
	return pkt.Accept()
}

func (l *PacketLoss) shouldDrop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()*100 < l.percent
}

// Dropped returns the number of dropped packets
func (l *PacketLoss) Dropped() uint64 { return l.dropped.Load() }

// Status implements Reporter
func (l *PacketLoss) Status(RunStats) string {
	seen, dropped := l.seen.Load(), l.dropped.Load()
	rate := 0.0
	if seen > 0 {
		rate = float64(dropped) / float64(seen) * 100
	}
	return fmt.Sprintf("Target: %g%% | Dropped: %d (%.2f%%)", l.percent, dropped, rate)
}
