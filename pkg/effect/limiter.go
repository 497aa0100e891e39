package effect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/irctrakz/nfqfx/pkg/core"
)

// BandwidthLimiter shapes traffic to a byte budget per fixed interval.
// Packets that do not fit wait for a later interval; none are dropped.
// Waiting packets are admitted in arrival order and newcomers queue behind
// them. A packet larger than the whole budget is admitted alone into an
// empty interval so it cannot wait forever.
type BandwidthLimiter struct {
	budget   int64
	interval time.Duration
	clock    clockwork.Clock

	mu          sync.Mutex
	windowStart time.Time
	used        int64
	waiters     []*limiterWaiter

	delayed  atomic.Uint64
	accepted atomic.Uint64

	// observe, when set, sees every admission with its interval start.
	observe func(window time.Time, size int64)
}

// limiterWaiter is a queued packet. wake is signalled when it reaches the
// head of the queue.
type limiterWaiter struct {
	size int64
	wake chan struct{}
}

// NewBandwidthLimiter allows budget bytes per interval.
func NewBandwidthLimiter(budget int64, interval time.Duration, clock clockwork.Clock) (*BandwidthLimiter, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", budget)
	}
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BandwidthLimiter{budget: budget, interval: interval, clock: clock}, nil
}

// Name implements Variant
func (l *BandwidthLimiter) Name() string { return string(core.ModeRateLimit) }

// Apply admits pkt into the current interval or queues it for a later one.
// A cancelled context admits it immediately.
func (l *BandwidthLimiter) Apply(ctx context.Context, pkt *core.Packet) error {
	size := int64(pkt.Length())

	l.mu.Lock()
	l.rollLocked(l.clock.Now())
	if len(l.waiters) == 0 && l.fitsLocked(size) {
		l.reserveLocked(size)
		l.mu.Unlock()
		return l.accept(pkt, size)
	}
	w := &limiterWaiter{size: size, wake: make(chan struct{}, 1)}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	l.delayed.Add(1)

	for {
		wait, head, ok := l.tryHead(w)
		if ok {
			return l.accept(pkt, size)
		}
		var ready <-chan time.Time
		if head {
			ready = l.clock.After(wait)
		}
		select {
		case <-ready:
		case <-w.wake:
		case <-ctx.Done():
			l.remove(w)
			return pkt.Accept()
		}
	}
}

func (l *BandwidthLimiter) accept(pkt *core.Packet, size int64) error {
	l.accepted.Add(uint64(size))
	return pkt.Accept()
}

// tryHead admits w if it heads the queue and fits. Otherwise it reports
// whether w is the head and how long until the next interval.
func (l *BandwidthLimiter) tryHead(w *limiterWaiter) (time.Duration, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiters[0] != w {
		return 0, false, false
	}
	select {
	case <-w.wake:
	default:
	}
	now := l.clock.Now()
	l.rollLocked(now)
	if l.fitsLocked(w.size) {
		l.reserveLocked(w.size)
		l.popLocked()
		return 0, true, true
	}
	return l.windowStart.Add(l.interval).Sub(now), true, false
}

func (l *BandwidthLimiter) fitsLocked(size int64) bool {
	return l.used+size <= l.budget || (l.used == 0 && size > l.budget)
}

func (l *BandwidthLimiter) reserveLocked(size int64) {
	l.used += size
	if l.observe != nil {
		l.observe(l.windowStart, size)
	}
}

// popLocked removes the head and wakes its successor.
func (l *BandwidthLimiter) popLocked() {
	l.waiters[0] = nil
	l.waiters = l.waiters[1:]
	if len(l.waiters) > 0 {
		select {
		case l.waiters[0].wake <- struct{}{}:
		default:
		}
	}
}

func (l *BandwidthLimiter) remove(w *limiterWaiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.waiters {
		if q != w {
			continue
		}
		if i == 0 {
			l.popLocked()
			return
		}
		l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
		return
	}
}

func (l *BandwidthLimiter) rollLocked(now time.Time) {
	if l.windowStart.IsZero() {
		l.windowStart = now
		return
	}
	if elapsed := now.Sub(l.windowStart); elapsed >= l.interval {
		l.windowStart = l.windowStart.Add(elapsed / l.interval * l.interval)
		l.used = 0
	}
}

// Delayed returns the number of packets that had to wait
func (l *BandwidthLimiter) Delayed() uint64 { return l.delayed.Load() }

// Waiting returns the number of packets currently queued
func (l *BandwidthLimiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Status implements Reporter
func (l *BandwidthLimiter) Status(RunStats) string {
	l.mu.Lock()
	used := l.used
	l.mu.Unlock()
	return fmt.Sprintf("Limit: %s/%s | Used: %s | Waiting: %d | Delayed: %d",
		FormatBytes(float64(l.budget)), l.interval, FormatBytes(float64(used)), l.Waiting(), l.Delayed())
}
