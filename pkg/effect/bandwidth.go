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

const monitorBuckets = 10

// BandwidthMonitor accepts everything and measures throughput over a
// sliding window split into fixed buckets.
type BandwidthMonitor struct {
	window time.Duration
	width  time.Duration
	clock  clockwork.Clock

	mu     sync.Mutex
	bytes  [monitorBuckets]int64
	epochs [monitorBuckets]int64

	total atomic.Uint64
	peak  atomic.Uint64
}

// NewBandwidthMonitor creates a monitor over window, one second when zero.
func NewBandwidthMonitor(window time.Duration, clock clockwork.Clock) *BandwidthMonitor {
	if window <= 0 {
		window = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	width := window / monitorBuckets
	if width <= 0 {
		width = 1
	}
	m := &BandwidthMonitor{window: window, width: width, clock: clock}
	for i := range m.epochs {
		m.epochs[i] = -1
	}
	return m
}

// Name implements Variant
func (m *BandwidthMonitor) Name() string { return string(core.ModeDisplayBandwidth) }

// Apply implements Variant
func (m *BandwidthMonitor) Apply(_ context.Context, pkt *core.Packet) error {
	m.add(int64(pkt.Length()), m.clock.Now())
	m.raisePeak(uint64(m.Rate()))
	return pkt.Accept()
}

func (m *BandwidthMonitor) raisePeak(rate uint64) {
	for {
		cur := m.peak.Load()
		if rate <= cur || m.peak.CompareAndSwap(cur, rate) {
			return
		}
	}
}

// Peak returns the highest rate seen, in bytes per second
func (m *BandwidthMonitor) Peak() uint64 { return m.peak.Load() }

func (m *BandwidthMonitor) add(n int64, now time.Time) {
	epoch := now.UnixNano() / int64(m.width)
	slot := epoch % monitorBuckets
	m.mu.Lock()
	if m.epochs[slot] != epoch {
		m.epochs[slot] = epoch
		m.bytes[slot] = 0
	}
	m.bytes[slot] += n
	m.mu.Unlock()
	m.total.Add(uint64(n))
}

// Rate returns the throughput over the window in bytes per second.
func (m *BandwidthMonitor) Rate() float64 {
	epoch := m.clock.Now().UnixNano() / int64(m.width)
	var sum int64
	m.mu.Lock()
	for i := range m.bytes {
		if age := epoch - m.epochs[i]; m.epochs[i] >= 0 && age >= 0 && age < monitorBuckets {
			sum += m.bytes[i]
		}
	}
	m.mu.Unlock()
	return float64(sum) / m.window.Seconds()
}

// TotalBytes returns the bytes seen since start
func (m *BandwidthMonitor) TotalBytes() uint64 { return m.total.Load() }

// Status implements Reporter
func (m *BandwidthMonitor) Status(RunStats) string {
	return fmt.Sprintf("Bandwidth: %s/s | Peak: %s/s | Total: %s",
		FormatBytes(m.Rate()), FormatBytes(float64(m.peak.Load())), FormatBytes(float64(m.TotalBytes())))
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n float64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for n >= 1024 && i < len(units)-1 {
		n /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", n, units[i])
	}
	return fmt.Sprintf("%.2f %s", n, units[i])
}
