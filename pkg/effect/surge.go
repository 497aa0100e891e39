package effect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/logging"
)

// Surge buffers packets and releases them as one burst once the buffering
// period has elapsed. Buffering begins with the first packet entering an
// empty buffer.
type Surge struct {
	period      time.Duration
	tick        time.Duration
	maxBuffered int
	onFIN       bool
	clock       clockwork.Clock

	mu      sync.Mutex
	buffer  []*core.Packet
	began   time.Time
	stopped bool

	ticker clockwork.Ticker
	cancel context.CancelFunc
	done   chan struct{}

	batches  atomic.Uint64
	released atomic.Uint64
	forced   atomic.Uint64

	log *logrus.Entry
}

// NewSurge creates a surge effect. maxBuffered bounds the buffer; reaching
// it releases the batch early. Zero means unbounded.
func NewSurge(period time.Duration, maxBuffered int, clock clockwork.Clock) (*Surge, error) {
	if period <= 0 {
		return nil, fmt.Errorf("surge period must be positive, got %s", period)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tick := period / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return &Surge{
		period:      period,
		tick:        tick,
		maxBuffered: maxBuffered,
		clock:       clock,
		log:         logging.Component("effect").WithField("effect", string(core.ModeSurge)),
	}, nil
}

// Name implements Variant
func (s *Surge) Name() string { return string(core.ModeSurge) }

// SetReleaseOnFIN makes a TCP FIN flush the buffer, FIN included, without
// waiting for the period to end.
func (s *Surge) SetReleaseOnFIN(enabled bool) {
	s.mu.Lock()
	s.onFIN = enabled
	s.mu.Unlock()
}

// Start launches the release monitor. The ticker exists once Start returns.
func (s *Surge) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("surge monitor already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = s.clock.NewTicker(s.tick)
	s.done = make(chan struct{})
	go s.monitor(ctx, s.ticker, s.done)
	return nil
}

func (s *Surge) monitor(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.release(s.take())
			return
		case <-ticker.Chan():
			s.expire()
		}
	}
}

// Apply buffers pkt. After Stop packets are accepted directly.
func (s *Surge) Apply(_ context.Context, pkt *core.Packet) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return pkt.Accept()
	}
	if len(s.buffer) == 0 {
		s.began = s.clock.Now()
	}
	s.buffer = append(s.buffer, pkt)
	var batch []*core.Packet
	full := s.maxBuffered > 0 && len(s.buffer) >= s.maxBuffered
	if full || (s.onFIN && isFIN(pkt.Data())) {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	if full {
		s.forced.Add(1)
		s.log.WithField("buffered", len(batch)).
			Warn(fmt.Errorf("surge buffer full, releasing early: %w", core.ErrResourceExhausted))
	}
	s.release(batch)
	return nil
}

func isFIN(data []byte) bool {
	if flow.Classify(data) != flow.ProtoTCP {
		return false
	}
	seg, err := flow.Decode(data)
	return err == nil && seg.HasFlag("FIN")
}

func (s *Surge) expire() {
	s.mu.Lock()
	var batch []*core.Packet
	if len(s.buffer) > 0 && s.clock.Since(s.began) >= s.period {
		batch = s.takeLocked()
	}
	s.mu.Unlock()
	s.release(batch)
}

func (s *Surge) take() []*core.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked()
}

func (s *Surge) takeLocked() []*core.Packet {
	batch := s.buffer
	s.buffer = nil
	s.began = time.Time{}
	return batch
}

func (s *Surge) release(batch []*core.Packet) {
	if len(batch) == 0 {
		return
	}
	for _, pkt := range batch {
		if err := pkt.Accept(); err != nil {
			s.log.WithError(err).WithField("packet", pkt.ID()).Error("surge release failed")
		}
	}
	s.batches.Add(1)
	s.released.Add(uint64(len(batch)))
	s.log.WithField("packets", len(batch)).Debug("surge released")
}

// Stop waits for the monitor to exit and accepts anything still buffered.
func (s *Surge) Stop() error {
	s.mu.Lock()
	s.stopped = true
	done, cancel := s.done, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.release(s.take())
	return nil
}

// Buffered returns the number of held packets
func (s *Surge) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Batches returns the number of released bursts
func (s *Surge) Batches() uint64 { return s.batches.Load() }

// Status implements Reporter
func (s *Surge) Status(RunStats) string {
	s.mu.Lock()
	n := len(s.buffer)
	var next time.Duration
	if n > 0 {
		next = s.period - s.clock.Since(s.began)
		if next < 0 {
			next = 0
		}
	}
	s.mu.Unlock()
	return fmt.Sprintf("Period: %s | Buffered: %d | Next burst: %s | Bursts: %d",
		s.period, n, next.Truncate(time.Millisecond), s.batches.Load())
}
