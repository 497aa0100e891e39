package flow

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/logging"
)

// HistoryStats is a snapshot of the tracker counters.
type HistoryStats struct {
	Len            int
	Capacity       int
	Appended       uint64
	Retransmitted  uint64
	Evicted        uint64
	RotationEpochs uint64
}

// History is the arrival-ordered log of decoded segments for one effect.
// With a positive capacity it is a ring: the oldest segment is evicted to
// make room and a warning is logged once per full rotation. A zero capacity
// keeps every segment.
type History struct {
	mu       sync.Mutex
	capacity int
	ring     []Segment
	head     int
	index    map[segmentKey]int

	appended      uint64
	retransmitted uint64
	evicted       uint64
	epochs        uint64

	log *logrus.Entry
}

// NewHistory creates a tracker bounded to capacity segments, 0 for unbounded.
func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	initial := capacity
	if initial == 0 || initial > 1024 {
		initial = 1024
	}
	return &History{
		capacity: capacity,
		ring:     make([]Segment, 0, initial),
		index:    make(map[segmentKey]int),
		log:      logging.Component("flow"),
	}
}

// Append records s and reports whether it matches a segment already in the
// history, i.e. a retransmission or duplicate.
func (h *History) Append(s Segment) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := s.key()
	dup := h.index[k] > 0
	if dup {
		h.retransmitted++
	}
	h.appended++

	if h.capacity > 0 && len(h.ring) == h.capacity {
		old := h.ring[h.head]
		h.forget(old.key())
		h.ring[h.head] = s
		h.head = (h.head + 1) % h.capacity
		h.evicted++
		if h.evicted%uint64(h.capacity) == 1 || h.capacity == 1 {
			h.epochs++
			h.log.WithFields(logrus.Fields{
				"capacity": h.capacity,
				"evicted":  h.evicted,
			}).Warn(fmt.Errorf("segment history full, rotating oldest entries: %w", core.ErrResourceExhausted))
		}
	} else {
		h.ring = append(h.ring, s)
	}
	h.index[k]++
	return dup
}

func (h *History) forget(k segmentKey) {
	if n := h.index[k]; n <= 1 {
		delete(h.index, k)
	} else {
		h.index[k] = n - 1
	}
}

// Contains reports whether a matching segment is in the history.
func (h *History) Contains(s Segment) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index[s.key()] > 0
}

// Len returns the number of retained segments
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

// Segments returns a copy of the retained segments, oldest first.
func (h *History) Segments() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Segment, len(h.ring))
	for i := range h.ring {
		out[i] = h.ring[(h.head+i)%len(h.ring)]
	}
	return out
}

// Last returns the most recent segment.
func (h *History) Last() (Segment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return Segment{}, false
	}
	i := len(h.ring) - 1
	if h.capacity > 0 && len(h.ring) == h.capacity {
		i = (h.head + h.capacity - 1) % h.capacity
	}
	return h.ring[i], true
}

// Stats returns the tracker counters
func (h *History) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HistoryStats{
		Len:            len(h.ring),
		Capacity:       h.capacity,
		Appended:       h.appended,
		Retransmitted:  h.retransmitted,
		Evicted:        h.evicted,
		RotationEpochs: h.epochs,
	}
}
