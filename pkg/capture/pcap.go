// Package capture tees intercepted datagrams into a pcap file (LINKTYPE_RAW)
// without ever delaying the packet path.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/logging"
)

const (
	// DefaultQueueLen bounds records waiting for the writer.
	DefaultQueueLen = 4096

	snapLen = 65535
)

// ErrClosed is returned when capturing into a closed sink.
var ErrClosed = errors.New("capture sink closed")

type record struct {
	ts   time.Time
	data []byte
}

// Sink writes records from a bounded queue on its own goroutine. A full
// queue drops the record, never the packet.
type Sink struct {
	records chan record
	buf     *bufio.Writer
	w       *pcapgo.Writer
	closer  io.Closer

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	err    error

	written atomic.Uint64
	dropped atomic.Uint64
	onDrop  func()

	log *logrus.Entry
}

// Options configures a Sink.
type Options struct {
	// QueueLen bounds pending records, DefaultQueueLen when zero.
	QueueLen int

	// OnDrop is called for every record lost to a full queue.
	OnDrop func()
}

// Create opens path for writing and starts a sink on it.
func Create(path string, opts Options) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	s, err := NewSink(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.log = s.log.WithField("path", path)
	return s, nil
}

// NewSink writes the pcap file header to w and starts the writer. w is
// closed by Close when it implements io.Closer.
func NewSink(w io.Writer, opts Options) (*Sink, error) {
	if opts.QueueLen <= 0 {
		opts.QueueLen = DefaultQueueLen
	}
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	s := &Sink{
		records: make(chan record, opts.QueueLen),
		buf:     buf,
		w:       pw,
		done:    make(chan struct{}),
		onDrop:  opts.OnDrop,
		log:     logging.Component("capture"),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	go s.run()
	return s, nil
}

// Capture queues a copy of data stamped with ts. It reports whether the
// record was queued.
func (s *Sink) Capture(data []byte, ts time.Time) bool {
	if s == nil || len(data) == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	rec := record{ts: ts, data: append([]byte(nil), data...)}
	select {
	case s.records <- rec:
		return true
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn("capture queue full, dropping records")
		}
		if s.onDrop != nil {
			s.onDrop()
		}
		return false
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.records {
		if s.err != nil {
			continue
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     rec.ts,
			CaptureLength: len(rec.data),
			Length:        len(rec.data),
		}
		if len(rec.data) > snapLen {
			ci.CaptureLength = snapLen
			rec.data = rec.data[:snapLen]
		}
		if err := s.w.WritePacket(ci, rec.data); err != nil {
			s.err = fmt.Errorf("write capture record: %w", err)
			s.log.WithError(err).Error("capture writer stopped")
			continue
		}
		s.written.Add(1)
	}
}

// Close stops accepting records, writes what is queued and closes the
// underlying writer.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()

	<-s.done
	err := s.err
	if ferr := s.buf.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("flush capture: %w", ferr)
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close capture: %w", cerr)
		}
	}
	s.log.WithFields(logrus.Fields{"written": s.Written(), "dropped": s.Dropped()}).Info("capture closed")
	return err
}

// Written returns the number of records written
func (s *Sink) Written() uint64 { return s.written.Load() }

// Dropped returns the number of records lost to a full queue
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }
