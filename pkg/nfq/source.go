// Package nfq binds an NFQUEUE queue and feeds its packets to the
// dispatcher.
package nfq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/logging"
)

const (
	DefaultQueueNum    = 1
	DefaultMaxQueueLen = 4096
	maxPacketLen       = 0xffff
)

// Submitter consumes packets from the queue. Submit is called serially.
type Submitter interface {
	Submit(h core.Handle) error
}

type verdictSetter interface {
	SetVerdict(id uint32, verdict int) error
}

// Config selects and sizes the queue.
type Config struct {
	Num          uint16
	MaxQueueLen  uint32
	WriteTimeout time.Duration
	// FailOpen lets the kernel accept packets when the queue is full.
	FailOpen bool
}

// Source reads one NFQUEUE queue.
type Source struct {
	cfg    Config
	nf     *nfqueue.Nfqueue
	setter verdictSetter
	sub    Submitter
	log    *logrus.Entry

	received atomic.Uint64
	empty    atomic.Uint64
	errors   atomic.Uint64
}

// Open binds the queue. It needs CAP_NET_ADMIN.
func Open(cfg Config, sub Submitter) (*Source, error) {
	if sub == nil {
		return nil, errors.New("nfq: nil submitter")
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = DefaultMaxQueueLen
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Millisecond
	}
	nc := nfqueue.Config{
		NfQueue:      cfg.Num,
		MaxPacketLen: maxPacketLen,
		MaxQueueLen:  cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.FailOpen {
		nc.Flags = nfqueue.NfQaCfgFlagFailOpen
	}
	nf, err := nfqueue.Open(&nc)
	if err != nil {
		return nil, fmt.Errorf("open nfqueue %d: %w", cfg.Num, err)
	}
	return newSource(cfg, nf, nf, sub), nil
}

func newSource(cfg Config, nf *nfqueue.Nfqueue, setter verdictSetter, sub Submitter) *Source {
	return &Source{
		cfg:    cfg,
		nf:     nf,
		setter: setter,
		sub:    sub,
		log:    logging.Component("nfq").WithField("queue", cfg.Num),
	}
}

// Run registers the packet hook and blocks until ctx ends.
func (s *Source) Run(ctx context.Context) error {
	if s.nf == nil {
		return errors.New("nfq: queue not open")
	}
	err := s.nf.RegisterWithErrorFunc(ctx, s.hook, func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		s.errors.Add(1)
		s.log.WithError(err).Warn("netlink receive error")
		return 0
	})
	if err != nil {
		return fmt.Errorf("register nfqueue hook: %w", err)
	}
	s.log.Info("queue bound")
	<-ctx.Done()
	return nil
}

// hook copies the payload out of the netlink buffer and hands it on.
func (s *Source) hook(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		s.empty.Add(1)
		return 0
	}
	var payload []byte
	if a.Payload != nil {
		payload = append([]byte(nil), *a.Payload...)
	}
	s.received.Add(1)
	h := &handle{setter: s.setter, id: *a.PacketID, payload: payload}
	if err := s.sub.Submit(h); err != nil {
		s.log.WithError(err).WithField("packet", h.id).Debug("submit failed")
	}
	return 0
}

// Received returns the number of packets read from the queue
func (s *Source) Received() uint64 { return s.received.Load() }

// Errors returns the number of netlink errors seen
func (s *Source) Errors() uint64 { return s.errors.Load() }

// Close releases the netlink socket.
func (s *Source) Close() error {
	if s.nf == nil {
		return nil
	}
	err := s.nf.Close()
	s.log.WithFields(logrus.Fields{"received": s.Received(), "errors": s.Errors()}).Info("queue closed")
	return err
}

// handle issues the verdict for one queued packet.
type handle struct {
	setter  verdictSetter
	id      uint32
	payload []byte
}

func (h *handle) Payload() []byte { return h.payload }

func (h *handle) Accept() error { return h.verdict(nfqueue.NfAccept) }

func (h *handle) Drop() error { return h.verdict(nfqueue.NfDrop) }

func (h *handle) verdict(v int) error {
	if err := h.setter.SetVerdict(h.id, v); err != nil {
		return fmt.Errorf("set verdict for packet %d: %w", h.id, err)
	}
	return nil
}
