package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Verdict is the fate of an intercepted packet.
type Verdict uint32

const (
	// VerdictNone means the packet has not been resolved yet.
	VerdictNone Verdict = iota
	// VerdictAccept lets the packet continue.
	VerdictAccept
	// VerdictDrop discards the packet.
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	default:
		return "none"
	}
}

// Handle is a packet as delivered by the verdict source. Exactly one of
// Accept or Drop must eventually be called, exactly once.
type Handle interface {
	// Payload returns the raw IP datagram
	Payload() []byte

	// Accept issues an accept verdict
	Accept() error

	// Drop issues a drop verdict
	Drop() error
}

// Packet is the engine's envelope around a Handle. It guarantees the handle
// sees at most one verdict no matter how many goroutines race to resolve it.
type Packet struct {
	id       uint64
	handle   Handle
	data     []byte
	received time.Time

	verdict atomic.Uint32
	mu      sync.Mutex
	onDone  func(*Packet, Verdict)
}

// NewPacket wraps a handle received at the given time.
func NewPacket(id uint64, handle Handle, received time.Time) *Packet {
	data := handle.Payload()
	if data == nil {
		data = make([]byte, 0)
	}
	return &Packet{id: id, handle: handle, data: data, received: received}
}

// ID returns the intake sequence number
func (p *Packet) ID() uint64 { return p.id }

// Data returns the raw datagram. It must not be modified.
func (p *Packet) Data() []byte { return p.data }

// Length returns the datagram length
func (p *Packet) Length() int { return len(p.data) }

// Received returns the intake timestamp
func (p *Packet) Received() time.Time { return p.received }

// OnResolved registers a hook run once, after the verdict reached the handle.
func (p *Packet) OnResolved(fn func(*Packet, Verdict)) {
	p.mu.Lock()
	p.onDone = fn
	p.mu.Unlock()
}

// Accept resolves the packet with an accept verdict.
func (p *Packet) Accept() error { return p.resolve(VerdictAccept) }

// Drop resolves the packet with a drop verdict.
func (p *Packet) Drop() error { return p.resolve(VerdictDrop) }

// Verdict returns the verdict issued so far, VerdictNone if unresolved.
func (p *Packet) Verdict() Verdict { return Verdict(p.verdict.Load()) }

// Resolved reports whether a verdict has been issued.
func (p *Packet) Resolved() bool { return p.Verdict() != VerdictNone }

func (p *Packet) resolve(v Verdict) error {
	if !p.verdict.CompareAndSwap(uint32(VerdictNone), uint32(v)) {
		return ErrAlreadyResolved
	}
	var err error
	if v == VerdictDrop {
		err = p.handle.Drop()
	} else {
		err = p.handle.Accept()
	}
	p.mu.Lock()
	fn := p.onDone
	p.mu.Unlock()
	if fn != nil {
		fn(p, v)
	}
	return err
}
