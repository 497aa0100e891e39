package flow

import (
	"fmt"
	"net"
)

// Segment holds the TCP header fields tracked for one datagram.
type Segment struct {
	SrcIP   net.IP
	SrcPort uint16
	DstIP   net.IP
	DstPort uint16
	Seq     uint32
	Ack     uint32
	// Size is the IP total length.
	Size   int
	Window uint16
	Flags  Flags
}

// Matches reports whether two segments look like the same transmission:
// same ack, seq and size, and the same flag set.
func (s Segment) Matches(o Segment) bool {
	return s.Ack == o.Ack && s.Seq == o.Seq && s.Size == o.Size && s.Flags == o.Flags
}

// HasFlag reports whether the named flag is set.
func (s Segment) HasFlag(name string) bool {
	bit, ok := FlagByName(name)
	return ok && s.Flags.Has(bit)
}

// HasOnlyFlag reports whether the named flag is the only one set.
func (s Segment) HasOnlyFlag(name string) bool {
	bit, ok := FlagByName(name)
	return ok && s.Flags.Only(bit)
}

// FlagNames returns the flag set in canonical order.
func (s Segment) FlagNames() []string { return s.Flags.Names() }

func (s Segment) String() string {
	return fmt.Sprintf("%s:%d > %s:%d SEQ: %-11d ACK: %-11d SIZE: %-4d WIN: %-5d FLAGS: %s",
		s.SrcIP, s.SrcPort, s.DstIP, s.DstPort, s.Seq, s.Ack, s.Size, s.Window, s.Flags)
}

type segmentKey struct {
	seq, ack uint32
	size     int
	flags    Flags
}

func (s Segment) key() segmentKey {
	return segmentKey{seq: s.Seq, ack: s.Ack, size: s.Size, flags: s.Flags}
}
