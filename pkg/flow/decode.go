// Package flow decodes TCP segments out of raw IP datagrams and keeps the
// per-effect segment history used for retransmission analysis.
package flow

import (
	"net"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"

	"github.com/irctrakz/nfqfx/pkg/core"
)

// Protocol is the transport discriminant of a datagram.
type Protocol uint8

const (
	ProtoInvalid Protocol = iota
	ProtoTCP
	ProtoUDP
	ProtoICMP
	ProtoIPv6
	ProtoOther
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMP:
		return "ICMP"
	case ProtoIPv6:
		return "IPv6"
	case ProtoOther:
		return "OTHER"
	default:
		return "INVALID"
	}
}

// Matches compares against a user supplied label, case insensitive.
func (p Protocol) Matches(label string) bool {
	return strings.EqualFold(p.String(), strings.TrimSpace(label))
}

// Classify reads the IP header and returns the transport protocol.
func Classify(data []byte) Protocol {
	if len(data) == 0 {
		return ProtoInvalid
	}
	switch data[0] >> 4 {
	case 4:
	case 6:
		return ProtoIPv6
	default:
		return ProtoInvalid
	}
	h, err := ipv4.ParseHeader(data)
	if err != nil {
		return ProtoInvalid
	}
	switch layers.IPProtocol(h.Protocol) {
	case layers.IPProtocolTCP:
		return ProtoTCP
	case layers.IPProtocolUDP:
		return ProtoUDP
	case layers.IPProtocolICMPv4:
		return ProtoICMP
	default:
		return ProtoOther
	}
}

// decoder bundles a DecodingLayerParser with its preallocated layers. A
// parser is not safe for concurrent use, hence the pool.
type decoder struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

var decoderPool = sync.Pool{New: func() any {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.tcp, &d.payload)
	d.parser.IgnoreUnsupported = true
	return d
}}

// Decode extracts the TCP segment of an IPv4 datagram. Any failure is a
// *core.DecodeError; non TCP datagrams wrap core.ErrNotTCP.
func Decode(data []byte) (Segment, error) {
	d := decoderPool.Get().(*decoder)
	defer decoderPool.Put(d)

	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return Segment{}, &core.DecodeError{Err: err}
	}
	hasTCP := false
	for _, lt := range d.decoded {
		if lt == layers.LayerTypeTCP {
			hasTCP = true
			break
		}
	}
	if !hasTCP {
		return Segment{}, &core.DecodeError{Err: core.ErrNotTCP}
	}

	size := int(d.ip4.Length)
	if size == 0 {
		size = len(data)
	}
	return Segment{
		SrcIP:   append(net.IP(nil), d.ip4.SrcIP...),
		SrcPort: uint16(d.tcp.SrcPort),
		DstIP:   append(net.IP(nil), d.ip4.DstIP...),
		DstPort: uint16(d.tcp.DstPort),
		Seq:     d.tcp.Seq,
		Ack:     d.tcp.Ack,
		Size:    size,
		Window:  d.tcp.Window,
		Flags:   tcpFlags(&d.tcp),
	}, nil
}

func tcpFlags(t *layers.TCP) Flags {
	var f Flags
	set := func(on bool, bit Flags) {
		if on {
			f |= bit
		}
	}
	set(t.FIN, FlagFIN)
	set(t.SYN, FlagSYN)
	set(t.RST, FlagRST)
	set(t.PSH, FlagPSH)
	set(t.ACK, FlagACK)
	set(t.URG, FlagURG)
	set(t.ECE, FlagECE)
	set(t.CWR, FlagCWR)
	return f
}
