package flow

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCPParams describes a synthetic IPv4/TCP datagram.
type TCPParams struct {
	Src, Dst         net.IP
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Window           uint16
	Flags            Flags
	Payload          []byte
}

// BuildTCP serializes p into a raw IPv4 datagram with valid lengths and
// checksums. It backs tests and the stress tool.
func BuildTCP(p TCPParams) ([]byte, error) {
	src, dst := defaultAddrs(p.Src, p.Dst)
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src,
		DstIP:    dst,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.SrcPort),
		DstPort: layers.TCPPort(p.DstPort),
		Seq:     p.Seq,
		Ack:     p.Ack,
		Window:  p.Window,
		FIN:     p.Flags&FlagFIN != 0,
		SYN:     p.Flags&FlagSYN != 0,
		RST:     p.Flags&FlagRST != 0,
		PSH:     p.Flags&FlagPSH != 0,
		ACK:     p.Flags&FlagACK != 0,
		URG:     p.Flags&FlagURG != 0,
		ECE:     p.Flags&FlagECE != 0,
		CWR:     p.Flags&FlagCWR != 0,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serialize(ip, tcp, gopacket.Payload(p.Payload))
}

// BuildUDP serializes a minimal IPv4/UDP datagram.
func BuildUDP(src, dst net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	src, dst = defaultAddrs(src, dst)
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src,
		DstIP:    dst,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serialize(ip, udp, gopacket.Payload(payload))
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func defaultAddrs(src, dst net.IP) (net.IP, net.IP) {
	if src == nil {
		src = net.IPv4(10, 0, 0, 1)
	}
	if dst == nil {
		dst = net.IPv4(10, 0, 0, 2)
	}
	return src.To4(), dst.To4()
}
