package flow

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nfqfx/pkg/core"
)

func TestFlagsRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		f := Flags(i)
		names := f.Names()
		back, err := ParseFlags(names)
		require.NoError(t, err)
		assert.Equal(t, f, back, "flags %08b", i)
		assert.Equal(t, names, back.Names())
	}
}

func TestFlagsCanonicalOrder(t *testing.T) {
	f := FlagCWR | FlagACK | FlagSYN | FlagFIN
	assert.Equal(t, []string{"FIN", "SYN", "ACK", "CWR"}, f.Names())
	assert.Equal(t, "[FIN SYN ACK CWR]", f.String())
	assert.Empty(t, Flags(0).Names())
}

func TestParseFlagsUnordered(t *testing.T) {
	a, err := ParseFlags([]string{"ack", "SYN", "ACK"})
	require.NoError(t, err)
	b, err := ParseFlags([]string{"SYN", "ACK"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = ParseFlags([]string{"NOPE"})
	assert.Error(t, err)
}

func TestDecodeTCP(t *testing.T) {
	data, err := BuildTCP(TCPParams{
		Src:     net.IPv4(192, 168, 1, 10),
		Dst:     net.IPv4(93, 184, 216, 34),
		SrcPort: 40000,
		DstPort: 443,
		Seq:     1000,
		Ack:     2000,
		Window:  64240,
		Flags:   FlagPSH | FlagACK,
		Payload: []byte("hello"),
	})
	require.NoError(t, err)

	seg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", seg.SrcIP.String())
	assert.Equal(t, "93.184.216.34", seg.DstIP.String())
	assert.Equal(t, uint16(40000), seg.SrcPort)
	assert.Equal(t, uint16(443), seg.DstPort)
	assert.Equal(t, uint32(1000), seg.Seq)
	assert.Equal(t, uint32(2000), seg.Ack)
	assert.Equal(t, uint16(64240), seg.Window)
	assert.Equal(t, len(data), seg.Size)
	assert.Equal(t, []string{"PSH", "ACK"}, seg.FlagNames())
	assert.Contains(t, seg.String(), "FLAGS: [PSH ACK]")
}

func TestDecodeNotTCP(t *testing.T) {
	data, err := BuildUDP(nil, nil, 5353, 53, []byte{1, 2, 3})
	require.NoError(t, err)

	_, err = Decode(data)
	var de *core.DecodeError
	require.True(t, errors.As(err, &de))
	assert.True(t, errors.Is(err, core.ErrNotTCP))
}

func TestDecodeMalformed(t *testing.T) {
	data, err := BuildTCP(TCPParams{Flags: FlagSYN})
	require.NoError(t, err)

	for _, b := range [][]byte{nil, {0x45}, data[:24]} {
		_, err := Decode(b)
		var de *core.DecodeError
		assert.True(t, errors.As(err, &de), "input len %d", len(b))
	}
}

func TestClassify(t *testing.T) {
	tcp, err := BuildTCP(TCPParams{Flags: FlagSYN})
	require.NoError(t, err)
	udp, err := BuildUDP(nil, nil, 1, 2, nil)
	require.NoError(t, err)
	icmp := append([]byte(nil), udp...)
	icmp[9] = 1
	gre := append([]byte(nil), udp...)
	gre[9] = 47
	v6 := make([]byte, 40)
	v6[0] = 0x60

	assert.Equal(t, ProtoTCP, Classify(tcp))
	assert.Equal(t, ProtoUDP, Classify(udp))
	assert.Equal(t, ProtoICMP, Classify(icmp))
	assert.Equal(t, ProtoOther, Classify(gre))
	assert.Equal(t, ProtoIPv6, Classify(v6))
	assert.Equal(t, ProtoInvalid, Classify(nil))
	assert.Equal(t, ProtoInvalid, Classify([]byte{0x45, 0x00}))

	assert.True(t, ProtoTCP.Matches("tcp"))
	assert.False(t, ProtoUDP.Matches("TCP"))
}

func TestSegmentFlagQueries(t *testing.T) {
	s := Segment{Flags: FlagFIN}
	assert.True(t, s.HasFlag("FIN"))
	assert.True(t, s.HasOnlyFlag("fin"))
	assert.False(t, s.HasFlag("SYN"))

	s.Flags |= FlagACK
	assert.True(t, s.HasFlag("ACK"))
	assert.False(t, s.HasOnlyFlag("FIN"))
	assert.False(t, s.HasFlag("BOGUS"))
}

func TestSegmentMatches(t *testing.T) {
	a := Segment{Seq: 1, Ack: 2, Size: 60, Flags: FlagSYN | FlagACK, SrcPort: 1}
	b := Segment{Seq: 1, Ack: 2, Size: 60, Flags: FlagACK | FlagSYN, SrcPort: 2}
	assert.True(t, a.Matches(b))
	assert.True(t, b.Matches(a))

	b.Size = 61
	assert.False(t, a.Matches(b))
}

func TestHistoryDuplicates(t *testing.T) {
	a := Segment{Seq: 10, Ack: 20, Size: 52, Flags: FlagACK | FlagPSH}
	other := Segment{Seq: 11, Ack: 20, Size: 52, Flags: FlagACK}

	for _, order := range [][]Segment{{a, other, a}, {other, a, a}} {
		h := NewHistory(0)
		dups := 0
		for _, s := range order {
			if h.Append(s) {
				dups++
			}
		}
		assert.Equal(t, 1, dups)
		assert.Equal(t, uint64(1), h.Stats().Retransmitted)
		assert.True(t, h.Contains(a))
	}
}

func TestHistoryRotation(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(Segment{Seq: uint32(i)})
	}
	segs := h.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, uint32(2), segs[0].Seq)
	assert.Equal(t, uint32(4), segs[2].Seq)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, uint32(4), last.Seq)

	st := h.Stats()
	assert.Equal(t, uint64(5), st.Appended)
	assert.Equal(t, uint64(2), st.Evicted)
	assert.Equal(t, uint64(1), st.RotationEpochs)

	assert.False(t, h.Contains(Segment{Seq: 0}))
	assert.False(t, h.Append(Segment{Seq: 0}))
}

func TestHistoryConcurrentAppend(t *testing.T) {
	h := NewHistory(0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Append(Segment{Seq: uint32(w*1000 + i)})
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, h.Len())
	assert.Equal(t, uint64(0), h.Stats().Retransmitted)
}

func TestHistoryEmpty(t *testing.T) {
	h := NewHistory(4)
	_, ok := h.Last()
	assert.False(t, ok)
	assert.Empty(t, h.Segments())
}
