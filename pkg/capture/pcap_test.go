package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nfqfx/pkg/flow"
)

func TestSinkWritesReadablePcap(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewSink(&buf, Options{})
	require.NoError(t, err)

	pkt, err := flow.BuildTCP(flow.TCPParams{SrcPort: 1, DstPort: 2, Seq: 3, Flags: flow.FlagSYN})
	require.NoError(t, err)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	for i := 0; i < 3; i++ {
		assert.True(t, s.Capture(pkt, ts.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(3), s.Written())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	for i := 0; i < 3; i++ {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, pkt, data)
		assert.Equal(t, ts.Add(time.Duration(i)*time.Second).Unix(), ci.Timestamp.Unix())
	}
	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSinkCopiesPayload(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewSink(&buf, Options{})
	require.NoError(t, err)

	data := []byte{0x45, 1, 2, 3}
	require.True(t, s.Capture(data, time.Now()))
	data[1] = 0xff
	require.NoError(t, s.Close())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	got, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1, 2, 3}, got)
}

type gatedWriter struct {
	gate chan struct{}
	buf  bytes.Buffer
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	<-g.gate
	return g.buf.Write(p)
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	w := &gatedWriter{gate: make(chan struct{})}
	var drops atomic.Int32
	s, err := NewSink(w, Options{QueueLen: 1, OnDrop: func() { drops.Add(1) }})
	require.NoError(t, err)

	big := make([]byte, 5000)
	big[0] = 0x45
	for i := 0; i < 10; i++ {
		s.Capture(big, time.Now())
	}
	assert.GreaterOrEqual(t, s.Dropped(), uint64(8))
	assert.Equal(t, int32(s.Dropped()), drops.Load())

	close(w.gate)
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(10), s.Written()+s.Dropped())
}

func TestSinkClosedRejects(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewSink(&buf, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.False(t, s.Capture([]byte{1}, time.Now()))
	assert.ErrorIs(t, s.Close(), ErrClosed)

	var nilSink *Sink
	assert.False(t, nilSink.Capture([]byte{1}, time.Now()))
	assert.NoError(t, nilSink.Close())
}

func TestCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	s, err := Create(path, Options{})
	require.NoError(t, err)
	require.True(t, s.Capture([]byte{0x45, 0, 0, 20}, time.Now()))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	_, _, err = r.ReadPacketData()
	assert.NoError(t, err)

	_, err = Create(filepath.Join(t.TempDir(), "missing", "x.pcap"), Options{})
	assert.Error(t, err)
}
