package effect

import (
	"context"
	"fmt"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/terminal"
)

// PassThrough prints a line per packet and accepts it.
type PassThrough struct {
	status *terminal.StatusLine
}

// NewPassThrough creates the print effect. A nil or disabled status line
// turns it into a silent accept-all.
func NewPassThrough(status *terminal.StatusLine) *PassThrough {
	return &PassThrough{status: status}
}

// Name implements Variant
func (p *PassThrough) Name() string { return string(core.ModePrint) }

// Apply implements Variant
func (p *PassThrough) Apply(_ context.Context, pkt *core.Packet) error {
	if p.status.Enabled() {
		p.status.Println(Describe(pkt.Data()))
	}
	return pkt.Accept()
}

// Describe renders a one line summary of a datagram.
func Describe(data []byte) string {
	proto := flow.Classify(data)
	if proto == flow.ProtoTCP {
		if seg, err := flow.Decode(data); err == nil {
			return "TCP " + seg.String()
		}
	}
	return fmt.Sprintf("%s packet, %d bytes", proto, len(data))
}
