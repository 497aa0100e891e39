// Command stress_dispatch floods the dispatcher with synthetic TCP segments
// to observe pool saturation and the overload policy without NFQUEUE.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/dispatch"
	"github.com/irctrakz/nfqfx/pkg/effect"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/logging"
	"github.com/irctrakz/nfqfx/pkg/metrics"
)

func main() {
	var (
		flows    = flag.Int("flows", 8, "number of simulated flows")
		perFlow  = flag.Int("per", 2000, "packets per flow to submit")
		pktSize  = flag.Int("size", 512, "payload size (bytes)")
		workers  = flag.Int("workers", 64, "worker pool size")
		queueLen = flag.Int("queue", dispatch.DefaultQueueLen, "work queue length")
		latency  = flag.Duration("latency", 5*time.Millisecond, "latency applied to every packet")
		overload = flag.String("overload", "accept", "overload policy: accept or block")
	)
	flag.Parse()

	logging.SetLevel(logging.WarnLevel)

	policy, err := dispatch.ParseOverloadPolicy(*overload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := core.DefaultEffectConfig()
	cfg.Mode = core.ModeLatency
	cfg.Latency = *latency
	cfg.ShowOutput = false

	ec := dispatch.NewEngineContext(cfg, nil)
	ec.Metrics = metrics.New(cfg.Mode, ec.RunID)
	eff, err := effect.Build(cfg, effect.Env{Clock: ec.Clock})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ec.Effect = eff

	d, err := dispatch.New(ec, dispatch.Options{Workers: *workers, QueueLen: *queueLen, Overload: policy})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := d.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	payload := make([]byte, *pktSize)
	n := *flows * *perFlow
	handles := make([]*core.MockHandle, 0, n)
	start := time.Now()
	for i := 0; i < *flows; i++ {
		for j := 0; j < *perFlow; j++ {
			b, err := flow.BuildTCP(flow.TCPParams{
				SrcPort: uint16(40000 + i),
				DstPort: 443,
				Seq:     uint32(j * *pktSize),
				Flags:   flow.FlagACK | flow.FlagPSH,
				Payload: payload,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			h := core.NewMockHandle(b, nil)
			handles = append(handles, h)
			_ = d.Submit(h)
		}
	}
	enqDur := time.Since(start)

	stopErr := d.Stop(context.Background())
	total := time.Since(start)

	st := d.Stats()
	es := eff.Stats()
	unresolved, repeated := 0, 0
	for _, h := range handles {
		switch c := h.Calls(); {
		case c == 0:
			unresolved++
		case c > 1:
			repeated++
		}
	}

	fmt.Printf("Submit duration: %v, total: %v\n", enqDur, total)
	fmt.Printf("Dispatcher: submitted=%d overloads=%d effect_packets=%d\n", st.Submitted, st.Overloads, es.TotalPackets)
	fmt.Printf("Verdicts: unresolved=%d repeated=%d\n", unresolved, repeated)
	if stopErr != nil {
		fmt.Printf("Stop: %v\n", stopErr)
	}

	if st.Overloads == 0 && policy == dispatch.OverloadAccept {
		fmt.Println("WARN: pool never saturated; lower -workers or raise -latency")
	}
	if unresolved > 0 || repeated > 0 {
		fmt.Println("ERROR: every packet must receive exactly one verdict")
		os.Exit(1)
	}
}
