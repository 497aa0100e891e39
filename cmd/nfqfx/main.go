package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/nfqfx/pkg/capture"
	"github.com/irctrakz/nfqfx/pkg/config"
	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/dispatch"
	"github.com/irctrakz/nfqfx/pkg/effect"
	"github.com/irctrakz/nfqfx/pkg/firewall"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/logging"
	"github.com/irctrakz/nfqfx/pkg/metrics"
	"github.com/irctrakz/nfqfx/pkg/nfq"
	"github.com/irctrakz/nfqfx/pkg/terminal"
)

const shutdownTimeout = 5 * time.Second

// geteuid is replaced in tests.
var geteuid = os.Geteuid

type options struct {
	print        bool
	ignore       bool
	latencyMS    int
	lossPercent  float64
	surgeSeconds float64
	bandwidth    bool
	rateLimit    int64

	target       string
	save         string
	configFile   string
	queueNum     uint16
	workers      int
	overload     string
	metricsAddr  string
	noIPTables   bool
	queueBypass  bool
	logLevel     string
	logFile      string
	seed         int64
	quiet        bool
	releaseOnFIN bool
}

var modeFlags = []string{"print", "ignore", "latency", "packet-loss", "surge", "display-bandwidth", "rate-limit"}

type runFunc func(ctx context.Context, cfg *config.Config, releaseOnFIN bool) error

func main() {
	if err := newRootCommand(run).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(runner runFunc) *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "nfqfx",
		Short: "Apply network effects to packets intercepted through NFQUEUE",
		Long: "nfqfx diverts outgoing traffic into an NFQUEUE queue and applies one effect\n" +
			"to every packet before issuing its verdict: print, ignore, latency, packet loss,\n" +
			"surge, bandwidth display or rate limiting.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGTSTP)
			defer stop()
			return runner(ctx, cfg, o.releaseOnFIN)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&o.print, "print", "p", false, "print every packet")
	flags.BoolVarP(&o.ignore, "ignore", "i", false, "accept every packet without effect")
	flags.IntVarP(&o.latencyMS, "latency", "l", 0, "delay every packet by `MS` milliseconds")
	flags.Float64VarP(&o.lossPercent, "packet-loss", "x", 0, "drop `PERCENT` of the packets")
	flags.Float64VarP(&o.surgeSeconds, "surge", "s", 0, "buffer packets and release them every `SECONDS`")
	flags.BoolVarP(&o.bandwidth, "display-bandwidth", "b", false, "display the current bandwidth")
	flags.Int64VarP(&o.rateLimit, "rate-limit", "r", 0, "limit throughput to `BYTES` per second")
	cmd.MarkFlagsMutuallyExclusive(modeFlags...)
	cmd.MarkFlagsOneRequired(modeFlags...)

	flags.StringVarP(&o.target, "target-packet", "t", core.TargetAll, "only affect packets of this protocol (TCP, UDP, ICMP...)")
	flags.StringVarP(&o.save, "save", "w", "", "write intercepted packets to a pcap `FILE`")
	flags.StringVar(&o.configFile, "config", "", "configuration `FILE` (yaml or json)")
	flags.Uint16Var(&o.queueNum, "queue-num", nfq.DefaultQueueNum, "NFQUEUE queue number")
	flags.IntVar(&o.workers, "workers", dispatch.DefaultWorkers, "worker pool size")
	flags.StringVar(&o.overload, "overload-policy", string(dispatch.OverloadAccept), "saturated pool policy: accept or block")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	flags.BoolVar(&o.noIPTables, "no-iptables", false, "do not install iptables rules")
	flags.BoolVar(&o.queueBypass, "queue-bypass", false, "let traffic through when nfqfx is not running")
	flags.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&o.logFile, "log-file", "", "also log to this rotated file")
	flags.Int64Var(&o.seed, "seed", 0, "packet loss PRNG seed, 0 picks one")
	flags.BoolVarP(&o.quiet, "quiet", "q", false, "disable the status line")
	flags.BoolVar(&o.releaseOnFIN, "surge-release-fin", false, "release the surge buffer on TCP FIN")

	return cmd
}

// buildConfig layers flags over env over the config file over defaults.
func buildConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configFile != "" {
		if err := config.LoadFromFile(o.configFile, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	switch {
	case o.print:
		cfg.Engine.Mode = core.ModePrint
	case o.ignore:
		cfg.Engine.Mode = core.ModeIgnore
	case flags.Changed("latency"):
		cfg.Engine.Mode = core.ModeLatency
		cfg.Engine.Latency = time.Duration(o.latencyMS) * time.Millisecond
	case flags.Changed("packet-loss"):
		cfg.Engine.Mode = core.ModePacketLoss
		cfg.Engine.LossPercent = o.lossPercent
	case flags.Changed("surge"):
		cfg.Engine.Mode = core.ModeSurge
		cfg.Engine.SurgePeriod = time.Duration(o.surgeSeconds * float64(time.Second))
	case o.bandwidth:
		cfg.Engine.Mode = core.ModeDisplayBandwidth
	case flags.Changed("rate-limit"):
		cfg.Engine.Mode = core.ModeRateLimit
		cfg.Engine.RateLimit = o.rateLimit
		cfg.Engine.RateInterval = time.Second
	}

	if flags.Changed("target-packet") {
		cfg.Engine.Target = o.target
	}
	if flags.Changed("seed") {
		cfg.Engine.Seed = o.seed
	}
	if o.quiet {
		cfg.Engine.ShowOutput = false
	}
	if flags.Changed("save") {
		cfg.Capture.File = o.save
	}
	if flags.Changed("queue-num") {
		cfg.Queue.Num = o.queueNum
	}
	if flags.Changed("workers") {
		cfg.Dispatcher.Workers = o.workers
	}
	if flags.Changed("overload-policy") {
		cfg.Dispatcher.Overload = o.overload
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.noIPTables {
		cfg.Firewall.Enabled = false
	}
	if flags.Changed("queue-bypass") {
		cfg.Firewall.Bypass = o.queueBypass
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = o.logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// verdictSource feeds the dispatcher. Its socket must stay open until every
// held packet has its verdict.
type verdictSource interface {
	Run(ctx context.Context) error
	Close() error
}

// engine is everything one run owns.
type engine struct {
	ec         *dispatch.EngineContext
	disp       *dispatch.Dispatcher
	src        verdictSource
	stopIntake context.CancelFunc
	sink       *capture.Sink
	rules      *firewall.Rules
	server     *http.Server
	status     *terminal.StatusLine
}

func run(ctx context.Context, cfg *config.Config, releaseOnFIN bool) error {
	if geteuid() != 0 {
		return errors.New("nfqfx must run as root")
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	log := logging.Component("main")

	e, err := newEngine(cfg, releaseOnFIN)
	if err != nil {
		return err
	}
	log.WithField("run_id", e.ec.RunID).Infof("starting %s on queue %d", cfg.Engine.Mode, cfg.Queue.Num)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.stopIntake = cancel
	if err := e.start(runCtx, cfg); err != nil {
		e.shutdown()
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- e.src.Run(runCtx) }()
	if cfg.Metrics.Interval > 0 {
		go runMetricsReporter(runCtx, cfg.Metrics.Interval, cfg.Metrics.Format, e.ec.Metrics, e.disp)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		if err != nil {
			log.WithError(err).Error("verdict source stopped")
		}
	}
	if serr := e.shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func newEngine(cfg *config.Config, releaseOnFIN bool) (*engine, error) {
	overload, err := dispatch.ParseOverloadPolicy(cfg.Dispatcher.Overload)
	if err != nil {
		return nil, err
	}
	e := &engine{status: terminal.Stdout(cfg.Engine.ShowOutput)}
	e.ec = dispatch.NewEngineContext(cfg.Engine, nil)
	m := metrics.New(cfg.Engine.Mode, e.ec.RunID)
	e.ec.Metrics = m

	if cfg.Engine.Mode != core.ModeIgnore {
		eff, err := effect.Build(cfg.Engine, effect.Env{
			Clock:            e.ec.Clock,
			Status:           e.status,
			OnRetransmission: func(flow.Segment) { m.Retransmission() },
			OnError:          func(*core.EffectRuntimeError) { m.EffectError() },
			ReleaseOnFIN:     releaseOnFIN,
		})
		if err != nil {
			return nil, err
		}
		e.ec.Effect = eff
	}

	if cfg.Capture.File != "" {
		sink, err := capture.Create(cfg.Capture.File, capture.Options{
			QueueLen: cfg.Capture.QueueLen,
			OnDrop:   m.CaptureDrop,
		})
		if err != nil {
			return nil, err
		}
		e.sink = sink
		e.ec.Capture = sink
	}

	e.disp, err = dispatch.New(e.ec, dispatch.Options{
		Workers:      cfg.Dispatcher.Workers,
		QueueLen:     cfg.Dispatcher.QueueLen,
		Overload:     overload,
		BlockTimeout: cfg.Dispatcher.BlockTimeout,
	})
	if err != nil {
		if e.sink != nil {
			e.sink.Close()
		}
		return nil, err
	}
	return e, nil
}

// start brings the engine up: workers first, then the queue, and only then
// the rules diverting traffic into it. Held packets outlive ctx until
// shutdown drains them.
func (e *engine) start(ctx context.Context, cfg *config.Config) error {
	if err := e.disp.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	src, err := nfq.Open(nfq.Config{
		Num:         cfg.Queue.Num,
		MaxQueueLen: cfg.Queue.MaxQueueLen,
		FailOpen:    cfg.Queue.FailOpen,
	}, e.disp)
	if err != nil {
		return err
	}
	e.src = src

	if cfg.Firewall.Enabled {
		rules, err := firewall.New(firewall.Config{
			Table:    cfg.Firewall.Table,
			Chains:   cfg.Firewall.Chains,
			QueueNum: cfg.Queue.Num,
			Bypass:   cfg.Firewall.Bypass,
		})
		if err != nil {
			return err
		}
		if err := rules.Install(); err != nil {
			return err
		}
		e.rules = rules
	}

	if cfg.Metrics.Addr != "" {
		e.server = newMetricsServer(cfg.Metrics.Addr, e.ec, e.disp)
		go func() {
			if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Component("main").WithError(err).Error("metrics server failed")
			}
		}()
	}
	return nil
}

// shutdown removes the firewall rules, stops intake, drains the dispatcher
// while the queue socket can still carry verdicts, then closes the queue
// and the capture.
func (e *engine) shutdown() error {
	log := logging.Component("main")
	var errs []error

	if e.rules != nil {
		if err := e.rules.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.stopIntake != nil {
		e.stopIntake()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.disp.Stop(ctx); err != nil {
		if errors.Is(err, core.ErrUnresolvedOnExit) {
			log.WithError(err).Error("packets were still held at exit")
		} else {
			errs = append(errs, err)
		}
	}

	if e.src != nil {
		if err := e.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}

	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if eff := e.ec.Effect; eff != nil {
		st := eff.Stats()
		e.status.Println(fmt.Sprintf("%d packets in %s, %d retransmissions",
			st.TotalPackets, st.Elapsed.Truncate(time.Second), st.History.Retransmitted))
	}
	return errors.Join(errs...)
}
