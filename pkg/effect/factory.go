package effect

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/flow"
	"github.com/irctrakz/nfqfx/pkg/terminal"
)

// Env carries the collaborators an effect is built with.
type Env struct {
	Clock            clockwork.Clock
	Status           *terminal.StatusLine
	OnRetransmission func(flow.Segment)
	OnError          func(*core.EffectRuntimeError)
	// ReleaseOnFIN enables the FIN flush of the surge effect.
	ReleaseOnFIN bool
}

// Build creates the effect selected by cfg. Modes without verdict logic,
// ignore included, fail with core.ErrUnimplementedEffect.
func Build(cfg core.EffectConfig, env Env) (*Effect, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.Clock == nil {
		env.Clock = clockwork.NewRealClock()
	}
	if !cfg.ShowOutput {
		env.Status = nil
	}

	var (
		v   Variant
		err error
	)
	switch cfg.Mode {
	case core.ModePrint:
		v = NewPassThrough(env.Status)
	case core.ModeLatency:
		v, err = NewLatency(cfg.Latency, env.Clock)
	case core.ModePacketLoss:
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		v, err = NewPacketLoss(cfg.LossPercent, seed)
	case core.ModeSurge:
		var s *Surge
		s, err = NewSurge(cfg.SurgePeriod, cfg.SurgeMaxBuffered, env.Clock)
		if err == nil {
			s.SetReleaseOnFIN(env.ReleaseOnFIN)
			v = s
		}
	case core.ModeDisplayBandwidth:
		v = NewBandwidthMonitor(cfg.BandwidthWindow, env.Clock)
	case core.ModeRateLimit:
		v, err = NewBandwidthLimiter(cfg.RateLimit, cfg.RateInterval, env.Clock)
	default:
		return nil, fmt.Errorf("mode %s: %w", cfg.Mode, core.ErrUnimplementedEffect)
	}
	if err != nil {
		return nil, err
	}

	return New(v, Options{
		Tracking:         cfg.Tracking,
		HistoryCapacity:  cfg.HistoryCapacity,
		Status:           env.Status,
		Clock:            env.Clock,
		OnRetransmission: env.OnRetransmission,
		OnError:          env.OnError,
	})
}
