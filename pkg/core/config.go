package core

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the active effect.
type Mode string

// Modes exposed on the command line. Exactly one is active per process.
const (
	ModePrint            Mode = "print"
	ModeIgnore           Mode = "ignore"
	ModeLatency          Mode = "latency"
	ModePacketLoss       Mode = "packet-loss"
	ModeSurge            Mode = "surge"
	ModeDisplayBandwidth Mode = "display-bandwidth"
	ModeRateLimit        Mode = "rate-limit"
)

// Modes lists every known mode.
var Modes = []Mode{
	ModePrint, ModeIgnore, ModeLatency, ModePacketLoss,
	ModeSurge, ModeDisplayBandwidth, ModeRateLimit,
}

// ParseMode maps a name to a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// TargetAll disables the protocol filter.
const TargetAll = "ALL"

// EffectConfig holds the immutable effect parameters chosen at startup.
type EffectConfig struct {
	// Mode is the active effect.
	Mode Mode `json:"mode" yaml:"mode"`

	// Target restricts the effect to one protocol label (TCP, UDP, ICMP...).
	// TargetAll affects every packet.
	Target string `json:"target" yaml:"target"`

	// Latency is the delay applied in latency mode.
	Latency time.Duration `json:"latency" yaml:"latency"`

	// LossPercent is the drop probability in packet-loss mode, 0 to 100.
	LossPercent float64 `json:"lossPercent" yaml:"lossPercent"`

	// Seed seeds the loss PRNG. Zero picks a time based seed.
	Seed int64 `json:"seed" yaml:"seed"`

	// SurgePeriod is the buffering period in surge mode.
	SurgePeriod time.Duration `json:"surgePeriod" yaml:"surgePeriod"`

	// SurgeMaxBuffered caps buffered packets before a forced release.
	SurgeMaxBuffered int `json:"surgeMaxBuffered" yaml:"surgeMaxBuffered"`

	// RateLimit is the byte budget per RateInterval in rate-limit mode.
	RateLimit int64 `json:"rateLimit" yaml:"rateLimit"`

	// RateInterval is the budget interval, one second by default.
	RateInterval time.Duration `json:"rateInterval" yaml:"rateInterval"`

	// BandwidthWindow is the sliding window of the bandwidth monitor.
	BandwidthWindow time.Duration `json:"bandwidthWindow" yaml:"bandwidthWindow"`

	// Tracking enables TCP segment history.
	Tracking bool `json:"tracking" yaml:"tracking"`

	// HistoryCapacity bounds the segment history.
	HistoryCapacity int `json:"historyCapacity" yaml:"historyCapacity"`

	// ShowOutput enables the status line.
	ShowOutput bool `json:"showOutput" yaml:"showOutput"`
}

// DefaultEffectConfig returns defaults for the optional fields.
func DefaultEffectConfig() EffectConfig {
	return EffectConfig{
		Mode:             ModePrint,
		Target:           TargetAll,
		SurgeMaxBuffered: 65536,
		RateInterval:     time.Second,
		BandwidthWindow:  time.Second,
		Tracking:         true,
		HistoryCapacity:  4096,
		ShowOutput:       true,
	}
}

// Validate checks the options required by the selected mode.
func (c EffectConfig) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	switch c.Mode {
	case ModeLatency:
		if c.Latency <= 0 {
			return fmt.Errorf("latency must be positive, got %s", c.Latency)
		}
	case ModePacketLoss:
		if c.LossPercent < 0 || c.LossPercent > 100 {
			return fmt.Errorf("packet loss must be within [0,100], got %g", c.LossPercent)
		}
	case ModeSurge:
		if c.SurgePeriod <= 0 {
			return fmt.Errorf("surge period must be positive, got %s", c.SurgePeriod)
		}
	case ModeRateLimit:
		if c.RateLimit <= 0 {
			return fmt.Errorf("rate limit must be positive, got %d", c.RateLimit)
		}
		if c.RateInterval <= 0 {
			return fmt.Errorf("rate interval must be positive, got %s", c.RateInterval)
		}
	}
	if c.Target == "" {
		return fmt.Errorf("target protocol cannot be empty")
	}
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("invalid history capacity: %d", c.HistoryCapacity)
	}
	return nil
}

// TargetsAll reports whether the protocol filter is disabled.
func (c EffectConfig) TargetsAll() bool {
	return strings.EqualFold(c.Target, TargetAll)
}
