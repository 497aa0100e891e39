// Package config provides configuration handling for the packet effect engine.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/logging"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "NFQFX_"

// Config represents the complete engine configuration.
type Config struct {
	// Engine contains the effect parameters.
	Engine core.EffectConfig `json:"engine" yaml:"engine"`

	// Queue selects the NFQUEUE queue.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Dispatcher sizes the worker pool.
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`

	// Capture configures the pcap sink.
	Capture CaptureConfig `json:"capture" yaml:"capture"`

	// Firewall configures the iptables diversion.
	Firewall FirewallConfig `json:"firewall" yaml:"firewall"`

	// Metrics configures the metrics endpoint and reporter.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// QueueConfig contains configuration for the NFQUEUE binding.
type QueueConfig struct {
	// Num is the queue number.
	Num uint16 `json:"num" yaml:"num"`

	// MaxQueueLen is the kernel queue length.
	MaxQueueLen uint32 `json:"maxQueueLen" yaml:"maxQueueLen"`

	// FailOpen accepts packets in the kernel when the queue is full.
	FailOpen bool `json:"failOpen" yaml:"failOpen"`
}

// DispatcherConfig contains configuration for the worker pool.
type DispatcherConfig struct {
	// Workers is the pool size.
	Workers int `json:"workers" yaml:"workers"`

	// QueueLen bounds packets waiting for a free worker.
	QueueLen int `json:"queueLen" yaml:"queueLen"`

	// Overload is the full queue policy, accept or block.
	Overload string `json:"overload" yaml:"overload"`

	// BlockTimeout bounds the block policy.
	BlockTimeout time.Duration `json:"blockTimeout" yaml:"blockTimeout"`
}

// CaptureConfig contains configuration for the pcap sink.
type CaptureConfig struct {
	// File is the pcap output path, empty disables capture.
	File string `json:"file" yaml:"file"`

	// QueueLen bounds records waiting for the writer.
	QueueLen int `json:"queueLen" yaml:"queueLen"`
}

// FirewallConfig contains configuration for the iptables rules.
type FirewallConfig struct {
	// Enabled installs the NFQUEUE rules at startup.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Table is the iptables table.
	Table string `json:"table" yaml:"table"`

	// Chains are the diverted chains.
	Chains []string `json:"chains" yaml:"chains"`

	// Bypass adds --queue-bypass.
	Bypass bool `json:"bypass" yaml:"bypass"`
}

// MetricsConfig contains configuration for metrics.
type MetricsConfig struct {
	// Addr is the listen address of /metrics and /health, empty disables.
	Addr string `json:"addr" yaml:"addr"`

	// Interval is the period of the metrics log line, zero disables.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// JSON switches to the JSON formatter.
	JSON bool `json:"json" yaml:"json"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: core.DefaultEffectConfig(),
		Queue: QueueConfig{
			Num:         1,
			MaxQueueLen: 4096,
		},
		Dispatcher: DispatcherConfig{
			Workers:      256,
			QueueLen:     4096,
			Overload:     "accept",
			BlockTimeout: time.Second,
		},
		Capture: CaptureConfig{
			QueueLen: 4096,
		},
		Firewall: FirewallConfig{
			Enabled: true,
			Table:   "filter",
			Chains:  []string{"OUTPUT"},
		},
		Metrics: MetricsConfig{
			Interval: 0,
			Format:   "text",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

func envBool(val string) bool {
	b, err := strconv.ParseBool(val)
	return err == nil && b
}

// LoadFromEnv loads configuration from NFQFX_* environment variables.
// Unparsable numeric values are reported, not ignored.
func LoadFromEnv(config *Config) error {
	// Engine config
	if val := env("MODE"); val != "" {
		m, err := core.ParseMode(val)
		if err != nil {
			return fmt.Errorf("%sMODE: %w", EnvPrefix, err)
		}
		config.Engine.Mode = m
	}
	if val := env("TARGET"); val != "" {
		config.Engine.Target = val
	}
	if val := env("SEED"); val != "" {
		seed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%sSEED: %w", EnvPrefix, err)
		}
		config.Engine.Seed = seed
	}
	if val := env("HISTORY_CAPACITY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%sHISTORY_CAPACITY: %w", EnvPrefix, err)
		}
		config.Engine.HistoryCapacity = n
	}

	// Queue config
	if val := env("QUEUE_NUM"); val != "" {
		n, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return fmt.Errorf("%sQUEUE_NUM: %w", EnvPrefix, err)
		}
		config.Queue.Num = uint16(n)
	}

	// Dispatcher config
	if val := env("WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		config.Dispatcher.Workers = n
	}
	if val := env("DISPATCH_QUEUE_LEN"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%sDISPATCH_QUEUE_LEN: %w", EnvPrefix, err)
		}
		config.Dispatcher.QueueLen = n
	}
	if val := env("OVERLOAD_POLICY"); val != "" {
		config.Dispatcher.Overload = val
	}

	// Capture config
	if val := env("CAPTURE_FILE"); val != "" {
		config.Capture.File = val
	}

	// Firewall config
	if val := env("IPTABLES"); val != "" {
		config.Firewall.Enabled = envBool(val)
	}
	if val := env("QUEUE_BYPASS"); val != "" {
		config.Firewall.Bypass = envBool(val)
	}

	// Metrics config
	if val := env("METRICS_ADDR"); val != "" {
		config.Metrics.Addr = val
	}
	if val := env("METRICS_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%sMETRICS_INTERVAL: %w", EnvPrefix, err)
		}
		config.Metrics.Interval = d
	}
	if val := env("METRICS_FORMAT"); val != "" {
		config.Metrics.Format = strings.ToLower(val)
	}

	// Logging config
	if val := env("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := env("LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := env("LOG_JSON"); val != "" {
		config.Logging.JSON = envBool(val)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.QueueLen < 0 {
		return fmt.Errorf("invalid dispatch queue length: %d", c.Dispatcher.QueueLen)
	}
	switch strings.ToLower(c.Dispatcher.Overload) {
	case "", "accept", "block":
	default:
		return fmt.Errorf("invalid overload policy: %s", c.Dispatcher.Overload)
	}
	if c.Dispatcher.BlockTimeout < 0 {
		return fmt.Errorf("invalid block timeout: %s", c.Dispatcher.BlockTimeout)
	}

	if c.Capture.QueueLen < 0 {
		return fmt.Errorf("invalid capture queue length: %d", c.Capture.QueueLen)
	}

	if c.Firewall.Enabled && len(c.Firewall.Chains) == 0 {
		return fmt.Errorf("firewall enabled without chains")
	}

	switch c.Metrics.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid metrics format: %s", c.Metrics.Format)
	}
	if c.Metrics.Interval < 0 {
		return fmt.Errorf("invalid metrics interval: %s", c.Metrics.Interval)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)
	logging.SetJSON(c.Logging.JSON)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			c.Logging.File,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// EffectConfig returns the effect parameters.
func (c *Config) EffectConfig() core.EffectConfig {
	return c.Engine
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
