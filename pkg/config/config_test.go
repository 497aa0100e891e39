package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nfqfx/pkg/core"
	"github.com/irctrakz/nfqfx/pkg/logging"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, core.ModePrint, c.Engine.Mode)
	assert.Equal(t, uint16(1), c.Queue.Num)
	assert.Equal(t, []string{"OUTPUT"}, c.Firewall.Chains)
	assert.Equal(t, c.Engine, c.EffectConfig())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfqfx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  mode: latency
  target: TCP
  latency: 250ms
queue:
  num: 7
dispatcher:
  workers: 32
  overload: block
  blockTimeout: 2s
firewall:
  chains: [OUTPUT, INPUT]
  bypass: true
metrics:
  addr: 127.0.0.1:9100
  interval: 30s
  format: json
`), 0644))

	c := DefaultConfig()
	require.NoError(t, LoadFromFile(path, c))
	require.NoError(t, c.Validate())

	assert.Equal(t, core.ModeLatency, c.Engine.Mode)
	assert.Equal(t, 250*time.Millisecond, c.Engine.Latency)
	assert.Equal(t, "TCP", c.Engine.Target)
	assert.Equal(t, 4096, c.Engine.HistoryCapacity)
	assert.Equal(t, uint16(7), c.Queue.Num)
	assert.Equal(t, 32, c.Dispatcher.Workers)
	assert.Equal(t, 2*time.Second, c.Dispatcher.BlockTimeout)
	assert.Equal(t, []string{"OUTPUT", "INPUT"}, c.Firewall.Chains)
	assert.True(t, c.Firewall.Bypass)
	assert.Equal(t, 30*time.Second, c.Metrics.Interval)
}

func TestLoadUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfqfx.toml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.Error(t, LoadFromFile(path, DefaultConfig()))
	assert.Error(t, LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"), DefaultConfig()))
}

func TestSaveAndReloadJSON(t *testing.T) {
	c := DefaultConfig()
	c.Engine.Mode = core.ModeRateLimit
	c.Engine.RateLimit = 2048
	c.Capture.File = "/tmp/out.pcap"

	path := filepath.Join(t.TempDir(), "nested", "nfqfx.json")
	require.NoError(t, c.SaveToFile(path))

	loaded := DefaultConfig()
	require.NoError(t, LoadFromFile(path, loaded))
	assert.Equal(t, c, loaded)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NFQFX_MODE", "packet-loss")
	t.Setenv("NFQFX_SEED", "99")
	t.Setenv("NFQFX_QUEUE_NUM", "12")
	t.Setenv("NFQFX_WORKERS", "8")
	t.Setenv("NFQFX_DISPATCH_QUEUE_LEN", "64")
	t.Setenv("NFQFX_IPTABLES", "false")
	t.Setenv("NFQFX_METRICS_INTERVAL", "15s")
	t.Setenv("NFQFX_METRICS_FORMAT", "JSON")
	t.Setenv("NFQFX_LOG_LEVEL", "debug")

	c := DefaultConfig()
	require.NoError(t, LoadFromEnv(c))
	assert.Equal(t, core.ModePacketLoss, c.Engine.Mode)
	assert.Equal(t, int64(99), c.Engine.Seed)
	assert.Equal(t, uint16(12), c.Queue.Num)
	assert.Equal(t, 8, c.Dispatcher.Workers)
	assert.Equal(t, 64, c.Dispatcher.QueueLen)
	assert.False(t, c.Firewall.Enabled)
	assert.Equal(t, 15*time.Second, c.Metrics.Interval)
	assert.Equal(t, "json", c.Metrics.Format)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestLoadFromEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("NFQFX_WORKERS", "many")
	assert.Error(t, LoadFromEnv(DefaultConfig()))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"latency":  func(c *Config) { c.Engine.Mode = core.ModeLatency },
		"overload": func(c *Config) { c.Dispatcher.Overload = "drop" },
		"workers":  func(c *Config) { c.Dispatcher.Workers = -1 },
		"queueLen": func(c *Config) { c.Dispatcher.QueueLen = -1 },
		"format":   func(c *Config) { c.Metrics.Format = "xml" },
		"level":    func(c *Config) { c.Logging.Level = "loud" },
		"chains":   func(c *Config) { c.Firewall.Chains = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestApplyLoggingWithFile(t *testing.T) {
	t.Cleanup(func() { logging.SetOutput(os.Stderr) })
	c := DefaultConfig()
	c.Logging.Level = "warn"
	c.Logging.File = filepath.Join(t.TempDir(), "logs", "nfqfx.log")
	require.NoError(t, c.ApplyLogging())
	_, err := os.Stat(filepath.Dir(c.Logging.File))
	assert.NoError(t, err)

	c.Logging.File = ""
	c.Logging.Level = "info"
	require.NoError(t, c.ApplyLogging())
}
