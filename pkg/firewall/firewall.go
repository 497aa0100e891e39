// Package firewall diverts traffic into the NFQUEUE queue with iptables
// rules and removes exactly those rules on teardown.
package firewall

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nfqfx/pkg/logging"
)

const DefaultTable = "filter"

// DefaultChains are diverted when no chain is configured.
var DefaultChains = []string{"OUTPUT"}

// Runner is the subset of iptables the provisioner needs.
type Runner interface {
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// Config describes the diversion.
type Config struct {
	Table    string
	Chains   []string
	QueueNum uint16
	// Bypass lets traffic through when no program listens on the queue.
	Bypass bool
}

type installed struct {
	chain string
	spec  []string
}

// Rules installs and tears down the NFQUEUE rules.
type Rules struct {
	cfg    Config
	runner Runner
	log    *logrus.Entry

	mu        sync.Mutex
	installed []installed
}

// New uses the system iptables binary.
func New(cfg Config) (*Rules, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	return NewWithRunner(cfg, ipt), nil
}

// NewWithRunner uses r to apply rules.
func NewWithRunner(cfg Config, r Runner) *Rules {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = DefaultChains
	}
	return &Rules{
		cfg:    cfg,
		runner: r,
		log:    logging.Component("firewall").WithField("table", cfg.Table),
	}
}

// RuleSpec returns the rule appended to every chain.
func (r *Rules) RuleSpec() []string {
	spec := []string{"-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(r.cfg.QueueNum))}
	if r.cfg.Bypass {
		spec = append(spec, "--queue-bypass")
	}
	return spec
}

// Install appends the rule to each configured chain. On failure the rules
// already installed are removed again.
func (r *Rules) Install() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec := r.RuleSpec()
	for _, chain := range r.cfg.Chains {
		if err := r.runner.AppendUnique(r.cfg.Table, chain, spec...); err != nil {
			rerr := r.removeLocked()
			return errors.Join(fmt.Errorf("install rule on %s/%s: %w", r.cfg.Table, chain, err), rerr)
		}
		r.installed = append(r.installed, installed{chain: chain, spec: spec})
		r.log.WithField("chain", chain).Infof("diverting to queue %d", r.cfg.QueueNum)
	}
	return nil
}

// Remove deletes every rule Install added.
func (r *Rules) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked()
}

func (r *Rules) removeLocked() error {
	var errs []error
	for i := len(r.installed) - 1; i >= 0; i-- {
		rule := r.installed[i]
		if err := r.runner.DeleteIfExists(r.cfg.Table, rule.chain, rule.spec...); err != nil {
			errs = append(errs, fmt.Errorf("remove rule from %s/%s: %w", r.cfg.Table, rule.chain, err))
			continue
		}
		r.log.WithField("chain", rule.chain).Info("rule removed")
	}
	r.installed = nil
	return errors.Join(errs...)
}

// Installed returns the chains currently diverted
func (r *Rules) Installed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.installed))
	for i, rule := range r.installed {
		out[i] = rule.chain
	}
	return out
}
