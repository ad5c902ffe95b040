// Package config loads the daemon configuration from a YAML file in the
// config directory, applies defaults and WARPVAULT_* environment overrides
// and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

const (
	FileName = "config.yaml"
	appDir   = "warpvault"

	DEF_SOCKET_NAME   = "warpvault.sock"
	DEF_DATABASE_NAME = "warpvault.db"
	DEF_AUDIT_NAME    = "audit.jsonl"
	DEF_KNOWN_HOSTS   = "known_hosts"

	DEF_PROBE_INTERVAL  = time.Minute
	DEF_VERIFY_TIMEOUT  = 2 * time.Minute
	DEF_RATE_LIMIT      = 50.0
	DEF_RATE_BURST      = 100
	DEF_STATS_RECORDS   = 10000
	DEF_STATS_RETENTION = 90 * 24 * time.Hour
)

// Duration is a time.Duration written as "90s" or "5m" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

type CatalogConfig struct {
	Root string `yaml:"root"`
}

type EngineConfig struct {
	MaxConcurrentTransfers int      `yaml:"max_concurrent_transfers"`
	StopGracePeriod        Duration `yaml:"stop_grace_period"`
	// Verification is skip, simple or full.
	Verification string   `yaml:"verification"`
	PruneAfter   Duration `yaml:"prune_after"`
	// Compression overrides the transfer syntax per modality.
	Compression map[string]string `yaml:"compression,omitempty"`
}

type RetryConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	BaseInterval      Duration `yaml:"base_interval"`
	MaxInterval       Duration `yaml:"max_interval"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	IntegrityRetries  int      `yaml:"integrity_retries"`
}

type RoutingConfig struct {
	Mirroring         bool     `yaml:"mirroring"`
	MirrorPolicy      string   `yaml:"mirror_policy"`
	FailoverThreshold float64  `yaml:"failover_threshold"`
	ErrorWindow       Duration `yaml:"error_window"`
	MinSamples        int      `yaml:"min_samples"`
	ProbeInterval     Duration `yaml:"probe_interval"`
}

type SchedulerConfig struct {
	// SeedDefaults installs the smart schedules into an empty schedule book.
	SeedDefaults  bool                `yaml:"seed_defaults"`
	SkipPeakHours bool                `yaml:"skip_peak_hours"`
	PeakHours     scheduler.PeakHours `yaml:"peak_hours"`
}

type SmartConfig struct {
	// Script is a JavaScript classifier. Empty uses the rule table.
	Script  string   `yaml:"script"`
	Timeout Duration `yaml:"timeout"`
}

type MonitorConfig struct {
	Interval       Duration `yaml:"interval"`
	StallThreshold Duration `yaml:"stall_threshold"`
	MinFreeBytes   uint64   `yaml:"min_free_bytes"`
}

type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int64  `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
}

type StatsConfig struct {
	MaxRecords int      `yaml:"max_records"`
	Retention  Duration `yaml:"retention"`
}

type TransportConfig struct {
	KnownHosts    string   `yaml:"known_hosts"`
	SSHKey        string   `yaml:"ssh_key"`
	Proxy         string   `yaml:"proxy"`
	DialTimeout   Duration `yaml:"dial_timeout"`
	VerifyTimeout Duration `yaml:"verify_timeout"`
	// Bandwidth is a global limit such as "10MB"; empty is unlimited.
	Bandwidth string `yaml:"bandwidth"`
	CallingAE string `yaml:"calling_ae"`
	StoreSCU  string `yaml:"storescu"`
	FindSCU   string `yaml:"findscu"`
	TempDir   string `yaml:"temp_dir"`
}

type RPCConfig struct {
	// Secret is the bearer token of the TCP listener. Empty disables it.
	Secret string `yaml:"secret"`
	// Listen is an optional TCP address, e.g. "127.0.0.1:3850".
	Listen    string  `yaml:"listen"`
	Socket    string  `yaml:"socket"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Debug bool   `yaml:"debug"`
}

// Config is the daemon configuration.
type Config struct {
	StateDir  string          `yaml:"state_dir"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Engine    EngineConfig    `yaml:"engine"`
	Retry     RetryConfig     `yaml:"retry"`
	Routing   RoutingConfig   `yaml:"routing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Smart     SmartConfig     `yaml:"smart"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Audit     AuditConfig     `yaml:"audit"`
	Stats     StatsConfig     `yaml:"stats"`
	Transport TransportConfig `yaml:"transport"`
	RPC       RPCConfig       `yaml:"rpc"`
	Log       LogConfig       `yaml:"log"`

	// dir is the config directory the file was loaded from.
	dir string
}

// Dir returns the configuration directory: $WARPVAULT_CONFIG_DIR or
// warpvault under the user config directory.
func Dir() (string, error) {
	if d := os.Getenv(common.ConfigDirEnv); d != "" {
		return d, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDir), nil
}

// Default returns the default configuration rooted at dir.
func Default(dir string) *Config {
	c := &Config{
		dir: dir,
		Scheduler: SchedulerConfig{
			SeedDefaults: true,
		},
	}
	c.applyDefaults()
	return c
}

// ConfigDir returns the directory the configuration belongs to.
func (c *Config) ConfigDir() string {
	return c.dir
}

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = c.dir
	}
	if c.Engine.MaxConcurrentTransfers == 0 {
		c.Engine.MaxConcurrentTransfers = vaultlib.DEF_MAX_CONCURRENT_TRANSFERS
	}
	if c.Engine.StopGracePeriod == 0 {
		c.Engine.StopGracePeriod = Duration(vaultlib.DEF_STOP_GRACE_PERIOD)
	}
	if c.Engine.Verification == "" {
		c.Engine.Verification = string(vaultlib.VerifyFull)
	}
	if c.Engine.PruneAfter == 0 {
		c.Engine.PruneAfter = Duration(vaultlib.DEF_PRUNE_AFTER)
	}
	if c.Retry == (RetryConfig{}) {
		d := vaultlib.DefaultRetryConfig()
		c.Retry = RetryConfig{
			MaxRetries:        d.MaxRetries,
			BaseInterval:      Duration(d.BaseInterval),
			MaxInterval:       Duration(d.MaxInterval),
			BackoffMultiplier: d.BackoffMultiplier,
			IntegrityRetries:  d.IntegrityRetries,
		}
	}
	r := vaultlib.DefaultRegistryConfig()
	if c.Routing.MirrorPolicy == "" {
		c.Routing.MirrorPolicy = string(r.MirrorPolicy)
	}
	if c.Routing.FailoverThreshold == 0 {
		c.Routing.FailoverThreshold = r.FailoverThreshold
	}
	if c.Routing.ErrorWindow == 0 {
		c.Routing.ErrorWindow = Duration(r.ErrorWindow)
	}
	if c.Routing.MinSamples == 0 {
		c.Routing.MinSamples = r.MinSamples
	}
	if c.Routing.ProbeInterval == 0 {
		c.Routing.ProbeInterval = Duration(DEF_PROBE_INTERVAL)
	}
	if c.Scheduler.PeakHours == (scheduler.PeakHours{}) {
		c.Scheduler.PeakHours = scheduler.DefaultPeakHours
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = Duration(vaultlib.DEF_MONITOR_INTERVAL)
	}
	if c.Monitor.StallThreshold == 0 {
		c.Monitor.StallThreshold = Duration(vaultlib.DEF_STALL_THRESHOLD)
	}
	if c.Monitor.MinFreeBytes == 0 {
		c.Monitor.MinFreeBytes = vaultlib.DEF_MIN_FREE_BYTES
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.StateDir, DEF_AUDIT_NAME)
	}
	if c.Audit.MaxSize == 0 {
		c.Audit.MaxSize = vaultlib.DEF_AUDIT_MAX_SIZE
	}
	if c.Audit.MaxBackups == 0 {
		c.Audit.MaxBackups = vaultlib.DEF_AUDIT_MAX_BACKUPS
	}
	if c.Stats.MaxRecords == 0 {
		c.Stats.MaxRecords = DEF_STATS_RECORDS
	}
	if c.Stats.Retention == 0 {
		c.Stats.Retention = Duration(DEF_STATS_RETENTION)
	}
	if c.Transport.KnownHosts == "" {
		c.Transport.KnownHosts = filepath.Join(c.StateDir, DEF_KNOWN_HOSTS)
	}
	if c.Transport.VerifyTimeout == 0 {
		c.Transport.VerifyTimeout = Duration(DEF_VERIFY_TIMEOUT)
	}
	if c.RPC.Socket == "" {
		c.RPC.Socket = filepath.Join(os.TempDir(), DEF_SOCKET_NAME)
	}
	if c.RPC.RateLimit == 0 {
		c.RPC.RateLimit = DEF_RATE_LIMIT
	}
	if c.RPC.RateBurst == 0 {
		c.RPC.RateBurst = DEF_RATE_BURST
	}
}

// DatabasePath returns the state database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, DEF_DATABASE_NAME)
}

// Load reads dir/config.yaml. A missing file yields the defaults. Env
// overrides are applied before validation.
func Load(dir string) (*Config, error) {
	return load(dir, os.LookupEnv)
}

func load(dir string, lookup func(string) (string, bool)) (*Config, error) {
	c := &Config{dir: dir, Scheduler: SchedulerConfig{SeedDefaults: true}}
	f, err := os.Open(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		defer f.Close()
		if err := c.decode(f); err != nil {
			return nil, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if err := c.applyEnv(lookup); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return invalid(fmt.Errorf("parse %s: %w", FileName, err))
	}
	return nil
}

// Save writes the configuration to dir/config.yaml.
func (c *Config) Save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, FileName), buf.Bytes(), 0600)
}

// applyEnv overrides file values with WARPVAULT_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		common.StateDirEnv:     &c.StateDir,
		common.CatalogRootEnv:  &c.Catalog.Root,
		common.SocketPathEnv:   &c.RPC.Socket,
		common.RPCListenEnv:    &c.RPC.Listen,
		common.RPCSecretEnv:    &c.RPC.Secret,
		common.VerificationEnv: &c.Engine.Verification,
		common.BandwidthEnv:    &c.Transport.Bandwidth,
		common.SmartScriptEnv:  &c.Smart.Script,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(common.MaxConcurrentEnv); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(fmt.Errorf("%s: %w", common.MaxConcurrentEnv, err))
		}
		c.Engine.MaxConcurrentTransfers = n
	}
	if v, ok := lookup(common.DebugEnv); ok {
		c.Log.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	return nil
}

// Validate checks the configuration. The error is a ConfigurationInvalid
// TransferError listing every problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if c.Catalog.Root == "" {
		add("catalog.root is required")
	}
	if c.Engine.MaxConcurrentTransfers < 1 {
		add("engine.max_concurrent_transfers must be at least 1")
	}
	if _, err := vaultlib.ParseVerificationMode(c.Engine.Verification); err != nil {
		add("engine.verification: %v", err)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.IntegrityRetries < 0 {
		add("retry counts must not be negative")
	}
	if c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		add("retry.backoff_multiplier must be at least 1")
	}
	if c.Retry.MaxInterval != 0 && c.Retry.MaxInterval < c.Retry.BaseInterval {
		add("retry.max_interval is below retry.base_interval")
	}
	if _, err := vaultlib.ParseMirrorPolicy(c.Routing.MirrorPolicy); err != nil {
		add("routing.mirror_policy: %v", err)
	}
	if c.Routing.FailoverThreshold <= 0 || c.Routing.FailoverThreshold > 1 {
		add("routing.failover_threshold must be in (0, 1]")
	}
	for _, h := range []int{c.Scheduler.PeakHours.Start, c.Scheduler.PeakHours.End} {
		if h < 0 || h > 23 {
			add("scheduler.peak_hours must be hours between 0 and 23")
			break
		}
	}
	if c.Transport.Bandwidth != "" {
		if _, err := vaultlib.ParseSpeedLimit(c.Transport.Bandwidth); err != nil {
			add("transport.bandwidth: %v", err)
		}
	}
	if c.RPC.RateLimit < 0 || c.RPC.RateBurst < 0 {
		add("rpc.rate_limit and rpc.rate_burst must not be negative")
	}
	if len(errs) == 0 {
		return nil
	}
	return invalid(errors.Join(errs...))
}

func invalid(err error) error {
	return vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, "", "config", err)
}
