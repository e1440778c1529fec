// Package config loads ffbatch settings from a YAML file, FFBATCH_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/ffbatch/internal/cgroups"
	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/executor"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/manifest"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/orchestrator"
	"github.com/psantana5/ffbatch/pkg/progress"
	"github.com/psantana5/ffbatch/pkg/retry"
	"github.com/psantana5/ffbatch/pkg/scheduler"
	"github.com/psantana5/ffbatch/pkg/sink"
	"github.com/psantana5/ffbatch/pkg/store"
	"github.com/psantana5/ffbatch/pkg/tracing"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FFBATCH"

// KeysEnv holds comma separated credential secrets
const KeysEnv = "FFBATCH_API_KEYS"

// Config is the complete ffbatch configuration
type Config struct {
	Batch       BatchConfig       `mapstructure:"batch" yaml:"batch" json:"batch"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials" json:"credentials"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store" json:"store"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry" json:"retry"`
	Executor    ExecutorConfig    `mapstructure:"executor" yaml:"executor" json:"executor"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output" json:"output"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server" json:"server"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Log         LogConfig         `mapstructure:"log" yaml:"log" json:"log"`
}

type BatchConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers" yaml:"max_workers" json:"max_workers"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout" yaml:"task_timeout" json:"task_timeout"`
	FailureThreshold float64       `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	SkipExisting     bool          `mapstructure:"skip_existing" yaml:"skip_existing" json:"skip_existing"`
	HashSources      bool          `mapstructure:"hash_sources" yaml:"hash_sources" json:"hash_sources"`
	ProgressWindow   int           `mapstructure:"progress_window" yaml:"progress_window" json:"progress_window"`
}

type CredentialsConfig struct {
	// Keys are never printed; see Redacted.
	Keys              []string      `mapstructure:"keys" yaml:"keys" json:"keys"`
	QuotaCooldown     time.Duration `mapstructure:"quota_cooldown" yaml:"quota_cooldown" json:"quota_cooldown"`
	TransientCooldown time.Duration `mapstructure:"transient_cooldown" yaml:"transient_cooldown" json:"transient_cooldown"`
	FailureThreshold  int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	QuotaEstimate     int           `mapstructure:"quota_estimate" yaml:"quota_estimate" json:"quota_estimate"`
}

type CheckpointConfig struct {
	Dir              string        `mapstructure:"dir" yaml:"dir" json:"dir"`
	EveryCompletions int           `mapstructure:"every_completions" yaml:"every_completions" json:"every_completions"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	Keep             int           `mapstructure:"keep" yaml:"keep" json:"keep"`
}

type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type" json:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

type RetryConfig struct {
	InitialBackoff     time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" json:"max_backoff"`
	Multiplier         float64       `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
	Jitter             float64       `mapstructure:"jitter" yaml:"jitter" json:"jitter"`
	MaxWriteRetries    int           `mapstructure:"max_write_retries" yaml:"max_write_retries" json:"max_write_retries"`
	IsolationThreshold int           `mapstructure:"isolation_threshold" yaml:"isolation_threshold" json:"isolation_threshold"`
	IsolateFor         time.Duration `mapstructure:"isolate_for" yaml:"isolate_for" json:"isolate_for"`
	BudgetPerHour      int           `mapstructure:"budget_per_hour" yaml:"budget_per_hour" json:"budget_per_hour"`
	BudgetPerDay       int           `mapstructure:"budget_per_day" yaml:"budget_per_day" json:"budget_per_day"`
}

type ExecutorConfig struct {
	Command        string        `mapstructure:"command" yaml:"command" json:"command"`
	Args           []string      `mapstructure:"args" yaml:"args" json:"args"`
	APIKeyEnv      string        `mapstructure:"api_key_env" yaml:"api_key_env" json:"api_key_env"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	KillGrace      time.Duration `mapstructure:"kill_grace" yaml:"kill_grace" json:"kill_grace"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes" json:"max_output_bytes"`
	Extensions     []string      `mapstructure:"extensions" yaml:"extensions" json:"extensions"`
	MaxSourceBytes int64         `mapstructure:"max_source_bytes" yaml:"max_source_bytes" json:"max_source_bytes"`
	CPUMax         string        `mapstructure:"cpu_max" yaml:"cpu_max" json:"cpu_max"`
	MemoryMax      int64         `mapstructure:"memory_max" yaml:"memory_max" json:"memory_max"`
	CgroupRoot     string        `mapstructure:"cgroup_root" yaml:"cgroup_root" json:"cgroup_root"`
}

type OutputConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir" json:"dir"`
	Suffix string `mapstructure:"suffix" yaml:"suffix" json:"suffix"`
	Backup bool   `mapstructure:"backup" yaml:"backup" json:"backup"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen" json:"listen"`
	// URL is where the remote control commands find a running batch
	URL     string `mapstructure:"url" yaml:"url" json:"url"`
	Token   string `mapstructure:"token" yaml:"token" json:"token"`
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert" json:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key" yaml:"tls_key" json:"tls_key"`
	TLSCA   string `mapstructure:"tls_ca" yaml:"tls_ca" json:"tls_ca"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure" json:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" json:"sample_ratio"`
	Environment string  `mapstructure:"environment" yaml:"environment" json:"environment"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json" json:"json"`
	File  bool   `mapstructure:"file" yaml:"file" json:"file"`
}

// SetDefaults registers a default for every key so environment overrides
// are picked up by Unmarshal
func SetDefaults(v *viper.Viper) {
	pool := scheduler.DefaultConfig()
	creds := credentials.DefaultConfig()
	cp := checkpoint.DefaultConfig()
	policy := retry.DefaultPolicy()

	v.SetDefault("batch.max_workers", pool.MaxWorkers)
	v.SetDefault("batch.max_retries", pool.Limits.MaxRetries)
	v.SetDefault("batch.task_timeout", pool.TaskTimeout)
	v.SetDefault("batch.failure_threshold", 1.0)
	v.SetDefault("batch.skip_existing", true)
	v.SetDefault("batch.hash_sources", false)
	v.SetDefault("batch.progress_window", progress.DefaultConfig().WindowSize)

	v.SetDefault("credentials.keys", []string{})
	v.SetDefault("credentials.quota_cooldown", creds.QuotaCooldown)
	v.SetDefault("credentials.transient_cooldown", creds.TransientCooldown)
	v.SetDefault("credentials.failure_threshold", creds.FailureThreshold)
	v.SetDefault("credentials.quota_estimate", 0)

	v.SetDefault("checkpoint.dir", cp.Dir)
	v.SetDefault("checkpoint.every_completions", cp.EveryCompletions)
	v.SetDefault("checkpoint.interval", cp.Interval)
	v.SetDefault("checkpoint.keep", cp.Keep)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "")

	v.SetDefault("retry.initial_backoff", policy.InitialBackoff)
	v.SetDefault("retry.max_backoff", policy.MaxBackoff)
	v.SetDefault("retry.multiplier", policy.BackoffMultiplier)
	v.SetDefault("retry.jitter", policy.Jitter)
	v.SetDefault("retry.max_write_retries", pool.Limits.MaxResultWriteRetries)
	v.SetDefault("retry.isolation_threshold", pool.Limits.IsolationThreshold)
	v.SetDefault("retry.isolate_for", pool.IsolateFor)
	v.SetDefault("retry.budget_per_hour", 0)
	v.SetDefault("retry.budget_per_day", 0)

	v.SetDefault("executor.command", "")
	v.SetDefault("executor.args", []string{"{source}"})
	v.SetDefault("executor.api_key_env", executor.DefaultSecretEnv)
	v.SetDefault("executor.timeout", pool.TaskTimeout)
	v.SetDefault("executor.kill_grace", 5*time.Second)
	v.SetDefault("executor.max_output_bytes", 8<<20)
	v.SetDefault("executor.extensions", executor.SupportedExtensions)
	v.SetDefault("executor.max_source_bytes", int64(0))
	v.SetDefault("executor.cpu_max", "")
	v.SetDefault("executor.memory_max", int64(0))
	v.SetDefault("executor.cgroup_root", cgroups.DefaultRoot)

	v.SetDefault("output.dir", "")
	v.SetDefault("output.suffix", manifest.DefaultSuffix)
	v.SetDefault("output.backup", false)

	v.SetDefault("server.listen", "")
	v.SetDefault("server.url", "http://localhost:8090")
	v.SetDefault("server.token", "")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.tls_ca", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "production")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
}

// NewViper returns a viper instance with defaults and environment binding.
// FFBATCH_BATCH_MAX_WORKERS overrides batch.max_workers and so on.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("credentials.keys", KeysEnv, "FFBATCH_CREDENTIALS_KEYS")
	return v
}

// ReadFile reads path into v. An empty path searches $HOME/.ffbatch and the
// working directory for config.yaml and tolerates it being absent.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".ffbatch"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load unmarshals and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Credentials.Keys = splitKeys(cfg.Credentials.Keys)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile is NewViper, ReadFile and Load in one call
func LoadFile(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Load(v)
}

// splitKeys accepts both YAML lists and a single comma separated value
func splitKeys(raw []string) []string {
	var keys []string
	for _, r := range raw {
		for _, k := range strings.Split(r, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Validate rejects settings the orchestrator cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Batch.MaxWorkers > 0, "batch.max_workers must be positive, got %d", c.Batch.MaxWorkers)
	check(c.Batch.MaxRetries >= 0, "batch.max_retries must not be negative")
	check(c.Batch.TaskTimeout >= 0, "batch.task_timeout must not be negative")
	check(c.Batch.FailureThreshold >= 0 && c.Batch.FailureThreshold <= 1,
		"batch.failure_threshold must be within [0,1], got %v", c.Batch.FailureThreshold)
	check(c.Batch.ProgressWindow >= 0, "batch.progress_window must not be negative")

	check(c.Credentials.QuotaCooldown >= 0, "credentials.quota_cooldown must not be negative")
	check(c.Credentials.TransientCooldown >= 0, "credentials.transient_cooldown must not be negative")
	check(c.Credentials.FailureThreshold > 0, "credentials.failure_threshold must be positive")
	check(c.Credentials.QuotaEstimate >= 0, "credentials.quota_estimate must not be negative")

	check(c.Checkpoint.Dir != "", "checkpoint.dir is required")
	check(c.Checkpoint.EveryCompletions >= 0, "checkpoint.every_completions must not be negative")
	check(c.Checkpoint.Interval >= 0, "checkpoint.interval must not be negative")
	check(c.Checkpoint.Keep >= 0, "checkpoint.keep must not be negative")

	switch c.Store.Type {
	case "", "memory":
	case "sqlite":
		check(c.Store.Path != "" || c.Store.DSN != "", "store.path is required for sqlite")
	case "postgres", "postgresql":
		check(c.Store.DSN != "", "store.dsn is required for postgres")
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not one of memory, sqlite, postgres", c.Store.Type))
	}

	check(c.Retry.InitialBackoff >= 0 && c.Retry.MaxBackoff >= 0, "retry backoff must not be negative")
	check(c.Retry.MaxBackoff == 0 || c.Retry.MaxBackoff >= c.Retry.InitialBackoff,
		"retry.max_backoff must be at least retry.initial_backoff")
	check(c.Retry.Multiplier == 0 || c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be within [0,1]")
	check(c.Retry.MaxWriteRetries >= 0, "retry.max_write_retries must not be negative")
	check(c.Retry.BudgetPerHour >= 0 && c.Retry.BudgetPerDay >= 0, "retry budget must not be negative")

	check(c.Executor.Timeout >= 0, "executor.timeout must not be negative")
	check(c.Executor.MaxOutputBytes >= 0, "executor.max_output_bytes must not be negative")
	if err := c.limits().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("executor limits: %w", err))
	}

	check((c.Server.TLSCert == "") == (c.Server.TLSKey == ""), "server.tls_cert and server.tls_key must be set together")

	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0,1]")
	check(!c.Tracing.Enabled || c.Tracing.Endpoint != "", "tracing.endpoint is required when tracing is enabled")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RequireRunnable adds the checks that only matter when a batch is executed
func (c *Config) RequireRunnable() error {
	if len(c.Credentials.Keys) == 0 {
		return fmt.Errorf("no credentials configured: set credentials.keys or %s", KeysEnv)
	}
	if strings.TrimSpace(c.Executor.Command) == "" {
		return errors.New("executor.command is required to run a batch")
	}
	return nil
}

// Redacted returns a copy safe to print
func (c Config) Redacted() Config {
	masked := make([]string, len(c.Credentials.Keys))
	for i, k := range c.Credentials.Keys {
		masked[i] = models.Mask(k)
	}
	c.Credentials.Keys = masked
	if c.Store.DSN != "" {
		c.Store.DSN = "<redacted>"
	}
	if c.Server.Token != "" {
		c.Server.Token = "<redacted>"
	}
	return c
}

// Orchestrator builds the orchestrator configuration
func (c *Config) Orchestrator() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.MaxWorkers = c.Batch.MaxWorkers
	oc.FailureThreshold = c.Batch.FailureThreshold
	oc.SkipExisting = c.Batch.SkipExisting
	oc.HashSources = c.Batch.HashSources

	oc.Pool.MaxWorkers = c.Batch.MaxWorkers
	oc.Pool.TaskTimeout = c.Batch.TaskTimeout
	if c.Executor.Timeout > 0 && (oc.Pool.TaskTimeout == 0 || c.Executor.Timeout < oc.Pool.TaskTimeout) {
		oc.Pool.TaskTimeout = c.Executor.Timeout
	}
	if c.Retry.IsolateFor > 0 {
		oc.Pool.IsolateFor = c.Retry.IsolateFor
	}
	oc.Pool.Limits = retry.Limits{
		MaxRetries:            c.Batch.MaxRetries,
		MaxResultWriteRetries: c.Retry.MaxWriteRetries,
		IsolationThreshold:    c.Retry.IsolationThreshold,
	}
	oc.Pool.Policy = retry.Policy{
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.Multiplier,
		Jitter:            c.Retry.Jitter,
	}

	oc.Checkpoint = checkpoint.Config{
		Dir:              c.Checkpoint.Dir,
		EveryCompletions: c.Checkpoint.EveryCompletions,
		Interval:         c.Checkpoint.Interval,
		Keep:             c.Checkpoint.Keep,
	}
	oc.Credentials = credentials.Config{
		QuotaCooldown:     c.Credentials.QuotaCooldown,
		TransientCooldown: c.Credentials.TransientCooldown,
		FailureThreshold:  c.Credentials.FailureThreshold,
		QuotaEstimate:     c.Credentials.QuotaEstimate,
	}
	if c.Batch.ProgressWindow > 0 {
		oc.Progress.WindowSize = c.Batch.ProgressWindow
	}
	return oc
}

// CommandExecutor builds the executor configuration
func (c *Config) CommandExecutor() executor.Config {
	return executor.Config{
		Command:        c.Executor.Command,
		Args:           c.Executor.Args,
		SecretEnv:      c.Executor.APIKeyEnv,
		MaxOutputBytes: c.Executor.MaxOutputBytes,
		KillGrace:      c.Executor.KillGrace,
		Limits:         c.limits(),
		CgroupRoot:     c.Executor.CgroupRoot,
	}
}

func (c *Config) limits() cgroups.Limits {
	return cgroups.Limits{CPUMax: c.Executor.CPUMax, MemoryMax: c.Executor.MemoryMax}
}

// Sink builds the result sink configuration
func (c *Config) Sink() sink.Config {
	return sink.Config{Backup: c.Output.Backup}
}

// ScanOptions builds directory scan options writing next to outputDir
func (c *Config) ScanOptions(outputDir string, recursive bool) manifest.ScanOptions {
	if outputDir == "" {
		outputDir = c.Output.Dir
	}
	return manifest.ScanOptions{
		OutputDir:  outputDir,
		Extensions: c.Executor.Extensions,
		Recursive:  recursive,
		Suffix:     c.Output.Suffix,
	}
}

// StoreConfig builds the task persister configuration
func (c *Config) StoreConfig() store.Config {
	return store.Config{Type: c.Store.Type, DSN: c.Store.DSN, Path: c.Store.Path}
}

// TracingConfig builds the tracing configuration
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "ffbatch",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Insecure:       c.Tracing.Insecure,
		SampleRatio:    c.Tracing.SampleRatio,
		Enabled:        c.Tracing.Enabled,
	}
}

// Budget returns the retry budget, or nil when no limit is configured
func (c *Config) Budget() *retry.Budget {
	if c.Retry.BudgetPerHour == 0 && c.Retry.BudgetPerDay == 0 {
		return nil
	}
	return retry.NewBudget(c.Retry.BudgetPerHour, c.Retry.BudgetPerDay)
}

// Logger builds the process logger for component
func (c *Config) Logger(component string) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Log.Level)
	if c.Log.File {
		return logging.NewFileLogger(component, level, c.Log.JSON)
	}
	return logging.New(level, c.Log.JSON).WithComponent(component), nil
}
