// Package config provides configuration types and defaults for cartrita.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/identity"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/provider"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Config holds all configuration options for the cartrita daemon.
type Config struct {
	// DataDir is the root directory for runtime state (journal, traces,
	// logs). Default: ~/.local/share/cartrita
	DataDir string `mapstructure:"data_dir"`

	Log          LogConfig          `mapstructure:"log"`
	API          APIConfig          `mapstructure:"api"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Session      SessionConfig      `mapstructure:"session"`
	Providers    []ProviderConfig   `mapstructure:"providers"`
	Supervisors  []SupervisorConfig `mapstructure:"supervisors"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Bus          BusConfig          `mapstructure:"bus"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Topology     TopologyConfig     `mapstructure:"topology"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// LogConfig holds structured logging options.
type LogConfig struct {
	// Path is the log file location. Empty uses <data_dir>/cartrita.log.
	Path string `mapstructure:"path"`
}

// APIConfig holds HTTP and WebSocket listener options.
type APIConfig struct {
	// Addr is the listen address (default: "localhost:8420").
	Addr string `mapstructure:"addr"`

	// AdminToken guards the /v1/admin routes. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`
}

// IdentityConfig holds the static credential table for the built-in
// verifier. Production deployments replace this with their own Verifier.
type IdentityConfig struct {
	Tokens []identity.StaticEntry `mapstructure:"tokens"`
}

// SessionConfig holds client session hub options.
type SessionConfig struct {
	// IdleTimeout expires sessions with no client traffic (default: 30m).
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ClientBufferBytes bounds the per-session unacked replay buffer
	// before submits are refused (default: 1 MiB).
	ClientBufferBytes int `mapstructure:"client_buffer_bytes"`

	// SubmitPerSecond and SubmitBurst shape the per-principal submit
	// rate limit (defaults: 10, 20).
	SubmitPerSecond float64 `mapstructure:"submit_per_second"`
	SubmitBurst     int     `mapstructure:"submit_burst"`

	// MaxSessions caps concurrently open sessions (default: 200).
	MaxSessions int `mapstructure:"max_sessions"`
}

// ProviderConfig declares one upstream model provider and its quotas.
type ProviderConfig struct {
	ID string `mapstructure:"id"`

	// RequestsPerWindow, TokensPerWindow, and MaxConcurrent map onto the
	// pool's admission quota for this provider.
	RequestsPerWindow int   `mapstructure:"requests_per_window"`
	TokensPerWindow   int64 `mapstructure:"tokens_per_window"`
	MaxConcurrent     int   `mapstructure:"max_concurrent"`

	Retry RetryConfig `mapstructure:"retry"`
}

// Quota converts the declared limits into a pool quota.
func (p ProviderConfig) Quota() provider.Quota {
	return provider.Quota{
		RequestsPerWindow: p.RequestsPerWindow,
		TokensPerWindow:   p.TokensPerWindow,
		MaxConcurrent:     p.MaxConcurrent,
	}
}

// RetryConfig shapes the exponential backoff applied to transient
// provider failures.
type RetryConfig struct {
	// MaxAttempts caps attempts per call (default: 5).
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialBackoff is the first retry delay (default: 1s).
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff is the retry delay ceiling (default: 30s).
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// SupervisorConfig declares one domain supervisor.
type SupervisorConfig struct {
	ID     string `mapstructure:"id"`
	Domain string `mapstructure:"domain"`

	// MaxInFlight caps concurrently dispatched assignments (default: 4).
	MaxInFlight int `mapstructure:"max_in_flight"`

	// QueueCapacity bounds the backlog of accepted assignments
	// (default: 16).
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// OrchestratorConfig holds root routing options.
type OrchestratorConfig struct {
	Classification ClassificationConfig `mapstructure:"classification"`
	Join           JoinConfig           `mapstructure:"join"`

	// DefaultTaskDeadline applies to submissions that set no deadline and
	// whose task type's catalog entry sets none either (default: 60s).
	DefaultTaskDeadline time.Duration `mapstructure:"default_task_deadline"`
}

// ClassificationConfig controls model-assisted routing for tasks whose
// type resolves to no domain.
type ClassificationConfig struct {
	// Enabled turns on the classification fallback (default: false,
	// meaning unroutable tasks fail fast with NoCapableAgent).
	Enabled bool `mapstructure:"enabled"`

	// Capability names the provider capability used for classification
	// calls (default: "intent.classify").
	Capability string `mapstructure:"capability"`
}

// JoinConfig controls how results from multiple supervisors combine.
type JoinConfig struct {
	// DefaultMode applies when a task type's catalog entry has no join
	// mode. Options: "all", "any", "quorum" (default: "all").
	DefaultMode string `mapstructure:"default_mode"`
}

// BusConfig holds message bus options.
type BusConfig struct {
	// MailboxCapacity bounds each agent mailbox (default: 64).
	MailboxCapacity int `mapstructure:"mailbox_capacity"`

	DropPolicy DropPolicyConfig `mapstructure:"drop_policy"`
}

// DropPolicyConfig selects behavior for full mailboxes per message class.
type DropPolicyConfig struct {
	// Partial selects what happens to partial-result messages on a full
	// mailbox. Options: "oldest" (displace the oldest partial) or
	// "newest" (drop the incoming one). Default: "oldest".
	Partial string `mapstructure:"partial"`
}

// JournalConfig holds write-ahead journal options.
type JournalConfig struct {
	// Path is the sqlite journal location. Empty uses
	// <data_dir>/journal.db.
	Path string `mapstructure:"path"`
}

// TopologyConfig holds agent layout options.
type TopologyConfig struct {
	// ManifestPath points at a topology YAML manifest. Empty uses the
	// embedded default layout.
	ManifestPath string `mapstructure:"manifest_path"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: <data_dir>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values. The defaults
// mirror what each component applies when its own knob is zero, so a
// written-out default config and an empty one behave identically.
func Defaults() Config {
	return Config{
		API: APIConfig{
			Addr: "localhost:8420",
		},
		Session: SessionConfig{
			IdleTimeout:       30 * time.Minute,
			ClientBufferBytes: 1 << 20,
			SubmitPerSecond:   10,
			SubmitBurst:       20,
			MaxSessions:       200,
		},
		Orchestrator: OrchestratorConfig{
			Classification: ClassificationConfig{
				Enabled:    false,
				Capability: "intent.classify",
			},
			Join: JoinConfig{
				DefaultMode: string(types.JoinAll),
			},
			DefaultTaskDeadline: 60 * time.Second,
		},
		Bus: BusConfig{
			MailboxCapacity: 64,
			DropPolicy:      DropPolicyConfig{Partial: "oldest"},
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// defaultDataDir resolves the platform data directory for runtime state.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cartrita"
	}
	return filepath.Join(home, ".local", "share", "cartrita")
}

// ApplyDefaults fills derived paths and per-entry zero values that the
// declarative Defaults cannot express (they depend on sibling fields).
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Log.Path == "" {
		c.Log.Path = filepath.Join(c.DataDir, "cartrita.log")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
	if c.Tracing.FilePath == "" {
		c.Tracing.FilePath = filepath.Join(c.DataDir, "traces", "traces.jsonl")
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = 4
		}
		if p.Retry.MaxAttempts == 0 {
			p.Retry.MaxAttempts = 5
		}
		if p.Retry.InitialBackoff == 0 {
			p.Retry.InitialBackoff = time.Second
		}
		if p.Retry.MaxBackoff == 0 {
			p.Retry.MaxBackoff = 30 * time.Second
		}
	}
	for i := range c.Supervisors {
		s := &c.Supervisors[i]
		if s.MaxInFlight == 0 {
			s.MaxInFlight = 4
		}
		if s.QueueCapacity == 0 {
			s.QueueCapacity = 16
		}
	}
}

// Validate checks the full configuration for errors.
// Returns nil if valid, or an error describing the first problem found.
func (c Config) Validate() error {
	if err := ValidateSession(c.Session); err != nil {
		return err
	}
	if err := ValidateProviders(c.Providers); err != nil {
		return err
	}
	if err := ValidateSupervisors(c.Supervisors); err != nil {
		return err
	}
	if err := ValidateOrchestrator(c.Orchestrator); err != nil {
		return err
	}
	if err := ValidateBus(c.Bus); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateSession checks session hub configuration for errors.
func ValidateSession(s SessionConfig) error {
	if s.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative, got %s", s.IdleTimeout)
	}
	if s.ClientBufferBytes < 0 {
		return fmt.Errorf("session.client_buffer_bytes must not be negative, got %d", s.ClientBufferBytes)
	}
	if s.SubmitPerSecond < 0 {
		return fmt.Errorf("session.submit_per_second must not be negative, got %g", s.SubmitPerSecond)
	}
	if s.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative, got %d", s.MaxSessions)
	}
	return nil
}

// ValidateProviders checks provider declarations for errors. IDs must be
// unique and each quota must pass the pool's own validation.
func ValidateProviders(providers []ProviderConfig) error {
	seen := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if err := p.Quota().Validate(); err != nil {
			return fmt.Errorf("providers[%d] (%s): %w", i, p.ID, err)
		}
		if p.Retry.MaxAttempts < 0 {
			return fmt.Errorf("providers[%d] (%s): retry.max_attempts must not be negative", i, p.ID)
		}
	}
	return nil
}

// ValidateSupervisors checks supervisor declarations for errors.
func ValidateSupervisors(supervisors []SupervisorConfig) error {
	seen := make(map[string]bool, len(supervisors))
	for i, s := range supervisors {
		if s.ID == "" {
			return fmt.Errorf("supervisors[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("supervisors[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Domain == "" {
			return fmt.Errorf("supervisors[%d] (%s): domain is required", i, s.ID)
		}
		if s.MaxInFlight < 0 {
			return fmt.Errorf("supervisors[%d] (%s): max_in_flight must not be negative", i, s.ID)
		}
		if s.QueueCapacity < 0 {
			return fmt.Errorf("supervisors[%d] (%s): queue_capacity must not be negative", i, s.ID)
		}
	}
	return nil
}

// ValidateOrchestrator checks root routing configuration for errors.
func ValidateOrchestrator(o OrchestratorConfig) error {
	if o.Join.DefaultMode != "" {
		switch types.JoinMode(o.Join.DefaultMode) {
		case types.JoinAll, types.JoinAny, types.JoinQuorum:
		default:
			return fmt.Errorf("orchestrator.join.default_mode must be \"all\", \"any\", or \"quorum\", got %q", o.Join.DefaultMode)
		}
	}
	if o.Classification.Enabled && o.Classification.Capability == "" {
		return fmt.Errorf("orchestrator.classification.capability is required when classification is enabled")
	}
	if o.DefaultTaskDeadline < 0 {
		return fmt.Errorf("orchestrator.default_task_deadline must not be negative, got %s", o.DefaultTaskDeadline)
	}
	return nil
}

// ValidateBus checks message bus configuration for errors.
func ValidateBus(b BusConfig) error {
	if b.MailboxCapacity < 0 {
		return fmt.Errorf("bus.mailbox_capacity must not be negative, got %d", b.MailboxCapacity)
	}
	switch b.DropPolicy.Partial {
	case "", "oldest", "newest":
	default:
		return fmt.Errorf("bus.drop_policy.partial must be \"oldest\" or \"newest\", got %q", b.DropPolicy.Partial)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if valid, or an error describing the problem.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}
	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	if tracing.SampleRate < 0 || tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %g", tracing.SampleRate)
	}
	return nil
}

// === Loading ===

// Load reads configuration from the given path, or from the standard
// lookup locations when path is empty: ./.cartrita/config.yaml first,
// then ~/.config/cartrita/config.yaml. A missing file is not an error;
// defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(".", ".cartrita"))
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cartrita"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		log.Debug(log.CatConfig, "No config file found, using defaults")
	} else {
		log.Info(log.CatConfig, "Loaded config", "path", v.ConfigFileUsed())
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Cartrita Configuration

# Root directory for runtime state: journal, traces, logs
# data_dir: ~/.local/share/cartrita

# HTTP and WebSocket listener
api:
  addr: localhost:8420
  # admin_token guards /v1/admin routes; leave empty to disable them
  # admin_token: change-me

# Static credential table for the built-in verifier
# identity:
#   tokens:
#     - token: dev-token
#       principal: dev
#     - token: ci-token
#       principal: ci
#       expiresAt: 2027-01-01T00:00:00Z

# Client session hub
session:
  idle_timeout: 30m
  client_buffer_bytes: 1048576  # refuse submits past this unacked backlog
  submit_per_second: 10
  submit_burst: 20
  max_sessions: 200

# Upstream model providers and their admission quotas
# providers:
#   - id: primary
#     requests_per_window: 60
#     tokens_per_window: 100000
#     max_concurrent: 4
#     retry:
#       max_attempts: 5
#       initial_backoff: 1s
#       max_backoff: 30s

# Domain supervisors; omitted fields fall back to component defaults
# supervisors:
#   - id: sup-code
#     domain: code
#     max_in_flight: 4
#     queue_capacity: 16

# Root routing
orchestrator:
  classification:
    enabled: false      # when false, unroutable tasks fail fast
    capability: intent.classify
  join:
    default_mode: all   # "all", "any", or "quorum"
  default_task_deadline: 60s

# Message bus
bus:
  mailbox_capacity: 64
  drop_policy:
    partial: oldest     # displace oldest partial on a full mailbox

# Write-ahead journal (sqlite)
# journal:
#   path: ~/.local/share/cartrita/journal.db

# Agent layout manifest; omit to use the embedded default topology
# topology:
#   manifest_path: ./topology.yaml

# Distributed tracing
tracing:
  enabled: false
  exporter: file        # "none", "file", "stdout", or "otlp"
  # file_path: ~/.local/share/cartrita/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
