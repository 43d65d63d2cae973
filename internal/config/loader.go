package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/stagehand/internal/workflow"
)

// DefaultTemplate is the notification body used when a type doesn't set one.
const DefaultTemplate = "[stagehand] workflow {workflow_id} failed at {stage}: {error_message} (root cause: {root_cause}) at {timestamp}"

// Load reads and parses a stagehand configuration from the given YAML file
// path. After parsing, it fills defaults for everything the file leaves out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./stagehand.yaml, ~/.stagehand/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"stagehand.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".stagehand", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no stagehand config found (searched: %v)", candidates)
}

// Default returns a fully defaulted configuration, as if an empty file had
// been loaded.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills every unset field with its default and materializes a
// complete strategy for each workflow stage, merging per-stage overrides over
// the defaults block.
func applyDefaults(cfg *Config) {
	if cfg.Resume.WorkflowType == "" {
		cfg.Resume.WorkflowType = "play-orchestration"
	}

	if cfg.Orchestrator.BaseURL == "" {
		cfg.Orchestrator.BaseURL = "http://localhost:2746"
	}
	if cfg.Orchestrator.RequestTimeout == "" {
		cfg.Orchestrator.RequestTimeout = "15s"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8484
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 8
	}
	if cfg.Server.QueueSize == 0 {
		cfg.Server.QueueSize = 256
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	applyStrategyDefaults(&cfg.Defaults)

	// Every stage gets a materialized strategy: the defaults block with
	// the stage's own overrides layered on top.
	merged := make(map[string]StageStrategy, len(workflow.Stages()))
	for _, stage := range workflow.Stages() {
		merged[stage.String()] = mergeStrategy(cfg.Defaults, cfg.Stages[stage.String()])
	}
	// Keep unknown stage keys so Validate can report them.
	for name, s := range cfg.Stages {
		if _, ok := merged[name]; !ok {
			merged[name] = mergeStrategy(cfg.Defaults, s)
		}
	}
	cfg.Stages = merged

	applyNotificationDefaults(&cfg.Notifications)
}

// applyStrategyDefaults fills the defaults block itself.
func applyStrategyDefaults(s *StageStrategy) {
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	if s.Timeout == "" {
		s.Timeout = "30s"
	}
	if s.Jitter == nil {
		j := 0.1
		s.Jitter = &j
	}
	if s.Backoff.Policy == "" {
		s.Backoff = BackoffConfig{Policy: "exponential", Base: "2s", Factor: 2, Max: "30s"}
	}
	if len(s.RetryConditions) == 0 {
		s.RetryConditions = defaultRetryConditions()
	}
	if s.Breaker.FailureThreshold == 0 {
		s.Breaker.FailureThreshold = 5
	}
	if s.Breaker.RecoveryTimeout == "" {
		s.Breaker.RecoveryTimeout = "60s"
	}
	if s.Breaker.HalfOpenMaxCalls == 0 {
		s.Breaker.HalfOpenMaxCalls = 1
	}
}

// mergeStrategy layers a per-stage override over the defaults block. A
// backoff override replaces the whole backoff block rather than merging
// field-by-field, since a policy change invalidates the other fields.
func mergeStrategy(base, override StageStrategy) StageStrategy {
	s := base
	if override.MaxAttempts > 0 {
		s.MaxAttempts = override.MaxAttempts
	}
	if override.Timeout != "" {
		s.Timeout = override.Timeout
	}
	if override.TotalTimeout != "" {
		s.TotalTimeout = override.TotalTimeout
	}
	if override.Jitter != nil {
		s.Jitter = override.Jitter
	}
	if override.Backoff.Policy != "" {
		s.Backoff = override.Backoff
	}
	if len(override.RetryConditions) > 0 {
		s.RetryConditions = override.RetryConditions
	}
	if override.Breaker.FailureThreshold > 0 {
		s.Breaker.FailureThreshold = override.Breaker.FailureThreshold
	}
	if override.Breaker.RecoveryTimeout != "" {
		s.Breaker.RecoveryTimeout = override.Breaker.RecoveryTimeout
	}
	if override.Breaker.HalfOpenMaxCalls > 0 {
		s.Breaker.HalfOpenMaxCalls = override.Breaker.HalfOpenMaxCalls
	}
	return s
}

// defaultRetryConditions returns the built-in retry classification.
// Transient infrastructure signatures retry; permanent errors do not.
// Anything matching neither set is not retried.
func defaultRetryConditions() []RetryCondition {
	return []RetryCondition{
		{
			Signatures: []string{
				"connection", "timeout", "timed out", "temporary",
				"unavailable", "rate limit", "too many requests",
				"conflict", "not yet",
				"429", "409", "500", "502", "503", "504",
			},
			Retry: true,
		},
		{
			Signatures: []string{
				"unauthorized", "forbidden", "invalid", "validation",
				"already resumed", "not found",
				"401", "403", "404",
			},
			Retry: false,
		},
	}
}

// applyNotificationDefaults ensures the four built-in notification types
// exist with sane limits and fills unset fields of configured ones.
func applyNotificationDefaults(n *NotificationConfig) {
	if n.Types == nil {
		n.Types = make(map[string]TypePolicy)
	}
	for name, def := range defaultTypePolicies() {
		p, ok := n.Types[name]
		if !ok {
			n.Types[name] = def
			continue
		}
		if p.HourlyLimit == 0 {
			p.HourlyLimit = def.HourlyLimit
		}
		if p.DailyLimit == 0 {
			p.DailyLimit = def.DailyLimit
		}
		if p.Cooldown == "" {
			p.Cooldown = def.Cooldown
		}
		if p.Template == "" {
			p.Template = def.Template
		}
		n.Types[name] = p
	}
	for name, p := range n.Types {
		if p.Template == "" {
			p.Template = DefaultTemplate
			n.Types[name] = p
		}
	}

	if n.Escalation.Threshold == "" {
		n.Escalation.Threshold = "high"
	}
	if n.Escalation.Delay == "" {
		n.Escalation.Delay = "15m"
	}
	if n.Escalation.MaxRepeats == 0 {
		n.Escalation.MaxRepeats = 2
	}
}

func defaultTypePolicies() map[string]TypePolicy {
	return map[string]TypePolicy{
		"critical-failure": {HourlyLimit: 10, DailyLimit: 50, Cooldown: "5m", Template: DefaultTemplate},
		"high-failure":     {HourlyLimit: 6, DailyLimit: 30, Cooldown: "15m", Template: DefaultTemplate},
		"medium-failure":   {HourlyLimit: 4, DailyLimit: 20, Cooldown: "30m", Template: DefaultTemplate},
		"low-failure":      {HourlyLimit: 2, DailyLimit: 10, Cooldown: "1h", Template: DefaultTemplate},
	}
}
