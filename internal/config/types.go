package config

// Config is the top-level structure parsed from stagehand YAML.
type Config struct {
	Resume        ResumeConfig             `yaml:"resume"`
	Orchestrator  OrchestratorConfig       `yaml:"orchestrator"`
	Server        ServerConfig             `yaml:"server"`
	Storage       StorageConfig            `yaml:"storage"`
	Logging       LoggingConfig            `yaml:"logging"`
	Defaults      StageStrategy            `yaml:"defaults"`
	Stages        map[string]StageStrategy `yaml:"stages"`
	Patterns      []Pattern                `yaml:"patterns"`
	Notifications NotificationConfig       `yaml:"notifications"`
}

// ResumeConfig holds correlation settings shared by all stages.
type ResumeConfig struct {
	// WorkflowType is the workflow-type label value that selects this
	// system's workflows in the orchestrator.
	WorkflowType string `yaml:"workflow_type"`
}

// OrchestratorConfig points at the external orchestrator API.
type OrchestratorConfig struct {
	BaseURL string `yaml:"base_url"`
	// TokenEnv names an environment variable holding a bearer token.
	// Empty means unauthenticated.
	TokenEnv       string `yaml:"token_env"`
	RequestTimeout string `yaml:"request_timeout"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Port      int `yaml:"port"`
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// StorageConfig selects and configures the event store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`   // sqlite file; empty = ~/.stagehand/stagehand.db
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StageStrategy is the retry strategy for one stage. Durations are strings
// ("30s", "2m") parsed by consumers; Validate checks them up front. Fields
// left zero in a per-stage entry inherit from Defaults.
type StageStrategy struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Timeout     string `yaml:"timeout"`
	// TotalTimeout bounds the whole retry loop including backoff sleeps.
	// Empty disables the overall bound.
	TotalTimeout string `yaml:"total_timeout"`
	// Jitter is the ± perturbation factor applied to each backoff delay.
	// nil inherits the default (0.1); an explicit 0 disables jitter.
	Jitter          *float64         `yaml:"jitter"`
	Backoff         BackoffConfig    `yaml:"backoff"`
	RetryConditions []RetryCondition `yaml:"retry_conditions"`
	Breaker         BreakerConfig    `yaml:"breaker"`
}

// BackoffConfig selects a backoff policy. Only the fields for the chosen
// policy are consulted.
type BackoffConfig struct {
	Policy    string   `yaml:"policy"` // fixed | linear | exponential | custom
	Interval  string   `yaml:"interval"`
	Increment string   `yaml:"increment"`
	Base      string   `yaml:"base"`
	Factor    float64  `yaml:"factor"`
	Max       string   `yaml:"max"`
	Delays    []string `yaml:"delays"`
}

// RetryCondition maps a set of error signatures to a retry decision. The
// first condition with a matching signature wins; errors matching no
// condition are not retried.
type RetryCondition struct {
	Signatures []string `yaml:"signatures"`
	Retry      bool     `yaml:"retry"`
}

// BreakerConfig holds circuit breaker thresholds for one stage.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int    `yaml:"half_open_max_calls"`
}

// Pattern is a configured failure pattern checked ahead of the built-in
// tables by the failure analyzer.
type Pattern struct {
	Name        string      `yaml:"name"`
	Signatures  []string    `yaml:"signatures"`
	Conditions  []Condition `yaml:"conditions"`
	Category    string      `yaml:"category"`
	Description string      `yaml:"description"`
	Factors     []string    `yaml:"factors"`
	Confidence  float64     `yaml:"confidence"`
}

// Condition is a single context predicate on a Pattern.
type Condition struct {
	Key   string `yaml:"key"`
	Op    string `yaml:"op"` // equals | contains | greater_than | less_than | exists
	Value string `yaml:"value"`
}

// NotificationConfig configures the notification service.
type NotificationConfig struct {
	Types      map[string]TypePolicy `yaml:"types"`
	Channels   []Channel             `yaml:"channels"`
	Routing    map[string][]string   `yaml:"routing"` // severity -> channel names
	Escalation EscalationConfig      `yaml:"escalation"`
}

// TypePolicy is the rate limit policy and template for one notification type.
type TypePolicy struct {
	HourlyLimit int    `yaml:"hourly_limit"`
	DailyLimit  int    `yaml:"daily_limit"`
	Cooldown    string `yaml:"cooldown"`
	Template    string `yaml:"template"`
}

// Channel is one configured notification transport.
type Channel struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // slack | email | pagerduty | webhook | teams
	Enabled *bool  `yaml:"enabled"`

	// slack / webhook / teams
	WebhookURL string `yaml:"webhook_url"`

	// pagerduty
	RoutingKey string `yaml:"routing_key"`

	// email
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// IsEnabled reports whether the channel should be dispatched to. Channels
// default to enabled unless explicitly turned off.
func (c Channel) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EscalationConfig controls repeat notifications for unresolved failures.
type EscalationConfig struct {
	Threshold  string `yaml:"threshold"` // minimum severity that escalates
	Delay      string `yaml:"delay"`
	MaxRepeats int    `yaml:"max_repeats"`
	// Channels lists escalation targets; empty falls back to the
	// severity's routed channels.
	Channels []string `yaml:"channels"`
}
