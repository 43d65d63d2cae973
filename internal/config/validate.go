package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/lucasnoah/stagehand/internal/workflow"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedPolicies is the set of valid backoff policy names.
var recognizedPolicies = map[string]bool{
	"fixed":       true,
	"linear":      true,
	"exponential": true,
	"custom":      true,
}

// recognizedCategories is the set of valid failure categories for patterns.
var recognizedCategories = map[string]bool{
	"network":             true,
	"authentication":      true,
	"resource_exhaustion": true,
	"rate_limiting":       true,
	"configuration":       true,
	"code_quality":        true,
	"external_dependency": true,
	"unknown":             true,
}

// recognizedOps is the set of valid pattern condition operators.
var recognizedOps = map[string]bool{
	"equals":       true,
	"contains":     true,
	"greater_than": true,
	"less_than":    true,
	"exists":       true,
}

// recognizedSeverities is the set of valid severity names for routing and
// escalation.
var recognizedSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

// recognizedNotificationTypes is the set of valid notification type names.
var recognizedNotificationTypes = map[string]bool{
	"critical-failure": true,
	"high-failure":     true,
	"medium-failure":   true,
	"low-failure":      true,
}

var recognizedDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

var recognizedLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var recognizedLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// Validate checks a Config for structural and semantic errors. It returns a
// slice of all validation errors found (empty if valid). It expects a config
// that has been through applyDefaults, i.e. one produced by Load.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Resume.WorkflowType == "" {
		errs = append(errs, ValidationError{Field: "resume.workflow_type", Message: "is required"})
	}

	if cfg.Orchestrator.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "orchestrator.base_url", Message: "is required"})
	} else if u, err := url.Parse(cfg.Orchestrator.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.base_url",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", cfg.Orchestrator.BaseURL),
		})
	}
	checkDuration("orchestrator.request_timeout", cfg.Orchestrator.RequestTimeout, &errs)

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", cfg.Server.Port),
		})
	}
	if cfg.Server.Workers < 1 {
		errs = append(errs, ValidationError{Field: "server.workers", Message: "must be at least 1"})
	}
	if cfg.Server.QueueSize < 1 {
		errs = append(errs, ValidationError{Field: "server.queue_size", Message: "must be at least 1"})
	}

	if !recognizedDrivers[cfg.Storage.Driver] {
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("unrecognized driver %q", cfg.Storage.Driver),
		})
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, ValidationError{Field: "storage.dsn", Message: "is required for the postgres driver"})
	}

	if !recognizedLogLevels[cfg.Logging.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unrecognized level %q", cfg.Logging.Level),
		})
	}
	if !recognizedLogFormats[cfg.Logging.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unrecognized format %q", cfg.Logging.Format),
		})
	}

	validateStrategy("defaults", cfg.Defaults, &errs)

	names := make([]string, 0, len(cfg.Stages))
	for name := range cfg.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := workflow.ParseStage(name); err != nil {
			errs = append(errs, ValidationError{
				Field:   "stages." + name,
				Message: "unknown workflow stage",
			})
		}
		validateStrategy("stages."+name, cfg.Stages[name], &errs)
	}

	validatePatterns(cfg.Patterns, &errs)
	validateNotifications(cfg.Notifications, &errs)

	return errs
}

// validateStrategy checks one stage strategy, including its backoff policy
// and breaker thresholds.
func validateStrategy(prefix string, s StageStrategy, errs *[]ValidationError) {
	if s.MaxAttempts < 1 {
		*errs = append(*errs, ValidationError{Field: prefix + ".max_attempts", Message: "must be at least 1"})
	}
	checkDuration(prefix+".timeout", s.Timeout, errs)
	if s.TotalTimeout != "" {
		checkDuration(prefix+".total_timeout", s.TotalTimeout, errs)
	}
	if s.Jitter != nil && (*s.Jitter < 0 || *s.Jitter > 1) {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".jitter",
			Message: fmt.Sprintf("must be between 0 and 1, got %g", *s.Jitter),
		})
	}

	validateBackoff(prefix+".backoff", s.Backoff, errs)

	for i, c := range s.RetryConditions {
		if len(c.Signatures) == 0 {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s.retry_conditions[%d].signatures", prefix, i),
				Message: "at least one signature is required",
			})
		}
		for j, sig := range c.Signatures {
			if sig == "" {
				*errs = append(*errs, ValidationError{
					Field:   fmt.Sprintf("%s.retry_conditions[%d].signatures[%d]", prefix, i, j),
					Message: "must not be empty",
				})
			}
		}
	}

	if s.Breaker.FailureThreshold < 1 {
		*errs = append(*errs, ValidationError{Field: prefix + ".breaker.failure_threshold", Message: "must be at least 1"})
	}
	checkDuration(prefix+".breaker.recovery_timeout", s.Breaker.RecoveryTimeout, errs)
	if s.Breaker.HalfOpenMaxCalls < 1 {
		*errs = append(*errs, ValidationError{Field: prefix + ".breaker.half_open_max_calls", Message: "must be at least 1"})
	}
}

// validateBackoff checks that the chosen policy has the fields it needs.
func validateBackoff(prefix string, b BackoffConfig, errs *[]ValidationError) {
	if !recognizedPolicies[b.Policy] {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".policy",
			Message: fmt.Sprintf("unrecognized policy %q", b.Policy),
		})
		return
	}

	switch b.Policy {
	case "fixed":
		checkDuration(prefix+".interval", b.Interval, errs)
	case "linear":
		checkDuration(prefix+".increment", b.Increment, errs)
	case "exponential":
		checkDuration(prefix+".base", b.Base, errs)
		checkDuration(prefix+".max", b.Max, errs)
		if b.Factor < 1 {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".factor",
				Message: fmt.Sprintf("must be at least 1, got %g", b.Factor),
			})
		}
	case "custom":
		if len(b.Delays) == 0 {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".delays",
				Message: "at least one delay is required",
			})
		}
		for i, d := range b.Delays {
			checkDuration(fmt.Sprintf("%s.delays[%d]", prefix, i), d, errs)
		}
	}
}

// validatePatterns checks configured failure patterns.
func validatePatterns(patterns []Pattern, errs *[]ValidationError) {
	seen := make(map[string]bool)
	for i, p := range patterns {
		prefix := fmt.Sprintf("patterns[%d]", i)

		if p.Name == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if seen[p.Name] {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate pattern name %q", p.Name),
			})
		}
		seen[p.Name] = true

		if len(p.Signatures) == 0 {
			*errs = append(*errs, ValidationError{Field: prefix + ".signatures", Message: "at least one signature is required"})
		}
		if !recognizedCategories[p.Category] {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".category",
				Message: fmt.Sprintf("unrecognized category %q", p.Category),
			})
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".confidence",
				Message: fmt.Sprintf("must be between 0 and 1, got %g", p.Confidence),
			})
		}

		for j, c := range p.Conditions {
			cprefix := fmt.Sprintf("%s.conditions[%d]", prefix, j)
			if c.Key == "" {
				*errs = append(*errs, ValidationError{Field: cprefix + ".key", Message: "is required"})
			}
			if !recognizedOps[c.Op] {
				*errs = append(*errs, ValidationError{
					Field:   cprefix + ".op",
					Message: fmt.Sprintf("unrecognized operator %q", c.Op),
				})
				continue
			}
			if c.Op == "greater_than" || c.Op == "less_than" {
				if _, err := strconv.ParseFloat(c.Value, 64); err != nil {
					*errs = append(*errs, ValidationError{
						Field:   cprefix + ".value",
						Message: fmt.Sprintf("%s requires a numeric value, got %q", c.Op, c.Value),
					})
				}
			}
		}
	}
}

// validateNotifications checks types, channels, routing, and escalation.
func validateNotifications(n NotificationConfig, errs *[]ValidationError) {
	typeNames := make([]string, 0, len(n.Types))
	for name := range n.Types {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		prefix := "notifications.types." + name
		if !recognizedNotificationTypes[name] {
			*errs = append(*errs, ValidationError{Field: prefix, Message: "unrecognized notification type"})
		}
		p := n.Types[name]
		if p.HourlyLimit < 0 {
			*errs = append(*errs, ValidationError{Field: prefix + ".hourly_limit", Message: "must not be negative"})
		}
		if p.DailyLimit < 0 {
			*errs = append(*errs, ValidationError{Field: prefix + ".daily_limit", Message: "must not be negative"})
		}
		checkDuration(prefix+".cooldown", p.Cooldown, errs)
	}

	channelNames := make(map[string]bool)
	for i, c := range n.Channels {
		prefix := fmt.Sprintf("notifications.channels[%d]", i)

		if c.Name == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if channelNames[c.Name] {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate channel name %q", c.Name),
			})
		}
		channelNames[c.Name] = true

		switch c.Kind {
		case "slack", "webhook", "teams":
			if c.WebhookURL == "" {
				*errs = append(*errs, ValidationError{Field: prefix + ".webhook_url", Message: "is required for kind " + c.Kind})
			}
		case "pagerduty":
			if c.RoutingKey == "" {
				*errs = append(*errs, ValidationError{Field: prefix + ".routing_key", Message: "is required for kind pagerduty"})
			}
		case "email":
			if c.SMTPHost == "" {
				*errs = append(*errs, ValidationError{Field: prefix + ".smtp_host", Message: "is required for kind email"})
			}
			if c.From == "" {
				*errs = append(*errs, ValidationError{Field: prefix + ".from", Message: "is required for kind email"})
			}
			if len(c.To) == 0 {
				*errs = append(*errs, ValidationError{Field: prefix + ".to", Message: "at least one recipient is required"})
			}
		default:
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".kind",
				Message: fmt.Sprintf("unrecognized kind %q", c.Kind),
			})
		}
	}

	severities := make([]string, 0, len(n.Routing))
	for sev := range n.Routing {
		severities = append(severities, sev)
	}
	sort.Strings(severities)
	for _, sev := range severities {
		prefix := "notifications.routing." + sev
		if !recognizedSeverities[sev] {
			*errs = append(*errs, ValidationError{Field: prefix, Message: "unrecognized severity"})
		}
		for _, name := range n.Routing[sev] {
			if !channelNames[name] {
				*errs = append(*errs, ValidationError{
					Field:   prefix,
					Message: fmt.Sprintf("references undefined channel %q", name),
				})
			}
		}
	}

	esc := n.Escalation
	if !recognizedSeverities[esc.Threshold] {
		*errs = append(*errs, ValidationError{
			Field:   "notifications.escalation.threshold",
			Message: fmt.Sprintf("unrecognized severity %q", esc.Threshold),
		})
	}
	checkDuration("notifications.escalation.delay", esc.Delay, errs)
	if esc.MaxRepeats < 0 {
		*errs = append(*errs, ValidationError{Field: "notifications.escalation.max_repeats", Message: "must not be negative"})
	}
	for _, name := range esc.Channels {
		if !channelNames[name] {
			*errs = append(*errs, ValidationError{
				Field:   "notifications.escalation.channels",
				Message: fmt.Sprintf("references undefined channel %q", name),
			})
		}
	}
}

// checkDuration appends an error unless value parses as a positive duration.
func checkDuration(field, value string, errs *[]ValidationError) {
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration %q", value),
		})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be positive, got %q", value),
		})
	}
}
