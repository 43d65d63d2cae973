// Package analyze classifies terminal resume failures. Failures are matched
// against ordered pattern tables (configured patterns first, then built-in
// defaults), falling back to keyword heuristics, and the result carries a
// severity and a set of recommended responses.
package analyze

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/workflow"
)

// Failure categories.
const (
	CategoryNetwork            = "network"
	CategoryAuthentication     = "authentication"
	CategoryRateLimiting       = "rate_limiting"
	CategoryResourceExhaustion = "resource_exhaustion"
	CategoryConfiguration      = "configuration"
	CategoryExternalDependency = "external_dependency"
	CategoryCodeQuality        = "code_quality"
	CategoryUnknown            = "unknown"
)

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Failure is the input to analysis: one resume that terminally failed.
type Failure struct {
	Workflow string
	Stage    workflow.Stage
	// Type is the coarse error class assigned by the caller, e.g.
	// "exhausted_retries" or "circuit_breaker_open".
	Type    string
	Message string
	Context map[string]string
	LogRefs []string
}

// RootCause is the classified cause of a failure.
type RootCause struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Factors     []string `json:"factors,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Impact estimates the blast radius of a failure.
type Impact struct {
	Severity          string `json:"severity"`
	AffectedWorkflows int    `json:"affected_workflows"`
}

// Recommendation is one suggested response to a failure.
type Recommendation struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	Automatable bool   `json:"automatable"`
	Priority    int    `json:"priority"`
}

// FailureAnalysis is the full classification of one failure.
type FailureAnalysis struct {
	ID              string            `json:"id"`
	Workflow        string            `json:"workflow"`
	Stage           string            `json:"stage"`
	Timestamp       time.Time         `json:"timestamp"`
	ErrorType       string            `json:"error_type"`
	ErrorMessage    string            `json:"error_message"`
	Context         map[string]string `json:"context,omitempty"`
	LogRefs         []string          `json:"log_refs,omitempty"`
	PatternName     string            `json:"pattern_name,omitempty"`
	RootCause       *RootCause        `json:"root_cause,omitempty"`
	Impact          Impact            `json:"impact"`
	Recommendations []Recommendation  `json:"recommendations"`
}

// Pattern is one entry in the ordered matching table. A failure matches when
// any signature occurs in type+message (case-insensitive substring) and all
// conditions hold against the failure context.
type Pattern struct {
	Name        string
	Signatures  []string
	Conditions  []config.Condition
	Category    string
	Description string
	Factors     []string
	Confidence  float64
}

// DefaultPatterns returns the built-in pattern table. Order matters: the
// first matching pattern wins.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "provider-rate-limit",
			Signatures:  []string{"rate limit", "too many requests", "429"},
			Category:    CategoryRateLimiting,
			Description: "An upstream API rejected requests due to rate limiting.",
			Factors:     []string{"burst of concurrent resumes", "shared API quota"},
			Confidence:  0.9,
		},
		{
			Name:        "orchestrator-unreachable",
			Signatures:  []string{"connection refused", "no such host", "dial tcp", "connection reset"},
			Category:    CategoryNetwork,
			Description: "The orchestrator API could not be reached over the network.",
			Factors:     []string{"orchestrator outage", "DNS or routing change"},
			Confidence:  0.85,
		},
		{
			Name:        "credentials-rejected",
			Signatures:  []string{"unauthorized", "forbidden", "token expired", "401", "403"},
			Category:    CategoryAuthentication,
			Description: "The orchestrator rejected the configured credentials.",
			Factors:     []string{"expired or rotated token"},
			Confidence:  0.85,
		},
		{
			Name:        "out-of-resources",
			Signatures:  []string{"out of memory", "cannot allocate", "no space left", "resource quota"},
			Category:    CategoryResourceExhaustion,
			Description: "The workflow's execution environment ran out of a resource.",
			Factors:     []string{"undersized limits", "runaway workload"},
			Confidence:  0.8,
		},
		{
			Name:        "attempt-timeout",
			Signatures:  []string{"timed out", "deadline exceeded"},
			Category:    CategoryExternalDependency,
			Description: "Resume attempts timed out waiting on an external system.",
			Factors:     []string{"slow orchestrator", "degraded dependency"},
			Confidence:  0.7,
		},
		{
			Name:        "workflow-never-created",
			Signatures:  []string{"not yet created"},
			Category:    CategoryConfiguration,
			Description: "No workflow was ever created for the task; the submission path may be broken.",
			Factors:     []string{"task never submitted", "workflow-type label mismatch"},
			Confidence:  0.6,
		},
		{
			Name:        "bad-configuration",
			Signatures:  []string{"invalid config", "missing required", "unknown storage driver"},
			Category:    CategoryConfiguration,
			Description: "A configuration value is missing or malformed.",
			Factors:     []string{"recent config change"},
			Confidence:  0.75,
		},
	}
}

// Counter is the correlator slice the analyzer uses to size the blast
// radius. Interface for testing.
type Counter interface {
	CountAtStage(ctx context.Context, stage workflow.Stage) (int, error)
}

// Store persists analyses and answers repeat-failure queries. Interface for
// testing.
type Store interface {
	InsertAnalysis(db.AnalysisRecord) error
	CountRecentFailures(stage, since string) (int, error)
}

// Analyzer classifies failures. Counter and Store may be nil; classification
// still works, only impact sizing and persistence degrade.
type Analyzer struct {
	patterns []Pattern
	counter  Counter
	store    Store
	logger   *zap.Logger
	now      func() time.Time

	// recentWindow bounds the repeated-failure lookback.
	recentWindow time.Duration
}

// New builds an Analyzer. Patterns from cfg are checked ahead of the
// built-in defaults.
func New(cfg *config.Config, counter Counter, store Store, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	var patterns []Pattern
	if cfg != nil {
		for _, p := range cfg.Patterns {
			patterns = append(patterns, Pattern{
				Name:        p.Name,
				Signatures:  p.Signatures,
				Conditions:  p.Conditions,
				Category:    p.Category,
				Description: p.Description,
				Factors:     p.Factors,
				Confidence:  p.Confidence,
			})
		}
	}
	patterns = append(patterns, DefaultPatterns()...)
	return &Analyzer{
		patterns:     patterns,
		counter:      counter,
		store:        store,
		logger:       logger,
		now:          time.Now,
		recentWindow: time.Hour,
	}
}

// SetNow overrides the clock in tests.
func (a *Analyzer) SetNow(f func() time.Time) {
	a.now = f
}

// Analyze classifies one failure and persists the result. Persistence
// errors are logged, never fatal; the analysis is returned regardless.
func (a *Analyzer) Analyze(ctx context.Context, f Failure) *FailureAnalysis {
	now := a.now().UTC()
	analysis := &FailureAnalysis{
		ID:           uuid.NewString(),
		Workflow:     f.Workflow,
		Stage:        string(f.Stage),
		Timestamp:    now,
		ErrorType:    f.Type,
		ErrorMessage: f.Message,
		Context:      f.Context,
		LogRefs:      f.LogRefs,
	}

	category := CategoryUnknown
	if p := a.matchPattern(f); p != nil {
		category = p.Category
		analysis.PatternName = p.Name
		analysis.RootCause = &RootCause{
			Category:    p.Category,
			Description: p.Description,
			Factors:     p.Factors,
			Confidence:  p.Confidence,
		}
	} else if cat := fallbackCategory(f); cat != CategoryUnknown {
		category = cat
		analysis.RootCause = &RootCause{
			Category:    cat,
			Description: "Classified by keyword heuristics.",
			Confidence:  0.4,
		}
	}

	affected := a.affectedCount(ctx, f.Stage)
	severity := baseSeverity(category)
	if affected >= 3 || a.repeatedFailures(f.Stage) {
		severity = escalate(severity)
	}
	analysis.Impact = Impact{Severity: severity, AffectedWorkflows: affected}
	analysis.Recommendations = recommendationsFor(category)

	a.persist(analysis, category)
	a.logger.Info("failure analyzed",
		zap.String("analysis_id", analysis.ID),
		zap.String("workflow", f.Workflow),
		zap.String("stage", string(f.Stage)),
		zap.String("category", category),
		zap.String("severity", severity),
		zap.Int("affected", affected))
	return analysis
}

// matchPattern returns the first pattern whose signatures and conditions
// both hold, or nil.
func (a *Analyzer) matchPattern(f Failure) *Pattern {
	text := strings.ToLower(f.Type + " " + f.Message)
	for i := range a.patterns {
		p := &a.patterns[i]
		if !signatureMatches(p.Signatures, text) {
			continue
		}
		if !conditionsHold(p.Conditions, f.Context) {
			continue
		}
		return p
	}
	return nil
}

func signatureMatches(signatures []string, text string) bool {
	for _, s := range signatures {
		if s == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// conditionsHold evaluates every condition against the failure context.
// Numeric comparisons coerce both sides to float; anything that fails to
// parse fails the condition.
func conditionsHold(conds []config.Condition, ctx map[string]string) bool {
	for _, c := range conds {
		val, ok := ctx[c.Key]
		switch c.Op {
		case "exists":
			if !ok {
				return false
			}
		case "equals":
			if !ok || val != c.Value {
				return false
			}
		case "contains":
			if !ok || !strings.Contains(strings.ToLower(val), strings.ToLower(c.Value)) {
				return false
			}
		case "greater_than":
			got, want, numOK := coerceFloats(val, c.Value, ok)
			if !numOK || got <= want {
				return false
			}
		case "less_than":
			got, want, numOK := coerceFloats(val, c.Value, ok)
			if !numOK || got >= want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func coerceFloats(val, want string, present bool) (float64, float64, bool) {
	if !present {
		return 0, 0, false
	}
	g, err1 := strconv.ParseFloat(strings.TrimSpace(val), 64)
	w, err2 := strconv.ParseFloat(strings.TrimSpace(want), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return g, w, true
}

// fallbackCategory applies keyword heuristics when no pattern matched.
func fallbackCategory(f Failure) string {
	text := strings.ToLower(f.Type + " " + f.Message)
	switch {
	case strings.Contains(text, "network"):
		return CategoryNetwork
	case strings.Contains(text, "auth"), strings.Contains(text, "permission"):
		return CategoryAuthentication
	case strings.Contains(text, "rate"), strings.Contains(text, "limit"):
		return CategoryRateLimiting
	case strings.Contains(text, "resource"), strings.Contains(text, "memory"), strings.Contains(text, "cpu"):
		return CategoryResourceExhaustion
	case strings.Contains(text, "config"):
		return CategoryConfiguration
	case strings.Contains(text, "timeout"), strings.Contains(text, "unavailable"):
		return CategoryExternalDependency
	case f.Stage == workflow.StageTestExecution:
		return CategoryCodeQuality
	}
	return CategoryUnknown
}

func baseSeverity(category string) string {
	switch category {
	case CategoryNetwork, CategoryResourceExhaustion, CategoryAuthentication:
		return SeverityHigh
	case CategoryConfiguration, CategoryCodeQuality, CategoryRateLimiting, CategoryExternalDependency:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func escalate(severity string) string {
	switch severity {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// recommendationsFor is a static category table.
func recommendationsFor(category string) []Recommendation {
	switch category {
	case CategoryRateLimiting:
		return []Recommendation{
			{Action: "retry_with_delay", Description: "Retry after the provider's rate limit window passes.", Automatable: true, Priority: 1},
			{Action: "review_quota", Description: "Review API quota usage and consider raising limits.", Automatable: false, Priority: 2},
		}
	case CategoryResourceExhaustion:
		return []Recommendation{
			{Action: "scale_resources", Description: "Increase resource limits for the affected stage.", Automatable: false, Priority: 1},
		}
	case CategoryConfiguration:
		return []Recommendation{
			{Action: "manual_intervention", Description: "Inspect and correct the configuration, then re-run.", Automatable: false, Priority: 1},
		}
	case CategoryNetwork:
		return []Recommendation{
			{Action: "retry", Description: "Retry once connectivity recovers.", Automatable: true, Priority: 1},
			{Action: "check_infrastructure", Description: "Check orchestrator reachability, DNS, and recent network changes.", Automatable: false, Priority: 2},
		}
	case CategoryAuthentication:
		return []Recommendation{
			{Action: "rotate_credentials", Description: "Refresh or rotate the orchestrator token.", Automatable: false, Priority: 1},
		}
	case CategoryExternalDependency:
		return []Recommendation{
			{Action: "check_dependency", Description: "Check the health of the upstream dependency.", Automatable: false, Priority: 1},
			{Action: "retry", Description: "Retry once the dependency recovers.", Automatable: true, Priority: 2},
		}
	case CategoryCodeQuality:
		return []Recommendation{
			{Action: "review_failures", Description: "Review the failing checks on the task branch.", Automatable: false, Priority: 1},
		}
	default:
		return []Recommendation{
			{Action: "investigate", Description: "No known pattern matched; inspect logs manually.", Automatable: false, Priority: 1},
		}
	}
}

// affectedCount asks the correlator how many workflows sit at the stage.
// A failure always affects at least its own workflow.
func (a *Analyzer) affectedCount(ctx context.Context, stage workflow.Stage) int {
	if a.counter == nil {
		return 1
	}
	n, err := a.counter.CountAtStage(ctx, stage)
	if err != nil {
		a.logger.Warn("count workflows at stage", zap.String("stage", string(stage)), zap.Error(err))
		return 1
	}
	if n < 1 {
		return 1
	}
	return n
}

// repeatedFailures reports whether the stage has accumulated three or more
// analyses inside the lookback window.
func (a *Analyzer) repeatedFailures(stage workflow.Stage) bool {
	if a.store == nil {
		return false
	}
	since := db.FormatTime(a.now().Add(-a.recentWindow))
	n, err := a.store.CountRecentFailures(string(stage), since)
	if err != nil {
		a.logger.Warn("count recent failures", zap.String("stage", string(stage)), zap.Error(err))
		return false
	}
	return n >= 3
}

func (a *Analyzer) persist(an *FailureAnalysis, category string) {
	if a.store == nil {
		return
	}
	rec := db.AnalysisRecord{
		ID:           an.ID,
		Workflow:     an.Workflow,
		Stage:        an.Stage,
		Category:     category,
		Severity:     an.Impact.Severity,
		ErrorMessage: an.ErrorMessage,
		PatternName:  an.PatternName,
		Affected:     an.Impact.AffectedWorkflows,
		CreatedAt:    db.FormatTime(an.Timestamp),
	}
	if an.RootCause != nil {
		rec.RootCause = an.RootCause.Description
		rec.Confidence = an.RootCause.Confidence
	}
	if len(an.Recommendations) > 0 {
		b, _ := json.Marshal(an.Recommendations)
		rec.Recommendations = string(b)
	}
	if err := a.store.InsertAnalysis(rec); err != nil {
		a.logger.Warn("persist analysis", zap.String("analysis_id", an.ID), zap.Error(err))
	}
}
