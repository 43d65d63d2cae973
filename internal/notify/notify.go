// Package notify dispatches failure notifications. Each analyzed failure is
// rate-limited per notification type, routed by severity to the configured
// channels, rendered from a template, and every delivery attempt is written
// to the notification log.
package notify

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
)

// Delivery outcomes recorded in the notification log.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// TypeForSeverity maps a failure severity to its notification type.
func TypeForSeverity(severity string) string {
	switch severity {
	case "critical", "high", "medium", "low":
		return severity + "-failure"
	default:
		return "low-failure"
	}
}

// Event is one analyzed failure to notify about.
type Event struct {
	AnalysisID   string
	Workflow     string
	Stage        string
	Severity     string
	ErrorMessage string
	RootCause    string
	Timestamp    time.Time
}

// Message is a rendered notification handed to a transport.
type Message struct {
	Type       string
	Severity   string
	AnalysisID string
	Workflow   string
	Stage      string
	Body       string
}

// Delivery is the outcome of dispatching to one channel.
type Delivery struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind,omitempty"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Sender delivers a rendered message over one transport. Implementations
// must honor ctx cancellation.
type Sender interface {
	Name() string
	Kind() string
	Send(ctx context.Context, m Message) error
}

// Store records deliveries and escalation bookkeeping. Interface for
// testing.
type Store interface {
	LogNotification(db.NotificationRecord) error
	TouchNotified(id, at string) error
}

// Service routes and delivers notifications. Store may be nil when
// persistence is disabled.
type Service struct {
	cfg     config.NotificationConfig
	senders map[string]Sender
	order   []string
	limiter *RateLimiter
	store   Store
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a Service from the notification config. Channels that fail to
// build (unknown kind, missing transport config) are logged and skipped so
// one bad channel doesn't take the rest down.
func New(cfg config.NotificationConfig, store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: 10 * time.Second}
	s := &Service{
		cfg:     cfg,
		senders: make(map[string]Sender),
		limiter: NewRateLimiter(),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	for _, ch := range cfg.Channels {
		if !ch.IsEnabled() {
			continue
		}
		snd, err := newSender(ch, client)
		if err != nil {
			logger.Warn("skipping notification channel",
				zap.String("channel", ch.Name),
				zap.Error(err))
			continue
		}
		s.senders[ch.Name] = snd
		s.order = append(s.order, ch.Name)
	}
	return s
}

// SetNow overrides the clock in tests, including the rate limiter's.
func (s *Service) SetNow(f func() time.Time) {
	s.now = f
	s.limiter.now = f
}

// SetSender replaces a channel's transport. Used by tests.
func (s *Service) SetSender(name string, snd Sender) {
	if _, ok := s.senders[name]; !ok {
		s.order = append(s.order, name)
	}
	s.senders[name] = snd
}

// LimiterState exposes the rate limiter windows for status surfaces.
func (s *Service) LimiterState() map[string]WindowState {
	return s.limiter.Snapshot()
}

// Notify delivers one event through the channels routed for its severity.
func (s *Service) Notify(ctx context.Context, ev Event) []Delivery {
	return s.dispatch(ctx, ev, s.route(ev.Severity))
}

// NotifyVia delivers through an explicit channel list, falling back to the
// severity routing when the list is empty. Used by escalation.
func (s *Service) NotifyVia(ctx context.Context, ev Event, channels []string) []Delivery {
	if len(channels) == 0 {
		channels = s.route(ev.Severity)
	}
	return s.dispatch(ctx, ev, channels)
}

func (s *Service) dispatch(ctx context.Context, ev Event, channels []string) []Delivery {
	ntype := TypeForSeverity(ev.Severity)
	policy := s.policy(ntype)

	if ok, reason := s.limiter.Allow(ntype, policy); !ok {
		d := Delivery{Outcome: OutcomeSuppressed, Detail: reason}
		s.logger.Info("notification suppressed",
			zap.String("type", ntype),
			zap.String("analysis_id", ev.AnalysisID),
			zap.String("reason", reason))
		s.record(ev, ntype, d)
		return []Delivery{d}
	}

	body := Render(s.template(policy), ev)
	msg := Message{
		Type:       ntype,
		Severity:   ev.Severity,
		AnalysisID: ev.AnalysisID,
		Workflow:   ev.Workflow,
		Stage:      ev.Stage,
		Body:       body,
	}

	var out []Delivery
	sent := false
	for _, name := range channels {
		snd := s.senders[name]
		if snd == nil {
			s.logger.Warn("routing names unknown channel", zap.String("channel", name))
			continue
		}
		d := Delivery{Channel: snd.Name(), Kind: snd.Kind()}
		if err := snd.Send(ctx, msg); err != nil {
			d.Outcome = OutcomeFailed
			d.Detail = err.Error()
			s.logger.Warn("notification delivery failed",
				zap.String("channel", name),
				zap.String("analysis_id", ev.AnalysisID),
				zap.Error(err))
		} else {
			d.Outcome = OutcomeSent
			sent = true
		}
		s.record(ev, ntype, d)
		out = append(out, d)
	}

	if sent && ev.AnalysisID != "" && s.store != nil {
		if err := s.store.TouchNotified(ev.AnalysisID, db.FormatTime(s.now())); err != nil {
			s.logger.Warn("update notify bookkeeping",
				zap.String("analysis_id", ev.AnalysisID),
				zap.Error(err))
		}
	}
	if len(out) == 0 {
		s.logger.Warn("no channels accepted the notification",
			zap.String("type", ntype),
			zap.String("analysis_id", ev.AnalysisID))
	}
	return out
}

// route resolves the channel names for a severity. An empty routing table
// sends to every enabled channel in config order.
func (s *Service) route(severity string) []string {
	if names := s.cfg.Routing[severity]; len(names) > 0 {
		return names
	}
	return s.order
}

func (s *Service) policy(ntype string) config.TypePolicy {
	return s.cfg.Types[ntype]
}

func (s *Service) template(policy config.TypePolicy) string {
	if policy.Template != "" {
		return policy.Template
	}
	return config.DefaultTemplate
}

// record writes one delivery to the notification log; failures are logged,
// never fatal.
func (s *Service) record(ev Event, ntype string, d Delivery) {
	if s.store == nil {
		return
	}
	err := s.store.LogNotification(db.NotificationRecord{
		AnalysisID: ev.AnalysisID,
		Type:       ntype,
		Channel:    d.Channel,
		Severity:   ev.Severity,
		Outcome:    d.Outcome,
		Detail:     d.Detail,
		CreatedAt:  db.FormatTime(s.now()),
	})
	if err != nil {
		s.logger.Warn("log notification", zap.Error(err))
	}
}

// Render substitutes the known placeholders into a template. Anything not
// in the placeholder set stays literal.
func Render(tmpl string, ev Event) string {
	rootCause := ev.RootCause
	if rootCause == "" {
		rootCause = "unknown"
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r := strings.NewReplacer(
		"{workflow_id}", ev.Workflow,
		"{stage}", ev.Stage,
		"{error_message}", ev.ErrorMessage,
		"{timestamp}", ts.UTC().Format(time.RFC3339),
		"{root_cause}", rootCause,
	)
	return r.Replace(tmpl)
}
