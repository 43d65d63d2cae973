package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
)

// severityRank orders severities for the escalation threshold.
var severityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// severitiesAtOrAbove returns the severities meeting the threshold. An
// unknown threshold matches nothing.
func severitiesAtOrAbove(threshold string) []string {
	min, ok := severityRank[threshold]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range []string{"low", "medium", "high", "critical"} {
		if severityRank[s] >= min {
			out = append(out, s)
		}
	}
	return out
}

// EscalationStore is the query surface the escalator needs. Interface for
// testing.
type EscalationStore interface {
	ListEscalationDue(severities []string, cutoff string, maxNotifies int) ([]db.AnalysisRecord, error)
}

// Escalator re-notifies unresolved high-severity analyses on a fixed tick.
// All state lives in the store, so escalation survives restarts: an analysis
// is due when it was notified at least once, is still unresolved past the
// configured delay, and hasn't hit the repeat cap.
type Escalator struct {
	svc      *Service
	store    EscalationStore
	cfg      config.EscalationConfig
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration
}

// NewEscalator builds an Escalator ticking at the configured delay, bounded
// to once a minute at the fastest.
func NewEscalator(svc *Service, store EscalationStore, cfg config.EscalationConfig, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := time.Minute
	if d, err := time.ParseDuration(cfg.Delay); err == nil && d > interval {
		interval = d / 3
	}
	return &Escalator{
		svc:      svc,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		interval: interval,
	}
}

// SetNow overrides the clock in tests.
func (e *Escalator) SetNow(f func() time.Time) {
	e.now = f
}

// Run ticks until ctx is cancelled. Tick errors are logged, not fatal.
func (e *Escalator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Warn("escalation pass", zap.Error(err))
			}
		}
	}
}

// Tick runs one escalation pass: find due analyses and re-notify each
// through the escalation channels. The notify bookkeeping (notify_count,
// last_notified) advances inside the service when a delivery lands, which
// is what keeps repeats bounded.
func (e *Escalator) Tick(ctx context.Context) error {
	severities := severitiesAtOrAbove(e.cfg.Threshold)
	if len(severities) == 0 {
		return fmt.Errorf("escalation threshold %q is not a severity", e.cfg.Threshold)
	}
	delay, err := time.ParseDuration(e.cfg.Delay)
	if err != nil {
		return fmt.Errorf("parsing escalation delay: %w", err)
	}
	cutoff := db.FormatTime(e.now().Add(-delay))
	maxNotifies := 1 + e.cfg.MaxRepeats
	due, err := e.store.ListEscalationDue(severities, cutoff, maxNotifies)
	if err != nil {
		return fmt.Errorf("listing analyses due for escalation: %w", err)
	}
	for _, rec := range due {
		ev := Event{
			AnalysisID:   rec.ID,
			Workflow:     rec.Workflow,
			Stage:        rec.Stage,
			Severity:     rec.Severity,
			ErrorMessage: rec.ErrorMessage,
			RootCause:    rec.RootCause,
		}
		if t, perr := db.ParseTime(rec.CreatedAt); perr == nil {
			ev.Timestamp = t
		}
		deliveries := e.svc.NotifyVia(ctx, ev, e.cfg.Channels)
		e.logger.Info("escalated unresolved failure",
			zap.String("analysis_id", rec.ID),
			zap.String("workflow", rec.Workflow),
			zap.String("severity", rec.Severity),
			zap.Int("deliveries", len(deliveries)))
	}
	return nil
}
