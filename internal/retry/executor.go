package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/breaker"
	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/metrics"
)

// StrategyMissingError reports a Do call for a stage with no configured
// retry strategy.
type StrategyMissingError struct {
	Stage string
}

func (e *StrategyMissingError) Error() string {
	return fmt.Sprintf("no retry strategy configured for stage %q", e.Stage)
}

// BreakerMissingError reports a Do call for a stage with no circuit breaker.
type BreakerMissingError struct {
	Stage string
}

func (e *BreakerMissingError) Error() string {
	return fmt.Sprintf("no circuit breaker configured for stage %q", e.Stage)
}

// BreakerOpenError reports a rejected call while a stage's circuit breaker is
// open. The rejected call consumes no attempt.
type BreakerOpenError struct {
	Stage string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for stage %q", e.Stage)
}

// AttemptTimeoutError reports a single attempt that exceeded the strategy's
// per-attempt timeout.
type AttemptTimeoutError struct {
	Stage   string
	Attempt int
	Timeout time.Duration
}

func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("stage %q attempt %d timed out after %s", e.Stage, e.Attempt, e.Timeout)
}

// ExhaustedError reports a retry loop that used up its attempt budget.
type ExhaustedError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("stage %q failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Outcome summarizes what a Do call actually did, whether it succeeded or
// not. Delays holds the jittered backoff actually slept between attempts.
type Outcome struct {
	Attempts int
	Delays   []time.Duration
	Elapsed  time.Duration
}

// Executor runs operations under per-stage retry strategies and circuit
// breakers.
type Executor struct {
	strategies map[string]Strategy
	breakers   map[string]*breaker.Breaker
	metrics    *metrics.Registry
	logger     *zap.Logger

	// sleep and randFloat are swapped out in tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewExecutor builds an executor from a loaded config, with one strategy and
// one breaker per configured stage.
func NewExecutor(cfg *config.Config, reg *metrics.Registry, logger *zap.Logger) (*Executor, error) {
	strategies, err := StrategiesFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing retry strategies: %w", err)
	}

	breakers := make(map[string]*breaker.Breaker, len(cfg.Stages))
	for name, sc := range cfg.Stages {
		recovery, err := time.ParseDuration(sc.Breaker.RecoveryTimeout)
		if err != nil {
			return nil, fmt.Errorf("stage %s: breaker recovery_timeout: %w", name, err)
		}
		breakers[name] = breaker.New(breaker.Config{
			FailureThreshold: sc.Breaker.FailureThreshold,
			RecoveryTimeout:  recovery,
			HalfOpenMaxCalls: sc.Breaker.HalfOpenMaxCalls,
		})
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Executor{
		strategies: strategies,
		breakers:   breakers,
		metrics:    reg,
		logger:     logger,
		sleep:      sleepCtx,
		randFloat:  rand.Float64,
	}, nil
}

// SetSleep overrides the backoff sleeper in tests.
func (e *Executor) SetSleep(f func(ctx context.Context, d time.Duration) error) {
	e.sleep = f
}

// Breaker returns the circuit breaker for a stage, if one exists. Exposed so
// status surfaces can report breaker states.
func (e *Executor) Breaker(stage string) (*breaker.Breaker, bool) {
	br, ok := e.breakers[stage]
	return br, ok
}

// Stages returns the stage names the executor has strategies for.
func (e *Executor) Stages() []string {
	out := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		out = append(out, name)
	}
	return out
}

// Do runs op under the stage's retry strategy. It returns the outcome of the
// loop along with the final error, if any. Calls rejected by an open breaker
// consume no attempt and return BreakerOpenError. Errors matching no retry
// condition fail immediately; both those and an exhausted attempt budget
// surface as an ExhaustedError wrapping the last attempt's error.
func (e *Executor) Do(ctx context.Context, stage string, op func(context.Context) error) (*Outcome, error) {
	st, ok := e.strategies[stage]
	if !ok {
		return &Outcome{}, &StrategyMissingError{Stage: stage}
	}
	br, ok := e.breakers[stage]
	if !ok {
		return &Outcome{}, &BreakerMissingError{Stage: stage}
	}

	loopCtx := ctx
	if st.TotalTimeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, st.TotalTimeout)
		defer cancel()
	}

	outcome := &Outcome{}
	start := time.Now()
	defer func() { outcome.Elapsed = time.Since(start) }()

	var lastErr error
	for attempt := 1; attempt <= st.MaxAttempts; attempt++ {
		if br.IsOpen() {
			e.observeBreaker(stage, br)
			e.logger.Warn("circuit breaker rejected call",
				zap.String("stage", stage),
				zap.Int("attempts_so_far", outcome.Attempts))
			return outcome, &BreakerOpenError{Stage: stage}
		}

		attemptCtx := loopCtx
		cancel := context.CancelFunc(func() {})
		if st.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(loopCtx, st.Timeout)
		}
		attemptStart := time.Now()
		err := op(attemptCtx)
		cancel()
		attemptElapsed := time.Since(attemptStart)

		outcome.Attempts++
		attemptOutcome := "failure"
		if err == nil {
			attemptOutcome = "success"
		}
		e.metrics.Inc(metrics.RetryAttemptsTotal, map[string]string{"stage": stage, "outcome": attemptOutcome}, 1)

		if err == nil {
			br.RecordSuccess()
			e.observeBreaker(stage, br)
			return outcome, nil
		}

		// A per-attempt timeout is its own failure mode, distinct from
		// the caller giving up.
		if errors.Is(err, context.DeadlineExceeded) && loopCtx.Err() == nil {
			err = &AttemptTimeoutError{Stage: stage, Attempt: attempt, Timeout: st.Timeout}
		}

		br.RecordFailure()
		e.observeBreaker(stage, br)
		lastErr = err
		e.logger.Warn("attempt failed",
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", st.MaxAttempts),
			zap.Duration("attempt_duration", attemptElapsed),
			zap.Error(err))

		if loopCtx.Err() != nil {
			return outcome, e.budgetError(ctx, stage, outcome, lastErr)
		}
		if attempt == st.MaxAttempts {
			break
		}
		if !st.ShouldRetry(err) {
			e.logger.Info("error is not retryable",
				zap.String("stage", stage),
				zap.Error(err))
			return outcome, &ExhaustedError{Stage: stage, Attempts: outcome.Attempts, Err: lastErr}
		}

		delay := e.jittered(st.Backoff.Delay(attempt), st.Jitter)
		outcome.Delays = append(outcome.Delays, delay)
		e.logger.Debug("backing off before next attempt",
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if err := e.sleep(loopCtx, delay); err != nil {
			return outcome, e.budgetError(ctx, stage, outcome, lastErr)
		}
	}

	return outcome, &ExhaustedError{Stage: stage, Attempts: outcome.Attempts, Err: lastErr}
}

// budgetError distinguishes the caller cancelling from the strategy's
// total_timeout expiring.
func (e *Executor) budgetError(ctx context.Context, stage string, outcome *Outcome, lastErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("retry budget for stage %q exceeded after %d attempts: %w", stage, outcome.Attempts, lastErr)
}

// jittered perturbs a delay by ±jitter, clamped so it never goes negative.
func (e *Executor) jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	factor := 1 + jitter*(2*e.randFloat()-1)
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	return out
}

func (e *Executor) observeBreaker(stage string, br *breaker.Breaker) {
	e.metrics.Set(metrics.CircuitBreakerState, map[string]string{"stage": stage}, br.State().Value())
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
