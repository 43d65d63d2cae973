package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/stagehand/internal/config"
)

// Strategy is the fully parsed retry policy for one workflow stage.
type Strategy struct {
	Stage       string
	MaxAttempts int
	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// TotalTimeout bounds the whole retry loop including backoff sleeps.
	// Zero means no overall bound.
	TotalTimeout time.Duration
	// Jitter perturbs each delay by ±Jitter as a fraction of the delay.
	Jitter     float64
	Backoff    Backoff
	Conditions []Condition
}

// Backoff computes the delay after a failed attempt. Exactly one policy's
// fields are consulted.
type Backoff struct {
	Policy    string
	Interval  time.Duration
	Increment time.Duration
	Base      time.Duration
	Factor    float64
	Max       time.Duration
	Delays    []time.Duration
}

// Condition maps error signatures to a retry decision.
type Condition struct {
	Signatures []string
	Retry      bool
}

// Delay returns the backoff delay after the given 1-based attempt fails.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Policy {
	case "fixed":
		return b.Interval
	case "linear":
		return b.Increment * time.Duration(attempt)
	case "exponential":
		// A zero Max means uncapped rather than capped at zero; validated
		// configs always set one, but the type stays usable without it.
		d := float64(b.Base)
		for i := 1; i < attempt; i++ {
			d *= b.Factor
			if b.Max > 0 && d >= float64(b.Max) {
				return b.Max
			}
		}
		if b.Max > 0 && d > float64(b.Max) {
			return b.Max
		}
		return time.Duration(d)
	case "custom":
		if len(b.Delays) == 0 {
			return 0
		}
		if attempt > len(b.Delays) {
			return b.Delays[len(b.Delays)-1]
		}
		return b.Delays[attempt-1]
	}
	return 0
}

// ShouldRetry classifies an error against the strategy's retry conditions.
// Conditions are checked in order and the first one containing a matching
// signature wins. Errors matching no condition are not retried.
func (s Strategy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, c := range s.Conditions {
		for _, sig := range c.Signatures {
			if sig != "" && strings.Contains(msg, strings.ToLower(sig)) {
				return c.Retry
			}
		}
	}
	return false
}

// StrategiesFromConfig parses the materialized per-stage strategies out of a
// loaded config. Duration fields are validated by config.Validate; parse
// errors here mean the config skipped validation.
func StrategiesFromConfig(cfg *config.Config) (map[string]Strategy, error) {
	out := make(map[string]Strategy, len(cfg.Stages))
	for name, sc := range cfg.Stages {
		st, err := strategyFromConfig(name, sc)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		out[name] = st
	}
	return out, nil
}

func strategyFromConfig(stage string, sc config.StageStrategy) (Strategy, error) {
	st := Strategy{Stage: stage, MaxAttempts: sc.MaxAttempts}

	var err error
	if st.Timeout, err = time.ParseDuration(sc.Timeout); err != nil {
		return Strategy{}, fmt.Errorf("timeout: %w", err)
	}
	if sc.TotalTimeout != "" {
		if st.TotalTimeout, err = time.ParseDuration(sc.TotalTimeout); err != nil {
			return Strategy{}, fmt.Errorf("total_timeout: %w", err)
		}
	}
	if sc.Jitter != nil {
		st.Jitter = *sc.Jitter
	}

	if st.Backoff, err = backoffFromConfig(sc.Backoff); err != nil {
		return Strategy{}, fmt.Errorf("backoff: %w", err)
	}

	for _, c := range sc.RetryConditions {
		st.Conditions = append(st.Conditions, Condition{Signatures: c.Signatures, Retry: c.Retry})
	}
	return st, nil
}

func backoffFromConfig(bc config.BackoffConfig) (Backoff, error) {
	b := Backoff{Policy: bc.Policy, Factor: bc.Factor}

	parse := func(field, value string, dst *time.Duration) error {
		if value == "" {
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = d
		return nil
	}

	if err := parse("interval", bc.Interval, &b.Interval); err != nil {
		return Backoff{}, err
	}
	if err := parse("increment", bc.Increment, &b.Increment); err != nil {
		return Backoff{}, err
	}
	if err := parse("base", bc.Base, &b.Base); err != nil {
		return Backoff{}, err
	}
	if err := parse("max", bc.Max, &b.Max); err != nil {
		return Backoff{}, err
	}
	for i, raw := range bc.Delays {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Backoff{}, fmt.Errorf("delays[%d]: %w", i, err)
		}
		b.Delays = append(b.Delays, d)
	}
	return b, nil
}
