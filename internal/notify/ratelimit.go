package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/lucasnoah/stagehand/internal/config"
)

// RateLimiter enforces per-type hourly and daily budgets plus a cooldown
// between consecutive sends. Windows are rolling: each one is anchored at
// the first send after the previous window expired, not at clock hours.
type RateLimiter struct {
	mu    sync.Mutex
	types map[string]*typeWindow
	now   func() time.Time
}

type typeWindow struct {
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
	lastSent  time.Time
}

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		types: make(map[string]*typeWindow),
		now:   time.Now,
	}
}

// Allow consumes one send for the type if the policy permits it, returning
// the violated constraint otherwise. A zero limit means unlimited; an
// unparseable cooldown disables the cooldown.
func (r *RateLimiter) Allow(ntype string, policy config.TypePolicy) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w := r.types[ntype]
	if w == nil {
		w = &typeWindow{}
		r.types[ntype] = w
	}

	if now.Sub(w.hourStart) >= time.Hour {
		w.hourStart = now
		w.hourCount = 0
	}
	if now.Sub(w.dayStart) >= 24*time.Hour {
		w.dayStart = now
		w.dayCount = 0
	}

	if policy.HourlyLimit > 0 && w.hourCount >= policy.HourlyLimit {
		return false, fmt.Sprintf("hourly limit of %d reached for %s", policy.HourlyLimit, ntype)
	}
	if policy.DailyLimit > 0 && w.dayCount >= policy.DailyLimit {
		return false, fmt.Sprintf("daily limit of %d reached for %s", policy.DailyLimit, ntype)
	}
	if cooldown, err := time.ParseDuration(policy.Cooldown); err == nil && cooldown > 0 && !w.lastSent.IsZero() {
		if elapsed := now.Sub(w.lastSent); elapsed < cooldown {
			return false, fmt.Sprintf("cooldown for %s active, %s remaining", ntype, (cooldown - elapsed).Round(time.Second))
		}
	}

	w.hourCount++
	w.dayCount++
	w.lastSent = now
	return true, ""
}

// WindowState is a read-only view of one type's budget consumption.
type WindowState struct {
	HourCount int       `json:"hour_count"`
	DayCount  int       `json:"day_count"`
	LastSent  time.Time `json:"last_sent,omitempty"`
}

// Snapshot copies the current per-type windows for status reporting.
func (r *RateLimiter) Snapshot() map[string]WindowState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]WindowState, len(r.types))
	for name, w := range r.types {
		out[name] = WindowState{
			HourCount: w.hourCount,
			DayCount:  w.dayCount,
			LastSent:  w.lastSent,
		}
	}
	return out
}
