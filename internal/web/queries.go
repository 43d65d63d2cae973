package web

import (
	"fmt"
	"time"

	"github.com/lucasnoah/stagehand/internal/analytics"
	"github.com/lucasnoah/stagehand/internal/db"
)

// StatsResponse is the /api/stats body.
type StatsResponse struct {
	Since         string                         `json:"since,omitempty"`
	StageSuccess  []analytics.StageSuccess       `json:"stage_success"`
	StageLatency  []analytics.StageLatency       `json:"stage_latency"`
	Failures      []analytics.CategoryBreakdown  `json:"failure_categories"`
	Notifications []analytics.NotificationVolume `json:"notification_volume"`
	Throughput    []analytics.DailyThroughput    `json:"daily_throughput"`
}

// sinceCutoff turns the since query parameter into a store timestamp. A
// duration ("24h") is measured back from now; anything else is passed
// through as a literal timestamp. Empty means no bound.
func sinceCutoff(raw string) string {
	if raw == "" {
		return ""
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return db.FormatTime(time.Now().Add(-d))
	}
	return raw
}

func queryStats(store Store, since string) (*StatsResponse, error) {
	cutoff := sinceCutoff(since)
	resp := &StatsResponse{Since: cutoff}

	var err error
	if resp.StageSuccess, err = analytics.QueryStageSuccessRates(store, cutoff); err != nil {
		return nil, fmt.Errorf("stage success rates: %w", err)
	}
	if resp.StageLatency, err = analytics.QueryStageLatencies(store, cutoff); err != nil {
		return nil, fmt.Errorf("stage latencies: %w", err)
	}
	if resp.Failures, err = analytics.QueryFailureCategories(store, cutoff); err != nil {
		return nil, fmt.Errorf("failure categories: %w", err)
	}
	if resp.Notifications, err = analytics.QueryNotificationVolume(store, cutoff); err != nil {
		return nil, fmt.Errorf("notification volume: %w", err)
	}
	if resp.Throughput, err = analytics.QueryDailyThroughput(store, cutoff); err != nil {
		return nil, fmt.Errorf("daily throughput: %w", err)
	}
	return resp, nil
}
