// Package analytics aggregates the event store into operator-facing stats:
// per-stage resume outcomes, failure categories, notification volume, and
// per-task timelines.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the store surface analytics queries against. Rebind rewrites ?
// placeholders for the active driver.
type DB interface {
	Conn() *sql.DB
	Rebind(string) string
}

// StageSuccess aggregates resume outcomes for one stage.
type StageSuccess struct {
	Stage       string  `json:"stage"`
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	SuccessPct  float64 `json:"success_pct"`
	AvgAttempts float64 `json:"avg_attempts"`
}

// QueryStageSuccessRates returns resume success rates per stage, optionally
// restricted to events at or after since (store timestamp format).
func QueryStageSuccessRates(database DB, since string) ([]StageSuccess, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as succeeded,
			AVG(attempts) as avg_attempts
		FROM resume_events
		WHERE stage != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query stage success rates: %w", err)
	}
	defer rows.Close()

	var results []StageSuccess
	for rows.Next() {
		var s StageSuccess
		var avgAttempts sql.NullFloat64
		if err := rows.Scan(&s.Stage, &s.Total, &s.Succeeded, &avgAttempts); err != nil {
			return nil, fmt.Errorf("scan stage success rate: %w", err)
		}
		s.SuccessPct = pct(s.Succeeded, s.Total)
		if avgAttempts.Valid {
			s.AvgAttempts = round1(avgAttempts.Float64)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageLatency holds resume duration stats for one stage.
type StageLatency struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
}

// QueryStageLatencies returns average and percentile resume durations per
// stage. Percentiles are computed in-process; the row counts here are small.
func QueryStageLatencies(database DB, since string) ([]StageLatency, error) {
	query := `
		SELECT stage, duration_ms
		FROM resume_events
		WHERE stage != '' AND duration_ms IS NOT NULL`

	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query stage latencies: %w", err)
	}
	defer rows.Close()

	durations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms float64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage latency: %w", err)
		}
		durations[stage] = append(durations[stage], ms)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageLatency
	for stage, ms := range durations {
		sort.Float64s(ms)
		results = append(results, StageLatency{
			Stage: stage,
			Count: len(ms),
			Avg:   avg(ms),
			P50:   percentile(ms, 50),
			P95:   percentile(ms, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// CategoryBreakdown aggregates failure analyses by root-cause category.
type CategoryBreakdown struct {
	Category   string  `json:"category"`
	Total      int     `json:"total"`
	Unresolved int     `json:"unresolved"`
	Share      float64 `json:"share_pct"`
	TopStage   string  `json:"top_stage,omitempty"`
}

// QueryFailureCategories returns failure counts grouped by category, with
// each category's share of all analyses and its most-affected stage.
func QueryFailureCategories(database DB, since string) ([]CategoryBreakdown, error) {
	query := `
		SELECT category,
			COUNT(*) as total,
			SUM(CASE WHEN resolved THEN 0 ELSE 1 END) as unresolved
		FROM failure_analyses`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY category ORDER BY total DESC`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failure categories: %w", err)
	}
	defer rows.Close()

	var results []CategoryBreakdown
	grand := 0
	for rows.Next() {
		var c CategoryBreakdown
		if err := rows.Scan(&c.Category, &c.Total, &c.Unresolved); err != nil {
			return nil, fmt.Errorf("scan failure category: %w", err)
		}
		grand += c.Total
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Share = pct(results[i].Total, grand)

		stageQuery := `
			SELECT stage, COUNT(*) as cnt
			FROM failure_analyses
			WHERE category = ?`
		sArgs := []interface{}{results[i].Category}
		if since != "" {
			stageQuery += ` AND created_at >= ?`
			sArgs = append(sArgs, since)
		}
		stageQuery += ` GROUP BY stage ORDER BY cnt DESC LIMIT 1`

		var stage string
		var cnt int
		err := database.Conn().QueryRow(database.Rebind(stageQuery), sArgs...).Scan(&stage, &cnt)
		if err == nil {
			results[i].TopStage = stage
		}
	}

	return results, nil
}

// NotificationVolume aggregates delivery outcomes per type and channel.
type NotificationVolume struct {
	Type       string `json:"type"`
	Channel    string `json:"channel,omitempty"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Suppressed int    `json:"suppressed"`
}

// QueryNotificationVolume returns delivery counts grouped by notification
// type and channel. Suppressed rows carry an empty channel.
func QueryNotificationVolume(database DB, since string) ([]NotificationVolume, error) {
	query := `
		SELECT ntype, channel,
			SUM(CASE WHEN outcome = 'sent' THEN 1 ELSE 0 END) as sent,
			SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN outcome = 'suppressed' THEN 1 ELSE 0 END) as suppressed
		FROM notification_log`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY ntype, channel ORDER BY ntype, channel`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query notification volume: %w", err)
	}
	defer rows.Close()

	var results []NotificationVolume
	for rows.Next() {
		var v NotificationVolume
		if err := rows.Scan(&v.Type, &v.Channel, &v.Sent, &v.Failed, &v.Suppressed); err != nil {
			return nil, fmt.Errorf("scan notification volume: %w", err)
		}
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// DailyThroughput holds one day's resume and analysis counts.
type DailyThroughput struct {
	Day       string `json:"day"`
	Resumes   int    `json:"resumes"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Analyses  int    `json:"analyses"`
}

// QueryDailyThroughput returns per-day activity, newest first, capped at 14
// days. The day key is the date prefix of the fixed-width store timestamp,
// which both drivers can substring identically.
func QueryDailyThroughput(database DB, since string) ([]DailyThroughput, error) {
	query := `
		SELECT substr(created_at, 1, 10) as day,
			COUNT(*) as resumes,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as succeeded
		FROM resume_events`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY day ORDER BY day DESC LIMIT 14`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query daily throughput: %w", err)
	}
	defer rows.Close()

	var results []DailyThroughput
	index := make(map[string]int)
	for rows.Next() {
		var d DailyThroughput
		if err := rows.Scan(&d.Day, &d.Resumes, &d.Succeeded); err != nil {
			return nil, fmt.Errorf("scan daily throughput: %w", err)
		}
		d.Failed = d.Resumes - d.Succeeded
		index[d.Day] = len(results)
		results = append(results, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aQuery := `
		SELECT substr(created_at, 1, 10) as day, COUNT(*) as analyses
		FROM failure_analyses`
	aArgs := []interface{}{}
	if since != "" {
		aQuery += ` WHERE created_at >= ?`
		aArgs = append(aArgs, since)
	}
	aQuery += ` GROUP BY day`

	aRows, err := database.Conn().Query(database.Rebind(aQuery), aArgs...)
	if err != nil {
		return nil, fmt.Errorf("query daily analyses: %w", err)
	}
	defer aRows.Close()

	for aRows.Next() {
		var day string
		var n int
		if err := aRows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan daily analyses: %w", err)
		}
		if i, ok := index[day]; ok {
			results[i].Analyses = n
		}
	}
	if err := aRows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// TaskEvent is one entry in a task's timeline.
type TaskEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryTaskDetail returns the merged timeline for one task: its resume
// attempts, the failure analyses of its workflows, and the notifications
// those analyses produced.
func QueryTaskDetail(database DB, taskID int) ([]TaskEvent, error) {
	var results []TaskEvent

	reRows, err := database.Conn().Query(database.Rebind(`
		SELECT created_at, stage, workflow, success, attempts, error
		FROM resume_events WHERE task_id = ? ORDER BY created_at, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query task resumes: %w", err)
	}
	defer reRows.Close()

	for reRows.Next() {
		var e TaskEvent
		var workflow, errMsg sql.NullString
		var success bool
		var attempts int
		if err := reRows.Scan(&e.Timestamp, &e.Stage, &workflow, &success, &attempts, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task resume: %w", err)
		}
		e.Type = "resume"
		e.Event = "failed"
		if success {
			e.Event = "succeeded"
		}
		e.Detail = fmt.Sprintf("attempts=%d", attempts)
		if workflow.Valid && workflow.String != "" {
			e.Detail += " workflow=" + workflow.String
		}
		if errMsg.Valid && errMsg.String != "" {
			e.Detail += " error=" + errMsg.String
		}
		results = append(results, e)
	}
	if err := reRows.Err(); err != nil {
		return nil, err
	}

	// The workflow subquery scopes analyses and notifications to this task.
	const taskWorkflows = `
		SELECT DISTINCT workflow FROM resume_events
		WHERE task_id = ? AND workflow != ''`

	anRows, err := database.Conn().Query(database.Rebind(`
		SELECT created_at, stage, category, severity, resolved
		FROM failure_analyses
		WHERE workflow IN (`+taskWorkflows+`)
		ORDER BY created_at, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query task analyses: %w", err)
	}
	defer anRows.Close()

	for anRows.Next() {
		var e TaskEvent
		var severity string
		var resolved bool
		if err := anRows.Scan(&e.Timestamp, &e.Stage, &e.Event, &severity, &resolved); err != nil {
			return nil, fmt.Errorf("scan task analysis: %w", err)
		}
		e.Type = "analysis"
		e.Detail = fmt.Sprintf("severity=%s resolved=%v", severity, resolved)
		results = append(results, e)
	}
	if err := anRows.Err(); err != nil {
		return nil, err
	}

	nRows, err := database.Conn().Query(database.Rebind(`
		SELECT n.created_at, n.ntype, n.channel, n.outcome
		FROM notification_log n
		WHERE n.analysis_id IN (
			SELECT id FROM failure_analyses
			WHERE workflow IN (`+taskWorkflows+`))
		ORDER BY n.created_at, n.id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query task notifications: %w", err)
	}
	defer nRows.Close()

	for nRows.Next() {
		var e TaskEvent
		var channel, outcome string
		if err := nRows.Scan(&e.Timestamp, &e.Event, &channel, &outcome); err != nil {
			return nil, fmt.Errorf("scan task notification: %w", err)
		}
		e.Type = "notification"
		e.Detail = fmt.Sprintf("channel=%s outcome=%s", channel, outcome)
		results = append(results, e)
	}
	if err := nRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})

	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return round1(sum / float64(len(values)))
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return round1(sorted[lower])
	}
	weight := rank - float64(lower)
	return round1(sorted[lower]*(1-weight) + sorted[upper]*weight)
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
