package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// ResumeRecord is one row of resume_events.
type ResumeRecord struct {
	ID         int    `json:"id"`
	EventID    string `json:"event_id"`
	TaskID     int    `json:"task_id"`
	Workflow   string `json:"workflow"`
	Stage      string `json:"stage"`
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	DelaysMs   string `json:"delays_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int    `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// AnalysisRecord is one row of failure_analyses.
type AnalysisRecord struct {
	ID              string  `json:"id"`
	Workflow        string  `json:"workflow"`
	Stage           string  `json:"stage"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	RootCause       string  `json:"root_cause,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	PatternName     string  `json:"pattern_name,omitempty"`
	Confidence      float64 `json:"confidence"`
	Recommendations string  `json:"recommendations,omitempty"`
	Affected        int     `json:"affected"`
	Resolved        bool    `json:"resolved"`
	ResolvedAt      string  `json:"resolved_at,omitempty"`
	NotifyCount     int     `json:"notify_count"`
	LastNotified    string  `json:"last_notified,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// NotificationRecord is one row of notification_log.
type NotificationRecord struct {
	ID         int    `json:"id"`
	AnalysisID string `json:"analysis_id,omitempty"`
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	Severity   string `json:"severity"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// RecordResume inserts a resume attempt outcome.
func (d *DB) RecordResume(r ResumeRecord) error {
	_, err := d.conn.Exec(d.rebind(`
		INSERT INTO resume_events (event_id, task_id, workflow, stage, success, attempts, delays_ms, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.EventID, r.TaskID, r.Workflow, r.Stage, r.Success, r.Attempts,
		nullString(r.DelaysMs), nullString(r.Error), r.DurationMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("record resume: %w", err)
	}
	return nil
}

// ListRecentResumes returns the newest resume events, most recent first.
func (d *DB) ListRecentResumes(limit int) ([]ResumeRecord, error) {
	rows, err := d.conn.Query(d.rebind(`
		SELECT id, event_id, task_id, workflow, stage, success, attempts, delays_ms, error, duration_ms, created_at
		FROM resume_events
		ORDER BY id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list resumes: %w", err)
	}
	defer rows.Close()
	return scanResumes(rows)
}

// ListResumesForTask returns resume events for one task, most recent first.
func (d *DB) ListResumesForTask(taskID, limit int) ([]ResumeRecord, error) {
	rows, err := d.conn.Query(d.rebind(`
		SELECT id, event_id, task_id, workflow, stage, success, attempts, delays_ms, error, duration_ms, created_at
		FROM resume_events
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumes for task %d: %w", taskID, err)
	}
	defer rows.Close()
	return scanResumes(rows)
}

func scanResumes(rows *sql.Rows) ([]ResumeRecord, error) {
	var out []ResumeRecord
	for rows.Next() {
		var r ResumeRecord
		var delays, errMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.EventID, &r.TaskID, &r.Workflow, &r.Stage,
			&r.Success, &r.Attempts, &delays, &errMsg, &duration, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resume row: %w", err)
		}
		r.DelaysMs = delays.String
		r.Error = errMsg.String
		r.DurationMs = int(duration.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertAnalysis stores a new failure analysis.
func (d *DB) InsertAnalysis(a AnalysisRecord) error {
	if a.Affected == 0 {
		a.Affected = 1
	}
	_, err := d.conn.Exec(d.rebind(`
		INSERT INTO failure_analyses (id, workflow, stage, category, severity, root_cause, error_message, pattern_name, confidence, recommendations, affected, notify_count, last_notified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Workflow, a.Stage, a.Category, a.Severity,
		nullString(a.RootCause), nullString(a.ErrorMessage), nullString(a.PatternName),
		a.Confidence, nullString(a.Recommendations), a.Affected,
		a.NotifyCount, nullString(a.LastNotified), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis fetches one analysis by id. Returns nil if not found.
func (d *DB) GetAnalysis(id string) (*AnalysisRecord, error) {
	row := d.conn.QueryRow(d.rebind(`
		SELECT id, workflow, stage, category, severity, root_cause, error_message, pattern_name, confidence, recommendations, affected, resolved, resolved_at, notify_count, last_notified, created_at
		FROM failure_analyses
		WHERE id = ?`), id)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return a, nil
}

// ListUnresolvedAnalyses returns open analyses, newest first.
func (d *DB) ListUnresolvedAnalyses(limit int) ([]AnalysisRecord, error) {
	rows, err := d.conn.Query(d.rebind(`
		SELECT id, workflow, stage, category, severity, root_cause, error_message, pattern_name, confidence, recommendations, affected, resolved, resolved_at, notify_count, last_notified, created_at
		FROM failure_analyses
		WHERE resolved = FALSE
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved analyses: %w", err)
	}
	defer rows.Close()
	return scanAnalyses(rows)
}

// MarkResolved closes every open analysis for the workflow and stage.
// Returns the number of rows updated.
func (d *DB) MarkResolved(workflow, stage, resolvedAt string) (int, error) {
	res, err := d.conn.Exec(d.rebind(`
		UPDATE failure_analyses
		SET resolved = TRUE, resolved_at = ?
		WHERE workflow = ? AND stage = ? AND resolved = FALSE`),
		resolvedAt, workflow, stage)
	if err != nil {
		return 0, fmt.Errorf("mark resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark resolved: %w", err)
	}
	return int(n), nil
}

// CountRecentFailures counts analyses for a stage created at or after since.
func (d *DB) CountRecentFailures(stage, since string) (int, error) {
	var n int
	err := d.conn.QueryRow(d.rebind(`
		SELECT COUNT(*) FROM failure_analyses
		WHERE stage = ? AND created_at >= ?`), stage, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent failures: %w", err)
	}
	return n, nil
}

// ListEscalationDue returns unresolved analyses whose severity is in the given
// set, that have been notified at least once but fewer than maxNotifies times,
// and whose last notification is at or before the cutoff.
func (d *DB) ListEscalationDue(severities []string, cutoff string, maxNotifies int) ([]AnalysisRecord, error) {
	if len(severities) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(severities)), ",")
	args := make([]any, 0, len(severities)+2)
	for _, s := range severities {
		args = append(args, s)
	}
	args = append(args, maxNotifies, cutoff)
	rows, err := d.conn.Query(d.rebind(`
		SELECT id, workflow, stage, category, severity, root_cause, error_message, pattern_name, confidence, recommendations, affected, resolved, resolved_at, notify_count, last_notified, created_at
		FROM failure_analyses
		WHERE resolved = FALSE
		  AND severity IN (`+placeholders+`)
		  AND notify_count >= 1
		  AND notify_count < ?
		  AND last_notified <= ?
		ORDER BY created_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list escalation due: %w", err)
	}
	defer rows.Close()
	return scanAnalyses(rows)
}

// TouchNotified bumps the notification counter and stamps the time.
func (d *DB) TouchNotified(id, at string) error {
	res, err := d.conn.Exec(d.rebind(`
		UPDATE failure_analyses
		SET notify_count = notify_count + 1, last_notified = ?
		WHERE id = ?`), at, id)
	if err != nil {
		return fmt.Errorf("touch notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch notified: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("analysis %s not found", id)
	}
	return nil
}

// LogNotification appends one delivery outcome to the notification log.
func (d *DB) LogNotification(n NotificationRecord) error {
	_, err := d.conn.Exec(d.rebind(`
		INSERT INTO notification_log (analysis_id, ntype, channel, severity, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		nullString(n.AnalysisID), n.Type, n.Channel, n.Severity, n.Outcome,
		nullString(n.Detail), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("log notification: %w", err)
	}
	return nil
}

// ListRecentNotifications returns the newest log entries, most recent first.
func (d *DB) ListRecentNotifications(limit int) ([]NotificationRecord, error) {
	rows, err := d.conn.Query(d.rebind(`
		SELECT id, analysis_id, ntype, channel, severity, outcome, detail, created_at
		FROM notification_log
		ORDER BY id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []NotificationRecord
	for rows.Next() {
		var n NotificationRecord
		var analysisID, detail sql.NullString
		if err := rows.Scan(&n.ID, &analysisID, &n.Type, &n.Channel, &n.Severity,
			&n.Outcome, &detail, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.AnalysisID = analysisID.String
		n.Detail = detail.String
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*AnalysisRecord, error) {
	var a AnalysisRecord
	var rootCause, errMsg, pattern, recs, resolvedAt, lastNotified sql.NullString
	var confidence sql.NullFloat64
	err := row.Scan(&a.ID, &a.Workflow, &a.Stage, &a.Category, &a.Severity,
		&rootCause, &errMsg, &pattern, &confidence, &recs, &a.Affected,
		&a.Resolved, &resolvedAt, &a.NotifyCount, &lastNotified, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.RootCause = rootCause.String
	a.ErrorMessage = errMsg.String
	a.PatternName = pattern.String
	a.Confidence = confidence.Float64
	a.Recommendations = recs.String
	a.ResolvedAt = resolvedAt.String
	a.LastNotified = lastNotified.String
	return &a, nil
}

func scanAnalyses(rows *sql.Rows) ([]AnalysisRecord, error) {
	var out []AnalysisRecord
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
