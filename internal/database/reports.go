package database

import (
	"database/sql"
	"strings"
	"time"
)

// InsertBrief stores a synthesized brief for a window. Returns 0 when a
// brief for the window already exists.
func (db *DB) InsertBrief(b *Brief) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO briefs (window_start, window_end, title, tldr, body, article_count, source_refs)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.WindowStart.UTC().Format(time.RFC3339), b.WindowEnd.UTC().Format(time.RFC3339),
		b.Title, b.TLDR, b.Body, b.ArticleCount, b.RefsJSON,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, nil
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetBriefForWindow returns the brief for a window, nil when absent.
func (db *DB) GetBriefForWindow(start, end time.Time) (*Brief, error) {
	row := db.conn.QueryRow(
		`SELECT id, window_start, window_end, title, tldr, body, article_count, source_refs, created_at
		FROM briefs WHERE window_start = ? AND window_end = ?`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	b, err := scanBrief(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBrief returns a brief by ID, nil when absent.
func (db *DB) GetBrief(id int64) (*Brief, error) {
	row := db.conn.QueryRow(
		`SELECT id, window_start, window_end, title, tldr, body, article_count, source_refs, created_at
		FROM briefs WHERE id = ?`, id,
	)
	b, err := scanBrief(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBriefs returns stored briefs, newest first.
func (db *DB) ListBriefs(limit int) ([]Brief, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, window_start, window_end, title, tldr, body, article_count, source_refs, created_at
		FROM briefs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var briefs []Brief
	for rows.Next() {
		b, err := scanBrief(rows)
		if err != nil {
			return nil, err
		}
		briefs = append(briefs, *b)
	}
	return briefs, rows.Err()
}

func scanBrief(row rowScanner) (*Brief, error) {
	var b Brief
	var start, end string
	if err := row.Scan(&b.ID, &start, &end, &b.Title, &b.TLDR, &b.Body, &b.ArticleCount, &b.RefsJSON, &b.CreatedAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, start); err == nil {
		b.WindowStart = t
	}
	if t, err := time.Parse(time.RFC3339, end); err == nil {
		b.WindowEnd = t
	}
	return &b, nil
}

// SaveTrustReport persists a finalized trust report.
func (db *DB) SaveTrustReport(query, response, stagesJSON, aggregateStatus string, aggregateScore *float64) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO trust_reports (query, response, stages, aggregate_status, aggregate_score)
		VALUES (?, ?, ?, ?, ?)`,
		query, response, stagesJSON, aggregateStatus, aggregateScore,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetTrustReport returns a trust report by ID, nil when absent.
func (db *DB) GetTrustReport(id int64) (*TrustReportRow, error) {
	row := db.conn.QueryRow(
		`SELECT id, query, response, stages, aggregate_status, aggregate_score, created_at
		FROM trust_reports WHERE id = ?`, id,
	)
	var r TrustReportRow
	err := row.Scan(&r.ID, &r.Query, &r.Response, &r.StagesJSON, &r.AggregateStatus, &r.AggregateScore, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListTrustReports returns stored trust reports, newest first.
func (db *DB) ListTrustReports(limit int) ([]TrustReportRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, query, response, stages, aggregate_status, aggregate_score, created_at
		FROM trust_reports ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []TrustReportRow
	for rows.Next() {
		var r TrustReportRow
		if err := rows.Scan(&r.ID, &r.Query, &r.Response, &r.StagesJSON, &r.AggregateStatus, &r.AggregateScore, &r.CreatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// GetStats returns aggregate statistics for the status command.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM articles", &s.TotalArticles},
		{"SELECT COUNT(*) FROM articles WHERE status = 'pending'", &s.PendingArticles},
		{"SELECT COUNT(*) FROM articles WHERE status = 'kept'", &s.KeptArticles},
		{"SELECT COUNT(*) FROM articles WHERE status = 'filtered'", &s.FilteredArticles},
		{"SELECT COUNT(*) FROM articles WHERE status = 'duplicate'", &s.DuplicateArticles},
		{"SELECT COUNT(*) FROM duplicate_groups", &s.DuplicateGroups},
		{"SELECT COUNT(*) FROM pipeline_runs", &s.Runs},
		{"SELECT COUNT(*) FROM briefs", &s.Briefs},
		{"SELECT COUNT(*) FROM trust_reports", &s.TrustReports},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
