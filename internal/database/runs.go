package database

import (
	"database/sql"
	"time"
)

// InsertRun creates a pipeline run row in the running state.
func (db *DB) InsertRun(windowStart, windowEnd, startedAt time.Time) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO pipeline_runs (window_start, window_end, started_at) VALUES (?, ?, ?)`,
		windowStart.UTC().Format(time.RFC3339),
		windowEnd.UTC().Format(time.RFC3339),
		startedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SealRun finalizes a run. Sealed runs are never mutated again.
func (db *DB) SealRun(runID int64, status, stagesJSON string, endedAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE pipeline_runs SET status = ?, stages = ?, ended_at = ? WHERE id = ?",
		status, stagesJSON, endedAt.UTC().Format(time.RFC3339), runID,
	)
	return err
}

// GetRun returns a run by ID, nil when absent.
func (db *DB) GetRun(runID int64) (*Run, error) {
	row := db.conn.QueryRow(
		`SELECT id, window_start, window_end, started_at, ended_at, status, stages
		FROM pipeline_runs WHERE id = ?`, runID,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, window_start, window_end, started_at, ended_at, status, stages
		FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var start, end, started string
	var ended *string

	if err := row.Scan(&r.ID, &start, &end, &started, &ended, &r.Status, &r.StagesJSON); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, start); err == nil {
		r.WindowStart = t
	}
	if t, err := time.Parse(time.RFC3339, end); err == nil {
		r.WindowEnd = t
	}
	if t, err := time.Parse(time.RFC3339, started); err == nil {
		r.StartedAt = t
	}
	if ended != nil {
		if t, err := time.Parse(time.RFC3339, *ended); err == nil {
			r.EndedAt = &t
		}
	}
	return &r, nil
}
