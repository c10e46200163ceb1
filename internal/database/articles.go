package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const articleColumns = `id, url, title, source, content, content_hash, embedding, published_at, fetched_at, status, reason, score`

// InsertArticle inserts an article. Returns the ID on success, 0 if the URL
// is already present (re-ingesting a window is a no-op per article).
func (db *DB) InsertArticle(a *Article) (int64, error) {
	var published *string
	if a.PublishedAt != nil {
		s := a.PublishedAt.UTC().Format(time.RFC3339)
		published = &s
	}
	status := a.Status
	if status == "" {
		status = StatusPending
	}

	result, err := db.conn.Exec(
		`INSERT INTO articles (url, title, source, content, content_hash, published_at, fetched_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.URL, a.Title, a.Source, a.Content, a.ContentHash, published,
		a.FetchedAt.UTC().Format(time.RFC3339), status,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, nil
		}
		return 0, err
	}
	return result.LastInsertId()
}

// ArticlesInWindow returns articles fetched within the half-open window [start, end).
func (db *DB) ArticlesInWindow(start, end time.Time) ([]Article, error) {
	rows, err := db.conn.Query(
		`SELECT `+articleColumns+` FROM articles
		WHERE fetched_at >= ? AND fetched_at < ?
		ORDER BY fetched_at ASC, id ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// PendingInWindow returns the unprocessed backlog in [start, end).
func (db *DB) PendingInWindow(start, end time.Time) ([]Article, error) {
	rows, err := db.conn.Query(
		`SELECT `+articleColumns+` FROM articles
		WHERE fetched_at >= ? AND fetched_at < ? AND status = ?
		ORDER BY fetched_at ASC, id ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// KeptInWindow returns articles kept by previous processing in [start, end).
func (db *DB) KeptInWindow(start, end time.Time) ([]Article, error) {
	rows, err := db.conn.Query(
		`SELECT `+articleColumns+` FROM articles
		WHERE fetched_at >= ? AND fetched_at < ? AND status = ?
		ORDER BY fetched_at ASC, id ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), StatusKept,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// GetArticleByID returns a single article by ID, nil when absent.
func (db *DB) GetArticleByID(articleID int64) (*Article, error) {
	row := db.conn.QueryRow(
		`SELECT `+articleColumns+` FROM articles WHERE id = ?`, articleID,
	)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateEmbedding stores an article's embedding vector.
func (db *DB) UpdateEmbedding(articleID int64, embedding []float64) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshaling embedding: %w", err)
	}
	_, err = db.conn.Exec("UPDATE articles SET embedding = ? WHERE id = ?", string(data), articleID)
	return err
}

// MarkFiltered records a drop decision for an article.
func (db *DB) MarkFiltered(articleID int64, score float64, reasons []string) error {
	reason := strings.Join(reasons, ",")
	_, err := db.conn.Exec(
		"UPDATE articles SET status = ?, score = ?, reason = ? WHERE id = ?",
		StatusFiltered, score, reason, articleID,
	)
	return err
}

// ConfirmKept records (or re-confirms) a keep decision for an article.
func (db *DB) ConfirmKept(articleID int64, score float64, reasons []string) error {
	reason := strings.Join(reasons, ",")
	_, err := db.conn.Exec(
		"UPDATE articles SET status = ?, score = ?, reason = ? WHERE id = ?",
		StatusKept, score, reason, articleID,
	)
	return err
}

func scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*Article, error) {
	var a Article
	var embedding, published *string
	var fetched string

	err := row.Scan(&a.ID, &a.URL, &a.Title, &a.Source, &a.Content, &a.ContentHash,
		&embedding, &published, &fetched, &a.Status, &a.Reason, &a.Score)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, fetched); err == nil {
		a.FetchedAt = t
	}
	if published != nil {
		if t, err := time.Parse(time.RFC3339, *published); err == nil {
			a.PublishedAt = &t
		}
	}
	if embedding != nil && *embedding != "" {
		if err := json.Unmarshal([]byte(*embedding), &a.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshaling embedding for article %d: %w", a.ID, err)
		}
	}
	return &a, nil
}
