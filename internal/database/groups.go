package database

import (
	"database/sql"
	"errors"
	"strings"
)

// ErrAlreadyGrouped is returned when an article is added to a second
// duplicate group. Callers treat this as an integrity violation.
var ErrAlreadyGrouped = errors.New("article already belongs to a duplicate group")

// InsertDuplicateGroup creates a group with the given canonical article.
func (db *DB) InsertDuplicateGroup(canonicalID int64) (int64, error) {
	result, err := db.conn.Exec(
		"INSERT INTO duplicate_groups (canonical_id) VALUES (?)", canonicalID,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// MarkDuplicate adds an article to a duplicate group and flags it dropped.
// The UNIQUE constraint on article_id enforces single group membership.
func (db *DB) MarkDuplicate(articleID, groupID int64, similarity *float64, reason string) error {
	_, err := db.conn.Exec(
		"INSERT INTO duplicate_members (group_id, article_id, similarity, reason) VALUES (?, ?, ?, ?)",
		groupID, articleID, similarity, reason,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyGrouped
		}
		return err
	}

	_, err = db.conn.Exec(
		"UPDATE articles SET status = ?, reason = ? WHERE id = ?",
		StatusDuplicate, reason, articleID,
	)
	return err
}

// GetDuplicateGroup returns a group and its members, nil when absent.
func (db *DB) GetDuplicateGroup(groupID int64) (*DuplicateGroup, error) {
	row := db.conn.QueryRow(
		"SELECT id, canonical_id, created_at FROM duplicate_groups WHERE id = ?", groupID,
	)
	var g DuplicateGroup
	if err := row.Scan(&g.ID, &g.CanonicalID, &g.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := db.conn.Query(
		"SELECT article_id, similarity, reason FROM duplicate_members WHERE group_id = ? ORDER BY article_id",
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m DuplicateMember
		if err := rows.Scan(&m.ArticleID, &m.Similarity, &m.Reason); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, m)
	}
	return &g, rows.Err()
}

// GroupIDForArticle returns the group an article belongs to, or 0.
func (db *DB) GroupIDForArticle(articleID int64) (int64, error) {
	var groupID int64
	err := db.conn.QueryRow(
		"SELECT group_id FROM duplicate_members WHERE article_id = ?", articleID,
	).Scan(&groupID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return groupID, err
}
