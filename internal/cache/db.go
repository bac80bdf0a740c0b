// Package cache provides SQLite-based persistent storage for bug records.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mjterry/bzsync/internal/models"
)

// DB represents a SQLite database connection for cached bugs.
type DB struct {
	path string
	conn *sql.DB
}

// PersistenceError indicates a local store write failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to save data (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// createTableSQL defines the schema for the bugs table. The remote record is
// stored as a JSON blob; the local-only annotation fields get their own
// columns so they survive remote snapshot replacement and can be queried
// without decoding every record.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS bugs (
    id INTEGER PRIMARY KEY,
    last_change_time TEXT,
    data TEXT NOT NULL,  -- JSON-encoded remote record
    unread INTEGER DEFAULT 0,
    starred_comment_ids TEXT,  -- JSON array of comment ids
    last_viewed TEXT,
    update_needed INTEGER DEFAULT 0
);
`

// InitDB creates or opens a SQLite database at the given path and initializes
// the schema.
func InitDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; limit to one connection to
	// prevent "database is locked" errors under concurrent access.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create bugs table: %w", err)
	}

	return &DB{
		path: path,
		conn: conn,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Save inserts or updates a single bug.
func (db *DB) Save(bug *models.Bug) error {
	return db.SaveAll([]*models.Bug{bug})
}

// SaveAll inserts or updates a batch of bugs in one transaction. Either the
// whole batch is persisted or none of it.
func (db *DB) SaveAll(bugs []*models.Bug) error {
	if len(bugs) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, bug := range bugs {
		if err := saveBug(tx, bug); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// saveBug upserts one bug inside the given transaction.
func saveBug(tx *sql.Tx, bug *models.Bug) error {
	data, err := json.Marshal(bug)
	if err != nil {
		return &PersistenceError{Op: "marshal", Err: err}
	}

	starredJSON, err := json.Marshal(bug.Annotations.StarredCommentIDs)
	if err != nil {
		return &PersistenceError{Op: "marshal", Err: err}
	}

	unread := 0
	if bug.Annotations.Unread {
		unread = 1
	}
	updateNeeded := 0
	if bug.Annotations.UpdateNeeded {
		updateNeeded = 1
	}

	query := `
		INSERT OR REPLACE INTO bugs (
			id, last_change_time, data, unread, starred_comment_ids,
			last_viewed, update_needed
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.Exec(query,
		bug.ID,
		formatTime(bug.LastChangeTime),
		string(data),
		unread,
		string(starredJSON),
		formatTime(bug.Annotations.LastViewed),
		updateNeeded,
	)
	if err != nil {
		return &PersistenceError{Op: "upsert", Err: err}
	}

	return nil
}

// Get retrieves a bug by id. Returns (nil, nil) if the bug is not cached.
func (db *DB) Get(id int64) (*models.Bug, error) {
	query := `
		SELECT data, unread, starred_comment_ids, last_viewed, update_needed
		FROM bugs
		WHERE id = ?
	`
	row := db.conn.QueryRow(query, id)
	return scanBugFrom(row)
}

// GetAll retrieves all cached bugs ordered by id.
func (db *DB) GetAll() ([]*models.Bug, error) {
	query := `
		SELECT data, unread, starred_comment_ids, last_viewed, update_needed
		FROM bugs
		ORDER BY id ASC
	`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query bugs: %w", err)
	}
	defer rows.Close()

	bugs := []*models.Bug{}
	for rows.Next() {
		bug, err := scanBugFrom(rows)
		if err != nil {
			return nil, err
		}
		bugs = append(bugs, bug)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return bugs, nil
}

// Delete removes a bug from the cache. Missing ids are not an error.
func (db *DB) Delete(id int64) error {
	if _, err := db.conn.Exec("DELETE FROM bugs WHERE id = ?", id); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanBugFrom scans a row into a Bug, decoding the JSON snapshot and
// overlaying the annotation columns.
func scanBugFrom(s scanner) (*models.Bug, error) {
	var data string
	var unread, updateNeeded int
	var starred, lastViewed sql.NullString

	err := s.Scan(&data, &unread, &starred, &lastViewed, &updateNeeded)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan bug: %w", err)
	}

	var bug models.Bug
	if err := json.Unmarshal([]byte(data), &bug); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bug: %w", err)
	}

	bug.Annotations.Unread = unread == 1
	bug.Annotations.UpdateNeeded = updateNeeded == 1

	if starred.Valid && starred.String != "" && starred.String != "null" {
		if err := json.Unmarshal([]byte(starred.String), &bug.Annotations.StarredCommentIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal starred comment ids: %w", err)
		}
	}

	if lastViewed.Valid && lastViewed.String != "" {
		t, err := time.Parse(time.RFC3339, lastViewed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_viewed: %w", err)
		}
		bug.Annotations.LastViewed = t
	}

	return &bug, nil
}

// formatTime renders a timestamp as RFC3339 UTC, or NULL when zero.
func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
