// Package statusstore implements the status store (C7): the durable record
// of each analysis's lifecycle, from admission through completion or
// terminal error.
//
// Grounded on original_source/mpc/database.py's status table and its
// idempotent-create semantics (a second POST for an id already Queuing or
// further along is a 202, not a 201); the SQLite driver is
// github.com/mattn/go-sqlite3, the driver the rest of the pack's services
// use for this exact single-file embedded-database shape.
package statusstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/summitto/heartbeat-compute-party/internal/taskerr"
)

// Status is one of the three phases an analysis moves through, or a
// terminal "ERROR:<code>:<message>" string recorded verbatim.
type Status string

const (
	StatusQueuing            Status = "Queuing"
	StatusStartingComputation Status = "Starting computation"
	StatusCompleted          Status = "Completed"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_status (
	analysis_id  TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	result       TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);`

// Store is the status store, backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the status table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("statusstore: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer pipeline; avoid SQLITE_BUSY churn

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statusstore: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Created reports whether Create inserted a fresh row (true, maps to HTTP
// 201) or found the analysis id already present (false, maps to HTTP 202)
// -- the create-is-idempotent split from the original database layer.
type Created bool

// Create inserts a new row in StatusQueuing for analysisID, or, if one
// already exists, resets it back to StatusQueuing and clears any stored
// result -- a re-submission overwrites whatever the prior run left behind,
// per original_source/mpc/database.py's create_entry. Reports true when a
// new row was inserted (HTTP 201) and false when an existing row was reset
// (HTTP 202, "previous result will be overwritten").
func (s *Store) Create(analysisID string) (Created, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return false, taskerr.Infra(500, "statusstore: begin tx for %s: %v", analysisID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO analysis_status (analysis_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(analysis_id) DO NOTHING`,
		analysisID, string(StatusQueuing), now, now,
	)
	if err != nil {
		return false, taskerr.Infra(500, "statusstore: creating %s: %v", analysisID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, taskerr.Infra(500, "statusstore: checking insert for %s: %v", analysisID, err)
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return false, taskerr.Infra(500, "statusstore: committing create for %s: %v", analysisID, err)
		}
		return true, nil
	}

	if _, err := tx.Exec(
		`UPDATE analysis_status SET status = ?, result = NULL, updated_at = ? WHERE analysis_id = ?`,
		string(StatusQueuing), now, analysisID,
	); err != nil {
		return false, taskerr.Infra(500, "statusstore: resetting %s: %v", analysisID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, taskerr.Infra(500, "statusstore: committing reset for %s: %v", analysisID, err)
	}
	return false, nil
}

// SetStatus overwrites analysisID's status field (e.g. to
// StatusStartingComputation, StatusCompleted, or an "ERROR:..." string from
// taskerr.Process.StatusString).
func (s *Store) SetStatus(analysisID string, status Status) error {
	res, err := s.db.Exec(
		`UPDATE analysis_status SET status = ?, updated_at = ? WHERE analysis_id = ?`,
		string(status), time.Now().UTC(), analysisID,
	)
	if err != nil {
		return taskerr.Infra(500, "statusstore: setting status for %s: %v", analysisID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskerr.Client(404, "statusstore: no such analysis %s", analysisID)
	}
	return nil
}

// AppendResult appends a hex-encoded encrypted result chunk to the result
// stored for analysisID (starting from an empty result when none is stored)
// and sets the status to Completed, in one transaction.
func (s *Store) AppendResult(analysisID, result string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.Infra(500, "statusstore: begin tx for %s: %v", analysisID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE analysis_status SET status = ?, result = COALESCE(result, '') || ?, updated_at = ? WHERE analysis_id = ?`,
		string(StatusCompleted), result, time.Now().UTC(), analysisID,
	)
	if err != nil {
		return taskerr.Infra(500, "statusstore: appending result for %s: %v", analysisID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskerr.Client(404, "statusstore: no such analysis %s", analysisID)
	}
	return tx.Commit()
}

// Record is one analysis's status-store row.
type Record struct {
	AnalysisID string
	Status     string
	Result     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsError reports whether r.Status is a terminal "ERROR:..." string.
func (r Record) IsError() bool {
	return strings.HasPrefix(r.Status, "ERROR:")
}

// Read fetches the current row for analysisID.
func (s *Store) Read(analysisID string) (Record, error) {
	var r Record
	var result sql.NullString
	err := s.db.QueryRow(
		`SELECT analysis_id, status, result, created_at, updated_at FROM analysis_status WHERE analysis_id = ?`,
		analysisID,
	).Scan(&r.AnalysisID, &r.Status, &result, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, taskerr.Client(404, "statusstore: no such analysis %s", analysisID)
	}
	if err != nil {
		return Record{}, taskerr.Infra(500, "statusstore: reading %s: %v", analysisID, err)
	}
	r.Result = result.String
	return r, nil
}

// Delete removes analysisID's row, e.g. after its result has been
// delivered and cache entries evicted.
func (s *Store) Delete(analysisID string) error {
	if _, err := s.db.Exec(`DELETE FROM analysis_status WHERE analysis_id = ?`, analysisID); err != nil {
		return taskerr.Infra(500, "statusstore: deleting %s: %v", analysisID, err)
	}
	return nil
}
