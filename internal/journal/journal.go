// Package journal is a SQLite-backed record of deployment attempts, so
// a failed bootstrap leaves an inspectable trail: which node, how far
// it got, and why it stopped.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Entry is one deployment attempt.
type Entry struct {
	ID         string
	NodeID     string
	NodeName   string
	Provider   string
	Phase      string // furthest phase reached
	Status     string // "succeeded" | "failed" | "running"
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Journal is the persistence handle. Open with Open, close with Close.
type Journal struct{ db *sql.DB }

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Begin records the start of a deployment and returns the entry id.
func (j *Journal) Begin(ctx context.Context, nodeName, provider string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO deployments (id, node_name, provider, phase, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, nodeName, provider, "creating", StatusRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("journal begin: %w", err)
	}
	return id, nil
}

// Finish closes out an entry. phase is the furthest phase reached;
// errMsg is empty on success.
func (j *Journal) Finish(ctx context.Context, id, nodeID, phase, errMsg string) error {
	status := StatusSucceeded
	if errMsg != "" {
		status = StatusFailed
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE deployments SET node_id = ?, phase = ?, status = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		nodeID, phase, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("journal finish: %w", err)
	}
	return nil
}

// Recent returns the latest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, COALESCE(node_id, ''), node_name, provider, phase, status, COALESCE(error, ''),
		        started_at, COALESCE(finished_at, started_at)
		 FROM deployments ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.NodeID, &e.NodeName, &e.Provider, &e.Phase, &e.Status, &e.Error,
			&e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Ping(ctx context.Context) error {
	if j.db == nil {
		return errors.New("journal not initialized")
	}
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error { return j.db.Close() }
