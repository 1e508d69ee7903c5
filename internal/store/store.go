// Package store persists verdicts. Rows are insert-only: the schema
// refuses UPDATE and DELETE so a recorded verdict can never change.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/taxonomy"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id       TEXT    NOT NULL,
	pass             INTEGER NOT NULL,
	risk_tier        TEXT    NOT NULL,
	aggregate_score  REAL    NOT NULL,
	rejection_reason TEXT    NOT NULL DEFAULT '',
	policy_digest    TEXT    NOT NULL,
	created_at       TEXT    NOT NULL,
	record           TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS verdicts_command ON verdicts(command_id);

CREATE TABLE IF NOT EXISTS verdict_techniques (
	verdict_id INTEGER NOT NULL REFERENCES verdicts(id),
	technique  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS verdict_techniques_technique ON verdict_techniques(technique);

CREATE TRIGGER IF NOT EXISTS verdicts_no_update BEFORE UPDATE ON verdicts
BEGIN SELECT RAISE(ABORT, 'verdicts are insert-only'); END;
CREATE TRIGGER IF NOT EXISTS verdicts_no_delete BEFORE DELETE ON verdicts
BEGIN SELECT RAISE(ABORT, 'verdicts are insert-only'); END;
CREATE TRIGGER IF NOT EXISTS verdict_techniques_no_update BEFORE UPDATE ON verdict_techniques
BEGIN SELECT RAISE(ABORT, 'verdicts are insert-only'); END;
CREATE TRIGGER IF NOT EXISTS verdict_techniques_no_delete BEFORE DELETE ON verdict_techniques
BEGIN SELECT RAISE(ABORT, 'verdicts are insert-only'); END;
`

// Store is a SQLite-backed verdict log. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer connection avoids SQLITE_BUSY between pool workers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON", schema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: init schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert records v and its technique tags in one transaction and returns
// the row id.
func (s *Store) Insert(ctx context.Context, v compliance.Verdict) (int64, error) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	record, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("store: marshal verdict: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO verdicts (command_id, pass, risk_tier, aggregate_score, rejection_reason, policy_digest, created_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.CommandID, v.Pass, v.RiskTier.String(), v.AggregateScore, v.RejectionReason,
		v.PolicyDigest, v.CreatedAt.UTC().Format(time.RFC3339Nano), string(record))
	if err != nil {
		return 0, fmt.Errorf("store: insert verdict: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert verdict: %w", err)
	}
	for _, tech := range v.MitreTags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verdict_techniques (verdict_id, technique) VALUES (?, ?)`, id, tech); err != nil {
			return 0, fmt.Errorf("store: insert technique: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// History returns every verdict recorded for commandID, newest first.
func (s *Store) History(ctx context.Context, commandID string) ([]compliance.Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM verdicts WHERE command_id = ? ORDER BY id DESC`, commandID)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []compliance.Verdict
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		var v compliance.Verdict
		if err := json.Unmarshal([]byte(record), &v); err != nil {
			return nil, fmt.Errorf("store: decode verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Tagged returns the view of every verdict the technique index needs.
func (s *Store) Tagged(ctx context.Context) ([]taxonomy.Tagged, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, v.command_id, v.pass, t.technique
		   FROM verdicts v LEFT JOIN verdict_techniques t ON t.verdict_id = v.id
		  ORDER BY v.id, t.technique`)
	if err != nil {
		return nil, fmt.Errorf("store: query techniques: %w", err)
	}
	defer rows.Close()

	var out []taxonomy.Tagged
	lastID := int64(-1)
	for rows.Next() {
		var (
			id   int64
			cmd  string
			pass bool
			tech sql.NullString
		)
		if err := rows.Scan(&id, &cmd, &pass, &tech); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if id != lastID {
			out = append(out, taxonomy.Tagged{CommandID: cmd, Pass: pass})
			lastID = id
		}
		if tech.Valid {
			last := &out[len(out)-1]
			last.Techniques = append(last.Techniques, tech.String)
		}
	}
	return out, rows.Err()
}

// Summary counts recorded verdicts.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(pass), 0) FROM verdicts`).Scan(&sum.Total, &sum.Passed)
	if err != nil {
		return Summary{}, fmt.Errorf("store: summary: %w", err)
	}
	sum.Failed = sum.Total - sum.Passed
	return sum, nil
}
