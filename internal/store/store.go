// Package store persists finished research sessions to Postgres. The engine
// treats persistence as optional; every method takes a context and returns
// database errors unwrapped.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/delver/internal/research"
)

type Store struct {
	DB *sql.DB
}

// New constructs the Store from DATABASE_URL or the POSTGRES_* environment.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS research_sessions (
  id          TEXT PRIMARY KEY,
  question    TEXT NOT NULL,
  brief       JSONB NOT NULL,
  transcript  JSONB NOT NULL,
  findings    JSONB NOT NULL,
  report      JSONB,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS research_sessions_created_at_idx ON research_sessions (created_at DESC);
`)
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// SaveSession upserts one finished session. Re-saving the same session id
// replaces the stored documents.
func (s *Store) SaveSession(ctx context.Context, sess research.Session) error {
	brief, err := json.Marshal(sess.Brief)
	if err != nil {
		return fmt.Errorf("marshal brief: %w", err)
	}
	transcript, err := json.Marshal(sess.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	findings, err := json.Marshal(sess.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	var report []byte
	if sess.Report != nil {
		report, err = json.Marshal(sess.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_sessions (id, question, brief, transcript, findings, report, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
  question = EXCLUDED.question,
  brief = EXCLUDED.brief,
  transcript = EXCLUDED.transcript,
  findings = EXCLUDED.findings,
  report = EXCLUDED.report;
`, sess.ID, sess.Question, brief, transcript, findings, nullableBytes(report), sess.CreatedAt)
	return err
}

// GetSession loads one stored session by id. The second return value reports
// whether the session exists.
func (s *Store) GetSession(ctx context.Context, id string) (research.Session, bool, error) {
	var (
		sess       research.Session
		brief      []byte
		transcript []byte
		findings   []byte
		report     sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, question, brief, transcript, findings, report, created_at
FROM research_sessions
WHERE id=$1
`, id).Scan(&sess.ID, &sess.Question, &brief, &transcript, &findings, &report, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return research.Session{}, false, nil
	}
	if err != nil {
		return research.Session{}, false, err
	}
	if err := json.Unmarshal(brief, &sess.Brief); err != nil {
		return research.Session{}, false, fmt.Errorf("decode brief: %w", err)
	}
	if err := json.Unmarshal(transcript, &sess.Transcript); err != nil {
		return research.Session{}, false, fmt.Errorf("decode transcript: %w", err)
	}
	if err := json.Unmarshal(findings, &sess.Findings); err != nil {
		return research.Session{}, false, fmt.Errorf("decode findings: %w", err)
	}
	if report.Valid {
		var r research.Report
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return research.Session{}, false, fmt.Errorf("decode report: %w", err)
		}
		sess.Report = &r
	}
	return sess, true, nil
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID        string
	Question  string
	HasReport bool
	CreatedAt time.Time
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, question, report IS NOT NULL, created_at
FROM research_sessions
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Question, &sum.HasReport, &sum.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSession removes one stored session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM research_sessions WHERE id=$1`, id)
	return err
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
