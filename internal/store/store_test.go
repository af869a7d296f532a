package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/delver/internal/helpers"
	"github.com/mohammad-safakhou/delver/internal/research"
)

func TestSaveSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	sess := research.Session{
		ID:       "sess-1",
		Question: "What is HNSW?",
		Brief:    research.Brief{Question: "What is HNSW?", Language: "en"},
		Findings: []research.Findings{{
			TaskID:      "t1",
			SubQuestion: "What is HNSW?",
			Sources:     []helpers.Source{{Title: "Paper", URL: "https://example.com/"}},
			Status:      research.StatusComplete,
		}},
		Report: &research.Report{
			Markdown: "HNSW is a graph index [1].",
			Sources:  []helpers.Source{{Title: "Paper", URL: "https://example.com/"}},
		},
		CreatedAt: now,
	}

	query := regexp.QuoteMeta(`
INSERT INTO research_sessions (id, question, brief, transcript, findings, report, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
  question = EXCLUDED.question,
  brief = EXCLUDED.brief,
  transcript = EXCLUDED.transcript,
  findings = EXCLUDED.findings,
  report = EXCLUDED.report;
`)
	mock.ExpectExec(query).
		WithArgs(sess.ID, sess.Question, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT id, question, brief, transcript, findings, report, created_at
FROM research_sessions
WHERE id=$1
`)
	mock.ExpectQuery(query).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "question", "brief", "transcript", "findings", "report", "created_at"}).
			AddRow("sess-1", "What is HNSW?",
				[]byte(`{"question":"What is HNSW?","language":"en"}`),
				[]byte(`[]`),
				[]byte(`[{"task_id":"t1","sub_question":"What is HNSW?","status":"complete","sources":[]}]`),
				[]byte(`{"markdown":"HNSW is a graph index [1].","sources":[{"title":"Paper","url":"https://example.com/"}]}`),
				now))

	sess, ok, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !ok {
		t.Fatal("expected session")
	}
	if sess.Brief.Question != "What is HNSW?" || len(sess.Findings) != 1 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.Report == nil || len(sess.Report.Sources) != 1 {
		t.Fatalf("unexpected report: %+v", sess.Report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery("SELECT id, question").
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"id", "question", "brief", "transcript", "findings", "report", "created_at"}))

	_, ok, err := st.GetSession(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if ok {
		t.Fatal("expected no session")
	}
}

func TestListSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT id, question, report IS NOT NULL, created_at
FROM research_sessions
ORDER BY created_at DESC
LIMIT $1
`)
	mock.ExpectQuery(query).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "question", "has_report", "created_at"}).
			AddRow("sess-2", "later question", true, now).
			AddRow("sess-1", "earlier question", false, now.Add(-time.Hour)))

	out, err := st.ListSessions(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(out) != 2 || out[0].ID != "sess-2" || !out[0].HasReport || out[1].HasReport {
		t.Fatalf("unexpected listing: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
