package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ensemblehq/ensemble/internal/orchestration"
)

func TestSaveSessionUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rec := orchestration.Record{
		SessionID: "sess-1",
		Task:      "summarize the report",
		Approval:  orchestration.AwaitingApproval,
		Execution: orchestration.ExecutionNotStarted,
		Plan: &orchestration.Plan{
			Steps: []orchestration.PlanStep{{AssignedRole: "writer", Description: "draft"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO sessions .*ON CONFLICT \(id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveSession(context.Background(), rec); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveSessionRequiresID(t *testing.T) {
	st := &Store{}
	if err := st.SaveSession(context.Background(), orchestration.Record{}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestGetSessionDecodesSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "task", "approval_state", "execution_state",
		"plan", "roster", "trace", "final", "teardown", "created_at", "updated_at",
	}).AddRow(
		"sess-2", "investigate outage", "approved", "completed",
		[]byte(`{"steps":[{"index":0,"assigned_role":"researcher","description":"dig","status":"succeeded"}]}`),
		[]byte(`[{"role":"coordinator","remote_id":"agt-1","state":"deleted"}]`),
		[]byte(`[{"step_index":0,"role":"researcher","sequence":0,"text":"found it"}]`),
		[]byte(`{"summary":"root cause identified"}`),
		nil, now, now,
	)
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id=\$1`).
		WithArgs("sess-2").
		WillReturnRows(rows)

	rec, found, err := st.GetSession(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if !found {
		t.Fatal("expected session to be found")
	}
	if rec.Execution != orchestration.ExecutionCompleted {
		t.Fatalf("unexpected execution state %s", rec.Execution)
	}
	if rec.Plan == nil || len(rec.Plan.Steps) != 1 || rec.Plan.Steps[0].AssignedRole != "researcher" {
		t.Fatalf("plan not decoded: %+v", rec.Plan)
	}
	if len(rec.Trace) != 1 || rec.Trace[0].Text != "found it" {
		t.Fatalf("trace not decoded: %+v", rec.Trace)
	}
	if rec.Final == nil || rec.Final.Summary != "root cause identified" {
		t.Fatalf("final not decoded: %+v", rec.Final)
	}
	if rec.Teardown != nil {
		t.Fatalf("expected nil teardown, got %+v", rec.Teardown)
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
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id=\$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, found, err := st.GetSession(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if found {
		t.Fatal("expected session to be missing")
	}
}

func TestPruneSessionsBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	cutoff := time.Now().Add(-72 * time.Hour)

	mock.ExpectQuery(`DELETE FROM sessions WHERE updated_at < \$1 AND execution_state IN .* RETURNING id`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2"))

	deleted, err := st.PruneSessionsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneSessionsBefore returned error: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "s1" {
		t.Fatalf("unexpected pruned ids %v", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPruneSessionsBeforeZeroCutoff(t *testing.T) {
	st := &Store{}
	if _, err := st.PruneSessionsBefore(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error for zero cutoff")
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
	rows := sqlmock.NewRows([]string{"id", "task", "approval_state", "execution_state", "created_at", "updated_at"}).
		AddRow("s2", "later task", "approved", "running", now, now).
		AddRow("s1", "earlier task", "rejected", "cancelled", now.Add(-time.Hour), now.Add(-time.Hour))
	mock.ExpectQuery(`SELECT .* FROM sessions ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(rows)

	out, err := st.ListSessions(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListSessions returned error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "s2" || out[1].Execution != orchestration.ExecutionCancelled {
		t.Fatalf("unexpected listing: %+v", out)
	}
}
