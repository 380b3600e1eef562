package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/ensemblehq/ensemble/internal/orchestration"
)

var tracer = otel.Tracer("ensemble/internal/store")

type Store struct {
	DB *sql.DB
}

// New constructs the Store from environment variables.
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

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// SaveSession upserts a durable session snapshot. Snapshots without a trace
// preserve the previously written one so intermediate transitions stay cheap.
func (s *Store) SaveSession(ctx context.Context, rec orchestration.Record) error {
	ctx, span := tracer.Start(ctx, "store.save_session")
	defer span.End()

	if rec.SessionID == "" {
		return fmt.Errorf("session id must be provided")
	}

	plan, err := marshalNullable(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	roster, err := marshalNullable(rec.Roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	var trace interface{}
	if rec.Trace != nil {
		b, err := json.Marshal(rec.Trace)
		if err != nil {
			return fmt.Errorf("marshal trace: %w", err)
		}
		trace = b
	}
	final, err := marshalNullable(rec.Final)
	if err != nil {
		return fmt.Errorf("marshal final: %w", err)
	}
	teardown, err := marshalNullable(rec.Teardown)
	if err != nil {
		return fmt.Errorf("marshal teardown: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, task, approval_state, execution_state, plan, roster, trace, final, teardown, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  approval_state = EXCLUDED.approval_state,
  execution_state = EXCLUDED.execution_state,
  plan = EXCLUDED.plan,
  roster = EXCLUDED.roster,
  trace = COALESCE(EXCLUDED.trace, sessions.trace),
  final = EXCLUDED.final,
  teardown = EXCLUDED.teardown,
  updated_at = EXCLUDED.updated_at`,
		rec.SessionID, rec.Task, string(rec.Approval), string(rec.Execution),
		plan, roster, trace, final, teardown, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// GetSession loads a durable session snapshot.
func (s *Store) GetSession(ctx context.Context, id string) (orchestration.Record, bool, error) {
	var (
		rec      orchestration.Record
		approval string
		exec     string
		plan     []byte
		roster   []byte
		trace    []byte
		final    []byte
		teardown []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, task, approval_state, execution_state, plan, roster, trace, final, teardown, created_at, updated_at
FROM sessions WHERE id=$1`, id).Scan(
		&rec.SessionID, &rec.Task, &approval, &exec,
		&plan, &roster, &trace, &final, &teardown,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestration.Record{}, false, nil
	}
	if err != nil {
		return orchestration.Record{}, false, err
	}
	rec.Approval = orchestration.ApprovalState(approval)
	rec.Execution = orchestration.ExecutionState(exec)
	if err := unmarshalNullable(plan, &rec.Plan); err != nil {
		return orchestration.Record{}, false, fmt.Errorf("decode plan: %w", err)
	}
	if len(roster) > 0 {
		if err := json.Unmarshal(roster, &rec.Roster); err != nil {
			return orchestration.Record{}, false, fmt.Errorf("decode roster: %w", err)
		}
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &rec.Trace); err != nil {
			return orchestration.Record{}, false, fmt.Errorf("decode trace: %w", err)
		}
	}
	if err := unmarshalNullable(final, &rec.Final); err != nil {
		return orchestration.Record{}, false, fmt.Errorf("decode final: %w", err)
	}
	if err := unmarshalNullable(teardown, &rec.Teardown); err != nil {
		return orchestration.Record{}, false, fmt.Errorf("decode teardown: %w", err)
	}
	return rec, true, nil
}

// SessionSummary is the listing row for stored sessions.
type SessionSummary struct {
	ID        string
	Task      string
	Approval  orchestration.ApprovalState
	Execution orchestration.ExecutionState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListSessions returns stored sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, task, approval_state, execution_state, created_at, updated_at
FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var approval, exec string
		if err := rows.Scan(&sum.ID, &sum.Task, &approval, &exec, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		sum.Approval = orchestration.ApprovalState(approval)
		sum.Execution = orchestration.ExecutionState(exec)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PruneSessionsBefore deletes terminal sessions last touched before cutoff
// and returns the deleted IDs.
func (s *Store) PruneSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff must be provided")
	}
	rows, err := s.DB.QueryContext(ctx, `
DELETE FROM sessions WHERE updated_at < $1 AND execution_state IN ('completed','cancelled','failed') RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalNullable(v any) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *orchestration.Plan:
		if t == nil {
			return nil, nil
		}
	case *orchestration.FinalResult:
		if t == nil {
			return nil, nil
		}
	case *orchestration.TeardownReport:
		if t == nil {
			return nil, nil
		}
	case []orchestration.AgentHandle:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func unmarshalNullable[T any](raw []byte, dst **T) error {
	if len(raw) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

var _ orchestration.SessionSink = (*Store)(nil)
