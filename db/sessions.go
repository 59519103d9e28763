package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Session statuses stored in live_sessions.status.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// ErrSessionActive is returned by InsertSession while another session is active.
var ErrSessionActive = errors.New("db: a live session is already active")

// LiveSession is one row of live_sessions.
type LiveSession struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"`
}

// SessionStore persists live sessions.
type SessionStore struct {
	DB *sql.DB
}

// Insert records a new active session for room. The partial unique index on
// status='active' makes this fail with ErrSessionActive when one already exists.
func (s *SessionStore) Insert(ctx context.Context, room string, startedAt time.Time) (LiveSession, error) {
	ls := LiveSession{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Room:      room,
		Status:    SessionActive,
		StartedAt: startedAt.UTC(),
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO live_sessions(id, room, status, started_at) VALUES($1,$2,$3,$4)`,
		ls.ID, ls.Room, ls.Status, ls.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return LiveSession{}, ErrSessionActive
		}
		return LiveSession{}, fmt.Errorf("insert live session: %w", err)
	}
	return ls, nil
}

// End marks the session ended and stores report as its final analytics.
func (s *SessionStore) End(ctx context.Context, id string, endedAt time.Time, report any) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode session report: %w", err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE live_sessions SET status=$2, ended_at=$3, report=$4 WHERE id=$1`,
		id, SessionEnded, endedAt.UTC(), raw)
	if err != nil {
		return fmt.Errorf("end live session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end live session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Active returns the session left active, if any.
func (s *SessionStore) Active(ctx context.Context) (LiveSession, bool, error) {
	var ls LiveSession
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, room, status, started_at FROM live_sessions WHERE status=$1 LIMIT 1`, SessionActive).
		Scan(&ls.ID, &ls.Room, &ls.Status, &ls.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LiveSession{}, false, nil
	}
	if err != nil {
		return LiveSession{}, false, fmt.Errorf("query active session: %w", err)
	}
	return ls, true, nil
}

// Recent lists the most recent sessions, newest first.
func (s *SessionStore) Recent(ctx context.Context, limit int) ([]LiveSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, room, status, started_at, ended_at, report FROM live_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LiveSession
	for rows.Next() {
		var (
			ls     LiveSession
			ended  sql.NullTime
			report []byte
		)
		if err := rows.Scan(&ls.ID, &ls.Room, &ls.Status, &ls.StartedAt, &ended, &report); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			ls.EndedAt = &t
		}
		if len(report) > 0 {
			ls.Report = json.RawMessage(report)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}
