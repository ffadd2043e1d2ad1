// Package ledger records sessions and turn results in SQLite so sessions
// can be listed and resumed later.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var ErrSessionNotFound = errors.New("session not found")

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

type SessionRecord struct {
	ID          string    `json:"session_id"`
	RolloutPath string    `json:"rollout_path"`
	Cwd         string    `json:"cwd"`
	Model       string    `json:"model"`
	TurnCount   int64     `json:"turn_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TurnRecord struct {
	ID                string
	SessionID         string
	Seq               int64
	Prompt            string
	FinalMessage      string
	Reasoning         []string
	Errors            []string
	Events            json.RawMessage
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	Completed         bool
	CreatedAt         time.Time
}

// Open creates the parent directory when needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  rollout_path TEXT NOT NULL DEFAULT '',
  cwd TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  turn_count INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
CREATE TABLE IF NOT EXISTS turns (
  turn_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  final_message TEXT NOT NULL DEFAULT '',
  errors_json TEXT NOT NULL DEFAULT '[]',
  events_json TEXT NOT NULL DEFAULT '[]',
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if err := s.ensureColumn(ctx, "turns", "reasoning_json", "TEXT", "'[]'"); err != nil {
		return err
	}
	if err := s.ensureColumn(ctx, "turns", "cached_input_tokens", "INTEGER", "0"); err != nil {
		return err
	}
	return nil
}

// RecordSession inserts a session or refreshes its rollout path, cwd and
// model. The creation time of an existing row is kept.
func (s *Store) RecordSession(ctx context.Context, r SessionRecord) error {
	if r.ID == "" {
		return fmt.Errorf("session id is required")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions(session_id, rollout_path, cwd, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   rollout_path=CASE WHEN excluded.rollout_path <> '' THEN excluded.rollout_path ELSE sessions.rollout_path END,
		   cwd=excluded.cwd,
		   model=CASE WHEN excluded.model <> '' THEN excluded.model ELSE sessions.model END,
		   updated_at=excluded.updated_at`,
		r.ID, r.RolloutPath, r.Cwd, r.Model,
		r.CreatedAt.UTC().Format(tsLayout), now.Format(tsLayout),
	)
	return err
}

// RecordTurn appends a turn to its session and returns the stored record
// with ID, Seq and CreatedAt filled in.
func (s *Store) RecordTurn(ctx context.Context, r TurnRecord) (TurnRecord, error) {
	if r.SessionID == "" {
		return r, fmt.Errorf("session id is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if len(r.Events) == 0 {
		r.Events = json.RawMessage("[]")
	}
	errorsJSON, _ := json.Marshal(nonNil(r.Errors))
	reasoningJSON, _ := json.Marshal(nonNil(r.Reasoning))
	ts := r.CreatedAt.UTC().Format(tsLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM turns WHERE session_id=?`, r.SessionID).Scan(&maxSeq); err != nil {
		return r, err
	}
	r.Seq = 1
	if maxSeq.Valid {
		r.Seq = maxSeq.Int64 + 1
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO turns(turn_id, session_id, seq, prompt, final_message, errors_json, events_json, reasoning_json,
		   input_tokens, cached_input_tokens, output_tokens, completed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Seq, r.Prompt, r.FinalMessage, string(errorsJSON), string(r.Events), string(reasoningJSON),
		r.InputTokens, r.CachedInputTokens, r.OutputTokens, boolInt(r.Completed), ts,
	); err != nil {
		return r, err
	}
	res, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET turn_count=turn_count+1, updated_at=? WHERE session_id=?`,
		ts, r.SessionID,
	)
	if err != nil {
		return r, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r, fmt.Errorf("record turn for %s: %w", r.SessionID, ErrSessionNotFound)
	}
	return r, tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT session_id, rollout_path, cwd, model, turn_count, created_at, updated_at
		 FROM sessions WHERE session_id=?`,
		id,
	)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, ErrSessionNotFound
		}
		return SessionRecord{}, err
	}
	return out, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT session_id, rollout_path, cwd, model, turn_count, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC, session_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT turn_id, session_id, seq, prompt, final_message, errors_json, events_json, reasoning_json,
		   input_tokens, cached_input_tokens, output_tokens, completed, created_at
		 FROM turns WHERE session_id=? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TurnRecord{}
	for rows.Next() {
		var r TurnRecord
		var errorsJSON, eventsJSON, reasoningJSON, ts string
		var completed int
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Prompt, &r.FinalMessage, &errorsJSON, &eventsJSON, &reasoningJSON,
			&r.InputTokens, &r.CachedInputTokens, &r.OutputTokens, &completed, &ts); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(errorsJSON), &r.Errors)
		_ = json.Unmarshal([]byte(reasoningJSON), &r.Reasoning)
		r.Events = json.RawMessage(eventsJSON)
		r.Completed = completed != 0
		r.CreatedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var out SessionRecord
	var tsCreated, tsUpdated string
	if err := row.Scan(&out.ID, &out.RolloutPath, &out.Cwd, &out.Model, &out.TurnCount, &tsCreated, &tsUpdated); err != nil {
		return SessionRecord{}, err
	}
	out.CreatedAt, _ = time.Parse(tsLayout, tsCreated)
	out.UpdatedAt, _ = time.Parse(tsLayout, tsUpdated)
	return out, nil
}

func (s *Store) ensureColumn(ctx context.Context, table, name, typ, def string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	has := false
	for rows.Next() {
		var cid int
		var colName string
		var colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if colName == name {
			has = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s NOT NULL DEFAULT %s`, table, name, typ, def))
	return err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
