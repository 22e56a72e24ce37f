package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Store is the SQLite-backed journal of gateway chat turns.
type Store struct {
	path string
	db   *sql.DB
	now  func() time.Time
}

// Turn stores one journaled chat turn.
type Turn struct {
	TurnID       string
	ThreadID     string
	RunID        string
	Message      string
	Reply        string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// RecordTurnParams contains input for RecordTurn.
type RecordTurnParams struct {
	TurnID  string
	Message string
}

// FinalizeTurnParams contains fields used to close a journaled turn.
type FinalizeTurnParams struct {
	TurnID       string
	ThreadID     string
	RunID        string
	Reply        string
	Status       string
	ErrorMessage string
}

// New opens the SQLite database and applies idempotent migrations.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: empty database path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	store := &Store{
		path: path,
		db:   db,
		now:  time.Now,
	}

	if err := store.configure(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies all pending migrations and records versions in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}

	return nil
}

// RecordTurn inserts a running turn row before the upstream protocol starts.
func (s *Store) RecordTurn(ctx context.Context, params RecordTurnParams) (Turn, error) {
	if strings.TrimSpace(params.TurnID) == "" {
		return Turn{}, errors.New("storage: turnID is required")
	}

	now := s.now().UTC()
	nowText := formatTime(now)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (
			turn_id,
			thread_id,
			run_id,
			message,
			reply,
			status,
			error_message,
			created_at,
			completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL);
	`,
		params.TurnID,
		"",
		"",
		params.Message,
		"",
		"running",
		"",
		nowText,
	); err != nil {
		return Turn{}, fmt.Errorf("storage: record turn: %w", err)
	}

	return Turn{
		TurnID:    params.TurnID,
		Message:   params.Message,
		Status:    "running",
		CreatedAt: now,
	}, nil
}

// FinalizeTurn writes the turn outcome and sets completed_at.
func (s *Store) FinalizeTurn(ctx context.Context, params FinalizeTurnParams) error {
	if strings.TrimSpace(params.TurnID) == "" {
		return errors.New("storage: turnID is required")
	}
	if strings.TrimSpace(params.Status) == "" {
		return errors.New("storage: status is required")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE turns
		SET
			thread_id = ?,
			run_id = ?,
			reply = ?,
			status = ?,
			error_message = ?,
			completed_at = ?
		WHERE turn_id = ?;
	`,
		params.ThreadID,
		params.RunID,
		params.Reply,
		params.Status,
		params.ErrorMessage,
		formatTime(s.now()),
		params.TurnID,
	)
	if err != nil {
		return fmt.Errorf("storage: finalize turn: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: finalize turn rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTurn returns one turn by turn_id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			turn_id,
			thread_id,
			run_id,
			message,
			reply,
			status,
			error_message,
			created_at,
			completed_at
		FROM turns
		WHERE turn_id = ?;
	`, turnID)

	turn, err := scanTurn(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Turn{}, ErrNotFound
		}
		return Turn{}, fmt.Errorf("storage: get turn: %w", err)
	}
	return turn, nil
}

// ListRecentTurns returns up to limit turns, newest first.
func (s *Store) ListRecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			turn_id,
			thread_id,
			run_id,
			message,
			reply,
			status,
			error_message,
			created_at,
			completed_at
		FROM turns
		ORDER BY created_at DESC, turn_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		turn, err := scanTurn(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list recent turns rows: %w", err)
	}
	return turns, nil
}

func scanTurn(scan func(dest ...any) error) (Turn, error) {
	var (
		turn           Turn
		createdAtDB    string
		completedAtRaw sql.NullString
	)
	if err := scan(
		&turn.TurnID,
		&turn.ThreadID,
		&turn.RunID,
		&turn.Message,
		&turn.Reply,
		&turn.Status,
		&turn.ErrorMessage,
		&createdAtDB,
		&completedAtRaw,
	); err != nil {
		return Turn{}, err
	}

	createdAt, err := parseTime(createdAtDB)
	if err != nil {
		return Turn{}, fmt.Errorf("parse turn.created_at: %w", err)
	}
	turn.CreatedAt = createdAt

	if completedAtRaw.Valid {
		completedAt, err := parseTime(completedAtRaw.String)
		if err != nil {
			return Turn{}, fmt.Errorf("parse turn.completed_at: %w", err)
		}
		turn.CompletedAt = &completedAt
	}

	return turn, nil
}

func (s *Store) configure(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("storage: set pragma foreign_keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("storage: set pragma busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("storage: set pragma journal_mode: %w", err)
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version int) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM schema_migrations
		WHERE version = ?;
	`, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: query schema_migrations: %w", err)
	}
	return true, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin migration %d: %w", m.version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range m.sql {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migration %d (%s): %w", m.version, m.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, applied_at)
		VALUES (?, ?, ?);
	`, m.version, m.name, formatTime(s.now())); err != nil {
		return fmt.Errorf("storage: record migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit migration %d: %w", m.version, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
