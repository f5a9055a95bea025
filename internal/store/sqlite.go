package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/phantom/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		is_minor INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS age_verifications (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		verified_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_age_verifications_expires ON age_verifications(expires_at) WHERE status = 'verified';

	CREATE TABLE IF NOT EXISTS phantom_turns (
		id TEXT PRIMARY KEY,
		world_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		character_id TEXT NOT NULL,
		message_length INTEGER NOT NULL,
		should_respond INTEGER NOT NULL DEFAULT 0,
		response_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_phantom_turns_room ON phantom_turns(world_id, room_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `
		SELECT user_id, username, is_minor, created_at, updated_at
		FROM profiles WHERE user_id = ?`

	var profile domain.Profile
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&profile.UserID, &profile.Username, &profile.IsMinor, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	profile.CreatedAt = time.Unix(createdAt, 0)
	profile.UpdatedAt = time.Unix(updatedAt, 0)
	return &profile, nil
}

// UpsertProfile creates or updates a profile record.
// The minor flag is only written on insert; ClearMinorFlag owns later changes.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	query := `
	INSERT INTO profiles (user_id, username, is_minor, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		profile.UserID, profile.Username, profile.IsMinor,
		profile.CreatedAt.Unix(), profile.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// ClearMinorFlag sets is_minor to false for the user.
func (s *SQLiteStore) ClearMinorFlag(ctx context.Context, userID string) error {
	query := `UPDATE profiles SET is_minor = 0, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("clear minor flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("ClearMinorFlag affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetVerification retrieves the age verification record for a user.
func (s *SQLiteStore) GetVerification(ctx context.Context, userID string) (*domain.AgeVerification, error) {
	query := `
		SELECT user_id, status, verified_at, expires_at, created_at, updated_at
		FROM age_verifications WHERE user_id = ?`

	var rec domain.AgeVerification
	var verifiedAt, expiresAt, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&rec.UserID, &rec.Status, &verifiedAt, &expiresAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan verification row: %w", err)
	}

	rec.VerifiedAt = time.Unix(verifiedAt, 0)
	rec.ExpiresAt = time.Unix(expiresAt, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// UpsertVerification creates or overwrites the age verification record for a user.
func (s *SQLiteStore) UpsertVerification(ctx context.Context, rec *domain.AgeVerification) error {
	query := `
	INSERT INTO age_verifications (user_id, status, verified_at, expires_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		status = excluded.status,
		verified_at = excluded.verified_at,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.Status, rec.VerifiedAt.Unix(), rec.ExpiresAt.Unix(),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert verification: %w", err)
	}
	return nil
}

// ExpireVerifications marks verified records past their expiry as expired.
func (s *SQLiteStore) ExpireVerifications(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE age_verifications SET status = ?, updated_at = ? WHERE status = ? AND expires_at <= ?`
	result, err := s.db.ExecContext(ctx, query,
		domain.VerificationStatusExpired, now.Unix(),
		domain.VerificationStatusVerified, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire verifications: %w", err)
	}
	return result.RowsAffected()
}

// RecordTurn appends an AI turn audit record.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn *domain.PhantomTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	var errText interface{}
	if turn.Error != "" {
		errText = turn.Error
	}

	query := `
	INSERT INTO phantom_turns (
		id, world_id, room_id, user_id, character_id, message_length,
		should_respond, response_count, error, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		turn.ID, turn.WorldID, turn.RoomID, turn.UserID, turn.CharacterID, turn.MessageLength,
		turn.ShouldRespond, turn.ResponseCount, errText,
		turn.Duration.Milliseconds(), turn.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// CountTurns returns the number of audited turns for a room since the given time.
func (s *SQLiteStore) CountTurns(ctx context.Context, worldID, roomID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM phantom_turns WHERE world_id = ? AND room_id = ? AND created_at >= ?`
	var n int
	if err := s.db.QueryRowContext(ctx, query, worldID, roomID, since.Unix()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}
