// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/phantom/internal/domain"
)

// Repository defines the interface for persisting profiles, age verifications and AI turn audits.
type Repository interface {
	// GetProfile retrieves a profile by user ID. Returns nil, nil when absent.
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)

	// UpsertProfile creates or updates a profile record.
	UpsertProfile(ctx context.Context, profile *domain.Profile) error

	// ClearMinorFlag sets is_minor to false for the user. Idempotent.
	ClearMinorFlag(ctx context.Context, userID string) error

	// GetVerification retrieves the age verification record for a user. Returns nil, nil when absent.
	GetVerification(ctx context.Context, userID string) (*domain.AgeVerification, error)

	// UpsertVerification creates or overwrites the age verification record for a user.
	UpsertVerification(ctx context.Context, rec *domain.AgeVerification) error

	// ExpireVerifications marks verified records whose expires_at is before now as expired.
	ExpireVerifications(ctx context.Context, now time.Time) (int64, error)

	// RecordTurn appends an AI turn audit record.
	RecordTurn(ctx context.Context, turn *domain.PhantomTurn) error

	// CountTurns returns the number of audited turns for a room since the given time.
	CountTurns(ctx context.Context, worldID, roomID string, since time.Time) (int, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
