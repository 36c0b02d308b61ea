// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/hiring-assistant/internal/domain"
)

// Repository defines the interface for persisting users and interview sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetInterviewSession retrieves the interview for a user's tab session.
	// Returns nil, nil when absent.
	GetInterviewSession(ctx context.Context, userID, sessionID string) (*domain.InterviewSession, error)

	// UpsertInterviewSession creates or updates an interview checkpoint.
	UpsertInterviewSession(ctx context.Context, session *domain.InterviewSession) error

	// DeleteInterviewSession removes a stored interview.
	DeleteInterviewSession(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredInterviewSessions removes interviews not updated within ttl.
	CleanupExpiredInterviewSessions(ctx context.Context, ttl time.Duration) (int64, error)
}
