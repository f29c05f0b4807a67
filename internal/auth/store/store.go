package store

import (
	"context"
	"time"

	"mihome/internal/auth/models"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return an error wrapping sentinel.ErrNotFound when the entity does not exist
// - Return nil for successful operations
// - Return wrapped errors with context for infrastructure failures
//
// Callers must not trust a stored session's Status field for expiry: the
// expiry check is EffectiveStatus(now) on read, the sweep only bounds memory.

// SessionStore holds QR login sessions keyed by id.
type SessionStore interface {
	Save(ctx context.Context, session *models.LoginSession) error
	FindByID(ctx context.Context, id string) (*models.LoginSession, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CredentialsStore holds cloud credentials keyed by vendor user id.
type CredentialsStore interface {
	Save(ctx context.Context, creds *models.CloudCredentials) error
	FindByUserID(ctx context.Context, userID string) (*models.CloudCredentials, error)
	Delete(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
