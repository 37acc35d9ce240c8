package auth

import (
	"context"
	"time"
)

// Store bundles the persistence surfaces the authority needs.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Sessions() SessionStore
}

// UserStore manages principal records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	UpdatePermissions(ctx context.Context, userID int64, doc *PermissionNode) error
	TouchLastLogin(ctx context.Context, userID int64, at time.Time) error
	CountByRole(ctx context.Context, roleID int64) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// RoleStore manages roles and their permission documents.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id int64) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, r *Role) error
	Delete(ctx context.Context, id int64) error
}

// SessionStore is the single source of truth for whether a specific
// issued token is still usable, independent of its cryptographic
// expiry.
type SessionStore interface {
	Create(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) (*Session, error)

	// FindActiveByHash only returns rows where is_active and the
	// expiry has not passed; this is the enforcement point for logout.
	FindActiveByHash(ctx context.Context, tokenHash string) (*Session, error)

	// Deactivate is idempotent: deactivating an already-inactive
	// session is a no-op, not an error.
	Deactivate(ctx context.Context, sessionID int64) error

	// DeactivateAllForUser flips every session for the user in one
	// set-based update.
	DeactivateAllForUser(ctx context.Context, userID int64) error

	// SweepExpired deactivates every still-active row whose expiry has
	// passed and reports how many rows were touched. Safe to run
	// concurrently with live traffic.
	SweepExpired(ctx context.Context) (int64, error)
}
