package auth

import "time"

// User is a persisted principal record from the users table.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	RoleID       int64
	Permissions  *PermissionNode // user-specific overrides, may be nil
	IsActive     bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicUser is the projection returned to callers. It never carries
// the password hash.
type PublicUser struct {
	ID          int64           `json:"id"`
	Username    string          `json:"username"`
	Email       string          `json:"email"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	RoleID      int64           `json:"role_id"`
	RoleName    string          `json:"role_name,omitempty"`
	Permissions *PermissionNode `json:"permissions,omitempty"`
	IsActive    bool            `json:"is_active"`
	LastLogin   *time.Time      `json:"last_login,omitempty"`
}

// Public strips the secret fields from a user record.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		RoleID:      u.RoleID,
		Permissions: u.Permissions,
		IsActive:    u.IsActive,
		LastLogin:   u.LastLogin,
	}
}

// Role groups permissions under a unique name.
type Role struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Permissions *PermissionNode `json:"permissions"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Session is the server-side record of one issued token. Only the
// token fingerprint is stored, never the raw token.
type Session struct {
	ID        int64
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	IsActive  bool
	CreatedAt time.Time
}

// Valid reports whether the session may still authenticate requests.
// Both conditions are checked on every request; one lapsing is not
// compensated by the other.
func (s Session) Valid(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}

// Principal is an authenticated user with its role resolved.
type Principal struct {
	User *User
	Role *Role
}

// Authorize answers a point-permission query for the principal.
func (p Principal) Authorize(path string) bool {
	var userDoc, roleDoc *PermissionNode
	if p.User != nil {
		userDoc = p.User.Permissions
	}
	if p.Role != nil {
		roleDoc = p.Role.Permissions
	}
	return Resolve(userDoc, roleDoc, path)
}

// CombinedPermissions returns the informational merged view of role
// and user documents. Display only; authorization goes through
// Authorize, which resolves per path.
func (p Principal) CombinedPermissions() *PermissionNode {
	var userDoc, roleDoc *PermissionNode
	if p.User != nil {
		userDoc = p.User.Permissions
	}
	if p.Role != nil {
		roleDoc = p.Role.Permissions
	}
	return Combined(userDoc, roleDoc)
}

// Public returns the caller-facing projection with the role name set.
func (p Principal) Public() PublicUser {
	pub := p.User.Public()
	if p.Role != nil {
		pub.RoleName = p.Role.Name
	}
	return pub
}
