package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and for running
// the service without a database. One mutex guards all state, so it
// is only suitable for a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*User
	roles    map[int64]*Role
	sessions map[int64]*Session

	nextUserID    int64
	nextRoleID    int64
	nextSessionID int64

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[int64]*User{},
		roles:    map[int64]*Role{},
		sessions: map[int64]*Session{},
		now:      time.Now,
	}
}

// SetClock overrides the time source used for expiry checks.
func (m *MemoryStore) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

func (m *MemoryStore) Users() UserStore       { return &memUserStore{m} }
func (m *MemoryStore) Roles() RoleStore       { return &memRoleStore{m} }
func (m *MemoryStore) Sessions() SessionStore { return &memSessionStore{m} }

// User store ---------------------------------------------------------------

type memUserStore struct{ m *MemoryStore }

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.users {
		if existing.Username == u.Username || strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: username or email already taken", ErrConflict)
		}
	}
	s.m.nextUserID++
	u.ID = s.m.nextUserID
	now := s.m.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.m.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) Find(_ context.Context, id int64) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) List(_ context.Context) ([]*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*User, 0, len(s.m.users))
	for _, u := range s.m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memUserStore) Update(_ context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored, ok := s.m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Email = u.Email
	stored.FirstName = u.FirstName
	stored.LastName = u.LastName
	stored.RoleID = u.RoleID
	stored.IsActive = u.IsActive
	stored.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s *memUserStore) UpdatePassword(_ context.Context, userID int64, passwordHash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s *memUserStore) UpdatePermissions(_ context.Context, userID int64, doc *PermissionNode) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Permissions = doc
	u.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s *memUserStore) TouchLastLogin(_ context.Context, userID int64, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastLogin = &at
	return nil
}

func (s *memUserStore) CountByRole(_ context.Context, roleID int64) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var count int64
	for _, u := range s.m.users {
		if u.RoleID == roleID {
			count++
		}
	}
	return count, nil
}

func (s *memUserStore) Delete(_ context.Context, id int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.users, id)
	return nil
}

// Role store ---------------------------------------------------------------

type memRoleStore struct{ m *MemoryStore }

func (s *memRoleStore) Create(_ context.Context, r *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.roles {
		if strings.EqualFold(existing.Name, r.Name) {
			return fmt.Errorf("%w: role name already taken", ErrConflict)
		}
	}
	s.m.nextRoleID++
	r.ID = s.m.nextRoleID
	now := s.m.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	s.m.roles[r.ID] = &cp
	return nil
}

func (s *memRoleStore) Find(_ context.Context, id int64) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRoleStore) FindByName(_ context.Context, name string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range s.m.roles {
		if strings.EqualFold(r.Name, name) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memRoleStore) List(_ context.Context) ([]*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*Role, 0, len(s.m.roles))
	for _, r := range s.m.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memRoleStore) Update(_ context.Context, r *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored, ok := s.m.roles[r.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Name = r.Name
	stored.Description = r.Description
	stored.Permissions = r.Permissions
	stored.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s *memRoleStore) Delete(_ context.Context, id int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.roles, id)
	return nil
}

// Session store ------------------------------------------------------------

type memSessionStore struct{ m *MemoryStore }

func (s *memSessionStore) Create(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) (*Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.nextSessionID++
	sess := &Session{
		ID:        s.m.nextSessionID,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: s.m.now().UTC(),
	}
	s.m.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *memSessionStore) FindActiveByHash(_ context.Context, tokenHash string) (*Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now().UTC()
	for _, sess := range s.m.sessions {
		if sess.TokenHash == tokenHash && sess.Valid(now) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSessionStore) Deactivate(_ context.Context, sessionID int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sess, ok := s.m.sessions[sessionID]; ok {
		sess.IsActive = false
	}
	return nil
}

func (s *memSessionStore) DeactivateAllForUser(_ context.Context, userID int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, sess := range s.m.sessions {
		if sess.UserID == userID {
			sess.IsActive = false
		}
	}
	return nil
}

func (s *memSessionStore) SweepExpired(_ context.Context) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now().UTC()
	var swept int64
	for _, sess := range s.m.sessions {
		if sess.IsActive && !sess.ExpiresAt.After(now) {
			sess.IsActive = false
			swept++
		}
	}
	return swept, nil
}
