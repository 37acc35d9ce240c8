package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AdminRoleName designates the role that can never be deleted.
const AdminRoleName = "admin"

// NewUser is the input for creating a principal.
type NewUser struct {
	Username    string
	Email       string
	Password    string
	FirstName   string
	LastName    string
	RoleID      int64
	Permissions *PermissionNode
	IsActive    *bool
}

// UserUpdate carries optional profile mutations; nil fields are left
// unchanged.
type UserUpdate struct {
	Email     *string
	FirstName *string
	LastName  *string
	RoleID    *int64
	IsActive  *bool
}

// RoleUpdate carries optional role mutations; nil fields are left
// unchanged.
type RoleUpdate struct {
	Name        *string
	Description *string
	Permissions *PermissionNode
}

// CreateUser registers a principal with a hashed password.
func (s *Service) CreateUser(ctx context.Context, input NewUser) (PublicUser, error) {
	input.Username = strings.TrimSpace(input.Username)
	if input.Username == "" {
		return PublicUser{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))
	if input.Email == "" || !strings.Contains(input.Email, "@") {
		return PublicUser{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(input.Password) == "" {
		return PublicUser{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if input.RoleID <= 0 {
		return PublicUser{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if _, err := s.store.Roles().Find(ctx, input.RoleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return PublicUser{}, fmt.Errorf("%w: role %d does not exist", ErrInvalidInput, input.RoleID)
		}
		return PublicUser{}, fmt.Errorf("resolve role: %w", err)
	}

	hash, err := HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return PublicUser{}, fmt.Errorf("hash password: %w", err)
	}
	user := &User{
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		RoleID:       input.RoleID,
		Permissions:  input.Permissions,
		IsActive:     true,
	}
	if input.IsActive != nil {
		user.IsActive = *input.IsActive
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return PublicUser{}, err
	}
	return user.Public(), nil
}

// GetUser returns one principal's public projection.
func (s *Service) GetUser(ctx context.Context, id int64) (PublicUser, error) {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	user, err := s.store.Users().Find(ctx, id)
	if err != nil {
		return PublicUser{}, err
	}
	return user.Public(), nil
}

// ListUsers returns every principal's public projection.
func (s *Service) ListUsers(ctx context.Context) ([]PublicUser, error) {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	users, err := s.store.Users().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

// UpdateUser applies a partial profile update.
func (s *Service) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (PublicUser, error) {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	users := s.store.Users()
	user, err := users.Find(ctx, id)
	if err != nil {
		return PublicUser{}, err
	}
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return PublicUser{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		user.Email = email
	}
	if upd.FirstName != nil {
		user.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		user.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.RoleID != nil {
		if _, err := s.store.Roles().Find(ctx, *upd.RoleID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return PublicUser{}, fmt.Errorf("%w: role %d does not exist", ErrInvalidInput, *upd.RoleID)
			}
			return PublicUser{}, fmt.Errorf("resolve role: %w", err)
		}
		user.RoleID = *upd.RoleID
	}
	if upd.IsActive != nil {
		user.IsActive = *upd.IsActive
	}
	if err := users.Update(ctx, user); err != nil {
		return PublicUser{}, err
	}
	return user.Public(), nil
}

// SetUserPermissions replaces the per-user override document. A nil
// document clears all overrides.
func (s *Service) SetUserPermissions(ctx context.Context, id int64, doc *PermissionNode) error {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if _, err := s.store.Users().Find(ctx, id); err != nil {
		return err
	}
	return s.store.Users().UpdatePermissions(ctx, id, doc)
}

// DeleteUser hard-deletes a principal and revokes its sessions. The
// store rejects the delete while the principal still owns records
// elsewhere; ownership must be transferred first.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.store.Sessions().DeactivateAllForUser(ctx, id); err != nil {
		return err
	}
	return s.store.Users().Delete(ctx, id)
}

// CreateRole registers a named role with its permission document.
func (s *Service) CreateRole(ctx context.Context, name, description string, perms *PermissionNode) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	role := &Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: perms,
	}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return Role{}, err
	}
	return *role, nil
}

// GetRole returns one role.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	role, err := s.store.Roles().Find(ctx, id)
	if err != nil {
		return Role{}, err
	}
	return *role, nil
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	roles, err := s.store.Roles().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, *r)
	}
	return out, nil
}

// UpdateRole applies a partial role update.
func (s *Service) UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (Role, error) {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	roles := s.store.Roles()
	role, err := roles.Find(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if strings.EqualFold(role.Name, AdminRoleName) && !strings.EqualFold(name, AdminRoleName) {
			return Role{}, fmt.Errorf("%w: the %s role cannot be renamed", ErrInvalidInput, AdminRoleName)
		}
		role.Name = name
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Permissions != nil {
		role.Permissions = upd.Permissions
	}
	if err := roles.Update(ctx, role); err != nil {
		return Role{}, err
	}
	return *role, nil
}

// DeleteRole removes a role. The admin role can never be deleted, and
// no role can be deleted while principals still reference it.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	role, err := s.store.Roles().Find(ctx, id)
	if err != nil {
		return err
	}
	if strings.EqualFold(role.Name, AdminRoleName) {
		return fmt.Errorf("%w: the %s role cannot be deleted", ErrInvalidInput, AdminRoleName)
	}
	count, err := s.store.Users().CountByRole(ctx, id)
	if err != nil {
		return fmt.Errorf("count role references: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: role is assigned to %d user(s)", ErrConflict, count)
	}
	return s.store.Roles().Delete(ctx, id)
}
