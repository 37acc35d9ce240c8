package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultStorageTimeout = 5 * time.Second

// Service is the authority facade: the only entry point other parts
// of the system use for login, refresh, logout and per-request
// verification. Each invocation is independent; all shared state
// lives in the backing store.
type Service struct {
	store          Store
	tokens         *TokenService
	now            func() time.Time
	storageTimeout time.Duration
	bcryptCost     int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithStorageTimeout bounds every store call so a slow backend turns
// into a failed request instead of a hung one.
func WithStorageTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storageTimeout = d
		}
		return nil
	}
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost > 0 {
			s.bcryptCost = cost
		}
		return nil
	}
}

// NewService constructs the authority facade.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{
		store:          store,
		tokens:         tokens,
		now:            time.Now,
		storageTimeout: defaultStorageTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Tokens exposes the token service for callers that only need
// stateless verification.
func (s *Service) Tokens() *TokenService { return s.tokens }

// TokenPair carries both freshly issued tokens and their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	User   PublicUser
	Tokens TokenPair
}

// RefreshResult is the outcome of a successful token refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (s *Service) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storageTimeout)
}

// Login authenticates a credential pair and issues a fresh token
// pair, recording one session per issued token. Unknown principal and
// wrong password return the identical error so callers cannot
// enumerate accounts.
func (s *Service) Login(ctx context.Context, usernameOrEmail, password string) (LoginResult, error) {
	usernameOrEmail = strings.TrimSpace(usernameOrEmail)
	if usernameOrEmail == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	users := s.store.Users()
	user, err := users.FindByUsername(ctx, usernameOrEmail)
	if errors.Is(err, ErrNotFound) {
		user, err = users.FindByEmail(ctx, strings.ToLower(usernameOrEmail))
	}
	if errors.Is(err, ErrNotFound) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("resolve principal: %w", err)
	}
	if !user.IsActive {
		return LoginResult{}, ErrAccountDeactivated
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	principal, err := s.principal(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}

	pair, err := s.mintTokens(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}

	if err := users.TouchLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		return LoginResult{}, fmt.Errorf("update last login: %w", err)
	}

	return LoginResult{User: principal.Public(), Tokens: pair}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token and its own session are left untouched: refresh
// tokens are not rotated on use. When the caller supplies the access
// token being replaced, its session is deactivated first; losing the
// race against a concurrent logout is benign because deactivation is
// idempotent.
func (s *Service) Refresh(ctx context.Context, refreshToken, priorAccessToken string) (RefreshResult, error) {
	claims, err := s.tokens.Verify(refreshToken)
	if err != nil {
		return RefreshResult{}, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return RefreshResult{}, ErrInvalidTokenType
	}
	userID, err := claims.UserID()
	if err != nil {
		return RefreshResult{}, err
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	user, err := s.store.Users().Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return RefreshResult{}, fmt.Errorf("%w: principal gone", ErrInvalidToken)
	}
	if err != nil {
		return RefreshResult{}, fmt.Errorf("resolve principal: %w", err)
	}
	if !user.IsActive {
		return RefreshResult{}, ErrAccountDeactivated
	}

	sessions := s.store.Sessions()
	sess, err := sessions.FindActiveByHash(ctx, s.tokens.Fingerprint(refreshToken))
	if errors.Is(err, ErrNotFound) {
		return RefreshResult{}, ErrSessionInvalid
	}
	if err != nil {
		return RefreshResult{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if sess.UserID != user.ID || !sess.Valid(s.now().UTC()) {
		return RefreshResult{}, ErrSessionInvalid
	}

	if priorAccessToken != "" {
		if old, err := sessions.FindActiveByHash(ctx, s.tokens.Fingerprint(priorAccessToken)); err == nil && old.UserID == user.ID {
			if err := sessions.Deactivate(ctx, old.ID); err != nil {
				return RefreshResult{}, fmt.Errorf("deactivate replaced session: %w", err)
			}
		}
	}

	access, exp, err := s.tokens.IssueAccessToken(user)
	if err != nil {
		return RefreshResult{}, err
	}
	if _, err := sessions.Create(ctx, user.ID, s.tokens.Fingerprint(access), exp); err != nil {
		return RefreshResult{}, fmt.Errorf("record access session: %w", err)
	}
	return RefreshResult{AccessToken: access, ExpiresAt: exp}, nil
}

// Logout deactivates only the session matching the presented access
// token.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.Verify(accessToken)
	if err != nil {
		return err
	}
	if claims.TokenType != TokenTypeAccess {
		return ErrInvalidTokenType
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	sessions := s.store.Sessions()
	sess, err := sessions.FindActiveByHash(ctx, s.tokens.Fingerprint(accessToken))
	if errors.Is(err, ErrNotFound) {
		return ErrSessionInvalid
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return sessions.Deactivate(ctx, sess.ID)
}

// LogoutAll deactivates every session owned by the user in one
// set-based update, so concurrent requests observe a consistent cut.
func (s *Service) LogoutAll(ctx context.Context, userID int64) error {
	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.store.Sessions().DeactivateAllForUser(ctx, userID)
}

// VerifyRequest authenticates one inbound request from its raw
// Authorization header: extract, verify signature and expiry, confirm
// the session is still active, confirm the principal is still active,
// and return the principal with role and permissions attached. Every
// failure is terminal for the request.
func (s *Service) VerifyRequest(ctx context.Context, authHeader string) (Principal, error) {
	raw, err := ExtractFromHeader(authHeader)
	if err != nil {
		return Principal{}, err
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return Principal{}, err
	}
	if claims.TokenType != TokenTypeAccess {
		return Principal{}, ErrInvalidTokenType
	}
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, err
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	sess, err := s.store.Sessions().FindActiveByHash(ctx, s.tokens.Fingerprint(raw))
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrSessionInvalid
	}
	if err != nil {
		return Principal{}, fmt.Errorf("lookup session: %w", err)
	}
	// Session expiry mirrors the token's own exp claim, but gating is
	// re-checked here so the two stay independent under clock skew.
	if sess.UserID != userID || !sess.Valid(s.now().UTC()) {
		return Principal{}, ErrSessionInvalid
	}

	user, err := s.store.Users().Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, fmt.Errorf("%w: principal gone", ErrInvalidToken)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("resolve principal: %w", err)
	}
	if !user.IsActive {
		return Principal{}, ErrAccountDeactivated
	}
	return s.principal(ctx, user)
}

// Authorize answers whether the principal holds the dotted permission
// path. Callers that get false must respond 403, distinct from 401.
func (s *Service) Authorize(principal Principal, path string) bool {
	return principal.Authorize(path)
}

// ChangePassword verifies the current password, stores the new hash
// and revokes every session the user holds.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	next = strings.TrimSpace(next)
	if next == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()

	users := s.store.Users()
	user, err := users.Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve principal: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return s.store.Sessions().DeactivateAllForUser(ctx, user.ID)
}

func (s *Service) principal(ctx context.Context, user *User) (Principal, error) {
	principal := Principal{User: user}
	if user.RoleID == 0 {
		return principal, nil
	}
	role, err := s.store.Roles().Find(ctx, user.RoleID)
	if errors.Is(err, ErrNotFound) {
		// Role assignment is only transiently nullable; a dangling
		// reference authenticates but grants nothing.
		return principal, nil
	}
	if err != nil {
		return Principal{}, fmt.Errorf("resolve role: %w", err)
	}
	principal.Role = role
	return principal, nil
}

func (s *Service) mintTokens(ctx context.Context, user *User) (TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	sessions := s.store.Sessions()
	if _, err := sessions.Create(ctx, user.ID, s.tokens.Fingerprint(access), accessExp); err != nil {
		return TokenPair{}, fmt.Errorf("record access session: %w", err)
	}
	if _, err := sessions.Create(ctx, user.ID, s.tokens.Fingerprint(refresh), refreshExp); err != nil {
		return TokenPair{}, fmt.Errorf("record refresh session: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}
