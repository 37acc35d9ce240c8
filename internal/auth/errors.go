package auth

import "errors"

// Authentication failure taxonomy. Every kind collapses to a single
// 401 at the HTTP boundary; the specific kind survives in server logs.
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountDeactivated  = errors.New("auth: account deactivated")
	ErrMalformedAuthHeader = errors.New("auth: malformed authorization header")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrInvalidTokenType    = errors.New("auth: invalid token type")
	ErrSessionInvalid      = errors.New("auth: session invalid")
)

// ErrForbidden means the principal is authenticated but lacks the
// required permission. Maps to 403, never 401.
var ErrForbidden = errors.New("auth: forbidden")

// Store-level errors.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)
