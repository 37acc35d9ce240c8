package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"clinicore.org/internal/auth"
	"clinicore.org/internal/obs"
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/refresh",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth authenticates every non-public request: signature, expiry,
// live session and live account all checked per request. The specific
// failure cause is logged; the client sees one generic 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		principal, err := a.svc.VerifyRequest(r.Context(), header)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMalformedAuthHeader),
				errors.Is(err, auth.ErrInvalidToken),
				errors.Is(err, auth.ErrInvalidTokenType),
				errors.Is(err, auth.ErrSessionInvalid),
				errors.Is(err, auth.ErrAccountDeactivated):
				obs.LogRequest(map[string]any{
					"ts":         time.Now().UTC().Format(time.RFC3339Nano),
					"level":      "info",
					"msg":        "auth_rejected",
					"request_id": RequestIDFromContext(r.Context()),
					"path":       r.URL.Path,
					"reason":     err.Error(),
				})
				obs.ObserveVerification("rejected")
				unauthorized(w, r)
			case errors.Is(err, context.DeadlineExceeded):
				// A storage timeout on the session or account lookup
				// fails closed as unauthenticated.
				obs.LogRequest(map[string]any{
					"ts":         time.Now().UTC().Format(time.RFC3339Nano),
					"level":      "error",
					"msg":        "auth_storage_timeout",
					"request_id": RequestIDFromContext(r.Context()),
					"path":       r.URL.Path,
					"error":      err.Error(),
				})
				obs.ObserveVerification("timeout")
				unauthorized(w, r)
			default:
				obs.LogRequest(map[string]any{
					"ts":         time.Now().UTC().Format(time.RFC3339Nano),
					"level":      "error",
					"msg":        "auth_error",
					"request_id": RequestIDFromContext(r.Context()),
					"path":       r.URL.Path,
					"error":      err.Error(),
				})
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		obs.ObserveVerification("ok")

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		if raw, err := auth.ExtractFromHeader(header); err == nil {
			ctx = auth.ContextWithToken(ctx, raw)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="clinicore"`)
	writeError(w, r, http.StatusUnauthorized, "authentication required")
}

// requirePermission gates a handler on one dotted permission path.
// Reaching this point means authentication already succeeded, so a
// failed check is 403, never 401.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, path string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r)
		return false
	}
	if !a.svc.Authorize(principal, path) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}
