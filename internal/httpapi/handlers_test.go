package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"clinicore.org/internal/auth"
)

type apiFixture struct {
	t      *testing.T
	server *httptest.Server
	store  *auth.MemoryStore
	svc    *auth.Service

	adminRole     auth.Role
	clinicianRole auth.Role
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	store := auth.NewMemoryStore()

	tokens, err := auth.NewTokenService("httpapi-test-secret")
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	svc, err := auth.NewService(store, tokens, auth.WithBcryptCost(4))
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	f := &apiFixture{t: t, store: store, svc: svc}

	f.adminRole = f.mustCreateRole(ctx, "admin", `{"all":true}`)
	f.clinicianRole = f.mustCreateRole(ctx, "clinician", `{"patients":{"read":true}}`)
	f.mustCreateUser(ctx, "admin", "admin@clinic.example", f.adminRole.ID)
	f.mustCreateUser(ctx, "dr.chen", "chen@clinic.example", f.clinicianRole.ID)

	api := New(svc, ReadyProbe{}, "test")
	f.server = httptest.NewServer(api.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) mustCreateRole(ctx context.Context, name, perms string) auth.Role {
	f.t.Helper()
	doc, err := auth.ParsePermissions([]byte(perms))
	if err != nil {
		f.t.Fatalf("parse permissions: %v", err)
	}
	role, err := f.svc.CreateRole(ctx, name, "", doc)
	if err != nil {
		f.t.Fatalf("create role %s: %v", name, err)
	}
	return role
}

func (f *apiFixture) mustCreateUser(ctx context.Context, username, email string, roleID int64) auth.PublicUser {
	f.t.Helper()
	user, err := f.svc.CreateUser(ctx, auth.NewUser{
		Username: username,
		Email:    email,
		Password: username + "-password",
		RoleID:   roleID,
	})
	if err != nil {
		f.t.Fatalf("create user %s: %v", username, err)
	}
	return user
}

// do issues a request with an optional bearer token and decodes the
// JSON body into a map (nil when the response has no body).
func (f *apiFixture) do(method, path, token string, body any) (*http.Response, map[string]any) {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read body: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resp, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		f.t.Fatalf("decode body %q: %v", data, err)
	}
	return resp, decoded
}

func (f *apiFixture) login(username string) (accessToken, refreshToken string) {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"username": username,
		"password": username + "-password",
	})
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("login %s: status %d, body %v", username, resp.StatusCode, body)
	}
	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	if access == "" || refresh == "" {
		f.t.Fatalf("login %s: incomplete token pair %v", username, body)
	}
	return access, refresh
}

func TestHealthEndpointsArePublic(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, _ := f.do(http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

func TestLoginAndVerify(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login("dr.chen")

	resp, body := f.do(http.MethodGet, "/v1/auth/verify", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d, body %v", resp.StatusCode, body)
	}
	user, ok := body["user"].(map[string]any)
	if !ok || user["username"] != "dr.chen" {
		t.Fatalf("unexpected verify body: %v", body)
	}
	if user["role_name"] != "clinician" {
		t.Fatalf("role name missing: %v", user)
	}
	if _, exposed := user["password_hash"]; exposed {
		t.Fatal("password hash leaked")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)

	for _, creds := range []map[string]any{
		{"username": "dr.chen", "password": "wrong"},
		{"username": "nobody", "password": "wrong"},
	} {
		resp, body := f.do(http.MethodPost, "/v1/auth/login", "", creds)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", resp.StatusCode)
		}
		if body["error"] != "invalid credentials" {
			t.Fatalf("error message %v leaks account state", body["error"])
		}
	}
}

func TestProtectedPathWithoutToken(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(http.MethodGet, "/v1/auth/verify", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("WWW-Authenticate header missing")
	}
	if body["error"] != "authentication required" {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}

func TestPermissionDeniedIs403(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login("dr.chen")

	// Authenticated but lacking users.read: forbidden, not unauthorized.
	resp, body := f.do(http.MethodGet, "/v1/users", access, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403 (body %v)", resp.StatusCode, body)
	}
	if body["error"] != "permission denied" {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}

func TestRefreshRotatesAccessSession(t *testing.T) {
	f := newAPIFixture(t)
	access, refresh := f.login("dr.chen")

	req := map[string]any{"refresh_token": refresh}
	resp, body := f.do(http.MethodPost, "/v1/auth/refresh", access, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d, body %v", resp.StatusCode, body)
	}
	newAccess, _ := body["access_token"].(string)
	if newAccess == "" || newAccess == access {
		t.Fatalf("expected a fresh access token")
	}

	// Replaced token is out; the new one works.
	if resp, _ := f.do(http.MethodGet, "/v1/auth/verify", access, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token status %d, want 401", resp.StatusCode)
	}
	if resp, _ := f.do(http.MethodGet, "/v1/auth/verify", newAccess, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("new token status %d, want 200", resp.StatusCode)
	}

	// Refresh token was not rotated and can be used again.
	resp, _ = f.do(http.MethodPost, "/v1/auth/refresh", newAccess, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second refresh: status %d", resp.StatusCode)
	}
}

func TestLogoutEndsOnlyThatSession(t *testing.T) {
	f := newAPIFixture(t)
	first, _ := f.login("dr.chen")
	second, _ := f.login("dr.chen")

	resp, _ := f.do(http.MethodPost, "/v1/auth/logout", first, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	if resp, _ := f.do(http.MethodGet, "/v1/auth/verify", first, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("logged-out token status %d, want 401", resp.StatusCode)
	}
	if resp, _ := f.do(http.MethodGet, "/v1/auth/verify", second, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("other session status %d, want 200", resp.StatusCode)
	}
}

func TestLogoutAllEndsEverySession(t *testing.T) {
	f := newAPIFixture(t)
	first, _ := f.login("dr.chen")
	second, _ := f.login("dr.chen")

	resp, _ := f.do(http.MethodPost, "/v1/auth/logout-all", second, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout-all: status %d", resp.StatusCode)
	}
	for _, token := range []string{first, second} {
		if resp, _ := f.do(http.MethodGet, "/v1/auth/verify", token, nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token still valid after logout-all: %d", resp.StatusCode)
		}
	}
}

func TestChangePassword(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login("dr.chen")

	resp, body := f.do(http.MethodPost, "/v1/auth/change-password", access, map[string]any{
		"current_password": "wrong",
		"new_password":     "brand-new-pass",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong current: status %d, body %v", resp.StatusCode, body)
	}

	resp, _ = f.do(http.MethodPost, "/v1/auth/change-password", access, map[string]any{
		"current_password": "dr.chen-password",
		"new_password":     "brand-new-pass",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change password: status %d", resp.StatusCode)
	}

	// All sessions are revoked; the old password no longer works.
	if resp, _ := f.do(http.MethodGet, "/v1/auth/verify", access, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old session status %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"username": "dr.chen", "password": "brand-new-pass",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password: status %d", resp.StatusCode)
	}
}

func TestUserLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	admin, _ := f.login("admin")

	resp, body := f.do(http.MethodPost, "/v1/users", admin, map[string]any{
		"username": "nurse.okafor",
		"email":    "okafor@clinic.example",
		"password": "welcome1",
		"role_id":  f.clinicianRole.ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: status %d, body %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatal("Location header missing")
	}
	id := int64(body["id"].(float64))

	resp, body = f.do(http.MethodGet, fmt.Sprintf("/v1/users/%d", id), admin, nil)
	if resp.StatusCode != http.StatusOK || body["username"] != "nurse.okafor" {
		t.Fatalf("get user: status %d, body %v", resp.StatusCode, body)
	}

	resp, body = f.do(http.MethodPut, fmt.Sprintf("/v1/users/%d", id), admin, map[string]any{
		"first_name": "Ada",
	})
	if resp.StatusCode != http.StatusOK || body["first_name"] != "Ada" {
		t.Fatalf("update user: status %d, body %v", resp.StatusCode, body)
	}

	resp, _ = f.do(http.MethodPut, fmt.Sprintf("/v1/users/%d/permissions", id), admin, map[string]any{
		"permissions": map[string]any{"patients": map[string]any{"read": false}},
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set permissions: status %d", resp.StatusCode)
	}

	resp, _ = f.do(http.MethodDelete, fmt.Sprintf("/v1/users/%d", id), admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete user: status %d", resp.StatusCode)
	}
	resp, _ = f.do(http.MethodGet, fmt.Sprintf("/v1/users/%d", id), admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted user: status %d, want 404", resp.StatusCode)
	}
}

func TestRoleLifecycleAndGuards(t *testing.T) {
	f := newAPIFixture(t)
	admin, _ := f.login("admin")

	resp, body := f.do(http.MethodPost, "/v1/roles", admin, map[string]any{
		"name":        "auditor",
		"description": "read-only review",
		"permissions": map[string]any{"patients": map[string]any{"read": true}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role: status %d, body %v", resp.StatusCode, body)
	}
	id := int64(body["id"].(float64))

	resp, body = f.do(http.MethodPut, fmt.Sprintf("/v1/roles/%d", id), admin, map[string]any{
		"description": "read-only chart review",
	})
	if resp.StatusCode != http.StatusOK || body["description"] != "read-only chart review" {
		t.Fatalf("update role: status %d, body %v", resp.StatusCode, body)
	}

	// The admin role can never be deleted.
	resp, _ = f.do(http.MethodDelete, fmt.Sprintf("/v1/roles/%d", f.adminRole.ID), admin, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete admin role: status %d, want 400", resp.StatusCode)
	}

	// The clinician role is referenced by dr.chen.
	resp, _ = f.do(http.MethodDelete, fmt.Sprintf("/v1/roles/%d", f.clinicianRole.ID), admin, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete referenced role: status %d, want 409", resp.StatusCode)
	}

	resp, _ = f.do(http.MethodDelete, fmt.Sprintf("/v1/roles/%d", id), admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete role: status %d", resp.StatusCode)
	}
}

func TestDuplicateUsernameConflicts(t *testing.T) {
	f := newAPIFixture(t)
	admin, _ := f.login("admin")

	resp, _ := f.do(http.MethodPost, "/v1/users", admin, map[string]any{
		"username": "dr.chen",
		"email":    "chen2@clinic.example",
		"password": "welcome1",
		"role_id":  f.clinicianRole.ID,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate username: status %d, want 409", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(http.MethodGet, "/v1/auth/login", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", resp.Header.Get("Allow"))
	}
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"username": "dr.chen",
		"password": "dr.chen-password",
		"surprise": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestMalformedPermissionDocumentRejected(t *testing.T) {
	f := newAPIFixture(t)
	admin, _ := f.login("admin")

	resp, _ := f.do(http.MethodPost, "/v1/roles", admin, map[string]any{
		"name":        "broken",
		"permissions": map[string]any{"patients": 1},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
