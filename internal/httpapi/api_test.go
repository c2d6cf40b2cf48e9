package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mercato.dev/internal/identity"
	"mercato.dev/internal/kv"
	"mercato.dev/internal/token"
)

const (
	seedEmail  = "admin@mercato.dev"
	seedSecret = "admin123"
)

func newTestAPI(t *testing.T) (*API, *identity.Store) {
	t.Helper()
	mem := kv.NewMemory()
	store, err := identity.NewStore(context.Background(), mem)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	issuer, err := token.New("test-secret")
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	return New(store, issuer, ReadyProbe{}, "test"), store
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
}

func loginToken(t *testing.T, h http.Handler, email, secret string) string {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Secret: secret})
	if rr.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, rr, &resp)
	return resp.Token
}

func TestHealthAndInfo(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rr := doJSON(t, h, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s returned %d", path, rr.Code)
		}
	}
}

func TestRegisterIssuesSession(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/register", "", registerRequest{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@x.com",
		Secret:    "secret1",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("expected a token")
	}
	if resp.Identity.Role != identity.RoleCustomer {
		t.Fatalf("expected customer role, got %q", resp.Identity.Role)
	}
	if resp.RedirectTo != "/shop/home" {
		t.Fatalf("unexpected redirect: %q", resp.RedirectTo)
	}

	// Duplicate email conflicts.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/register", "", registerRequest{
		FirstName: "Ada", LastName: "Lovelace", Email: "ADA@x.com", Secret: "secret1",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register returned %d", rr.Code)
	}

	// Weak secret is a validation failure.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/register", "", registerRequest{
		FirstName: "Bob", LastName: "Short", Email: "bob@x.com", Secret: "tiny",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("weak secret returned %d", rr.Code)
	}
}

func TestLoginRedirects(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: seedEmail, Secret: seedSecret})
	if rr.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, rr, &resp)
	if resp.RedirectTo != "/admin/dashboard" {
		t.Fatalf("admin redirect = %q", resp.RedirectTo)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/login", "", loginRequest{
		Email: seedEmail, Secret: seedSecret, ReturnURL: "/admin/identities",
	})
	decodeBody(t, rr, &resp)
	if resp.RedirectTo != "/admin/identities" {
		t.Fatalf("return path not honored: %q", resp.RedirectTo)
	}
}

func TestLoginFailures(t *testing.T) {
	api, store := newTestAPI(t)
	h := api.Handler()
	ctx := context.Background()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: seedEmail, Secret: "wrong-secret"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret returned %d", rr.Code)
	}

	rec, err := store.Register(ctx, identity.RegisterParams{
		FirstName: "Sue", LastName: "Spended", Email: "sue@x.com", Secret: "secret1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := store.ToggleStatus(ctx, rec.ID); err != nil {
		t.Fatalf("ToggleStatus: %v", err)
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "sue@x.com", Secret: "secret1"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("suspended login returned %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionValidation(t *testing.T) {
	api, store := newTestAPI(t)
	h := api.Handler()
	ctx := context.Background()

	rr := doJSON(t, h, http.MethodGet, "/v1/auth/session", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous session returned %d", rr.Code)
	}

	tok := loginToken(t, h, seedEmail, seedSecret)
	rr = doJSON(t, h, http.MethodGet, "/v1/auth/session", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, rr, &resp)
	if resp.Refreshed {
		t.Fatal("fresh token reported as refreshed")
	}

	// Mutate the record behind the token's back: claims drift, token re-mints.
	owner, err := store.FindByEmail(ctx, seedEmail)
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	name := "Renamed"
	if _, err := store.UpdateProfile(ctx, owner.ID, identity.ProfileUpdate{FirstName: &name}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/auth/session", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("drifted session returned %d", rr.Code)
	}
	decodeBody(t, rr, &resp)
	if !resp.Refreshed {
		t.Fatal("drifted token not refreshed")
	}
	if resp.Token == tok {
		t.Fatal("expected a fresh token")
	}
	if resp.Identity.FirstName != "Renamed" {
		t.Fatalf("refreshed identity stale: %+v", resp.Identity)
	}

	// Suspension ends the session.
	if _, err := store.ToggleStatus(ctx, owner.ID); err != nil {
		t.Fatalf("ToggleStatus: %v", err)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/auth/session", tok, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("suspended session returned %d", rr.Code)
	}
}

func TestRouteGuard(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodGet, "/v1/routes/guard?path=/admin/identities", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("guard returned %d", rr.Code)
	}
	var resp guardResponse
	decodeBody(t, rr, &resp)
	if resp.Allowed {
		t.Fatal("anonymous admin access allowed")
	}
	if resp.Redirect != "/shop/login?returnUrl=/admin/identities" {
		t.Fatalf("unexpected guard redirect: %q", resp.Redirect)
	}

	reg := doJSON(t, h, http.MethodPost, "/v1/auth/register", "", registerRequest{
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@x.com", Secret: "secret1",
	})
	var sess sessionResponse
	decodeBody(t, reg, &sess)

	rr = doJSON(t, h, http.MethodGet, "/v1/routes/guard?path=/admin/identities", sess.Token, nil)
	decodeBody(t, rr, &resp)
	if resp.Allowed || resp.Redirect != "/shop/home" {
		t.Fatalf("customer guard = %+v", resp)
	}

	admin := loginToken(t, h, seedEmail, seedSecret)
	rr = doJSON(t, h, http.MethodGet, "/v1/routes/guard?path=/admin/identities", admin, nil)
	decodeBody(t, rr, &resp)
	if !resp.Allowed {
		t.Fatalf("admin guard = %+v", resp)
	}
}

func TestMeProfile(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	tok := loginToken(t, h, seedEmail, seedSecret)

	rr := doJSON(t, h, http.MethodGet, "/v1/me", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me returned %d", rr.Code)
	}
	var pub identity.Public
	decodeBody(t, rr, &pub)
	if pub.Email != seedEmail {
		t.Fatalf("unexpected profile: %+v", pub)
	}

	phone := "+1 555 0100"
	rr = doJSON(t, h, http.MethodPut, "/v1/me", tok, profileUpdateRequest{Phone: &phone})
	if rr.Code != http.StatusOK {
		t.Fatalf("profile update returned %d: %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &pub)
	if pub.Phone != phone {
		t.Fatalf("phone not updated: %+v", pub)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me returned %d", rr.Code)
	}
}

func TestMeSecretRotation(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	tok := loginToken(t, h, seedEmail, seedSecret)

	rr := doJSON(t, h, http.MethodPut, "/v1/me/secret", tok, secretChangeRequest{
		CurrentSecret: "wrong-secret", NewSecret: "rotated1",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong current secret returned %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPut, "/v1/me/secret", tok, secretChangeRequest{
		CurrentSecret: seedSecret, NewSecret: "rotated1",
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("secret rotation returned %d: %s", rr.Code, rr.Body.String())
	}

	loginToken(t, h, seedEmail, "rotated1")
}
