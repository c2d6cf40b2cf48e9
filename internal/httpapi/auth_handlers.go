package httpapi

import (
	"net/http"
	"time"

	"mercato.dev/internal/audit"
	"mercato.dev/internal/identity"
	"mercato.dev/internal/obs"
	"mercato.dev/internal/session"
)

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Secret    string `json:"secret"`
	Phone     string `json:"phone,omitempty"`
}

type loginRequest struct {
	Email     string `json:"email"`
	Secret    string `json:"secret"`
	ReturnURL string `json:"returnUrl,omitempty"`
}

type sessionResponse struct {
	Token      string          `json:"token"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	Identity   identity.Public `json:"identity"`
	RedirectTo string          `json:"redirectTo,omitempty"`
	Refreshed  bool            `json:"refreshed,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.store.Register(r.Context(), identity.RegisterParams{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Secret:    req.Secret,
		Phone:     req.Phone,
	})
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	raw, claims, err := a.tokens.Issue(rec)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issue failed")
		return
	}
	obs.SessionTokensIssued.Inc()
	obs.SessionLogins.WithLabelValues("success").Inc()
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{"identity_id": rec.ID})

	writeJSON(w, http.StatusCreated, sessionResponse{
		Token:      raw,
		ExpiresAt:  claims.ExpiresAt.Time,
		Identity:   rec.Public(),
		RedirectTo: session.PostLoginRedirect(rec.Public(), ""),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.store.Authenticate(r.Context(), req.Email, req.Secret)
	if err != nil {
		obs.SessionLogins.WithLabelValues("failure").Inc()
		handleIdentityError(w, r, err)
		return
	}

	raw, claims, err := a.tokens.Issue(rec)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issue failed")
		return
	}
	obs.SessionTokensIssued.Inc()
	obs.SessionLogins.WithLabelValues("success").Inc()
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"identity_id": rec.ID})

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:      raw,
		ExpiresAt:  claims.ExpiresAt.Time,
		Identity:   rec.Public(),
		RedirectTo: session.PostLoginRedirect(rec.Public(), req.ReturnURL),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"identity_id": claims.IdentityID()})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession validates the presented token against the store. A vanished or
// suspended identity ends the session with 401; drifted claims are silently
// re-minted and the fresh token returned.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	rec, err := a.store.Find(r.Context(), claims.IdentityID())
	if err != nil {
		obs.SessionForcedLogouts.Inc()
		writeError(w, r, http.StatusUnauthorized, "session ended")
		return
	}
	if rec.Status != identity.StatusActive {
		obs.SessionForcedLogouts.Inc()
		writeError(w, r, http.StatusUnauthorized, "session ended")
		return
	}

	raw, _ := extractBearerToken(r.Header.Get(authHeader))
	refreshed := false
	expiresAt := claims.ExpiresAt.Time
	if !claims.Matches(rec) {
		fresh, freshClaims, err := a.tokens.Issue(rec)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "token issue failed")
			return
		}
		obs.SessionTokensIssued.Inc()
		obs.SessionDriftRefreshes.Inc()
		raw = fresh
		expiresAt = freshClaims.ExpiresAt.Time
		refreshed = true
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     raw,
		ExpiresAt: expiresAt,
		Identity:  rec.Public(),
		Refreshed: refreshed,
	})
}

type guardResponse struct {
	Allowed  bool   `json:"allowed"`
	Redirect string `json:"redirect,omitempty"`
}

// handleRouteGuard answers whether the caller may enter a path, and where to
// send them otherwise.
func (a *API) handleRouteGuard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, "path query parameter is required")
		return
	}

	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		if session.CanAccess(path, identity.RoleCustomer) {
			writeJSON(w, http.StatusOK, guardResponse{Allowed: true})
			return
		}
		writeJSON(w, http.StatusOK, guardResponse{
			Allowed:  false,
			Redirect: session.GuardRedirect(path),
		})
		return
	}

	if session.CanAccess(path, claims.Role) {
		writeJSON(w, http.StatusOK, guardResponse{Allowed: true})
		return
	}
	writeJSON(w, http.StatusOK, guardResponse{
		Allowed:  false,
		Redirect: session.DefaultLanding(claims.Role),
	})
}
