package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"mercato.dev/internal/audit"
	"mercato.dev/internal/identity"
	"mercato.dev/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

const claimsCtxKey ctxKey = "session_claims"

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/routes/guard",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			// Claims still ride along when a valid token is presented, so
			// public handlers can personalize.
			if raw, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
				if claims := a.tokens.Decode(raw); claims != nil {
					next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims := a.tokens.Decode(raw)
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func contextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	ctx = context.WithValue(ctx, claimsCtxKey, claims)
	return audit.WithActor(ctx, claims.IdentityID())
}

// ClaimsFromContext returns the verified session claims attached by withAuth.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(claimsCtxKey).(*token.Claims)
	return claims, ok && claims != nil
}

// ensurePermission verifies that the caller holds the named capability. Owner
// admins hold everything.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (*token.Claims, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if !claims.Role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return nil, false
	}
	if claims.Role != identity.RoleOwnerAdmin && !claims.Permissions.Has(perm) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return nil, false
	}
	return claims, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
