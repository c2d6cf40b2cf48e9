package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"mercato.dev/internal/audit"
	"mercato.dev/internal/identity"
)

type createAdminRequest struct {
	FirstName  string               `json:"firstName"`
	LastName   string               `json:"lastName,omitempty"`
	Email      string               `json:"email"`
	Role       string               `json:"role"`
	Grants     identity.Permissions `json:"grants"`
	TempSecret string               `json:"tempSecret"`
	Status     string               `json:"status,omitempty"`
}

type updateAdminRequest struct {
	FirstName *string               `json:"firstName,omitempty"`
	LastName  *string               `json:"lastName,omitempty"`
	Email     *string               `json:"email,omitempty"`
	Role      *string               `json:"role,omitempty"`
	Grants    *identity.Permissions `json:"grants,omitempty"`
	Status    *string               `json:"status,omitempty"`
}

func (a *API) handleIdentities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, identity.PermManageUsers); !ok {
			return
		}
		list, err := a.store.List(r.Context())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		out := make([]identity.Public, 0, len(list))
		for _, rec := range list {
			out = append(out, rec.Public())
		}
		writeJSON(w, http.StatusOK, map[string]any{"identities": out})

	case http.MethodPost:
		if _, ok := a.ensurePermission(w, r, identity.PermManageUsers); !ok {
			return
		}
		var req createAdminRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.store.CreateAdmin(r.Context(), identity.AdminParams{
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			Email:      req.Email,
			Role:       identity.Role(req.Role),
			Grants:     req.Grants,
			TempSecret: req.TempSecret,
			Status:     identity.Status(req.Status),
		})
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.identity.create", map[string]any{
			"identity_id": rec.ID,
			"role":        rec.Role,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/admin/identities/%s", rec.ID))
		writeJSON(w, http.StatusCreated, rec.Public())

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleIdentityScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/identities/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")

	if parts[0] == "stream" && len(parts) == 1 {
		a.handleIdentityStream(w, r)
		return
	}

	targetID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleIdentityResource(w, r, targetID)
	case len(parts) == 2 && parts[1] == "toggle":
		a.handleIdentityToggle(w, r, targetID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request, targetID string) {
	claims, ok := a.ensurePermission(w, r, identity.PermManageUsers)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := a.store.Find(r.Context(), targetID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Public())

	case http.MethodPut:
		var req updateAdminRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		upd := identity.AdminUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
			Grants:    req.Grants,
		}
		if req.Role != nil {
			role := identity.Role(*req.Role)
			upd.Role = &role
		}
		if req.Status != nil {
			status := identity.Status(*req.Status)
			upd.Status = &status
		}
		rec, err := a.store.UpdateAdmin(r.Context(), claims.IdentityID(), targetID, upd)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.identity.update", map[string]any{"identity_id": rec.ID})
		writeJSON(w, http.StatusOK, rec.Public())

	case http.MethodDelete:
		if err := a.store.DeleteAdmin(r.Context(), claims.IdentityID(), targetID); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.identity.delete", map[string]any{"identity_id": targetID})
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleIdentityToggle(w http.ResponseWriter, r *http.Request, targetID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, identity.PermManageUsers); !ok {
		return
	}
	rec, err := a.store.ToggleStatus(r.Context(), targetID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.identity.toggle", map[string]any{
		"identity_id": rec.ID,
		"status":      rec.Status,
	})
	writeJSON(w, http.StatusOK, rec.Public())
}
