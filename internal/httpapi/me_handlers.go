package httpapi

import (
	"net/http"

	"mercato.dev/internal/audit"
	"mercato.dev/internal/identity"
)

type profileUpdateRequest struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarRef *string `json:"avatarRef,omitempty"`
}

type secretChangeRequest struct {
	CurrentSecret string `json:"currentSecret"`
	NewSecret     string `json:"newSecret"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := a.store.Find(r.Context(), claims.IdentityID())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Public())

	case http.MethodPut:
		var req profileUpdateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.store.UpdateProfile(r.Context(), claims.IdentityID(), identity.ProfileUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
			AvatarRef: req.AvatarRef,
		})
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "me.profile_updated", map[string]any{"identity_id": rec.ID})
		writeJSON(w, http.StatusOK, rec.Public())

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleMeSecret(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req secretChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.ChangeSecret(r.Context(), claims.IdentityID(), req.CurrentSecret, req.NewSecret); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "me.secret_changed", map[string]any{"identity_id": claims.IdentityID()})
	w.WriteHeader(http.StatusNoContent)
}
