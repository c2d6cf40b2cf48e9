package identity

import (
	"strings"
	"time"
)

// Role is the closed set of account roles. Legacy collections carried ad hoc
// aliases ("ADMIN", "Super Admin"); NormalizeRole folds them into the canonical
// values once at load time so call sites never see an alias.
type Role string

const (
	RoleOwnerAdmin     Role = "owner_admin"
	RoleDelegatedAdmin Role = "delegated_admin"
	RoleCustomer       Role = "customer"
)

// NormalizeRole maps canonical and historical role spellings onto the closed
// enum. Unknown values degrade to the least privileged role.
func NormalizeRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "owner_admin", "super admin", "superadmin", "admin":
		return RoleOwnerAdmin
	case "delegated_admin", "sub admin", "subadmin":
		return RoleDelegatedAdmin
	default:
		return RoleCustomer
	}
}

// IsAdmin reports whether the role grants access to the admin surface.
func (r Role) IsAdmin() bool {
	return r == RoleOwnerAdmin || r == RoleDelegatedAdmin
}

// Status marks whether an identity may authenticate.
type Status string

const (
	StatusActive    Status = "Active"
	StatusSuspended Status = "Suspended"
)

// NormalizeStatus folds stored status spellings onto the enum. Anything that
// is not recognisably active is treated as suspended.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "":
		return StatusActive
	default:
		return StatusSuspended
	}
}

// Toggle flips Active and Suspended.
func (s Status) Toggle() Status {
	if s == StatusActive {
		return StatusSuspended
	}
	return StatusActive
}

// Identity is a durable account record. CredentialDigest never leaves the
// store; Public strips it before claims are embedded anywhere.
type Identity struct {
	ID               string      `json:"id"`
	FirstName        string      `json:"firstName"`
	LastName         string      `json:"lastName"`
	Email            string      `json:"email"`
	Status           Status      `json:"status"`
	Role             Role        `json:"role"`
	Permissions      Permissions `json:"permissions"`
	RegistrationDate time.Time   `json:"registrationDate"`
	CredentialDigest string      `json:"credentialDigest"`
	Phone            string      `json:"phone,omitempty"`
	AvatarRef        string      `json:"avatarRef,omitempty"`
}

// Public is the identity snapshot safe to embed in tokens and hand to the UI.
type Public struct {
	ID               string      `json:"id"`
	FirstName        string      `json:"firstName"`
	LastName         string      `json:"lastName"`
	Email            string      `json:"email"`
	Status           Status      `json:"status"`
	Role             Role        `json:"role"`
	Permissions      Permissions `json:"permissions"`
	RegistrationDate time.Time   `json:"registrationDate"`
	Phone            string      `json:"phone,omitempty"`
	AvatarRef        string      `json:"avatarRef,omitempty"`
}

// Public returns the record without the credential digest.
func (i Identity) Public() Public {
	return Public{
		ID:               i.ID,
		FirstName:        i.FirstName,
		LastName:         i.LastName,
		Email:            i.Email,
		Status:           i.Status,
		Role:             i.Role,
		Permissions:      i.Permissions,
		RegistrationDate: i.RegistrationDate,
		Phone:            i.Phone,
		AvatarRef:        i.AvatarRef,
	}
}

// NormalizeEmail lower-cases and trims an email for uniqueness comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
