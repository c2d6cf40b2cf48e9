package identity

// Permissions is the resolved capability vector gating admin modules.
type Permissions struct {
	ManageProducts bool `json:"manageProducts"`
	ManageOrders   bool `json:"manageOrders"`
	ManageUsers    bool `json:"manageUsers"`
	ViewReports    bool `json:"viewReports"`
}

// Permission keys accepted by Permissions.Has and route requirements.
const (
	PermManageProducts = "manageProducts"
	PermManageOrders   = "manageOrders"
	PermManageUsers    = "manageUsers"
	PermViewReports    = "viewReports"
)

// FullPermissions grants every capability.
func FullPermissions() Permissions {
	return Permissions{
		ManageProducts: true,
		ManageOrders:   true,
		ManageUsers:    true,
		ViewReports:    true,
	}
}

// NoPermissions denies every capability.
func NoPermissions() Permissions {
	return Permissions{}
}

// ResolvePermissions maps a role and its optional grant set onto the concrete
// capability vector. Owner admins always receive the full vector and customers
// always receive the empty one; only delegated admins keep their stored
// grants. Total function: any input yields a valid vector.
func ResolvePermissions(role Role, grants Permissions) Permissions {
	switch role {
	case RoleOwnerAdmin:
		return FullPermissions()
	case RoleDelegatedAdmin:
		return grants
	default:
		return NoPermissions()
	}
}

// Has reports whether the named capability is granted. Unknown keys are false.
func (p Permissions) Has(key string) bool {
	switch key {
	case PermManageProducts:
		return p.ManageProducts
	case PermManageOrders:
		return p.ManageOrders
	case PermManageUsers:
		return p.ManageUsers
	case PermViewReports:
		return p.ViewReports
	default:
		return false
	}
}
