package session

import (
	"strings"

	"mercato.dev/internal/identity"
)

// Route anchors shared by the coordinator and the HTTP layer.
const (
	AdminPrefix   = "/admin"
	AdminLanding  = "/admin/dashboard"
	ShopLanding   = "/shop/home"
	LoginPath     = "/shop/login"
	returnParam   = "returnUrl"
	loginRedirect = LoginPath + "?" + returnParam + "="
)

// CanAccess reports whether a role may enter the given path. Everything under
// the admin prefix requires an admin role; all other paths are open.
func CanAccess(path string, role identity.Role) bool {
	if path == AdminPrefix || strings.HasPrefix(path, AdminPrefix+"/") {
		return role.IsAdmin()
	}
	return true
}

// DefaultLanding is where a freshly authenticated identity is sent when no
// usable return path was requested.
func DefaultLanding(role identity.Role) string {
	if role.IsAdmin() {
		return AdminLanding
	}
	return ShopLanding
}

// GuardRedirect is the path an unauthenticated visitor is bounced to when
// they request a protected path; the original path rides along so login can
// resume it.
func GuardRedirect(requested string) string {
	return loginRedirect + requested
}

// PostLoginRedirect picks the landing path after authentication. A requested
// return path is honored only when the identity is actually allowed there;
// otherwise the role's default landing wins.
func PostLoginRedirect(pub identity.Public, returnPath string) string {
	returnPath = strings.TrimSpace(returnPath)
	if returnPath != "" && strings.HasPrefix(returnPath, "/") && CanAccess(returnPath, pub.Role) {
		return returnPath
	}
	return DefaultLanding(pub.Role)
}
