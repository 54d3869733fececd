package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCustomer   = "customer"
	RoleReseller   = "reseller"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsStaff reports whether role may act on other users' wallets, orders and plans.
func IsStaff(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

func IsKnown(role string) bool {
	switch role {
	case RoleCustomer, RoleReseller, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
