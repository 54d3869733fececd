package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"proxy-reseller/internal/auth"
)

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin bypasses the check; unknown roles are always refused.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !IsKnown(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireStaff is RequireAnyRole for the back-office roles.
func RequireStaff() gin.HandlerFunc {
	return RequireAnyRole(RoleAdmin, RoleSuperAdmin)
}
