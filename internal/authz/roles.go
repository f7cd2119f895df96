// Package authz holds the capability check consumed at the business-service
// boundary. Authentication populates roles; services decide what they demand.
package authz

// HasAnyRole reports whether principalRoles contains at least one of the
// required roles. An empty required set always passes.
func HasAnyRole(principalRoles, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, need := range required {
		for _, have := range principalRoles {
			if have == need {
				return true
			}
		}
	}
	return false
}
