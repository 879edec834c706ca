package auth

// CanReadPage reports whether the claims grant read access to a page.
func CanReadPage(claims *TokenClaims, pageID string) bool {
	if claims == nil {
		return false
	}
	if claims.Permissions.IsAdmin {
		return true
	}
	for _, id := range claims.Permissions.CanRead {
		if id == "*" || id == pageID {
			return true
		}
	}
	return false
}

// CanWritePage reports whether the claims grant write access to a page.
func CanWritePage(claims *TokenClaims, pageID string) bool {
	if claims == nil {
		return false
	}
	if claims.Permissions.IsAdmin {
		return true
	}
	for _, id := range claims.Permissions.CanWrite {
		if id == "*" || id == pageID {
			return true
		}
	}
	return false
}

// MemberPermissions builds permissions for a project member limited to the
// given pages.
func MemberPermissions(canRead, canWrite []string) PagePermissions {
	return PagePermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
	}
}

// AdminPermissions builds permissions with full access.
func AdminPermissions() PagePermissions {
	return PagePermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}
