// Package guard holds the scope and role checks applied to protected
// operations. Every check fails closed on missing claims.
package guard

import (
	"fmt"
	"strings"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/token"
)

const (
	ScopeDB  = "db"
	ScopeDoc = "doc"
)

// RequireScope fails unless scope is among the claims' scopes.
func RequireScope(c *token.Claims, scope string) error {
	if scope == "" || !c.HasScope(scope) {
		return apperr.Forbidden(fmt.Sprintf("Missing required scope: %s", scope))
	}
	return nil
}

// RequireAnyScope fails unless at least one of scopes is held.
func RequireAnyScope(c *token.Claims, scopes ...string) error {
	for _, s := range scopes {
		if s != "" && c.HasScope(s) {
			return nil
		}
	}
	return apperr.Forbidden(fmt.Sprintf("Requires one of scopes: %s", strings.Join(scopes, ", ")))
}

// RequireAdmin fails unless the claims carry the admin flag.
func RequireAdmin(c *token.Claims) error {
	if c == nil || !c.IsAdmin {
		return apperr.Forbidden("Admin privileges required")
	}
	return nil
}
