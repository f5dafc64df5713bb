// Package identity maps API keys and verified token claims to principals.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

// UserLoader is the user lookup the resolver needs. *store.Queries implements it.
type UserLoader interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
}

type apiKey struct {
	digest [sha256.Size]byte
	id     string
	scopes []string
}

// Resolver holds the static API key table and resolves user-backed tokens.
type Resolver struct {
	keys  []apiKey
	users UserLoader
}

// Fingerprint is the stable, non-secret id of an API key carried in tokens.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func NewResolver(keys map[string][]string, users UserLoader) *Resolver {
	r := &Resolver{users: users}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		scopes := append([]string(nil), keys[k]...)
		r.keys = append(r.keys, apiKey{digest: sha256.Sum256([]byte(k)), id: Fingerprint(k), scopes: scopes})
	}
	return r
}

// ResolveAPIKey returns the machine identity and scopes for key. Every
// configured key is compared so timing does not depend on which one matched.
func (r *Resolver) ResolveAPIKey(key string) (token.Identity, []string, error) {
	invalid := apperr.Unauthorized("Invalid API key")
	if key == "" {
		return token.Identity{}, nil, invalid
	}
	digest := sha256.Sum256([]byte(key))
	var match *apiKey
	for i := range r.keys {
		if subtle.ConstantTimeCompare(digest[:], r.keys[i].digest[:]) == 1 {
			match = &r.keys[i]
		}
	}
	if match == nil || len(match.scopes) == 0 {
		return token.Identity{}, nil, invalid
	}
	return token.APIKeyIdentity(match.id), append([]string(nil), match.scopes...), nil
}

// ResolveUser loads the active user behind user-typed claims.
func (r *Resolver) ResolveUser(ctx context.Context, claims *token.Claims) (*store.User, error) {
	if claims == nil || claims.SubType != token.SubUser || claims.UserID <= 0 {
		return nil, apperr.Unauthorized("User token required")
	}
	u, err := r.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %w", claims.UserID, err)
	}
	if u == nil || !u.IsActive {
		return nil, apperr.Unauthorized("User not found or inactive")
	}
	return u, nil
}
