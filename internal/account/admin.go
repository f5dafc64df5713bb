package account

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/guard"
	"github.com/example/labkeeper/internal/invite"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

// Principal describes whoever is behind a verified access token.
type Principal struct {
	SubType string    `json:"sub_type"`
	KeyID   string    `json:"key_id,omitempty"`
	Scopes  []string  `json:"scopes"`
	IsAdmin bool      `json:"is_admin"`
	User    *UserView `json:"user,omitempty"`
}

// Me resolves the caller. Scopes are the ones frozen in the token.
func (s *Service) Me(ctx context.Context, claims *token.Claims) (*Principal, error) {
	if claims == nil {
		return nil, apperr.Unauthorized("")
	}
	p := &Principal{SubType: claims.SubType, Scopes: claims.Scopes, IsAdmin: claims.IsAdmin}
	if p.Scopes == nil {
		p.Scopes = []string{}
	}
	if claims.SubType == token.SubAPIKey {
		p.KeyID = claims.KeyID
		return p, nil
	}
	u, err := s.ids.ResolveUser(ctx, claims)
	if err != nil {
		return nil, err
	}
	scopes, err := s.db.ListScopes(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	v := View(u, scopes)
	p.User = &v
	return p, nil
}

// CreateInvite issues an invite. Admin only.
func (s *Service) CreateInvite(ctx context.Context, claims *token.Claims, p invite.CreateParams) (*store.Invite, error) {
	if err := s.requireActiveAdmin(ctx, claims); err != nil {
		return nil, err
	}
	inv, err := s.invites.Create(ctx, s.db.Queries, p)
	if err != nil {
		return nil, err
	}
	s.log.WithField("invite_id", inv.ID).Info("invite created")
	return inv, nil
}

// DeactivateInvite retires an invite permanently. Admin only.
func (s *Service) DeactivateInvite(ctx context.Context, claims *token.Claims, code string) error {
	if err := s.requireActiveAdmin(ctx, claims); err != nil {
		return err
	}
	return s.invites.Deactivate(ctx, s.db.Queries, code)
}

// UserPage is one page of users.
type UserPage struct {
	Users []UserView
	Total int
}

// ListUsers pages through users with their scopes. Admin only.
func (s *Service) ListUsers(ctx context.Context, claims *token.Claims, limit, offset int) (*UserPage, error) {
	if err := s.requireActiveAdmin(ctx, claims); err != nil {
		return nil, err
	}
	users, total, err := s.db.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	page := &UserPage{Users: make([]UserView, 0, len(users)), Total: total}
	for _, u := range users {
		scopes, err := s.db.ListScopes(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("listing scopes: %w", err)
		}
		page.Users = append(page.Users, View(u, scopes))
	}
	return page, nil
}

// requireActiveAdmin checks the admin claim and, for user tokens, that the
// account behind it is still active.
func (s *Service) requireActiveAdmin(ctx context.Context, claims *token.Claims) error {
	if err := guard.RequireAdmin(claims); err != nil {
		return err
	}
	if claims.SubType != token.SubUser {
		return nil
	}
	_, err := s.ids.ResolveUser(ctx, claims)
	return err
}

func (s *Service) mustUser(ctx context.Context, q *store.Queries, userID int64) (*store.User, error) {
	u, err := q.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if u == nil {
		return nil, apperr.NotFound("User not found")
	}
	return u, nil
}

// GrantScope adds scope to a user and returns the resulting scope set. Admin only.
// Tokens already issued keep their scopes until they expire.
func (s *Service) GrantScope(ctx context.Context, claims *token.Claims, userID int64, scope string) ([]string, error) {
	return s.changeScope(ctx, claims, userID, scope, true)
}

// RevokeScope removes scope from a user and returns the resulting scope set. Admin only.
func (s *Service) RevokeScope(ctx context.Context, claims *token.Claims, userID int64, scope string) ([]string, error) {
	return s.changeScope(ctx, claims, userID, scope, false)
}

func (s *Service) changeScope(ctx context.Context, claims *token.Claims, userID int64, scope string, grant bool) ([]string, error) {
	if err := s.requireActiveAdmin(ctx, claims); err != nil {
		return nil, err
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, apperr.BadRequest("invalid_request", "scope is required")
	}
	var scopes []string
	err := s.db.InTx(ctx, func(q *store.Queries) error {
		if _, err := s.mustUser(ctx, q, userID); err != nil {
			return err
		}
		if grant {
			if err := q.AddScope(ctx, userID, scope); err != nil {
				return fmt.Errorf("granting scope: %w", err)
			}
		} else if _, err := q.RemoveScope(ctx, userID, scope); err != nil {
			return fmt.Errorf("revoking scope: %w", err)
		}
		var err error
		scopes, err = q.ListScopes(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "scope": scope, "grant": grant}).Info("scope changed")
	return scopes, nil
}

// SetActive enables or disables a user. Admin only. An admin cannot
// deactivate their own account.
func (s *Service) SetActive(ctx context.Context, claims *token.Claims, userID int64, active bool) error {
	if err := s.requireActiveAdmin(ctx, claims); err != nil {
		return err
	}
	if !active && claims.SubType == token.SubUser && claims.UserID == userID {
		return apperr.BadRequest("invalid_request", "Cannot deactivate your own account")
	}
	ok, err := s.db.SetUserActive(ctx, userID, active)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	if !ok {
		return apperr.NotFound("User not found")
	}
	return nil
}
