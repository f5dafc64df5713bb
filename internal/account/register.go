package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

// UserView is the public representation of a user. It never carries the
// password hash.
type UserView struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	IsActive    bool     `json:"is_active"`
	IsAdmin     bool     `json:"is_admin"`
	Scopes      []string `json:"scopes"`
	LastLoginAt *string  `json:"last_login_at"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// View builds the public representation of u.
func View(u *store.User, scopes []string) UserView {
	if scopes == nil {
		scopes = []string{}
	}
	v := UserView{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		IsActive:  u.IsActive,
		IsAdmin:   u.IsAdmin,
		Scopes:    scopes,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: u.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLoginAt != nil {
		ts := u.LastLoginAt.UTC().Format(time.RFC3339)
		v.LastLoginAt = &ts
	}
	return v
}

// RegisterInput is a self-service registration request.
type RegisterInput struct {
	Username   string
	Email      string
	Password   string
	InviteCode string
	Scopes     []string
}

// Registration is the result of a successful Register.
type Registration struct {
	User   UserView    `json:"user"`
	Tokens *token.Pair `json:"tokens"`
}

func userExists() *apperr.Error {
	return apperr.New(apperr.KindConflict, "user_exists", "User with same username or email already exists")
}

// normalizeScopes trims, drops empties and de-duplicates while keeping order.
func normalizeScopes(scopes []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Register creates a user against an invite. Invite validation, the
// uniqueness check, user insertion, invite consumption and scope grants
// commit or roll back together. Explicit scopes are honoured only when
// requester is an authenticated, active user; otherwise DefaultScopes apply.
func (s *Service) Register(ctx context.Context, in RegisterInput, requester *token.Claims) (*Registration, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.InviteCode == "" || in.Username == "" || in.Email == "" || in.Password == "" {
		return nil, apperr.BadRequest("invalid_request", "Missing required fields")
	}

	scopes := DefaultScopes
	if requester != nil && requester.SubType == token.SubUser {
		if explicit := normalizeScopes(in.Scopes); len(explicit) > 0 {
			if _, err := s.ids.ResolveUser(ctx, requester); err != nil {
				return nil, err
			}
			scopes = explicit
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &store.User{Username: in.Username, Email: in.Email, PasswordHash: hash, IsActive: true}
	err = s.db.InTx(ctx, func(q *store.Queries) error {
		inv, err := s.invites.Validate(ctx, q, in.InviteCode, in.Email)
		if err != nil {
			return err
		}
		taken, err := q.UserExists(ctx, in.Username, in.Email)
		if err != nil {
			return fmt.Errorf("checking user: %w", err)
		}
		if taken {
			return userExists()
		}
		if err := q.CreateUser(ctx, u); err != nil {
			if store.IsConstraintViolation(err) {
				return userExists()
			}
			return fmt.Errorf("creating user: %w", err)
		}
		if err := s.invites.Consume(ctx, q, inv); err != nil {
			return err
		}
		for _, scope := range scopes {
			if err := q.AddScope(ctx, u.ID, scope); err != nil {
				return fmt.Errorf("granting scope %q: %w", scope, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	granted := append([]string(nil), scopes...)
	pair, err := s.tokens.Issue(token.UserIdentity(u.ID), granted, u.IsAdmin)
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", u.ID).Info("user registered")
	return &Registration{User: View(u, granted), Tokens: pair}, nil
}

// CreateAdmin inserts an active admin with the default scopes, bypassing
// invites. It backs the create-admin command only.
func (s *Service) CreateAdmin(ctx context.Context, username, email, password string) (*store.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return nil, apperr.BadRequest("invalid_request", "Missing required fields")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u := &store.User{Username: username, Email: email, PasswordHash: hash, IsActive: true, IsAdmin: true}
	err = s.db.InTx(ctx, func(q *store.Queries) error {
		taken, err := q.UserExists(ctx, username, email)
		if err != nil {
			return fmt.Errorf("checking user: %w", err)
		}
		if taken {
			return userExists()
		}
		if err := q.CreateUser(ctx, u); err != nil {
			if store.IsConstraintViolation(err) {
				return userExists()
			}
			return fmt.Errorf("creating user: %w", err)
		}
		for _, scope := range DefaultScopes {
			if err := q.AddScope(ctx, u.ID, scope); err != nil {
				return fmt.Errorf("granting scope %q: %w", scope, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
