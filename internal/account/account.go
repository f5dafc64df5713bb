// Package account orchestrates the authentication flows: login, API key
// exchange, refresh, registration, password changes and resets, and the
// admin operations on users and invites. Every multi-step write runs in one
// store transaction.
package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/credential"
	"github.com/example/labkeeper/internal/guard"
	"github.com/example/labkeeper/internal/identity"
	"github.com/example/labkeeper/internal/invite"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

// DefaultScopes are granted to self-registered users.
var DefaultScopes = []string{guard.ScopeDB, guard.ScopeDoc}

// Service wires the credential, token, identity and invite components.
type Service struct {
	db      *store.Store
	tokens  *token.Service
	ids     *identity.Resolver
	hasher  *credential.Hasher
	resets  *credential.Resets
	invites *invite.Gate
	notify  ResetNotifier
	log     logrus.FieldLogger
	now     func() time.Time

	// dummyHash is verified against for unknown users so a miss costs as
	// much as a wrong password.
	dummyHash string
}

// Option customises a Service.
type Option func(*Service)

// WithHasher replaces the password hasher.
func WithHasher(h *credential.Hasher) Option { return func(s *Service) { s.hasher = h } }

// WithClock replaces the time source of the service and its components.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.resets.WithClock(now)
		s.invites.WithClock(now)
	}
}

// WithLogger sets the logger used for auth failure diagnostics.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

// WithResetNotifier sets where issued password reset tokens are delivered.
func WithResetNotifier(n ResetNotifier) Option { return func(s *Service) { s.notify = n } }

// ResetNotifier delivers a password reset token to the account owner out of band.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, u *store.User, resetToken string) error
}

// LogNotifier writes reset tokens to a logger at debug level. It is the
// default when no mailer is configured.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) NotifyPasswordReset(_ context.Context, u *store.User, resetToken string) error {
	n.Log.WithFields(logrus.Fields{"user_id": u.ID, "email": u.Email, "token": resetToken}).Debug("password reset issued")
	return nil
}

func New(db *store.Store, tokens *token.Service, ids *identity.Resolver, opts ...Option) (*Service, error) {
	s := &Service{
		db:      db,
		tokens:  tokens,
		ids:     ids,
		hasher:  credential.NewHasher(),
		resets:  credential.NewResets(),
		invites: invite.NewGate(),
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notify == nil {
		s.notify = LogNotifier{Log: s.log}
	}
	dummy, err := s.hasher.Hash("labkeeper-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Tokens exposes the token service for request authentication.
func (s *Service) Tokens() *token.Service { return s.tokens }

// Identities exposes the identity resolver.
func (s *Service) Identities() *identity.Resolver { return s.ids }

func invalidCredentials() *apperr.Error {
	return apperr.Unauthorized("Invalid credentials")
}

// Login authenticates by username or email. Unknown, inactive and
// wrong-password attempts fail identically.
func (s *Service) Login(ctx context.Context, login, password string) (*token.Pair, error) {
	u, err := s.db.GetUserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if u == nil || !u.IsActive {
		s.hasher.Verify(password, s.dummyHash)
		s.log.WithField("login", login).Debug("login rejected: unknown or inactive user")
		return nil, invalidCredentials()
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		s.log.WithField("user_id", u.ID).Debug("login rejected: wrong password")
		return nil, invalidCredentials()
	}

	var scopes []string
	err = s.db.InTx(ctx, func(q *store.Queries) error {
		if err := q.TouchLastLogin(ctx, u.ID, s.now()); err != nil {
			return fmt.Errorf("recording login: %w", err)
		}
		if s.hasher.NeedsRehash(u.PasswordHash) {
			hash, err := s.hasher.Hash(password)
			if err != nil {
				return fmt.Errorf("rehashing password: %w", err)
			}
			if err := q.UpdatePassword(ctx, u.ID, hash); err != nil {
				return fmt.Errorf("storing rehashed password: %w", err)
			}
			s.log.WithField("user_id", u.ID).Info("upgraded password hash")
		}
		var err error
		scopes, err = q.ListScopes(ctx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.tokens.Issue(token.UserIdentity(u.ID), scopes, u.IsAdmin)
}

// ExchangeAPIKey issues a pair for a configured API key.
func (s *Service) ExchangeAPIKey(key string) (*token.Pair, error) {
	id, scopes, err := s.ids.ResolveAPIKey(key)
	if err != nil {
		s.log.Debug("api key exchange rejected")
		return nil, err
	}
	return s.tokens.Issue(id, scopes, false)
}

// Refresh re-signs a pair from verified refresh claims. User tokens are only
// refreshed while the account is active.
func (s *Service) Refresh(ctx context.Context, claims *token.Claims) (*token.Pair, error) {
	if claims != nil && claims.SubType == token.SubUser {
		if _, err := s.ids.ResolveUser(ctx, claims); err != nil {
			return nil, err
		}
	}
	return s.tokens.Refresh(claims)
}

// ChangePassword replaces the password of the user behind claims.
func (s *Service) ChangePassword(ctx context.Context, claims *token.Claims, current, next string) error {
	if current == "" || next == "" {
		return apperr.BadRequest("invalid_request", "Missing password fields")
	}
	u, err := s.ids.ResolveUser(ctx, claims)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, u.PasswordHash) {
		return apperr.Unauthorized("Current password incorrect")
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.db.UpdatePassword(ctx, u.ID, hash)
}

// RequestPasswordReset issues a reset token and hands it to the notifier. It
// returns "" when no user has email. Delivery failures are logged, not
// returned, so callers cannot tell known from unknown addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	u, err := s.db.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("looking up user: %w", err)
	}
	if u == nil {
		s.log.Debug("password reset requested for unknown email")
		return "", nil
	}
	tok, err := s.resets.Create(ctx, s.db.Queries, u.ID)
	if err != nil {
		return "", err
	}
	if err := s.notify.NotifyPasswordReset(ctx, u, tok); err != nil {
		s.log.WithError(err).WithField("user_id", u.ID).Error("delivering password reset token")
	}
	return tok, nil
}

// PerformPasswordReset consumes token and sets the new password atomically.
func (s *Service) PerformPasswordReset(ctx context.Context, resetToken, password string) error {
	if resetToken == "" || password == "" {
		return apperr.BadRequest("invalid_request", "Token and password required")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.db.InTx(ctx, func(q *store.Queries) error {
		userID, err := s.resets.Consume(ctx, q, resetToken)
		if err != nil {
			return err
		}
		return q.UpdatePassword(ctx, userID, hash)
	})
}
