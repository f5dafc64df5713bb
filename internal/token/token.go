// Package token issues and verifies the signed access/refresh pairs handed to
// clients. Tokens are stateless: validity is signature plus expiry.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/labkeeper/internal/apperr"
)

const (
	SubUser   = "user"
	SubAPIKey = "api_key"

	KindAccess  = "access"
	KindRefresh = "refresh"

	TypeBearer = "bearer"
)

// Identity is the tagged principal a token is issued to. UserID is set for
// users, KeyID (an API key fingerprint) for API keys.
type Identity struct {
	SubType string `json:"sub_type"`
	UserID  int64  `json:"user_id,omitempty"`
	KeyID   string `json:"key_id,omitempty"`
}

func UserIdentity(id int64) Identity { return Identity{SubType: SubUser, UserID: id} }

func APIKeyIdentity(keyID string) Identity { return Identity{SubType: SubAPIKey, KeyID: keyID} }

func (i Identity) subject() string {
	if i.SubType == SubUser {
		return SubUser + ":" + strconv.FormatInt(i.UserID, 10)
	}
	return i.SubType + ":" + i.KeyID
}

// Claims is the decoded token payload.
type Claims struct {
	Identity
	Scopes  []string `json:"scopes"`
	IsAdmin bool     `json:"is_admin"`
	Kind    string   `json:"kind"`
	jwt.RegisteredClaims
}

// HasScope reports set membership of scope. A nil receiver has no scopes.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Pair is the response body of every token-issuing endpoint.
type Pair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scopes       []string `json:"scopes"`
	ExpiresIn    int64    `json:"expires_in"`
}

// Service signs tokens with HS256 using a server secret.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// WithClock replaces the time source used for issuing and verifying.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AccessTTL is the lifetime of issued access tokens.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Issue signs a fresh pair carrying identical claims in both tokens.
func (s *Service) Issue(id Identity, scopes []string, isAdmin bool) (*Pair, error) {
	if id.SubType != SubUser && id.SubType != SubAPIKey {
		return nil, fmt.Errorf("issue: unknown subject type %q", id.SubType)
	}
	if scopes == nil {
		scopes = []string{}
	}
	now := s.now()
	access, err := s.sign(id, scopes, isAdmin, KindAccess, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(id, scopes, isAdmin, KindRefresh, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TypeBearer,
		Scopes:       scopes,
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

// Refresh re-signs a pair from the presented refresh claims. Scopes and the
// admin flag are taken from the claims as-is, not re-read from storage.
func (s *Service) Refresh(c *Claims) (*Pair, error) {
	if c == nil || c.Kind != KindRefresh {
		return nil, invalidToken("Refresh token required")
	}
	return s.Issue(c.Identity, c.Scopes, c.IsAdmin)
}

func (s *Service) sign(id Identity, scopes []string, isAdmin bool, kind string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Identity: id,
		Scopes:   scopes,
		IsAdmin:  isAdmin,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.subject(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

type verifyOptions struct {
	allowExpired bool
	kind         string
}

// VerifyOption adjusts Verify.
type VerifyOption func(*verifyOptions)

// AllowExpired accepts a correctly signed token past its expiry.
func AllowExpired() VerifyOption {
	return func(o *verifyOptions) { o.allowExpired = true }
}

// RequireKind rejects tokens of any other kind.
func RequireKind(kind string) VerifyOption {
	return func(o *verifyOptions) { o.kind = kind }
}

func invalidToken(msg string) *apperr.Error {
	return apperr.New(apperr.KindInvalidToken, "invalid_token", msg)
}

// Verify checks signature, algorithm, structure and (unless AllowExpired) expiry.
func (s *Service) Verify(raw string, opts ...VerifyOption) (*Claims, error) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if o.allowExpired {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.KindExpiredToken, "token_expired", "Token has expired", apperr.WithErr(err))
		}
		return nil, apperr.New(apperr.KindInvalidToken, "invalid_token", "Invalid token", apperr.WithErr(err))
	}
	if claims.SubType != SubUser && claims.SubType != SubAPIKey {
		return nil, invalidToken("Invalid token subject")
	}
	if claims.Kind != KindAccess && claims.Kind != KindRefresh {
		return nil, invalidToken("Invalid token kind")
	}
	if o.kind != "" && claims.Kind != o.kind {
		return nil, invalidToken(fmt.Sprintf("Expected %s token", o.kind))
	}
	return claims, nil
}

// VerifyAccess verifies raw and requires an access token.
func (s *Service) VerifyAccess(raw string) (*Claims, error) {
	return s.Verify(raw, RequireKind(KindAccess))
}

// VerifyRefresh verifies raw and requires a refresh token.
func (s *Service) VerifyRefresh(raw string) (*Claims, error) {
	return s.Verify(raw, RequireKind(KindRefresh))
}
