package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/store"
)

// ResetTTL is how long a password-reset ticket stays valid.
const ResetTTL = time.Hour

// ResetStore is the persistence a reset ticket needs. *store.Queries implements it.
type ResetStore interface {
	CreatePasswordReset(ctx context.Context, r *store.PasswordReset) error
	GetPasswordReset(ctx context.Context, token string) (*store.PasswordReset, error)
	MarkPasswordResetUsed(ctx context.Context, id int64, now time.Time) (bool, error)
}

// Resets issues and consumes single-use password-reset tickets. The raw
// ticket is stored as-is because it is itself the secret.
type Resets struct {
	ttl time.Duration
	now func() time.Time
}

func NewResets() *Resets {
	return &Resets{ttl: ResetTTL, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (r *Resets) WithClock(now func() time.Time) *Resets {
	r.now = now
	return r
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func invalidResetToken() *apperr.Error {
	return apperr.BadRequest("invalid_token", "Reset token is invalid or expired")
}

// Create persists a new ticket for userID and returns the raw token.
func (r *Resets) Create(ctx context.Context, q ResetStore, userID int64) (string, error) {
	token, err := RandomToken(16)
	if err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	rec := &store.PasswordReset{Token: token, UserID: userID, ExpiresAt: r.now().Add(r.ttl)}
	if err := q.CreatePasswordReset(ctx, rec); err != nil {
		return "", fmt.Errorf("storing reset token: %w", err)
	}
	return token, nil
}

// Consume marks the ticket used and returns its user id. Run it in the same
// transaction as the password update it authorizes.
func (r *Resets) Consume(ctx context.Context, q ResetStore, token string) (int64, error) {
	if token == "" {
		return 0, invalidResetToken()
	}
	rec, err := q.GetPasswordReset(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("loading reset token: %w", err)
	}
	now := r.now()
	if rec == nil || rec.Used || now.After(rec.ExpiresAt) {
		return 0, invalidResetToken()
	}
	ok, err := q.MarkPasswordResetUsed(ctx, rec.ID, now)
	if err != nil {
		return 0, fmt.Errorf("consuming reset token: %w", err)
	}
	if !ok {
		return 0, invalidResetToken()
	}
	return rec.UserID, nil
}
