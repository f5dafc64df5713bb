// Package invite gates self-service registration behind bounded-use codes.
package invite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/credential"
	"github.com/example/labkeeper/internal/store"
)

const (
	DefaultExpiresInHours = 72
	DefaultMaxUses        = 1

	maxExpiresInHours = 24 * 365
)

// Store is the invite persistence the gate needs. *store.Queries implements it.
type Store interface {
	CreateInvite(ctx context.Context, inv *store.Invite) error
	GetInviteByCode(ctx context.Context, code string) (*store.Invite, error)
	IncrementInviteUses(ctx context.Context, id int64) (bool, error)
	DeactivateInvite(ctx context.Context, code string) (bool, error)
}

// Gate validates, consumes and issues invite codes.
type Gate struct {
	now func() time.Time
}

func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// ErrInvalid is returned for every failed eligibility rule so callers cannot
// tell which one failed.
func ErrInvalid() *apperr.Error {
	return apperr.New(apperr.KindInvalidInvite, "invalid_invite", "Invite code invalid or expired")
}

// Usable reports whether inv may register email at now.
func Usable(inv *store.Invite, email string, now time.Time) bool {
	switch {
	case inv == nil, !inv.IsActive:
		return false
	case inv.ExpiresAt != nil && now.After(*inv.ExpiresAt):
		return false
	case inv.Uses >= inv.MaxUses:
		return false
	case inv.Email != nil && *inv.Email != "" && !strings.EqualFold(*inv.Email, email):
		return false
	}
	return true
}

// Validate loads code and applies the eligibility rules.
func (g *Gate) Validate(ctx context.Context, q Store, code, email string) (*store.Invite, error) {
	if code == "" {
		return nil, ErrInvalid()
	}
	inv, err := q.GetInviteByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("loading invite: %w", err)
	}
	if !Usable(inv, email, g.now()) {
		return nil, ErrInvalid()
	}
	return inv, nil
}

// Consume spends one use of inv. It must run in the transaction that creates
// the user; a concurrent registration that already spent the last use makes
// this one fail.
func (g *Gate) Consume(ctx context.Context, q Store, inv *store.Invite) error {
	ok, err := q.IncrementInviteUses(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("consuming invite: %w", err)
	}
	if !ok {
		return ErrInvalid()
	}
	inv.Uses++
	return nil
}

// CreateParams describes a new invite. Zero values take the defaults.
type CreateParams struct {
	Email          string
	ExpiresInHours int
	MaxUses        int
}

// Create issues a new active invite with a random code.
func (g *Gate) Create(ctx context.Context, q Store, p CreateParams) (*store.Invite, error) {
	if p.ExpiresInHours == 0 {
		p.ExpiresInHours = DefaultExpiresInHours
	}
	if p.MaxUses == 0 {
		p.MaxUses = DefaultMaxUses
	}
	if p.ExpiresInHours < 0 || p.ExpiresInHours > maxExpiresInHours {
		return nil, apperr.BadRequest("", fmt.Sprintf("expires_in_hours must be between 1 and %d", maxExpiresInHours))
	}
	if p.MaxUses < 0 {
		return nil, apperr.BadRequest("", "max_uses must be positive")
	}
	code, err := credential.RandomToken(8)
	if err != nil {
		return nil, fmt.Errorf("generating invite code: %w", err)
	}
	expires := g.now().Add(time.Duration(p.ExpiresInHours) * time.Hour).UTC().Truncate(time.Second)
	inv := &store.Invite{Code: code, ExpiresAt: &expires, MaxUses: p.MaxUses, IsActive: true}
	if email := strings.TrimSpace(p.Email); email != "" {
		inv.Email = &email
	}
	if err := q.CreateInvite(ctx, inv); err != nil {
		return nil, fmt.Errorf("storing invite: %w", err)
	}
	return inv, nil
}

// Deactivate moves code to its terminal state.
func (g *Gate) Deactivate(ctx context.Context, q Store, code string) error {
	ok, err := q.DeactivateInvite(ctx, code)
	if err != nil {
		return fmt.Errorf("deactivating invite: %w", err)
	}
	if !ok {
		return apperr.NotFound("Invite not found")
	}
	return nil
}
