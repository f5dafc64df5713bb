package store

import (
	"context"
	"database/sql"
	"time"
)

const inviteColumns = `id,code,email,expires_at,max_uses,uses,is_active,created_at,updated_at`

func scanInvite(row rowScanner) (*Invite, error) {
	var inv Invite
	var email sql.NullString
	var expires sql.NullInt64
	var created, updated int64
	if err := row.Scan(&inv.ID, &inv.Code, &email, &expires, &inv.MaxUses, &inv.Uses, &inv.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	if email.Valid {
		e := email.String
		inv.Email = &e
	}
	if expires.Valid {
		t := fromUnix(expires.Int64)
		inv.ExpiresAt = &t
	}
	inv.CreatedAt = fromUnix(created)
	inv.UpdatedAt = fromUnix(updated)
	return &inv, nil
}

// CreateInvite inserts inv and fills in its ID.
func (q *Queries) CreateInvite(ctx context.Context, inv *Invite) error {
	now := time.Now().UTC()
	var email sql.NullString
	if inv.Email != nil {
		email = sql.NullString{String: *inv.Email, Valid: true}
	}
	var expires sql.NullInt64
	if inv.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: unix(*inv.ExpiresAt), Valid: true}
	}
	id, err := q.insertReturningID(ctx,
		`INSERT INTO invite_codes(code,email,expires_at,max_uses,uses,is_active,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?)`,
		inv.Code, email, expires, inv.MaxUses, inv.Uses, inv.IsActive, unix(now), unix(now))
	if err != nil {
		return err
	}
	inv.ID = id
	inv.CreatedAt = fromUnix(unix(now))
	inv.UpdatedAt = inv.CreatedAt
	return nil
}

// GetInviteByCode returns nil, nil for an unknown code.
func (q *Queries) GetInviteByCode(ctx context.Context, code string) (*Invite, error) {
	inv, err := scanInvite(q.queryRow(ctx, `SELECT `+inviteColumns+` FROM invite_codes WHERE code = ?`, code))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

// IncrementInviteUses consumes one use if the invite is still active and has
// budget left. It reports false when another registration got there first.
func (q *Queries) IncrementInviteUses(ctx context.Context, id int64) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE invite_codes SET uses = uses + 1, updated_at = ? WHERE id = ? AND is_active = ? AND uses < max_uses`,
		unix(time.Now()), id, true)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeactivateInvite reports false for an unknown code.
func (q *Queries) DeactivateInvite(ctx context.Context, code string) (bool, error) {
	res, err := q.exec(ctx, `UPDATE invite_codes SET is_active = ?, updated_at = ? WHERE code = ?`, false, unix(time.Now()), code)
	if err != nil {
		return false, err
	}
	return affected(res)
}
