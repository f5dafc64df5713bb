package store

import (
	"context"
	"database/sql"
	"time"
)

// CreatePasswordReset inserts r and fills in its ID.
func (q *Queries) CreatePasswordReset(ctx context.Context, r *PasswordReset) error {
	now := time.Now().UTC()
	id, err := q.insertReturningID(ctx,
		`INSERT INTO password_reset_tokens(token,user_id,expires_at,used,created_at,updated_at) VALUES(?,?,?,?,?,?)`,
		r.Token, r.UserID, unix(r.ExpiresAt), false, unix(now), unix(now))
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = fromUnix(unix(now))
	return nil
}

// GetPasswordReset returns nil, nil for an unknown token.
func (q *Queries) GetPasswordReset(ctx context.Context, token string) (*PasswordReset, error) {
	var r PasswordReset
	var expires, created int64
	err := q.queryRow(ctx,
		`SELECT id,token,user_id,expires_at,used,created_at FROM password_reset_tokens WHERE token = ?`, token).
		Scan(&r.ID, &r.Token, &r.UserID, &expires, &r.Used, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ExpiresAt = fromUnix(expires)
	r.CreatedAt = fromUnix(created)
	return &r, nil
}

// MarkPasswordResetUsed flips used false->true for an unexpired ticket. It
// reports false if the ticket was already used or has expired.
func (q *Queries) MarkPasswordResetUsed(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE password_reset_tokens SET used = ?, updated_at = ? WHERE id = ? AND used = ? AND expires_at >= ?`,
		true, unix(now), id, false, unix(now))
	if err != nil {
		return false, err
	}
	return affected(res)
}
