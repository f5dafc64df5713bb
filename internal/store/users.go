package store

import (
	"context"
	"database/sql"
	"time"
)

const userColumns = `id,email,username,password_hash,is_active,is_admin,last_login_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var lastLogin sql.NullInt64
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.IsActive, &u.IsAdmin, &lastLogin, &created, &updated); err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := fromUnix(lastLogin.Int64)
		u.LastLoginAt = &t
	}
	u.CreatedAt = fromUnix(created)
	u.UpdatedAt = fromUnix(updated)
	return &u, nil
}

// CreateUser inserts u and fills in its ID and timestamps.
func (q *Queries) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	id, err := q.insertReturningID(ctx,
		`INSERT INTO users(email,username,password_hash,is_active,is_admin,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`,
		u.Email, u.Username, u.PasswordHash, u.IsActive, u.IsAdmin, unix(now), unix(now))
	if err != nil {
		return err
	}
	u.ID = id
	u.CreatedAt = fromUnix(unix(now))
	u.UpdatedAt = u.CreatedAt
	return nil
}

func (q *Queries) getUser(ctx context.Context, where string, args ...interface{}) (*User, error) {
	u, err := scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// GetUserByID returns nil, nil when no user has the id.
func (q *Queries) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return q.getUser(ctx, `id = ?`, id)
}

// GetUserByEmail matches case-insensitively.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return q.getUser(ctx, `lower(email) = lower(?)`, email)
}

// GetUserByLogin looks the login up as a username first, then as an email.
func (q *Queries) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	u, err := q.getUser(ctx, `lower(username) = lower(?)`, login)
	if err != nil || u != nil {
		return u, err
	}
	return q.GetUserByEmail(ctx, login)
}

// UserExists reports whether the username or email is taken.
func (q *Queries) UserExists(ctx context.Context, username, email string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM users WHERE lower(username) = lower(?) OR lower(email) = lower(?)`, username, email).Scan(&n)
	return n > 0, err
}

func (q *Queries) UpdatePassword(ctx context.Context, userID int64, hash string) error {
	_, err := q.exec(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, unix(time.Now()), userID)
	return err
}

func (q *Queries) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	_, err := q.exec(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, unix(at), userID)
	return err
}

// SetUserActive reports false when the user does not exist.
func (q *Queries) SetUserActive(ctx context.Context, userID int64, active bool) (bool, error) {
	res, err := q.exec(ctx, `UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`, active, unix(time.Now()), userID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ListUsers returns one page of users ordered by id and the total count.
func (q *Queries) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	var total int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// ListScopes returns the user's scopes in grant order.
func (q *Queries) ListScopes(ctx context.Context, userID int64) ([]string, error) {
	rows, err := q.query(ctx, `SELECT scope FROM user_permissions WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	scopes := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// AddScope grants scope to the user; granting an existing scope is a no-op.
func (q *Queries) AddScope(ctx context.Context, userID int64, scope string) error {
	now := unix(time.Now())
	_, err := q.exec(ctx,
		`INSERT INTO user_permissions(user_id,scope,created_at,updated_at) VALUES(?,?,?,?) ON CONFLICT (user_id, scope) DO NOTHING`,
		userID, scope, now, now)
	return err
}

// RemoveScope reports whether a grant was removed.
func (q *Queries) RemoveScope(ctx context.Context, userID int64, scope string) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM user_permissions WHERE user_id = ? AND scope = ?`, userID, scope)
	if err != nil {
		return false, err
	}
	return affected(res)
}
