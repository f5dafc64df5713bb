package store

import "time"

// User is a human principal.
type User struct {
	ID           int64
	Email        string
	Username     string
	PasswordHash string
	IsActive     bool
	IsAdmin      bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Invite gates self-service registration.
type Invite struct {
	ID        int64
	Code      string
	Email     *string
	ExpiresAt *time.Time
	MaxUses   int
	Uses      int
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PasswordReset is a single-use reset ticket. Token is the secret itself.
type PasswordReset struct {
	ID        int64
	Token     string
	UserID    int64
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Row is one generic table row keyed by column name, values as returned by the driver.
type Row map[string]interface{}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }
