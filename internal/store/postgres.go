package store

import (
	"context"
	"database/sql"
	"time"
)

// OpenPostgres connects to postgres. Tables are created by migrations; this
// only verifies connectivity.
func OpenPostgres(dsn string) (*Store, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(25)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return New(d, DialectPostgres), nil
}
