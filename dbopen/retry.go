package dbopen

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// IsBusy reports whether err is an SQLite BUSY/locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// ExecRetry runs one statement, retrying up to three times with
// 50/100/150ms waits while the database reports BUSY.
func ExecRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	const attempts = 3
	var err error
	for i := range attempts {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil || !IsBusy(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(i+1)) * time.Millisecond):
		}
	}
	return err
}
