package db

import (
	"time"

	"github.com/jackc/pgx/v5"
)

// AccountRow is the row shape of SELECT_ACCOUNT_BY_USERNAME.
type AccountRow struct {
	ID        int64
	Username  string
	Salt      string
	Verifier  string
	Email     *string
	CreatedAt time.Time
}

// IDRow is the single-column shape of statements returning a generated id.
type IDRow struct {
	ID int64
}

// NothingRow marks statements that produce no result rows; a successful
// execution still yields a value so callers can distinguish it from an
// absent row.
type NothingRow struct{}

// ScanAccountRow maps one account row. Timestamps are normalised to UTC.
func ScanAccountRow(row pgx.Row) (AccountRow, error) {
	var r AccountRow
	if err := row.Scan(&r.ID, &r.Username, &r.Salt, &r.Verifier, &r.Email, &r.CreatedAt); err != nil {
		return AccountRow{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// ScanIDRow maps a single int8 column.
func ScanIDRow(row pgx.Row) (IDRow, error) {
	var r IDRow
	if err := row.Scan(&r.ID); err != nil {
		return IDRow{}, err
	}
	return r, nil
}
