package db

import (
	"context"
	"fmt"
)

// AccountStore is the narrow account surface the session handlers use.
// Usernames are expected lower-cased by the caller; the original casing
// lives only in the session for display.
type AccountStore struct {
	pool *Pool
}

// NewAccountStore wraps a pool.
func NewAccountStore(pool *Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// FindAccount looks up an account by lower-cased username. A missing
// account returns (nil, nil).
func (s *AccountStore) FindAccount(ctx context.Context, lowerName string) (*AccountRow, error) {
	stmt := NewStatement(StmtSelectAccountByUsername).SetParam(0, lowerName)
	res := <-QueryAsync(ctx, s.pool, stmt, ScanAccountRow)
	return res.Row, res.Err
}

// InsertAccount registers a new account and returns its generated id.
func (s *AccountStore) InsertAccount(ctx context.Context, lowerName, saltHex, verifierHex string) (int64, error) {
	stmt := NewStatement(StmtInsertAccountByUsername).
		SetParam(0, lowerName).
		SetParam(1, saltHex).
		SetParam(2, verifierHex)
	res := <-QueryAsync(ctx, s.pool, stmt, ScanIDRow)
	if res.Err != nil {
		return 0, res.Err
	}
	if res.Row == nil {
		return 0, fmt.Errorf("%s returned no id", StmtInsertAccountByUsername)
	}
	return res.Row.ID, nil
}
