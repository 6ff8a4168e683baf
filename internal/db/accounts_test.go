package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestAccountStoreFindMissing(t *testing.T) {
	p := newFakePool(t, Config{Size: 1, Workers: 1}, healthyDialer())
	store := NewAccountStore(p)

	row, err := store.FindAccount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("FindAccount: %v", err)
	}
	if row != nil {
		t.Errorf("missing account should be nil, got %+v", row)
	}
}

func TestAccountStoreFindPresent(t *testing.T) {
	conn := &fakeConn{begin: func() (pgx.Tx, error) {
		return &fakeTx{row: fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 42
			*(dest[1].(*string)) = "alice"
			*(dest[2].(*string)) = "00112233"
			*(dest[3].(*string)) = "ABCDEF"
			email := "alice@example.com"
			*(dest[4].(**string)) = &email
			*(dest[5].(*time.Time)) = time.Now()
			return nil
		}}}, nil
	}}
	p := newFakePool(t, Config{Size: 1, Workers: 1}, func(ctx context.Context) (querier, error) {
		return conn, nil
	})
	store := NewAccountStore(p)

	row, err := store.FindAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindAccount: %v", err)
	}
	if row == nil || row.ID != 42 || row.Salt != "00112233" || row.Email == nil {
		t.Errorf("row = %+v", row)
	}
}

func TestAccountStoreInsertReturnsID(t *testing.T) {
	conn := &fakeConn{begin: func() (pgx.Tx, error) {
		return &fakeTx{row: fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 7
			return nil
		}}}, nil
	}}
	p := newFakePool(t, Config{Size: 1, Workers: 1}, func(ctx context.Context) (querier, error) {
		return conn, nil
	})
	store := NewAccountStore(p)

	id, err := store.InsertAccount(context.Background(), "bob", "salt", "verifier")
	if err != nil {
		t.Fatalf("InsertAccount: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d", id)
	}
}
