package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeTx embeds the pgx.Tx interface so only the methods the pool uses
// need real implementations.
type fakeTx struct {
	pgx.Tx
	row       pgx.Row
	execErr   error
	commitErr error
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.row
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), t.execErr
}

func (t *fakeTx) Commit(ctx context.Context) error   { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	begin  func() (pgx.Tx, error)
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	if c.begin != nil {
		return c.begin()
	}
	return &fakeTx{row: fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}}, nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func newFakePool(t *testing.T, cfg Config, dial func(ctx context.Context) (querier, error)) *Pool {
	t.Helper()
	p, err := newPool(context.Background(), cfg, testLogger(), dial)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func healthyDialer() func(ctx context.Context) (querier, error) {
	return func(ctx context.Context) (querier, error) {
		return &fakeConn{}, nil
	}
}

func TestQueryMapsFirstRow(t *testing.T) {
	conn := &fakeConn{begin: func() (pgx.Tx, error) {
		return &fakeTx{row: fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 7
			*(dest[1].(*string)) = "alice"
			*(dest[2].(*string)) = "salt"
			*(dest[3].(*string)) = "verifier"
			*(dest[4].(**string)) = nil
			*(dest[5].(*time.Time)) = time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
			return nil
		}}}, nil
	}}
	p := newFakePool(t, Config{Size: 1, Workers: 1}, func(ctx context.Context) (querier, error) {
		return conn, nil
	})

	stmt := NewStatement(StmtSelectAccountByUsername).SetParam(0, "alice")
	row, err := Query(context.Background(), p, stmt, ScanAccountRow)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if row == nil || row.ID != 7 || row.Username != "alice" {
		t.Fatalf("row = %+v", row)
	}
	if row.CreatedAt.Location() != time.UTC {
		t.Errorf("timestamp not normalised to UTC: %v", row.CreatedAt.Location())
	}
}

func TestQueryEmptyResult(t *testing.T) {
	p := newFakePool(t, Config{Size: 1, Workers: 1}, healthyDialer())

	row, err := Query(context.Background(), p, NewStatement(StmtSelectAccountByUsername), ScanAccountRow)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if row != nil {
		t.Errorf("expected nil row for empty result, got %+v", row)
	}
}

func TestExecNothingRow(t *testing.T) {
	p := newFakePool(t, Config{Size: 1, Workers: 1}, healthyDialer())

	res := <-ExecAsync(context.Background(), p, NewStatement(StmtHealthCheck))
	if res.Err != nil {
		t.Fatalf("ExecAsync: %v", res.Err)
	}
	if res.Row == nil {
		t.Error("successful exec should yield a NothingRow value")
	}
}

func TestPoolAccountingInvariant(t *testing.T) {
	p := newFakePool(t, Config{Size: 3, Workers: 3}, healthyDialer())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Query(context.Background(), p, NewStatement(StmtHealthCheck), ScanIDRow)
		}()
	}
	wg.Wait()

	s := p.Stats()
	if s.Idle+s.InFlight != s.Size {
		t.Errorf("idle(%d) + inflight(%d) != size(%d)", s.Idle, s.InFlight, s.Size)
	}
	if s.Idle != 3 {
		t.Errorf("all connections should be back in the queue, idle = %d", s.Idle)
	}
}

func TestConnectionLostSurfacesAndRecreates(t *testing.T) {
	var dials atomic.Int32
	broken := &fakeConn{}
	broken.begin = func() (pgx.Tx, error) {
		broken.Close(context.Background())
		return nil, &net.OpError{Op: "read", Err: errors.New("connection reset")}
	}

	dial := func(ctx context.Context) (querier, error) {
		if dials.Add(1) == 1 {
			return broken, nil
		}
		return &fakeConn{}, nil
	}
	p := newFakePool(t, Config{Size: 1, Workers: 1}, dial)

	_, err := Query(context.Background(), p, NewStatement(StmtHealthCheck), ScanIDRow)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", err)
	}

	// The pool re-creates the connection in the background; the next call
	// must succeed against the replacement.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Query(ctx, p, NewStatement(StmtHealthCheck), ScanIDRow); err != nil {
		t.Fatalf("query after reconnect: %v", err)
	}
	if dials.Load() < 2 {
		t.Errorf("expected a reconnect dial, got %d dials", dials.Load())
	}
	if got := p.Stats().Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestAcquireRespectsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	conn := &fakeConn{begin: func() (pgx.Tx, error) {
		return &fakeTx{row: fakeRow{scan: func(dest ...any) error {
			<-release
			return pgx.ErrNoRows
		}}}, nil
	}}
	p := newFakePool(t, Config{Size: 1, Workers: 2}, func(ctx context.Context) (querier, error) {
		return conn, nil
	})

	// Occupy the only connection.
	first := QueryAsync(context.Background(), p, NewStatement(StmtHealthCheck), ScanIDRow)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Query(ctx, p, NewStatement(StmtHealthCheck), ScanIDRow)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	close(release)
	if res := <-first; res.Err != nil {
		t.Errorf("first query failed: %v", res.Err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	p, err := newPool(context.Background(), Config{Size: 1, Workers: 1}, testLogger(), healthyDialer())
	if err != nil {
		t.Fatal(err)
	}
	p.Shutdown(context.Background())
	p.Shutdown(context.Background()) // re-entrant

	if _, err := Query(context.Background(), p, NewStatement(StmtHealthCheck), ScanIDRow); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestStatementParams(t *testing.T) {
	stmt := NewStatement("X").SetParam(2, "c").SetParam(0, "a").SetNull(1)
	args := stmt.Args()
	if len(args) != 3 {
		t.Fatalf("len(args) = %d", len(args))
	}
	if args[0] != "a" || args[1] != nil || args[2] != "c" {
		t.Errorf("args = %v", args)
	}
}
