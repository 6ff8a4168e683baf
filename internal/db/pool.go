// Package db provides a fixed-size pool of prepared Postgres connections
// with a worker pool for offloading blocking statement execution. Session
// handlers reach it through the asynchronous Query/Exec API; the blocking
// variants are thin wrappers over the same path.
package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrPoolClosed is returned once Shutdown has begun.
	ErrPoolClosed = errors.New("db pool closed")
	// ErrConnectionLost marks a statement that failed because its
	// connection broke mid-query. The pool re-creates the connection
	// behind the scenes; the failed call is not retried.
	ErrConnectionLost = errors.New("db connection lost")
)

// querier is the slice of *pgx.Conn the pool depends on. Tests inject
// fakes through it.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	IsClosed() bool
	Close(ctx context.Context) error
}

// Config carries pool construction parameters.
type Config struct {
	ConnInfo       string
	Size           int
	Workers        int
	ConnectTimeout time.Duration
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Size       int   `json:"size"`
	Idle       int   `json:"idle"`
	InFlight   int   `json:"in_flight"`
	Waiting    int   `json:"waiting"`
	Reconnects int64 `json:"reconnects_total"`
}

type poolConn struct {
	conn      querier
	createdAt time.Time
}

// Pool owns Size prepared connections and Workers background executors.
// Connections are lent FIFO; a lent connection is always returned, either
// to the idle queue or to a background re-creation.
type Pool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	idle       []*poolConn
	inflight   int
	waiting    int
	reconnects int64
	closed     bool

	cfg    Config
	dial   func(ctx context.Context) (querier, error)
	jobs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger

	// OnQuery, when set before use, observes every statement execution.
	OnQuery func(statement string, d time.Duration)
}

// New opens cfg.Size connections, installs every prepared statement on
// each, and starts the worker pool. It fails if any initial connection
// cannot be established.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Pool, error) {
	return newPool(ctx, cfg, log, nil)
}

// newPool backs New; tests pass their own dialer.
func newPool(ctx context.Context, cfg Config, log *slog.Logger, dial func(ctx context.Context) (querier, error)) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.Size
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		jobs:   make(chan func()),
		stopCh: make(chan struct{}),
		log:    log,
	}
	p.cond = sync.NewCond(&p.mu)
	if dial == nil {
		dial = p.dialPgx
	}
	p.dial = dial

	for i := 0; i < cfg.Size; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		conn, err := p.dial(dialCtx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.closeIdleLocked(context.Background())
			p.mu.Unlock()
			return nil, fmt.Errorf("opening connection %d/%d: %w", i+1, cfg.Size, err)
		}
		p.idle = append(p.idle, &poolConn{conn: conn, createdAt: time.Now()})
		log.Info("db connection established", "index", i+1, "total", cfg.Size)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

func (p *Pool) dialPgx(ctx context.Context) (querier, error) {
	conn, err := pgx.Connect(ctx, p.cfg.ConnInfo)
	if err != nil {
		return nil, err
	}
	for name, sql := range statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("preparing %s: %w", name, err)
		}
	}
	return conn, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.stopCh:
			return
		}
	}
}

// submit queues a job for the worker pool. It reports false once the
// pool is shutting down.
func (p *Pool) submit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	case <-p.stopCh:
		return false
	}
}

// acquire lends the connection at the front of the idle queue, blocking
// until one is available, the context ends, or the pool closes.
func (p *Pool) acquire(ctx context.Context) (*poolConn, error) {
	stop := context.AfterFunc(ctx, func() {
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(p.idle) > 0 {
			pc := p.idle[0]
			p.idle = p.idle[1:]
			p.inflight++
			return pc, nil
		}
		p.waiting++
		p.cond.Wait()
		p.waiting--
	}
}

// release returns a healthy lent connection to the back of the queue.
func (p *Pool) release(pc *poolConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.closed {
		go pc.conn.Close(context.Background())
		return
	}
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

// recreate discards a broken lent connection and restores pool capacity
// in the background, retrying until it succeeds or the pool closes.
// Callers see only ErrConnectionLost; the replacement is opaque.
func (p *Pool) recreate(pc *poolConn) {
	go pc.conn.Close(context.Background())

	p.mu.Lock()
	p.inflight--
	p.reconnects++
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	go func() {
		backoff := 250 * time.Millisecond
		for {
			select {
			case <-p.stopCh:
				return
			default:
			}

			dialCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
			conn, err := p.dial(dialCtx)
			cancel()
			if err == nil {
				p.mu.Lock()
				if p.closed {
					p.mu.Unlock()
					_ = conn.Close(context.Background())
					return
				}
				p.idle = append(p.idle, &poolConn{conn: conn, createdAt: time.Now()})
				p.cond.Signal()
				p.mu.Unlock()
				p.log.Info("db connection re-established")
				return
			}

			p.log.Warn("db reconnect failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-p.stopCh:
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (p *Pool) closeIdleLocked(ctx context.Context) {
	for _, pc := range p.idle {
		_ = pc.conn.Close(ctx)
	}
	p.idle = nil
}

// Stats returns a snapshot of pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:       p.cfg.Size,
		Idle:       len(p.idle),
		InFlight:   p.inflight,
		Waiting:    p.waiting,
		Reconnects: p.reconnects,
	}
}

// Ping runs the health-check statement through the normal execution path.
func (p *Pool) Ping(ctx context.Context) error {
	stmt := NewStatement(StmtHealthCheck)
	_, err := Query(ctx, p, stmt, ScanIDRow)
	return err
}

// Shutdown stops the workers, waits for in-flight jobs, and disconnects
// every idle connection. Lent connections are closed as they come back.
// Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.closeIdleLocked(ctx)
	p.mu.Unlock()
	p.log.Info("db pool shut down")
}

// Result delivers the outcome of an asynchronous statement execution.
type Result[R any] struct {
	Row *R
	Err error
}

// RowFunc maps the first result row into a typed value.
type RowFunc[R any] func(pgx.Row) (R, error)

// QueryAsync schedules stmt on the worker pool and returns a channel that
// delivers the first mapped row (nil for an empty result) once the work
// completes. The channel is buffered; abandoning it does not leak.
func QueryAsync[R any](ctx context.Context, p *Pool, stmt *Statement, scan RowFunc[R]) <-chan Result[R] {
	ch := make(chan Result[R], 1)
	ok := p.submit(func() {
		row, err := runQuery(ctx, p, stmt, scan)
		ch <- Result[R]{Row: row, Err: err}
	})
	if !ok {
		ch <- Result[R]{Err: ErrPoolClosed}
	}
	return ch
}

// Query is the blocking form of QueryAsync; it runs through the same
// worker path rather than a parallel one.
func Query[R any](ctx context.Context, p *Pool, stmt *Statement, scan RowFunc[R]) (*R, error) {
	res := <-QueryAsync(ctx, p, stmt, scan)
	return res.Row, res.Err
}

// ExecAsync schedules a statement without result rows.
func ExecAsync(ctx context.Context, p *Pool, stmt *Statement) <-chan Result[NothingRow] {
	ch := make(chan Result[NothingRow], 1)
	ok := p.submit(func() {
		err := runExec(ctx, p, stmt)
		if err != nil {
			ch <- Result[NothingRow]{Err: err}
			return
		}
		ch <- Result[NothingRow]{Row: &NothingRow{}}
	})
	if !ok {
		ch <- Result[NothingRow]{Err: ErrPoolClosed}
	}
	return ch
}

// Exec is the blocking form of ExecAsync.
func Exec(ctx context.Context, p *Pool, stmt *Statement) error {
	res := <-ExecAsync(ctx, p, stmt)
	return res.Err
}

func runQuery[R any](ctx context.Context, p *Pool, stmt *Statement, scan RowFunc[R]) (*R, error) {
	if p.OnQuery != nil {
		start := time.Now()
		defer func() { p.OnQuery(stmt.Name, time.Since(start)) }()
	}

	pc, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := pc.conn.Begin(ctx)
	if err != nil {
		return nil, p.fail(pc, fmt.Errorf("begin: %w", err))
	}

	row := tx.QueryRow(ctx, stmt.Name, stmt.Args()...)
	mapped, err := scan(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return nil, p.fail(pc, fmt.Errorf("%s: %w", stmt.Name, err))
	}
	empty := errors.Is(err, pgx.ErrNoRows)

	if err := tx.Commit(ctx); err != nil {
		return nil, p.fail(pc, fmt.Errorf("commit %s: %w", stmt.Name, err))
	}
	p.release(pc)

	if empty {
		return nil, nil
	}
	return &mapped, nil
}

func runExec(ctx context.Context, p *Pool, stmt *Statement) error {
	if p.OnQuery != nil {
		start := time.Now()
		defer func() { p.OnQuery(stmt.Name, time.Since(start)) }()
	}

	pc, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	tx, err := pc.conn.Begin(ctx)
	if err != nil {
		return p.fail(pc, fmt.Errorf("begin: %w", err))
	}
	if _, err := tx.Exec(ctx, stmt.Name, stmt.Args()...); err != nil {
		_ = tx.Rollback(ctx)
		return p.fail(pc, fmt.Errorf("%s: %w", stmt.Name, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return p.fail(pc, fmt.Errorf("commit %s: %w", stmt.Name, err))
	}
	p.release(pc)
	return nil
}

// fail routes an execution error: broken connections are replaced and
// surfaced as ErrConnectionLost, everything else returns the connection
// to the queue and passes the SQL error through.
func (p *Pool) fail(pc *poolConn, err error) error {
	if isConnectionLost(pc, err) {
		p.log.Warn("db connection broken, re-creating", "err", err)
		p.recreate(pc)
		return fmt.Errorf("%v: %w", err, ErrConnectionLost)
	}
	p.release(pc)
	return err
}

func isConnectionLost(pc *poolConn, err error) bool {
	if pc.conn.IsClosed() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
