// Package postgres provides the pooled connection provider: compiled
// statements run through pgx registered as a database/sql driver, and rows
// are yielded lazily so a response can stream while the cursor is open.
package postgres

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/pkg/errors"

	"lapisgate/pkg/domain"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/loculus?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Config sizes the connection pool. Zero values keep database/sql defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Pool executes read-only statements against the sequence database.
type Pool struct {
	db *sql.DB
}

// Open creates the pool and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, domain.UpstreamError{Op: "open", Err: err}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	p := &Pool{db: db}
	if err := p.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Pool { return &Pool{db: db} }

// Ping checks that a connection can be acquired.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return domain.UpstreamError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases every pooled connection.
func (p *Pool) Close() error { return p.db.Close() }

// Query runs one statement. The returned Rows hold a pooled connection until
// Close is called or iteration ends; cancelling ctx also releases it.
func (p *Pool) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.UpstreamError{Op: "query", Err: err}
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, domain.UpstreamError{Op: "columns", Err: err}
	}
	r := &Rows{rows: rows, values: make([]any, len(cols)), ptrs: make([]any, len(cols))}
	for i := range r.values {
		r.ptrs[i] = &r.values[i]
	}
	return r, nil
}

// Rows iterates a result set one row at a time. Row returns a buffer that is
// overwritten by the next call to Next.
type Rows struct {
	rows   *sql.Rows
	values []any
	ptrs   []any
	err    error
}

// Next advances to the next row, closing the cursor at the end.
func (r *Rows) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.err = domain.UpstreamError{Op: "iterate", Err: err}
		}
		_ = r.rows.Close()
		return false
	}
	if err := r.rows.Scan(r.ptrs...); err != nil {
		r.err = domain.UpstreamError{Op: "scan", Err: errors.WithStack(err)}
		_ = r.rows.Close()
		return false
	}
	return true
}

// Row returns the current row in select order.
func (r *Rows) Row() []any { return r.values }

// Err reports the error that ended iteration.
func (r *Rows) Err() error { return r.err }

// Close releases the cursor and its connection. It is safe to call twice.
func (r *Rows) Close() error { return r.rows.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
