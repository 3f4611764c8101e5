// Package testutil provides a stub database/sql driver that records the
// statements it receives and answers them with canned rows.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Result is a canned answer for one query.
type Result struct {
	Columns []string
	Rows    [][]driver.Value
	// Err is returned by QueryContext; RowsErr after the last row.
	Err     error
	RowsErr error
}

// Query is a statement received by the stub.
type Query struct {
	SQL  string
	Args []any
}

// StubConn records queries and answers them from Results. A Results key is
// matched as a substring of the SQL text; Default answers everything else.
type StubConn struct {
	mu       sync.Mutex
	Queries  []Query
	Results  map[string]Result
	Default  Result
	FailPing bool
}

// NewStubDB registers a sql.DB backed by a stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Results: make(map[string]Result)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Respond sets the canned result for statements containing fragment.
func (c *StubConn) Respond(fragment string, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Results[fragment] = res
}

// Recorded returns a copy of the statements received so far.
func (c *StubConn) Recorded() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Query(nil), c.Queries...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return nil, fmt.Errorf("read-only stub") }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	recorded := Query{SQL: query, Args: make([]any, len(args))}
	for i, a := range args {
		recorded.Args[i] = a.Value
	}
	c.Queries = append(c.Queries, recorded)

	res := c.Default
	best := -1
	for fragment, candidate := range c.Results {
		if strings.Contains(query, fragment) && len(fragment) > best {
			res, best = candidate, len(fragment)
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	cols := res.Columns
	if cols == nil && len(res.Rows) > 0 {
		cols = make([]string, len(res.Rows[0]))
		for i := range cols {
			cols[i] = fmt.Sprintf("col%d", i+1)
		}
	}
	return &stubRows{cols: cols, rows: res.Rows, err: res.RowsErr}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
