// Package enginetest provides in-memory fakes of the engine abstraction
// for tests across the module.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/txn2/duckhub/pkg/engine"
)

// FakeEngine implements engine.Engine, recording every statement executed
// on any of its connections.
type FakeEngine struct {
	mu sync.Mutex

	// ConnectErr, when set, fails Connect.
	ConnectErr error

	// ExecErrs maps a statement substring to the error Exec returns for
	// statements containing it.
	ExecErrs map[string]error

	// QueryResults maps a statement substring to the canned result Query
	// returns for statements containing it.
	QueryResults map[string]*engine.Result

	// QueryErrs maps a statement substring to the error Query returns.
	QueryErrs map[string]error

	execed   []string
	queried  []string
	conns    int
	closed   bool
	connOpen int
}

// NewFakeEngine creates an empty fake engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		ExecErrs:     make(map[string]error),
		QueryResults: make(map[string]*engine.Result),
		QueryErrs:    make(map[string]error),
	}
}

// Connect opens a fake connection.
func (f *FakeEngine) Connect(_ context.Context) (engine.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, engine.ErrClosed
	}
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	f.conns++
	f.connOpen++
	return &fakeConn{eng: f}, nil
}

// Close marks the engine closed.
func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Execed returns all statements executed via Exec, in order.
func (f *FakeEngine) Execed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execed...)
}

// Queried returns all statements executed via Query, in order.
func (f *FakeEngine) Queried() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queried...)
}

// ExecedMatching counts executed statements containing substr.
func (f *FakeEngine) ExecedMatching(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, stmt := range f.execed {
		if strings.Contains(stmt, substr) {
			n++
		}
	}
	return n
}

// Connections returns how many connections were ever opened.
func (f *FakeEngine) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

// OpenConnections returns how many connections are currently open.
func (f *FakeEngine) OpenConnections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connOpen
}

// Closed reports whether Close was called.
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConn struct {
	eng    *FakeEngine
	closed bool
}

func (c *fakeConn) Exec(ctx context.Context, stmt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	c.eng.execed = append(c.eng.execed, stmt)
	for substr, err := range c.eng.ExecErrs {
		if strings.Contains(stmt, substr) {
			return err
		}
	}
	return nil
}

func (c *fakeConn) Query(ctx context.Context, stmt string) (*engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.closed {
		return nil, engine.ErrClosed
	}
	c.eng.queried = append(c.eng.queried, stmt)
	for substr, err := range c.eng.QueryErrs {
		if strings.Contains(stmt, substr) {
			return nil, err
		}
	}
	for substr, result := range c.eng.QueryResults {
		if strings.Contains(stmt, substr) {
			return result, nil
		}
	}
	return &engine.Result{Columns: []string{}, Rows: [][]any{}}, nil
}

func (c *fakeConn) Close() error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.closed {
		return fmt.Errorf("enginetest: double close")
	}
	c.closed = true
	c.eng.connOpen--
	return nil
}

// SingleColumn builds a one-column result from values, the shape returned
// by duckdb_databases() and information_schema listings.
func SingleColumn(column string, values ...string) *engine.Result {
	rows := make([][]any, 0, len(values))
	for _, v := range values {
		rows = append(rows, []any{v})
	}
	return &engine.Result{Columns: []string{column}, Rows: rows, Count: len(rows)}
}
