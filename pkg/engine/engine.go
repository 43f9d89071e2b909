// Package engine defines the analytical engine abstraction the session
// manager drives. DuckDB implements it (pkg/engine/duckdb); tests use
// in-memory fakes.
package engine

import (
	"context"
	"errors"
)

// Result represents the result of a query.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Count   int      `json:"count"`
}

// Conn is a single connection into an engine instance. A Conn is not safe
// for concurrent use; the session pool hands each one to a single borrower
// at a time.
type Conn interface {
	// Query runs a statement that produces rows.
	Query(ctx context.Context, sql string) (*Result, error)

	// Exec runs a statement that produces no rows (ATTACH, DETACH, SET).
	Exec(ctx context.Context, sql string) error

	// Close releases the connection.
	Close() error
}

// Engine is one analytical engine instance. Attached databases are
// instance-level state: an ATTACH issued on any Conn is visible to every
// other Conn of the same Engine.
type Engine interface {
	// Connect opens a new connection into the instance.
	Connect(ctx context.Context) (Conn, error)

	// Close tears the instance down.
	Close() error
}

// Opener creates a fresh engine instance. The session registry calls it
// once per session key.
type Opener func(ctx context.Context) (Engine, error)

// ErrClosed is returned when using an engine or connection after Close.
var ErrClosed = errors.New("engine: closed")
