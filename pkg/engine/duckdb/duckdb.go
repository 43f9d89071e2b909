// Package duckdb provides a DuckDB implementation of the engine
// abstraction, backed by database/sql and the go-duckdb driver.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" driver

	"github.com/txn2/duckhub/pkg/engine"
)

// Config holds DuckDB instance configuration.
type Config struct {
	// Path is the database file. Empty opens an in-memory instance, which
	// is the normal mode for notebook sessions.
	Path string

	// MemoryLimit caps instance memory, e.g. "512MB". Empty uses the
	// DuckDB default.
	MemoryLimit string

	// Threads caps the number of worker threads. Zero uses the default.
	Threads int

	// ExtensionDir overrides where extensions are installed.
	ExtensionDir string

	// DisableExtensionAutoinstall blocks network fetches of known
	// extensions. Attaching postgres/mysql sources requires the scanner
	// extensions to be preinstalled when this is set.
	DisableExtensionAutoinstall bool
}

// Engine implements engine.Engine over one DuckDB instance.
type Engine struct {
	// mu guards db; a borrow can race session eviction.
	mu sync.Mutex
	db *sql.DB
}

// Open creates a DuckDB instance and applies instance settings.
func Open(cfg Config) (*Engine, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	for _, stmt := range settingStatements(cfg) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", stmt, err)
		}
	}

	return &Engine{db: db}, nil
}

// settingStatements builds the SET statements for cfg.
func settingStatements(cfg Config) []string {
	var stmts []string
	if cfg.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit = '%s'", escapeLiteral(cfg.MemoryLimit)))
	}
	if cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads = %d", cfg.Threads))
	}
	if cfg.ExtensionDir != "" {
		stmts = append(stmts, fmt.Sprintf("SET extension_directory = '%s'", escapeLiteral(cfg.ExtensionDir)))
	}
	if cfg.DisableExtensionAutoinstall {
		stmts = append(stmts,
			"SET autoinstall_known_extensions = false",
			"SET autoload_known_extensions = false")
	}
	return stmts
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Connect opens a new connection into the instance.
func (e *Engine) Connect(ctx context.Context) (engine.Conn, error) {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	if db == nil {
		return nil, engine.ErrClosed
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb connection: %w", err)
	}
	return &dbConn{conn: conn}, nil
}

// Close tears the instance down. Outstanding connections are invalidated.
func (e *Engine) Close() error {
	e.mu.Lock()
	db := e.db
	e.db = nil
	e.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// dbConn adapts *sql.Conn to engine.Conn.
type dbConn struct {
	conn *sql.Conn
}

func (c *dbConn) Query(ctx context.Context, query string) (*engine.Result, error) {
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRows(rows)
}

func (c *dbConn) Exec(ctx context.Context, query string) error {
	_, err := c.conn.ExecContext(ctx, query)
	return err
}

func (c *dbConn) Close() error {
	return c.conn.Close()
}

// collectRows drains rows into an engine.Result.
func collectRows(rows *sql.Rows) (*engine.Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	result := &engine.Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			// Drivers hand back []byte for text columns; normalize so
			// results JSON-encode as strings rather than base64.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.Count = len(result.Rows)
	return result, nil
}
