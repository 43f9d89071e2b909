// Package attach issues provider-specific ATTACH and DETACH statements
// against a DuckDB engine connection and inspects the attached set.
package attach

import (
	"context"
	"fmt"
	"strings"

	"github.com/txn2/duckhub/pkg/catalog"
	"github.com/txn2/duckhub/pkg/engine"
)

// Attach makes the datasource's tables visible under its logical name.
// Depending on the provider this is a single ATTACH or an attach-plus-view
// sequence for flat files.
func Attach(ctx context.Context, conn engine.Conn, ds *catalog.Datasource) error {
	stmts, err := Statements(ds)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("attaching %s as %q: %w", ds.ID, ds.LogicalName, err)
		}
	}
	return nil
}

// Detach removes an attached logical database. Detaching a name that is not
// attached is a no-op.
func Detach(ctx context.Context, conn engine.Conn, logicalName string) error {
	if err := catalog.ValidateLogicalName(logicalName); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DETACH DATABASE IF EXISTS %s", quoteIdent(logicalName))
	if err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("detaching %q: %w", logicalName, err)
	}
	return nil
}

// Statements builds the SQL sequence that attaches ds. Exposed for tests
// and for logging at debug level.
func Statements(ds *catalog.Datasource) ([]string, error) {
	if err := catalog.ValidateLogicalName(ds.LogicalName); err != nil {
		return nil, fmt.Errorf("%w: %q", catalog.ErrInvalidLogicalName, ds.LogicalName)
	}

	name := quoteIdent(ds.LogicalName)
	descriptor := quoteLiteral(ds.Descriptor)

	switch ds.Provider {
	case catalog.ProviderPostgres:
		return []string{attachStmt(descriptor, name, "postgres", ds.ReadOnly)}, nil
	case catalog.ProviderMySQL:
		return []string{attachStmt(descriptor, name, "mysql", ds.ReadOnly)}, nil
	case catalog.ProviderSQLite:
		return []string{attachStmt(descriptor, name, "sqlite", ds.ReadOnly)}, nil
	case catalog.ProviderDuckDB:
		return []string{attachStmt(descriptor, name, "", ds.ReadOnly)}, nil
	case catalog.ProviderCSV:
		return []string{
			fmt.Sprintf("ATTACH ':memory:' AS %s", name),
			fmt.Sprintf("CREATE OR REPLACE VIEW %s.data AS SELECT * FROM read_csv_auto(%s)",
				name, descriptor),
		}, nil
	case catalog.ProviderParquet:
		return []string{
			fmt.Sprintf("ATTACH ':memory:' AS %s", name),
			fmt.Sprintf("CREATE OR REPLACE VIEW %s.data AS SELECT * FROM read_parquet(%s)",
				name, descriptor),
		}, nil
	default:
		return nil, fmt.Errorf("attach: unsupported provider %q", ds.Provider)
	}
}

// attachStmt renders one ATTACH with optional TYPE and READ_ONLY options.
func attachStmt(descriptor, name, dbType string, readOnly bool) string {
	var opts []string
	if dbType != "" {
		opts = append(opts, "TYPE "+dbType)
	}
	if readOnly {
		opts = append(opts, "READ_ONLY")
	}
	if len(opts) == 0 {
		return fmt.Sprintf("ATTACH %s AS %s", descriptor, name)
	}
	return fmt.Sprintf("ATTACH %s AS %s (%s)", descriptor, name, strings.Join(opts, ", "))
}

// ListAttached returns the logical names of all attached databases,
// excluding DuckDB-internal catalogs.
func ListAttached(ctx context.Context, conn engine.Conn) ([]string, error) {
	result, err := conn.Query(ctx,
		"SELECT database_name FROM duckdb_databases() WHERE NOT internal ORDER BY database_name")
	if err != nil {
		return nil, fmt.Errorf("listing attached databases: %w", err)
	}
	return firstColumnStrings(result), nil
}

// ListTables returns the table and view names of one attached database.
func ListTables(ctx context.Context, conn engine.Conn, logicalName string) ([]string, error) {
	if err := catalog.ValidateLogicalName(logicalName); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(
		"SELECT table_name FROM information_schema.tables WHERE table_catalog = %s ORDER BY table_name",
		quoteLiteral(logicalName))
	result, err := conn.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("listing tables of %q: %w", logicalName, err)
	}
	return firstColumnStrings(result), nil
}

func firstColumnStrings(result *engine.Result) []string {
	names := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) == 0 {
			continue
		}
		if s, ok := row[0].(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
