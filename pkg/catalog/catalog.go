// Package catalog resolves datasource identifiers to the connection
// metadata needed to attach them to an analytical engine. It defines the
// Resolver interface consumed by the session manager and the Datasource
// type shared across the platform.
package catalog

import (
	"context"
	"errors"
	"regexp"
)

// Provider identifies the kind of external datasource.
type Provider string

const (
	// ProviderPostgres is a PostgreSQL database attached via the postgres scanner.
	ProviderPostgres Provider = "postgres"

	// ProviderMySQL is a MySQL database attached via the mysql scanner.
	ProviderMySQL Provider = "mysql"

	// ProviderSQLite is a SQLite database file.
	ProviderSQLite Provider = "sqlite"

	// ProviderDuckDB is a DuckDB database file.
	ProviderDuckDB Provider = "duckdb"

	// ProviderCSV is a flat CSV file exposed as a single-table database.
	ProviderCSV Provider = "csv"

	// ProviderParquet is a Parquet file (local or HTTP) exposed as a
	// single-table database.
	ProviderParquet Provider = "parquet"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderPostgres, ProviderMySQL, ProviderSQLite, ProviderDuckDB,
		ProviderCSV, ProviderParquet:
		return true
	}
	return false
}

// FlatNamespace reports whether the provider's attached database exposes
// tables directly under the logical database name, with no schema level of
// its own. Generated SQL that assumes three-level addressing must be
// rewritten for these providers (see pkg/rewrite).
func (p Provider) FlatNamespace() bool {
	switch p {
	case ProviderSQLite, ProviderCSV, ProviderParquet:
		return true
	}
	return false
}

// Datasource describes one external datasource known to the platform.
type Datasource struct {
	// ID is the platform-wide datasource identifier.
	ID string `json:"id"`

	// Provider is the datasource kind.
	Provider Provider `json:"provider"`

	// Descriptor is the provider-specific connection descriptor: a DSN for
	// postgres/mysql, a file path or URL for file-backed providers.
	Descriptor string `json:"descriptor"`

	// LogicalName is the name under which the datasource's tables are
	// addressed once attached. Must be a plain SQL identifier.
	LogicalName string `json:"logical_name"`

	// ReadOnly requests a read-only attach where the provider supports it.
	ReadOnly bool `json:"read_only"`
}

var (
	// ErrNotFound is returned when a datasource ID is unknown to the
	// catalog. Callers use it to distinguish a bad ID from a connectivity
	// failure reaching the catalog itself.
	ErrNotFound = errors.New("catalog: datasource not found")

	// ErrInvalidLogicalName is returned for logical names that are not
	// plain SQL identifiers.
	ErrInvalidLogicalName = errors.New("catalog: invalid logical name")
)

// logicalNamePattern restricts logical names to plain identifiers so they
// can be quoted into ATTACH statements without escaping concerns.
var logicalNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateLogicalName checks that name is usable as a logical database name.
func ValidateLogicalName(name string) error {
	if !logicalNamePattern.MatchString(name) {
		return ErrInvalidLogicalName
	}
	return nil
}

// Resolver resolves datasource IDs to their definitions. Implementations
// must return ErrNotFound (possibly wrapped) for unknown IDs and a distinct
// error for connectivity failures. Resolvers are safe for concurrent use.
type Resolver interface {
	// Resolve returns the datasource definition for id.
	Resolve(ctx context.Context, id string) (*Datasource, error)
}
