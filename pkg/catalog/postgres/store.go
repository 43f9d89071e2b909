// Package postgres provides PostgreSQL storage for the datasource catalog.
// The notebook application's CRUD side owns writes; the session manager
// only reads through catalog.Resolver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/duckhub/pkg/catalog"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// datasourceColumns lists columns returned by datasource SELECT queries.
var datasourceColumns = []string{
	"id", "provider", "descriptor", "logical_name", "read_only",
}

// Store implements catalog.Resolver using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL catalog store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the datasource definition for id. Unknown IDs map to
// catalog.ErrNotFound; every other failure is a connectivity error.
func (s *Store) Resolve(ctx context.Context, id string) (*catalog.Datasource, error) {
	query, args, err := psq.
		Select(datasourceColumns...).
		From("datasources").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)

	var ds catalog.Datasource
	err = row.Scan(&ds.ID, &ds.Provider, &ds.Descriptor, &ds.LogicalName, &ds.ReadOnly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying datasource %s: %w", id, err)
	}
	return &ds, nil
}

// List returns all datasource definitions ordered by ID.
func (s *Store) List(ctx context.Context) ([]*catalog.Datasource, error) {
	query, args, err := psq.
		Select(datasourceColumns...).
		From("datasources").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing datasources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.Datasource
	for rows.Next() {
		var ds catalog.Datasource
		if err := rows.Scan(&ds.ID, &ds.Provider, &ds.Descriptor, &ds.LogicalName, &ds.ReadOnly); err != nil {
			return nil, fmt.Errorf("scanning datasource: %w", err)
		}
		result = append(result, &ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating datasources: %w", err)
	}
	return result, nil
}

// Upsert adds or replaces a datasource definition.
func (s *Store) Upsert(ctx context.Context, ds *catalog.Datasource) error {
	if !ds.Provider.Valid() {
		return fmt.Errorf("catalog: unknown provider %q", ds.Provider)
	}
	if err := catalog.ValidateLogicalName(ds.LogicalName); err != nil {
		return fmt.Errorf("%w: %q", catalog.ErrInvalidLogicalName, ds.LogicalName)
	}

	query, args, err := psq.
		Insert("datasources").
		Columns(datasourceColumns...).
		Values(ds.ID, ds.Provider, ds.Descriptor, ds.LogicalName, ds.ReadOnly).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			descriptor = EXCLUDED.descriptor,
			logical_name = EXCLUDED.logical_name,
			read_only = EXCLUDED.read_only`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting datasource %s: %w", ds.ID, err)
	}
	return nil
}

// Delete removes a datasource definition. Deleting an unknown ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	query, args, err := psq.Delete("datasources").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting datasource %s: %w", id, err)
	}
	return nil
}
