// Package rewrite adjusts generated SQL for providers whose attached
// databases expose tables directly under the logical database name.
//
// SQL generators assume three-level "database"."schema"."table" addressing,
// but flat-namespace attachments (sqlite, csv, parquet) have no schema
// level: DuckDB only synthesizes a "main" segment. The rewriter collapses
// that segment, anchored to the known logical database name, so the query
// resolves against what the engine actually exposes.
package rewrite

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/txn2/duckhub/pkg/catalog"
)

// defaultCacheSize bounds the compiled-pattern cache. Patterns are keyed by
// logical database name, so this is effectively a bound on distinct
// datasources seen by one process.
const defaultCacheSize = 512

// Rewriter applies the schema-collapse transform. It is stateless apart
// from a cache of compiled patterns and safe for concurrent use.
type Rewriter struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

// New creates a Rewriter with the default pattern cache size.
func New() (*Rewriter, error) {
	return NewWithSize(defaultCacheSize)
}

// NewWithSize creates a Rewriter with an explicit pattern cache size.
func NewWithSize(size int) (*Rewriter, error) {
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, err
	}
	return &Rewriter{patterns: cache}, nil
}

// Rewrite collapses "<name>.main." to "<name>." for flat-namespace
// providers, matching quoted and unquoted identifier variants. It is a
// no-op for other providers, idempotent, and never touches segments
// belonging to a different logical database name.
func (r *Rewriter) Rewrite(sql string, provider catalog.Provider, logicalName string) string {
	if !provider.FlatNamespace() {
		return sql
	}
	if catalog.ValidateLogicalName(logicalName) != nil {
		return sql
	}
	return r.pattern(logicalName).ReplaceAllString(sql, "$1$2.")
}

// pattern returns the compiled collapse pattern for logicalName.
func (r *Rewriter) pattern(logicalName string) *regexp.Regexp {
	if re, ok := r.patterns.Get(logicalName); ok {
		return re
	}

	name := regexp.QuoteMeta(logicalName)
	// Group 1 guards against matching a longer identifier that merely ends
	// with the logical name; group 2 captures the name itself in either
	// quoting variant. "main" may appear quoted or bare.
	re := regexp.MustCompile(
		`(^|[^A-Za-z0-9_"])("` + name + `"|` + name + `)\.(?:"main"|main)\.`)
	r.patterns.Add(logicalName, re)
	return re
}
