// Package diagnose turns catalog-class query failures into actionable
// reports: which logical databases are actually attached, and which tables
// the expected one contains.
package diagnose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/txn2/duckhub/pkg/attach"
	"github.com/txn2/duckhub/pkg/engine"
)

// Report describes the attachment state gathered after a failed query.
type Report struct {
	// ExpectedDatabase is the logical database the caller meant to query.
	ExpectedDatabase string `json:"expected_database"`

	// ExpectedAttached reports whether the expected database is attached.
	ExpectedAttached bool `json:"expected_attached"`

	// Attached lists the logical databases currently attached.
	Attached []string `json:"attached"`

	// Tables lists the tables of the expected database, when it is
	// attached and listing succeeded.
	Tables []string `json:"tables,omitempty"`
}

// catalogErrorMarkers are substrings DuckDB uses for missing-object errors.
var catalogErrorMarkers = []string{
	"does not exist",
	"Catalog Error",
	"not found in",
}

// IsCatalogError reports whether err looks like a missing table/database
// condition rather than a general execution failure.
func IsCatalogError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range catalogErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Explain gathers the attached-database and table listings for a failed
// query. It never fails: secondary errors while gathering are logged at
// debug level and omitted from the report.
func Explain(ctx context.Context, conn engine.Conn, expectedDatabase string) *Report {
	report := &Report{ExpectedDatabase: expectedDatabase}

	attached, err := attach.ListAttached(ctx, conn)
	if err != nil {
		slog.Debug("diagnose: listing attached databases failed", "error", err)
		return report
	}
	report.Attached = attached

	for _, name := range attached {
		if name == expectedDatabase {
			report.ExpectedAttached = true
			break
		}
	}
	if !report.ExpectedAttached {
		return report
	}

	tables, err := attach.ListTables(ctx, conn, expectedDatabase)
	if err != nil {
		slog.Debug("diagnose: listing tables failed",
			"database", expectedDatabase, "error", err)
		return report
	}
	report.Tables = tables
	return report
}

// Message renders the report as a single human-readable line suitable for
// surfacing to an agent or UI.
func (r *Report) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "query failed against database %q", r.ExpectedDatabase)

	if len(r.Attached) == 0 {
		b.WriteString("; no databases are attached")
		return b.String()
	}

	fmt.Fprintf(&b, "; attached databases: %s", strings.Join(r.Attached, ", "))
	if !r.ExpectedAttached {
		fmt.Fprintf(&b, "; %q is not attached", r.ExpectedDatabase)
		return b.String()
	}
	if len(r.Tables) > 0 {
		fmt.Fprintf(&b, "; tables in %q: %s", r.ExpectedDatabase, strings.Join(r.Tables, ", "))
	}
	return b.String()
}
