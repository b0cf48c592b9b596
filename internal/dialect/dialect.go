// Package dialect contains the small amount of per-backend SQL-generation
// logic the replication fabric needs: the row-limiting clause used by the
// Change Log Reader (trailing LIMIT vs leading TOP), and the bind-parameter
// style used when building INSERT/UPDATE/SELECT statements by hand.
//
// This is deliberately kept next to the Backend Registry rather than
// spread across callers, per the teacher's design note that dialect
// handling "belongs in a small dialect shim."
package dialect

import "fmt"

// Tag identifies one of the three backends by its short uppercase name.
type Tag string

// The fixed, canonical set of backend tags, in the order all_tags()
// returns them.
const (
	TagA Tag = "A"
	TagB Tag = "B"
	TagC Tag = "C"
)

// CanonicalTags is the fixed three-backend set in canonical order.
var CanonicalTags = []Tag{TagA, TagB, TagC}

// Upper returns the tag's canonical uppercase string form.
func (t Tag) Upper() string { return string(t) }

// Product names the underlying SQL engine behind a tag, for diagnostics.
type Product int

const (
	ProductUnknown Product = iota
	ProductPostgres
	ProductMySQL
	ProductSQLServer
)

func (p Product) String() string {
	switch p {
	case ProductPostgres:
		return "postgres"
	case ProductMySQL:
		return "mysql"
	case ProductSQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// Dialect captures the handful of ways the three backends' SQL surfaces
// diverge for this system's purposes: row-limiting syntax and
// bind-parameter placeholders. Timestamp and boolean encoding differences
// are handled uniformly by the Row Normalizer (internal/normalize), not
// here, since they affect values rather than SQL text.
type Dialect interface {
	Tag() Tag
	Product() Product

	// FetchUnprocessedSQL returns the full SELECT statement used by the
	// Change Log Reader to pull up to batchSize unprocessed rows, along
	// with any query arguments it requires. Dialects that can't bind a
	// row-limit parameter (SQL Server's TOP) embed the sanitized integer
	// literal directly and return no arguments for it.
	FetchUnprocessedSQL(batchSize int) (query string, args []any)

	// Placeholder returns the bind-parameter marker for the i'th
	// (1-indexed) positional argument in a hand-built statement.
	Placeholder(i int) string
}

var registry = map[Tag]Dialect{
	TagA: postgresDialect{},
	TagB: mysqlDialect{},
	TagC: sqlServerDialect{},
}

// For returns the Dialect registered for tag, or false if tag is unknown.
func For(tag Tag) (Dialect, bool) {
	d, ok := registry[tag]
	return d, ok
}

// sanitizeBatch clamps a requested batch size to a safe, strictly
// positive integer before it is embedded as a literal in SQL text (used
// only by dialects, like SQL Server's TOP, that cannot bind it as a
// parameter).
func sanitizeBatch(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

type postgresDialect struct{}

func (postgresDialect) Tag() Tag         { return TagA }
func (postgresDialect) Product() Product { return ProductPostgres }

func (postgresDialect) FetchUnprocessedSQL(batchSize int) (string, []any) {
	const q = `SELECT change_id, table_name, pk_value, op_type, row_data, source_db, created_at
FROM change_log
WHERE processed = false
ORDER BY change_id
LIMIT $1`
	return q, []any{batchSize}
}

func (postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

type mysqlDialect struct{}

func (mysqlDialect) Tag() Tag         { return TagB }
func (mysqlDialect) Product() Product { return ProductMySQL }

func (mysqlDialect) FetchUnprocessedSQL(batchSize int) (string, []any) {
	const q = `SELECT change_id, table_name, pk_value, op_type, row_data, source_db, created_at
FROM change_log
WHERE processed = 0
ORDER BY change_id
LIMIT ?`
	return q, []any{batchSize}
}

func (mysqlDialect) Placeholder(int) string { return "?" }

type sqlServerDialect struct{}

func (sqlServerDialect) Tag() Tag         { return TagC }
func (sqlServerDialect) Product() Product { return ProductSQLServer }

// FetchUnprocessedSQL embeds the batch size directly: this dialect's
// driver rejects a parameterized row count in a TOP clause, so the
// (sanitized) integer literal is interpolated instead.
func (sqlServerDialect) FetchUnprocessedSQL(batchSize int) (string, []any) {
	q := fmt.Sprintf(`SELECT TOP (%d) change_id, table_name, pk_value, op_type, row_data, source_db, created_at
FROM change_log
WHERE processed = 0
ORDER BY change_id`, sanitizeBatch(batchSize))
	return q, nil
}

func (sqlServerDialect) Placeholder(i int) string { return fmt.Sprintf("@p%d", i) }
