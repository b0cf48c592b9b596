// Package testutil builds an in-memory, three-"backend" Registry backed by
// modernc.org/sqlite, standing in for PostgreSQL/MySQL/SQL Server in unit
// and integration-style tests of the Replicator, Worker, and Resolution
// Engine. sqlite's own placeholder handling accepts all three dialects'
// bind styles ($n, ?, @pn) natively, which is what makes this stand-in
// viable without a dialect-specific test harness; see DESIGN.md.
//
// Backend C's SQL Server dialect embeds a literal "TOP (n)" clause that
// sqlite cannot parse, so tests exercising the Change Log Reader's fetch
// path (internal/changelog, internal/worker's processBatch) are written
// against tags A and B only. Tests that never touch FetchUnprocessedSQL
// (internal/replicator, internal/resolution) exercise all three tags.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/dbmesh/replifabric/internal/config"
	"github.com/dbmesh/replifabric/internal/conflictstore"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/registry"
	"github.com/dbmesh/replifabric/internal/schema"
)

// NewRegistry returns a Registry whose three backend tags are each a
// fresh, independent in-memory sqlite database. The Registry is closed
// through t.Cleanup when the test finishes.
func NewRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	cfg := config.New()
	reg := registry.NewWithOpener(cfg, func(tag dialect.Tag) (*sql.DB, error) {
		db, err := sql.Open("sqlite", "file:"+string(tag)+"?mode=memory&cache=shared")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	})
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// CreateChangeLogTable creates the change_log table on tag's backend.
func CreateChangeLogTable(t *testing.T, reg *registry.Registry, tag dialect.Tag) {
	t.Helper()
	db, err := reg.Engine(context.Background(), tag)
	if err != nil {
		t.Fatalf("opening backend %s: %v", tag, err)
	}
	_, err = db.Exec(`CREATE TABLE change_log (
		change_id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		pk_value TEXT NOT NULL,
		op_type TEXT NOT NULL,
		row_data TEXT NOT NULL,
		source_db TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		processed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		t.Fatalf("creating change_log on %s: %v", tag, err)
	}
}

// CreateSyncTable creates one synchronized table on tag's backend, using
// schema.Columns(table) for its column set and a TEXT primary key.
func CreateSyncTable(t *testing.T, reg *registry.Registry, tag dialect.Tag, table string) {
	t.Helper()
	cols, ok := schema.Columns(table)
	if !ok {
		t.Fatalf("unknown sync table %q", table)
	}
	pk, _ := schema.PKColumn(table)

	db, err := reg.Engine(context.Background(), tag)
	if err != nil {
		t.Fatalf("opening backend %s: %v", tag, err)
	}

	ddl := "CREATE TABLE " + table + " ("
	for i, c := range cols {
		if i > 0 {
			ddl += ", "
		}
		ddl += c + " TEXT"
		if c == pk {
			ddl += " PRIMARY KEY"
		}
	}
	ddl += ")"

	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("creating table %s on %s: %v", table, tag, err)
	}
}

// CreateConflictsSchema ensures the conflicts table exists on tag's
// backend via the conflictstore package itself.
func CreateConflictsSchema(t *testing.T, reg *registry.Registry, tag dialect.Tag) *conflictstore.Store {
	t.Helper()
	db, err := reg.Engine(context.Background(), tag)
	if err != nil {
		t.Fatalf("opening backend %s: %v", tag, err)
	}
	d, err := reg.Dialect(tag)
	if err != nil {
		t.Fatalf("resolving dialect for %s: %v", tag, err)
	}
	store := conflictstore.New(db, d)
	if err := store.EnsureSchema(context.Background(), "INTEGER PRIMARY KEY AUTOINCREMENT"); err != nil {
		t.Fatalf("ensuring conflicts schema on %s: %v", tag, err)
	}
	return store
}
