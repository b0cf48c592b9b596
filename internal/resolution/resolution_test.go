package resolution_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmesh/replifabric/internal/conflictstore"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/notify"
	"github.com/dbmesh/replifabric/internal/registry"
	"github.com/dbmesh/replifabric/internal/replicator"
	"github.com/dbmesh/replifabric/internal/resolution"
	"github.com/dbmesh/replifabric/internal/testutil"
)

type fixture struct {
	reg    *registry.Registry
	repl   *replicator.Replicator
	engine *resolution.Engine
	store  *conflictstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := testutil.NewRegistry(t)
	for _, tag := range dialect.CanonicalTags {
		testutil.CreateSyncTable(t, reg, tag, "products")
	}
	store := testutil.CreateConflictsSchema(t, reg, dialect.TagA)

	storeFor := func(tag dialect.Tag) (*conflictstore.Store, error) {
		db, err := reg.Engine(context.Background(), tag)
		if err != nil {
			return nil, err
		}
		d, err := reg.Dialect(tag)
		if err != nil {
			return nil, err
		}
		return conflictstore.New(db, d), nil
	}

	repl := replicator.New(reg, storeFor, notify.Noop())
	engine := resolution.New(reg, storeFor, repl, notify.Noop())
	return &fixture{reg: reg, repl: repl, engine: engine, store: store}
}

func (f *fixture) writeRow(t *testing.T, tag dialect.Tag, row map[string]any) {
	t.Helper()
	db, err := f.reg.Engine(context.Background(), tag)
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO products (product_id, product_name, price, stock, updated_by_db, row_version) VALUES (?, ?, ?, ?, ?, ?)`,
		row["product_id"], row["product_name"], row["price"], row["stock"], row["updated_by_db"], row["row_version"],
	)
	require.NoError(t, err)
}

func (f *fixture) readRow(t *testing.T, tag dialect.Tag, pk string) map[string]any {
	t.Helper()
	db, err := f.reg.Engine(context.Background(), tag)
	require.NoError(t, err)
	row := db.QueryRow(`SELECT product_id, product_name, price, updated_by_db, row_version FROM products WHERE product_id = ?`, pk)
	var id, name, price, updatedBy, version string
	if err := row.Scan(&id, &name, &price, &updatedBy, &version); err != nil {
		return nil
	}
	return map[string]any{"product_id": id, "product_name": name, "price": price, "updated_by_db": updatedBy, "row_version": version}
}

// S4: admin resolves with winner=source(A); A's row is written to all
// three backends with updated_by_db=A, and the conflict is marked
// RESOLVED with winner_db=A.
func TestResolveWinner_Source(t *testing.T) {
	f := newFixture(t)

	conflictID, err := f.store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1", "product_name": "Widget", "price": "15", "row_version": "2"},
		TargetRow: map[string]any{"product_id": "P1", "product_name": "Widget", "price": "12", "row_version": "3"},
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.ResolveWinner(context.Background(), conflictID, dialect.TagA, "admin"))

	for _, tag := range dialect.CanonicalTags {
		got := f.readRow(t, tag, "P1")
		require.NotNil(t, got, "backend %s", tag)
		assert.Equal(t, "15", got["price"])
		assert.Equal(t, "A", got["updated_by_db"])
	}

	conflict, found, err := f.store.Detail(context.Background(), conflictID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.ConflictResolved, conflict.Status)
	assert.Equal(t, "A", conflict.WinnerDB.String)
	assert.Equal(t, "admin", conflict.ResolvedBy.String)
}

// S5: admin resolves with a custom override of price=15; the custom row
// is written to all three backends stamped with the admin identity, and
// winner_db=CUSTOM.
func TestResolveCustom_OverlaysDeclaredColumnsOnly(t *testing.T) {
	f := newFixture(t)

	conflictID, err := f.store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1", "product_name": "Widget", "price": "10", "row_version": "2"},
		TargetRow: map[string]any{"product_id": "P1", "product_name": "Widget", "price": "12", "row_version": "3"},
	})
	require.NoError(t, err)

	overrides := map[string]any{
		"price":             "15",
		"not_a_real_column": "ignored",
		"product_name":      nil, // nulls in the override are ignored
	}
	require.NoError(t, f.engine.ResolveCustom(context.Background(), conflictID, overrides, "some-admin-identity"))

	for _, tag := range dialect.CanonicalTags {
		got := f.readRow(t, tag, "P1")
		require.NotNil(t, got, "backend %s", tag)
		assert.Equal(t, "15", got["price"])
		assert.Equal(t, "Widget", got["product_name"], "null override must not clobber the source value")
		assert.Equal(t, "SOME-ADMIN-IDENT", got["updated_by_db"], "stamp truncated to 16 chars and upper-cased")
		assert.Equal(t, "2", got["row_version"], "a string-encoded row_version already >= 1 is kept, not reset to 1")
	}

	conflict, found, err := f.store.Detail(context.Background(), conflictID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.WinnerCustom, conflict.WinnerDB.String)
}

func TestResolveCustom_DefaultsMissingRowVersionToOne(t *testing.T) {
	f := newFixture(t)

	conflictID, err := f.store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1", "product_name": "Widget", "price": "10"},
		TargetRow: map[string]any{"product_id": "P1", "product_name": "Widget", "price": "12"},
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.ResolveCustom(context.Background(), conflictID, map[string]any{"price": "15"}, "admin"))

	got := f.readRow(t, dialect.TagA, "P1")
	require.NotNil(t, got)
	assert.Equal(t, "1", got["row_version"])
}

func TestResolveCustom_RequiresPrimaryKey(t *testing.T) {
	f := newFixture(t)

	conflictID, err := f.store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"price": "10", "row_version": "2"},
		TargetRow: map[string]any{"price": "12", "row_version": "3"},
	})
	require.NoError(t, err)

	err = f.engine.ResolveCustom(context.Background(), conflictID, map[string]any{"product_id": nil}, "admin")
	assert.Error(t, err)
}

func TestResolveWinner_AlreadyResolvedIsRejected(t *testing.T) {
	f := newFixture(t)

	conflictID, err := f.store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1", "row_version": "2"},
		TargetRow: map[string]any{"product_id": "P1", "row_version": "3"},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkResolved(context.Background(), conflictID, "A", "admin"))

	err = f.engine.ResolveWinner(context.Background(), conflictID, dialect.TagA, "admin")
	assert.Error(t, err)
}

func TestMigrateTable_CopiesRowsStampedWithSource(t *testing.T) {
	f := newFixture(t)

	f.writeRow(t, dialect.TagA, map[string]any{
		"product_id": "P1", "product_name": "Widget", "price": "10", "stock": "5",
		"updated_by_db": "A", "row_version": "1",
	})

	require.NoError(t, f.engine.MigrateTable(context.Background(), dialect.TagA, "products", []dialect.Tag{dialect.TagB, dialect.TagC}))

	for _, tag := range []dialect.Tag{dialect.TagB, dialect.TagC} {
		got := f.readRow(t, tag, "P1")
		require.NotNil(t, got, "backend %s", tag)
		assert.Equal(t, "Widget", got["product_name"])
		assert.Equal(t, "A", got["updated_by_db"])
	}
}

func TestMigrateTable_RejectsUnknownTable(t *testing.T) {
	f := newFixture(t)
	err := f.engine.MigrateTable(context.Background(), dialect.TagA, "not_a_table", dialect.CanonicalTags)
	assert.Error(t, err)
}
