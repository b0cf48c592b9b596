package changelog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmesh/replifabric/internal/changelog"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/testutil"
)

func TestFetchBatch_OrderedAndBounded(t *testing.T) {
	reg := testutil.NewRegistry(t)
	testutil.CreateChangeLogTable(t, reg, dialect.TagB)

	db, err := reg.Engine(context.Background(), dialect.TagB)
	require.NoError(t, err)
	d, err := reg.Dialect(dialect.TagB)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := db.Exec(
			`INSERT INTO change_log (table_name, pk_value, op_type, row_data, source_db) VALUES (?, ?, ?, ?, ?)`,
			"products", "p1", "I", `{"product_id":"p1"}`, "B",
		)
		require.NoError(t, err)
	}

	batch := changelog.FetchBatch(context.Background(), db, d, 3)
	require.Len(t, batch, 3)
	assert.Less(t, batch[0].ChangeID, batch[1].ChangeID)
	assert.Less(t, batch[1].ChangeID, batch[2].ChangeID)
	assert.Equal(t, model.OpInsert, batch[0].OpType)
}

func TestMarkProcessed_ExcludesRowFromNextFetch(t *testing.T) {
	reg := testutil.NewRegistry(t)
	testutil.CreateChangeLogTable(t, reg, dialect.TagA)

	db, err := reg.Engine(context.Background(), dialect.TagA)
	require.NoError(t, err)
	d, err := reg.Dialect(dialect.TagA)
	require.NoError(t, err)

	_, err = db.Exec(
		`INSERT INTO change_log (table_name, pk_value, op_type, row_data, source_db) VALUES ($1, $2, $3, $4, $5)`,
		"products", "p1", "I", `{"product_id":"p1"}`, "A",
	)
	require.NoError(t, err)

	batch := changelog.FetchBatch(context.Background(), db, d, 10)
	require.Len(t, batch, 1)

	require.NoError(t, changelog.MarkProcessed(context.Background(), db, d, batch[0].ChangeID))

	remaining := changelog.FetchBatch(context.Background(), db, d, 10)
	assert.Empty(t, remaining)
}

func TestFetchBatch_QueryErrorReturnsEmptyNotPanic(t *testing.T) {
	reg := testutil.NewRegistry(t)
	// change_log table deliberately not created.
	db, err := reg.Engine(context.Background(), dialect.TagB)
	require.NoError(t, err)
	d, err := reg.Dialect(dialect.TagB)
	require.NoError(t, err)

	batch := changelog.FetchBatch(context.Background(), db, d, 10)
	assert.Nil(t, batch)
}
