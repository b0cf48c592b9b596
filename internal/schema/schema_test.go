package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dbmesh/replifabric/internal/schema"
)

func TestIsSyncTable(t *testing.T) {
	assert.True(t, schema.IsSyncTable("orders"))
	assert.False(t, schema.IsSyncTable("sessions"))
}

func TestColumnsIncludeReplicationMetadata(t *testing.T) {
	cols, ok := schema.Columns("products")
	assert.True(t, ok)
	assert.Contains(t, cols, "updated_by_db")
	assert.Contains(t, cols, "row_version")
}

func TestPKColumn(t *testing.T) {
	pk, ok := schema.PKColumn("order_items")
	assert.True(t, ok)
	assert.Equal(t, "item_id", pk)

	_, ok = schema.PKColumn("not_a_table")
	assert.False(t, ok)
}

func TestSyncTablesAreFKOrdered(t *testing.T) {
	// orders must come before order_items, and customers before orders,
	// matching the FK-respecting migration order used by MigrateDatabase.
	index := make(map[string]int, len(schema.SyncTables))
	for i, table := range schema.SyncTables {
		index[table] = i
	}
	assert.Less(t, index["customers"], index["orders"])
	assert.Less(t, index["orders"], index["order_items"])
}
