// Package schema describes the fixed set of synchronized tables: their
// column order and primary-key column. It is the Go equivalent of
// original_source's SYNC_TABLES/TABLE_COLUMNS/TABLE_PK module-level
// dictionaries, kept as simple data rather than a config file since the
// table set is part of this system's contract, not an operator knob.
package schema

// SyncTables is the fixed set of tables replicated by this system, in
// FK-respecting order: a row in a later table may reference a row in an
// earlier one.
var SyncTables = []string{"users", "customers", "products", "orders", "order_items"}

// TableColumns lists, per table, the full column set (including the
// replication metadata columns) in the order used to build INSERT
// statements.
var TableColumns = map[string][]string{
	"users":       {"user_id", "username", "password_hash", "role", "created_at", "updated_at", "updated_by_db", "row_version"},
	"customers":   {"customer_id", "customer_name", "email", "phone", "created_at", "updated_at", "updated_by_db", "row_version"},
	"products":    {"product_id", "product_name", "price", "stock", "created_at", "updated_at", "updated_by_db", "row_version"},
	"orders":      {"order_id", "customer_id", "order_date", "total_amount", "status", "created_at", "updated_at", "updated_by_db", "row_version"},
	"order_items": {"item_id", "order_id", "product_id", "quantity", "price", "created_at", "updated_at", "updated_by_db", "row_version"},
}

// TablePK names the single-column primary key for each synchronized table.
var TablePK = map[string]string{
	"users":       "user_id",
	"customers":   "customer_id",
	"products":    "product_id",
	"orders":      "order_id",
	"order_items": "item_id",
}

// IsSyncTable reports whether table is one of the synchronized tables.
func IsSyncTable(table string) bool {
	_, ok := TablePK[table]
	return ok
}

// Columns returns the column list for table, and whether table is known.
func Columns(table string) ([]string, bool) {
	cols, ok := TableColumns[table]
	return cols, ok
}

// PKColumn returns the primary-key column name for table, and whether
// table is known.
func PKColumn(table string) (string, bool) {
	pk, ok := TablePK[table]
	return pk, ok
}
