package dialect_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmesh/replifabric/internal/dialect"
)

func TestFor_KnownTags(t *testing.T) {
	for _, tt := range []struct {
		tag     dialect.Tag
		product dialect.Product
	}{
		{dialect.TagA, dialect.ProductPostgres},
		{dialect.TagB, dialect.ProductMySQL},
		{dialect.TagC, dialect.ProductSQLServer},
	} {
		d, ok := dialect.For(tt.tag)
		require.True(t, ok)
		assert.Equal(t, tt.tag, d.Tag())
		assert.Equal(t, tt.product, d.Product())
	}
}

func TestFor_UnknownTag(t *testing.T) {
	_, ok := dialect.For(dialect.Tag("Z"))
	assert.False(t, ok)
}

func TestPostgresDialect_FetchUnprocessedSQL(t *testing.T) {
	d, _ := dialect.For(dialect.TagA)
	query, args := d.FetchUnprocessedSQL(50)
	assert.Contains(t, query, "LIMIT $1")
	assert.Equal(t, []any{50}, args)
	assert.Equal(t, "$3", d.Placeholder(3))
}

func TestMySQLDialect_FetchUnprocessedSQL(t *testing.T) {
	d, _ := dialect.For(dialect.TagB)
	query, args := d.FetchUnprocessedSQL(50)
	assert.Contains(t, query, "LIMIT ?")
	assert.Equal(t, []any{50}, args)
	assert.Equal(t, "?", d.Placeholder(3))
}

func TestSQLServerDialect_FetchUnprocessedSQL(t *testing.T) {
	d, _ := dialect.For(dialect.TagC)
	query, args := d.FetchUnprocessedSQL(50)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(query), "SELECT TOP (50)"))
	assert.Nil(t, args)
	assert.Equal(t, "@p3", d.Placeholder(3))
}

func TestSQLServerDialect_SanitizesNonPositiveBatch(t *testing.T) {
	d, _ := dialect.For(dialect.TagC)
	query, _ := d.FetchUnprocessedSQL(0)
	assert.Contains(t, query, "TOP (1)")
}
