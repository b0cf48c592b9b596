package adminapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmesh/replifabric/internal/adminapi"
	"github.com/dbmesh/replifabric/internal/conflictstore"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/notify"
	"github.com/dbmesh/replifabric/internal/replicator"
	"github.com/dbmesh/replifabric/internal/resolution"
	"github.com/dbmesh/replifabric/internal/testutil"
)

func newServer(t *testing.T) (*httptest.Server, *conflictstore.Store) {
	t.Helper()
	reg := testutil.NewRegistry(t)
	for _, tag := range dialect.CanonicalTags {
		testutil.CreateSyncTable(t, reg, tag, "products")
	}
	store := testutil.CreateConflictsSchema(t, reg, dialect.TagA)

	storeFor := func(tag dialect.Tag) (*conflictstore.Store, error) { return store, nil }
	repl := replicator.New(reg, storeFor, notify.Noop())
	engine := resolution.New(reg, storeFor, repl, notify.Noop())
	admin := adminapi.New(store, engine, nil)

	mux := http.NewServeMux()
	admin.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestListConflicts_DefaultsToOpen(t *testing.T) {
	srv, store := newServer(t)

	_, err := store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1"},
		TargetRow: map[string]any{"product_id": "P1"},
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/conflicts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got, 1)
}

func TestResolve_UnknownWinnerIsBadRequest(t *testing.T) {
	srv, store := newServer(t)

	id, err := store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1"},
		TargetRow: map[string]any{"product_id": "P1"},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/conflicts/"+strconv.FormatInt(id, 10)+"/resolve?winner=Z", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolve_WinnerSourceSucceeds(t *testing.T) {
	srv, store := newServer(t)

	id, err := store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1", "row_version": "2"},
		TargetRow: map[string]any{"product_id": "P1", "row_version": "3"},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/conflicts/"+strconv.FormatInt(id, 10)+"/resolve?winner=A", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conflict, found, err := store.Detail(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", conflict.WinnerDB.String)
}

func TestResolveCustom_InvalidJSONBody(t *testing.T) {
	srv, store := newServer(t)

	id, err := store.RecordConflict(context.Background(), conflictstore.RecordConflictParams{
		Table: "products", PKValue: "P1", SourceDB: "A", TargetDB: "B",
		SourceRow: map[string]any{"product_id": "P1"},
		TargetRow: map[string]any{"product_id": "P1"},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/conflicts/"+strconv.FormatInt(id, 10)+"/resolve/custom", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConflictDetail_NotFound(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/conflicts/999999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
