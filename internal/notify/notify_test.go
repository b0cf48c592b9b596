package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/notify"
)

func TestNoop_NeverErrors(t *testing.T) {
	n := notify.Noop()
	assert.NoError(t, n.NotifyConflict(context.Background(), model.Conflict{}))
	assert.NoError(t, n.NotifyResolved(context.Background(), model.Conflict{}))
}

func TestSMTPNotifier_NoHostConfiguredIsANoOp(t *testing.T) {
	n := notify.NewSMTP(notify.SMTPConfig{})
	assert.NoError(t, n.NotifyConflict(context.Background(), model.Conflict{ConflictID: 1}))
}

func TestWebhookNotifier_PostsExpectedPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewWebhook(srv.URL)
	conflict := model.Conflict{
		ConflictID: 42, TableName: "products", PKValue: "P1",
		SourceDB: "A", TargetDB: "B",
	}
	require.NoError(t, n.NotifyConflict(context.Background(), conflict))

	assert.Equal(t, "conflict_detected", received["event"])
	assert.Equal(t, float64(42), received["conflict_id"])
	assert.Equal(t, "products", received["table"])
	assert.NotEmpty(t, received["delivery_id"], "each delivery gets a fresh id for dedup")
}

func TestWebhookNotifier_NoURLIsANoOp(t *testing.T) {
	n := notify.NewWebhook("")
	assert.NoError(t, n.NotifyConflict(context.Background(), model.Conflict{}))
}

func TestWebhookNotifier_ErrorStatusIsReturnedToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := notify.NewWebhook(srv.URL)
	err := n.NotifyConflict(context.Background(), model.Conflict{})
	assert.Error(t, err)
}

func TestMulti_SwallowsChannelErrorsAndAlwaysReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	failing := notify.NewWebhook(srv.URL)
	m := notify.NewMulti(failing, notify.Noop())

	assert.NoError(t, m.NotifyConflict(context.Background(), model.Conflict{}))
	assert.NoError(t, m.NotifyResolved(context.Background(), model.Conflict{}))
}
