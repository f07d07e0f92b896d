package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/graph/graphtest"
	"github.com/tracelabs/whaletrace/internal/pipeline"
	"github.com/tracelabs/whaletrace/internal/propagate"
	"github.com/tracelabs/whaletrace/internal/server"
)

type noopLayer struct{ name string }

func (l noopLayer) Name() string { return l.name }

func (l noopLayer) Process(ctx context.Context, addr string) error { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, *graph.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := graph.NewStore(graphtest.NewDriver(), nil)
	runner := pipeline.NewRunner(store, nil, pipeline.Config{},
		noopLayer{"expansion"}, noopLayer{"behavioral"}, noopLayer{"osint"})
	propagator := propagate.NewEngine(store, nil, propagate.Config{})

	return server.New(store, runner, propagator, nil).SetupRouter(), store
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func TestStatsEndpoint(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	_, err := store.UpsertEntity(ctx, graph.EntityUpdate{Address: "0xa"})
	require.NoError(t, err)

	rec, payload := doJSON(t, router, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, payload["entities"])
}

func TestGetEntityEndpoint(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	identity := "Acme Fund"
	conf := 0.9
	_, err := store.UpsertEntity(ctx, graph.EntityUpdate{
		Address: "0xabc", Identity: &identity, Confidence: &conf, Manual: true,
	})
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, graph.Relationship{
		Source: "0xabc", Target: "0xdef", Type: graph.RelFundedBy, Confidence: 0.7,
	})
	require.NoError(t, err)

	rec, payload := doJSON(t, router, http.MethodGet, "/entities/0xABC", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	entity := payload["entity"].(map[string]any)
	assert.Equal(t, "0xabc", entity["address"])
	assert.Equal(t, "Acme Fund", entity["identity"])
	assert.Len(t, payload["relationships"], 1)
}

func TestGetEntityNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, _ := doJSON(t, router, http.MethodGet, "/entities/0xmissing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAddressesQueuesAllLayers(t *testing.T) {
	router, store := newTestRouter(t)

	rec, payload := doJSON(t, router, http.MethodPost, "/addresses",
		`{"addresses": ["0xAAA", "0xBBB"]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 2, payload["queued"])

	task, err := store.Task(context.Background(), "0xaaa", "expansion")
	require.NoError(t, err)
	assert.Equal(t, graph.TaskPending, task.Status)
	_, err = store.Task(context.Background(), "0xbbb", "osint")
	require.NoError(t, err)
}

func TestAddAddressesRejectsEmptyBody(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, _ := doJSON(t, router, http.MethodPost, "/addresses", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPropagateEndpoint(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	_, err := store.AddRelationship(ctx, graph.Relationship{
		Source: "0xb", Target: "0xa", Type: graph.RelFundedBy, Confidence: 0.8,
	})
	require.NoError(t, err)

	rec, payload := doJSON(t, router, http.MethodPost, "/propagate",
		`{"seeds": [{"address": "0xa", "identity": "Acme Fund", "confidence": 0.9}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, payload["labeled"])

	ent, err := store.GetEntity(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund (propagated)", ent.Identity)
}
