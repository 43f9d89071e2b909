package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/duckhub/pkg/auth"
	"github.com/txn2/duckhub/pkg/catalog"
	"github.com/txn2/duckhub/pkg/engine"
	"github.com/txn2/duckhub/pkg/engine/enginetest"
	"github.com/txn2/duckhub/pkg/manager"
	"github.com/txn2/duckhub/pkg/sessions"
)

const srvTestAPIKey = "sekret"

type serverFixture struct {
	srv    *Server
	engine *enginetest.FakeEngine
}

func newServerFixture(t *testing.T, cfg func(*Config)) *serverFixture {
	t.Helper()

	f := &serverFixture{engine: enginetest.NewFakeEngine()}

	reg, err := sessions.NewRegistry(sessions.Config{
		Open:       func(context.Context) (engine.Engine, error) { return f.engine, nil },
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	cat := catalog.NewMemory()
	require.NoError(t, cat.Put(&catalog.Datasource{
		ID:          "pg1",
		Provider:    catalog.ProviderPostgres,
		Descriptor:  "host=db dbname=orders",
		LogicalName: "orders",
	}))

	mgr, err := manager.New(manager.Config{Registry: reg, Catalog: cat})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	config := Config{
		Manager:        mgr,
		AllowAnonymous: true,
		Gatherer:       prometheus.NewRegistry(),
	}
	if cfg != nil {
		cfg(&config)
	}

	srv, err := New(config)
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_RequiresAuthenticatorUnlessAnonymous(t *testing.T) {
	f := newServerFixture(t, nil)
	_, err := New(Config{Manager: f.srv.cfg.Manager})
	require.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Start.
	w = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)
	w := f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuery(t *testing.T) {
	f := newServerFixture(t, nil)
	f.engine.QueryResults["SELECT"] = &engine.Result{
		Columns: []string{"n"},
		Rows:    [][]any{{float64(1)}},
		Count:   1,
	}

	w := f.do(t, http.MethodPost, "/v1/query", queryRequest{
		ConversationID: "conv-1",
		Workspace:      "ws-a",
		SQL:            "SELECT 1 AS n",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp queryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []string{"n"}, resp.Columns)
	assert.Equal(t, 1, resp.Count)
}

func TestQuery_Validation(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/query", queryRequest{SQL: "SELECT 1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/query", queryRequest{
		ConversationID: "conv-1", Workspace: "ws-a",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_CatalogErrorCarriesDiagnostics(t *testing.T) {
	f := newServerFixture(t, nil)

	_, err := f.srv.cfg.Manager.SyncDatasources(context.Background(),
		"conv-1", "ws-a", []string{"pg1"}, nil, false)
	require.NoError(t, err)

	f.engine.QueryErrs["db2"] = errors.New(`Catalog Error: database "db2" does not exist`)
	f.engine.QueryResults["duckdb_databases"] = enginetest.SingleColumn("database_name", "orders")

	w := f.do(t, http.MethodPost, "/v1/query", queryRequest{
		ConversationID:   "conv-1",
		Workspace:        "ws-a",
		SQL:              "SELECT * FROM db2.public.t",
		ExpectedDatabase: "db2",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Diagnostics)
	assert.Equal(t, "db2", resp.Diagnostics.ExpectedDatabase)
	assert.Equal(t, []string{"orders"}, resp.Diagnostics.Attached)
}

func TestSync(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/sync", syncRequest{
		ConversationID: "conv-1",
		Workspace:      "ws-a",
		DatasourceIDs:  []string{"pg1"},
		DetachUnlisted: true,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result sessions.SyncResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, []string{"pg1"}, result.Attached)
}

func TestSync_UnknownDatasourceReportedPerEntry(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/sync", syncRequest{
		ConversationID: "conv-1",
		Workspace:      "ws-a",
		DatasourceIDs:  []string{"pg1", "ghost"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code,
		"unknown IDs are per-entry failures, not a request failure")

	var result sessions.SyncResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, []string{"pg1"}, result.Attached)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ghost", result.Failed[0].DatasourceID)
	assert.Contains(t, result.Failed[0].Message, "ghost")
}

func TestResetCacheAndSessions(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/sync", syncRequest{
		ConversationID: "conv-1", Workspace: "ws-a", DatasourceIDs: []string{"pg1"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/reset-cache", resetRequest{
		ConversationID: "conv-1", Workspace: "ws-a",
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []manager.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "conv-1", resp.Sessions[0].ConversationID)
}

func TestAuth_Required(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(srvTestAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	f := newServerFixture(t, func(cfg *Config) {
		cfg.AllowAnonymous = false
		cfg.Authenticator = auth.NewAPIKeyAuthenticator([]auth.APIKey{
			{Name: "app", Hash: string(hash)},
		})
	})

	body := resetRequest{ConversationID: "conv-1", Workspace: "ws-a"}

	w := f.do(t, http.MethodPost, "/v1/reset-cache", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = f.do(t, http.MethodPost, "/v1/reset-cache", body,
		http.Header{"X-Api-Key": []string{"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/reset-cache", body,
		http.Header{"X-Api-Key": []string{srvTestAPIKey}})
	assert.Equal(t, http.StatusOK, w.Code)

	// Probes stay open without credentials.
	w = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStop(t *testing.T) {
	f := newServerFixture(t, func(cfg *Config) {
		cfg.Address = "127.0.0.1:0"
	})

	require.NoError(t, f.srv.Start(context.Background()))

	w := f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, f.srv.Stop(context.Background()))
	w = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
