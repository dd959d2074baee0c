package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/api"
	"github.com/kiranshivaraju/gencoord/internal/api/handler"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/pricing"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/internal/provider/mock"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/internal/store/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

type stubCache struct {
	cache.Cache
	pingErr error
}

func (c *stubCache) Ping(_ context.Context) error { return c.pingErr }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

type env struct {
	store    *memstore.Store
	cache    *stubCache
	prov     *mock.MockProvider
	coord    *coordinator.Coordinator
	hub      *push.Hub
	router   http.Handler
	userID   uuid.UUID
	userKey  string
	adminKey string
}

func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		PollInterval:     time.Millisecond,
		MaxAttempts:      150,
		RestoreWindow:    5 * time.Minute,
		RefundOnFailure:  true,
		SubmitRetries:    1,
		SubmitBackoff:    time.Millisecond,
		SubmitMaxBackoff: time.Millisecond,
		ReconcileBatch:   50,
	}
}

// newEnv wires the real router and handlers over an in-memory store. The
// user holds balance credits.
func newEnv(t *testing.T, prov *mock.MockProvider, balance int64) *env {
	t.Helper()
	st := memstore.New()
	hub := push.NewHub()
	t.Cleanup(hub.Close)
	reg := prometheus.NewRegistry()
	catalog := pricing.DefaultCatalog()
	registry := provider.NewRegistry(prov)

	coord := coordinator.New(coordinator.Options{
		Store:           st,
		Providers:       registry,
		Pricing:         catalog,
		Publisher:       hub,
		Metrics:         coordinator.NewMetrics(reg),
		Config:          testConfig(),
		DefaultProvider: prov.Name(),
	})
	t.Cleanup(coord.CloseAll)

	c := &stubCache{}
	e := &env{store: st, cache: c, prov: prov, coord: coord, hub: hub}
	e.router = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, mw.BudgetAPI, 1000),

		HealthHandler:  handler.NewHealthHandler(st, c),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),

		SubmitJobHandler: handler.NewSubmitJobHandler(coord),
		GetJobHandler:    handler.NewGetJobHandler(coord),
		JobStatusHandler: handler.NewJobStatusHandler(coord),
		ListJobsHandler:  handler.NewListJobsHandler(coord),
		StreamHandler:    handler.NewStreamHandler(coord, hub, catalog),
		WebhookHandler:   handler.NewWebhookHandler(registry, coord),

		GetCreditsHandler:       handler.NewGetCreditsHandler(st),
		ListTransactionsHandler: handler.NewListTransactionsHandler(st),

		TopUpHandler:              handler.NewTopUpHandler(st),
		ListReconciliationHandler: handler.NewListReconciliationHandler(coord),
		RunReconciliationHandler:  handler.NewRunReconciliationHandler(coord),
		CreateKeyHandler:          handler.NewCreateKeyHandler(st),
		ListKeysHandler:           handler.NewListKeysHandler(st),
		RevokeKeyHandler:          handler.NewRevokeKeyHandler(st),
	})

	e.userID = uuid.New()
	raw, _, err := mw.IssueAPIKey(context.Background(), st, e.userID, "user", nil)
	require.NoError(t, err)
	e.userKey = raw
	raw, _, err = mw.IssueAPIKey(context.Background(), st, uuid.New(), "ops", []string{mw.ScopeAdmin})
	require.NoError(t, err)
	e.adminKey = raw

	if balance > 0 {
		_, err := st.TopUpCredits(context.Background(), e.userID, balance, "test")
		require.NoError(t, err)
	}
	return e
}

func (e *env) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// submit posts a logo-machine job as the user and returns its id.
func (e *env) submit(t *testing.T) uuid.UUID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/jobs", e.userKey, map[string]any{"tool_id": "logo-machine"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id, err := uuid.Parse(data(t, w)["job_id"].(string))
	require.NoError(t, err)
	return id
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data
}

func collection(t *testing.T, w *httptest.ResponseRecorder) []any {
	t.Helper()
	var env struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}
