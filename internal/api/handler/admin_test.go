package handler_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/kiranshivaraju/gencoord/internal/provider/mock"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredits_BalanceAndTopUp(t *testing.T) {
	e := newEnv(t, mock.NewMockProvider(), 20)
	e.submit(t)

	w := e.do(t, http.MethodGet, "/api/v1/credits", e.userKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := data(t, w)
	assert.Equal(t, float64(12), body["available_credits"])
	assert.Equal(t, float64(8), body["reserved_credits"])

	w = e.do(t, http.MethodPost, "/api/v1/admin/credits/topup", e.adminKey, map[string]any{
		"user_id": e.userID.String(),
		"amount":  30,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(42), data(t, w)["available_credits"])

	w = e.do(t, http.MethodGet, "/api/v1/credits/transactions", e.userKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var types []string
	for _, tx := range collection(t, w) {
		types = append(types, tx.(map[string]any)["entry_type"].(string))
	}
	assert.ElementsMatch(t, []string{"topup", "reserve", "topup"}, types)
}

func TestTopUp_Validation(t *testing.T) {
	e := newEnv(t, mock.NewMockProvider(), 0)

	for _, body := range []map[string]any{
		{"user_id": "nope", "amount": 5},
		{"user_id": e.userID.String(), "amount": 0},
		{"user_id": e.userID.String(), "amount": 5_000_000},
	} {
		w := e.do(t, http.MethodPost, "/api/v1/admin/credits/topup", e.adminKey, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	w := e.do(t, http.MethodPost, "/api/v1/admin/credits/topup", e.userKey, map[string]any{"user_id": e.userID.String(), "amount": 5})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestReconciliation_ListAndRun(t *testing.T) {
	prov := mock.NewMockProvider()
	e := newEnv(t, prov, 100)
	id := e.submit(t)
	require.NoError(t, e.store.FlagForReconciliation(context.Background(), id, "poll timed out"))

	w := e.do(t, http.MethodGet, "/api/v1/admin/reconciliation", e.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	flagged := collection(t, w)
	require.Len(t, flagged, 1)
	assert.Equal(t, id.String(), flagged[0].(map[string]any)["job_id"])

	w = e.do(t, http.MethodPost, "/api/v1/admin/reconciliation/run", e.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), data(t, w)["pending"])

	prov.FetchStatusFunc = mock.Succeeded(`{"url":"late"}`).Fetch
	w = e.do(t, http.MethodPost, "/api/v1/admin/reconciliation/run", e.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), data(t, w)["finalized"])

	job, err := e.store.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
}

func TestKeys_CreateListRevoke(t *testing.T) {
	e := newEnv(t, mock.NewMockProvider(), 0)

	w := e.do(t, http.MethodPost, "/api/v1/admin/keys", e.adminKey, map[string]any{
		"user_id": e.userID.String(),
		"name":    "dashboard",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := data(t, w)
	raw := created["key"].(string)
	assert.True(t, strings.HasPrefix(raw, "gc_"))
	assert.NotContains(t, created, "key_hash")
	keyID := created["id"].(string)

	// The new key works.
	w = e.do(t, http.MethodGet, "/api/v1/credits", raw, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/admin/keys?user_id="+e.userID.String(), e.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, collection(t, w), 2)

	w = e.do(t, http.MethodDelete, "/api/v1/admin/keys/"+keyID+"?user_id="+e.userID.String(), e.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/credits", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodDelete, "/api/v1/admin/keys/"+keyID+"?user_id="+e.userID.String(), e.adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/admin/keys", e.adminKey, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, mock.NewMockProvider(), 0)

	w := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", data(t, w)["status"])

	e.store.PingErr = assert.AnError
	w = e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	details := errBody(t, w)["details"].(map[string]any)
	assert.Equal(t, "degraded", details["database"])
	assert.Equal(t, "ok", details["cache"])
}

func TestMetricsExposeSubmissions(t *testing.T) {
	e := newEnv(t, mock.NewMockProvider(), 100)
	e.submit(t)

	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gencoord_jobs_submitted_total{provider="mock",tool="logo-machine"} 1`)
}
