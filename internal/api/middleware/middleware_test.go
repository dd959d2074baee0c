package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Store ---

// mockStore implements only the calls auth makes; anything else panics.
type mockStore struct {
	store.Store
	keys []*models.APIKey
	err  error
}

func (m *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}
func (m *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- Mock Cache ---

type mockCache struct {
	cache.Cache
	counts map[string]int64
	err    error
	keys   []string
}

func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.keys = append(m.keys, key)
	m.counts[key]++
	return m.counts[key], m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func storeWithKey(t *testing.T, rawKey string, userID uuid.UUID, scopes ...string) *mockStore {
	t.Helper()
	return &mockStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		UserID:    userID,
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}}}
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer gc_x")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongMarker(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer lh_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key format", errBody(t, w)["message"])
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockStore{keys: []*models.APIKey{}})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer gc_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_StoreError(t *testing.T) {
	auth := mw.NewAuth(&mockStore{err: assert.AnError})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer gc_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuth_WrongSecret(t *testing.T) {
	rawKey := "gc_test1234567890abcdef"
	ms := storeWithKey(t, "gc_test1_different_key_entirely", uuid.New(), "read")
	auth := mw.NewAuth(ms)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "gc_test1234567890abcdef"
	userID := uuid.New()
	auth := mw.NewAuth(storeWithKey(t, rawKey, userID, "read", "admin"))

	var gotUserID uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, gotOK = mw.GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Authenticate(inner)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, userID, gotUserID)
}

func TestAuth_MintedKeyAuthenticates(t *testing.T) {
	userID := uuid.New()
	raw, key, err := mw.NewAPIKey(userID, "ci", []string{mw.ScopeAdmin})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, mw.KeyMarker))
	assert.Equal(t, raw[:mw.KeyPrefixLen], key.KeyPrefix)
	assert.NotContains(t, key.KeyHash, raw)

	auth := mw.NewAuth(&mockStore{keys: []*models.APIKey{key}})
	handler := auth.Authenticate(auth.RequireScope(mw.ScopeAdmin)(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetUserID_Missing(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	_, ok := mw.GetUserID(req)
	assert.False(t, ok)

	req = req.WithContext(mw.SetUserID(req.Context(), uuid.Nil))
	_, ok = mw.GetUserID(req)
	assert.False(t, ok)
}

func TestAuth_RequireScope_Allowed(t *testing.T) {
	rawKey := "gc_admin_1234567890abcdef"
	auth := mw.NewAuth(storeWithKey(t, rawKey, uuid.New(), "read", "admin"))

	handler := auth.Authenticate(auth.RequireScope("admin")(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequireScope_Denied(t *testing.T) {
	rawKey := "gc_read__1234567890abcdef"
	auth := mw.NewAuth(storeWithKey(t, rawKey, uuid.New(), "read"))

	handler := auth.Authenticate(auth.RequireScope("admin")(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func asUser(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(mw.SetUserID(req.Context(), userID))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, mw.BudgetAPI, 60).Limit(okHandler())

	req := asUser(httptest.NewRequest("GET", "/test", nil), uuid.New())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, mw.BudgetAPI, 2).Limit(okHandler())
	userID := uuid.New()

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, asUser(httptest.NewRequest("GET", "/test", nil), userID))
	}

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
}

func TestRateLimit_CountsPerUserNotPerKey(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, mw.BudgetAPI, 60).Limit(okHandler())
	alice, bob := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{alice, alice, bob} {
		handler.ServeHTTP(httptest.NewRecorder(), asUser(httptest.NewRequest("GET", "/test", nil), id))
	}

	require.Len(t, mc.keys, 3)
	assert.Equal(t, mc.keys[0], mc.keys[1], "two keys of one user share a budget")
	assert.NotEqual(t, mc.keys[0], mc.keys[2])
	assert.True(t, strings.HasPrefix(mc.keys[0], "ratelimit:api:"+alice.String()+":"))
}

func TestRateLimit_SubmitBudgetIsSeparate(t *testing.T) {
	mc := &mockCache{}
	api := mw.NewRateLimit(mc, mw.BudgetAPI, 100)
	submit := mw.NewRateLimit(mc, mw.BudgetSubmit, 1)
	handler := api.Limit(submit.Limit(okHandler()))
	userID := uuid.New()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", nil), userID))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", nil), userID))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "submit", errBody(t, w)["details"].(map[string]any)["budget"])

	// The general budget still has room for reads.
	w = httptest.NewRecorder()
	api.Limit(okHandler()).ServeHTTP(w, asUser(httptest.NewRequest("GET", "/api/v1/jobs", nil), userID))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpenOnCacheError(t *testing.T) {
	mc := &mockCache{err: assert.AnError}
	handler := mw.NewRateLimit(mc, mw.BudgetAPI, 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(httptest.NewRequest("GET", "/test", nil), uuid.New()))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoUser_PassThrough(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, mw.BudgetAPI, 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mc.keys)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_AfterStreamStartedOnlyLogs(t *testing.T) {
	streaming := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: x\n\n"))
		panic("stream broke")
	})

	handler := mw.Logger(mw.Recovery(streaming))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: x\n\n", w.Body.String())
}

func TestRecovery_RepanicsOnAbort(t *testing.T) {
	handler := mw.Recovery(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), req)
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_KeepsFlusherReachable(t *testing.T) {
	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("data: x\n\n"))
		assert.NoError(t, http.NewResponseController(w).Flush())
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.True(t, w.Flushed)
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func lastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestLogger_TagsAuthenticatedCaller(t *testing.T) {
	buf := captureLogs(t)
	rawKey := "gc_logs__1234567890abcdef"
	userID := uuid.New()
	st := storeWithKey(t, rawKey, userID)
	auth := mw.NewAuth(st)

	handler := mw.Logger(auth.Authenticate(okHandler()))

	req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := lastLogLine(t, buf)
	assert.Equal(t, "request", entry["msg"])
	assert.Equal(t, userID.String(), entry["user_id"])
	assert.Equal(t, st.keys[0].ID.String(), entry["key_id"])
	assert.EqualValues(t, 2, entry["bytes"])
}

func TestLogger_ServerErrorsLogAtWarn(t *testing.T) {
	buf := captureLogs(t)
	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

	entry := lastLogLine(t, buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.EqualValues(t, http.StatusBadGateway, entry["status"])
	assert.NotContains(t, entry, "user_id")
}
