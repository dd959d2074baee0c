package replicate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewProvider(config.ReplicateConfig{
		APIToken: "r8_test",
		BaseURL:  srv.URL,
		Models: map[string]string{
			"logo-machine": "abc123version",
			"music":        "meta/musicgen",
		},
	}, 5*time.Second)
}

func TestSubmit_VersionedModel(t *testing.T) {
	var got predictionRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/predictions", r.URL.Path)
		assert.Equal(t, "Bearer r8_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
	})

	res, err := p.Submit(context.Background(), models.SubmitRequest{
		ToolID:     "logo-machine",
		Input:      json.RawMessage(`{"prompt":"fox"}`),
		WebhookURL: "https://hooks.example.com/api/v1/webhooks/replicate",
	})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", res.ExternalJobID)
	assert.Equal(t, "abc123version", got.Version)
	assert.Equal(t, []string{"completed"}, got.WebhookEventsFilter)
	assert.JSONEq(t, `{"prompt":"fox"}`, string(got.Input))
}

func TestSubmit_OfficialModelEndpoint(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/meta/musicgen/predictions", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred-2","status":"starting"}`))
	})

	res, err := p.Submit(context.Background(), models.SubmitRequest{ToolID: "music", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "pred-2", res.ExternalJobID)
}

func TestSubmit_UnconfiguredTool(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called")
	})

	_, err := p.Submit(context.Background(), models.SubmitRequest{ToolID: "storyboard"})
	assert.ErrorIs(t, err, provider.ErrProviderRejected)
}

func TestSubmit_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnprocessableEntity, provider.ErrProviderRejected},
		{http.StatusUnauthorized, provider.ErrProviderRejected},
		{http.StatusTooManyRequests, provider.ErrProviderUnavailable},
		{http.StatusBadGateway, provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			})
			_, err := p.Submit(context.Background(), models.SubmitRequest{ToolID: "logo-machine", Input: json.RawMessage(`{}`)})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	p := NewProvider(config.ReplicateConfig{
		BaseURL: "http://127.0.0.1:1",
		Models:  map[string]string{"logo-machine": "v"},
	}, time.Second)

	_, err := p.Submit(context.Background(), models.SubmitRequest{ToolID: "logo-machine", Input: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestFetchStatus_Mapping(t *testing.T) {
	tests := []struct {
		body   string
		status models.JobStatus
		output string
		errMsg string
	}{
		{`{"id":"p","status":"starting"}`, models.JobStatusQueued, "", ""},
		{`{"id":"p","status":"processing","logs":"step 1\nstep 2 40%"}`, models.JobStatusProcessing, "", ""},
		{`{"id":"p","status":"succeeded","output":["https://cdn/x.png"]}`, models.JobStatusSucceeded, `["https://cdn/x.png"]`, ""},
		{`{"id":"p","status":"failed","error":"NSFW content"}`, models.JobStatusFailed, "", "NSFW content"},
		{`{"id":"p","status":"canceled"}`, models.JobStatusCanceled, "", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/predictions/p", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			})
			st, err := p.FetchStatus(context.Background(), "p")
			require.NoError(t, err)
			assert.Equal(t, tt.status, st.Status)
			if tt.output != "" {
				assert.JSONEq(t, tt.output, string(st.Output))
			}
			assert.Equal(t, tt.errMsg, st.Error)
		})
	}
}

func TestFetchStatus_ProgressLabel(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p","status":"processing","logs":"loading\nrendering 40%\n"}`))
	})
	st, err := p.FetchStatus(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "rendering 40%", st.Progress)
}

func TestParseWebhook_ValidSignature(t *testing.T) {
	key := []byte("super-secret-signing-key")
	p := NewProvider(config.ReplicateConfig{WebhookSecret: "whsec_" + base64.StdEncoding.EncodeToString(key)}, time.Second)
	now := time.Unix(1_760_000_000, 0)
	p.now = func() time.Time { return now }

	body := []byte(`{"id":"pred-9","status":"succeeded","output":"https://cdn/song.mp3"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/replicate", nil)
	r.Header.Set("webhook-id", "msg_1")
	r.Header.Set("webhook-timestamp", ts)
	r.Header.Set("webhook-signature", "v1,bogus v1,"+Sign(key, "msg_1", ts, body))

	ev, err := p.ParseWebhook(r, body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", ev.ExternalEventID)
	assert.Equal(t, "pred-9", ev.ExternalJobID)
	assert.Equal(t, models.JobStatusSucceeded, ev.Status)
	assert.JSONEq(t, `"https://cdn/song.mp3"`, string(ev.Output))
}

func TestParseWebhook_BadSignature(t *testing.T) {
	key := []byte("k")
	p := NewProvider(config.ReplicateConfig{WebhookSecret: "whsec_" + base64.StdEncoding.EncodeToString(key)}, time.Second)
	now := time.Now()
	p.now = func() time.Time { return now }

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("webhook-id", "msg_1")
	r.Header.Set("webhook-timestamp", strconv.FormatInt(now.Unix(), 10))
	r.Header.Set("webhook-signature", "v1,AAAA")

	_, err := p.ParseWebhook(r, []byte(`{"id":"p","status":"succeeded"}`))
	assert.ErrorIs(t, err, provider.ErrInvalidWebhook)
}

func TestParseWebhook_StaleTimestamp(t *testing.T) {
	key := []byte("k")
	p := NewProvider(config.ReplicateConfig{WebhookSecret: "whsec_" + base64.StdEncoding.EncodeToString(key)}, time.Second)
	now := time.Now()
	p.now = func() time.Time { return now }

	body := []byte(`{"id":"p","status":"succeeded"}`)
	ts := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("webhook-id", "msg_1")
	r.Header.Set("webhook-timestamp", ts)
	r.Header.Set("webhook-signature", "v1,"+Sign(key, "msg_1", ts, body))

	_, err := p.ParseWebhook(r, body)
	assert.ErrorIs(t, err, provider.ErrInvalidWebhook)
}

func TestParseWebhook_MissingHeaders(t *testing.T) {
	p := NewProvider(config.ReplicateConfig{}, time.Second)
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	_, err := p.ParseWebhook(r, []byte(`{}`))
	assert.ErrorIs(t, err, provider.ErrInvalidWebhook)
}

func TestParseWebhook_NoSecretRejects(t *testing.T) {
	p := NewProvider(config.ReplicateConfig{}, time.Second)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/replicate", nil)
	r.Header.Set("webhook-id", "msg_1")
	r.Header.Set("webhook-timestamp", "1")
	r.Header.Set("webhook-signature", "v1,garbage")

	ev, err := p.ParseWebhook(r, []byte(`{"id":"pred-1","status":"failed"}`))
	assert.ErrorIs(t, err, provider.ErrInvalidWebhook)
	assert.Empty(t, ev.ExternalJobID)
}
