// Package fal adapts the fal.ai queue API to models.ProviderAdapter.
package fal

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// idSep joins the application id and the queue request id into one external job id.
// The queue endpoints are addressed per application, so both halves are needed to poll.
const idSep = "|"

// Provider implements models.ProviderAdapter using the fal.ai queue.
type Provider struct {
	cfg    config.FalConfig
	client *http.Client
}

func NewProvider(cfg config.FalConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "fal" }

func (p *Provider) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error) {
	app, ok := p.cfg.Models[req.ToolID]
	if !ok || app == "" {
		return models.SubmitResult{}, fmt.Errorf("%w: no fal application configured for tool %q",
			provider.ErrProviderRejected, req.ToolID)
	}

	endpoint := fmt.Sprintf("%s/%s", p.cfg.BaseURL, app)
	if req.WebhookURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(p.webhookURL(req.WebhookURL, app))
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.SubmitResult{}, provider.ClassifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.SubmitResult{}, provider.ClassifyStatus(resp)
	}

	var queued queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return models.SubmitResult{}, fmt.Errorf("%w: decoding queue response: %v", provider.ErrProviderUnavailable, err)
	}
	if queued.RequestID == "" {
		return models.SubmitResult{}, fmt.Errorf("%w: queue response without request_id", provider.ErrProviderUnavailable)
	}

	return models.SubmitResult{ExternalJobID: JoinID(app, queued.RequestID)}, nil
}

func (p *Provider) FetchStatus(ctx context.Context, externalJobID string) (models.ProviderStatus, error) {
	app, requestID, err := SplitID(externalJobID)
	if err != nil {
		return models.ProviderStatus{}, err
	}
	base := fmt.Sprintf("%s/%s/requests/%s", p.cfg.BaseURL, appRoot(app), url.PathEscape(requestID))

	resp, err := p.get(ctx, base+"/status?logs=1")
	if err != nil {
		return models.ProviderStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return models.ProviderStatus{}, provider.ClassifyStatus(resp)
	}

	var st queueStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return models.ProviderStatus{}, fmt.Errorf("%w: decoding status: %v", provider.ErrProviderUnavailable, err)
	}

	switch st.Status {
	case "IN_QUEUE":
		label := "queued"
		if st.QueuePosition != nil {
			label = fmt.Sprintf("queued (position %d)", *st.QueuePosition)
		}
		return models.ProviderStatus{Status: models.JobStatusQueued, Progress: label}, nil
	case "IN_PROGRESS":
		return models.ProviderStatus{Status: models.JobStatusProcessing, Progress: st.lastLog()}, nil
	case "COMPLETED":
		return p.fetchResult(ctx, base)
	default:
		return models.ProviderStatus{Status: models.JobStatusProcessing, Progress: strings.ToLower(st.Status)}, nil
	}
}

// fetchResult reads a completed request's response. fal reports model errors
// through the response status code rather than the queue status.
func (p *Provider) fetchResult(ctx context.Context, base string) (models.ProviderStatus, error) {
	resp, err := p.get(ctx, base)
	if err != nil {
		return models.ProviderStatus{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return models.ProviderStatus{}, fmt.Errorf("%w: decoding result: %v", provider.ErrProviderUnavailable, err)
		}
		return models.ProviderStatus{Status: models.JobStatusSucceeded, Output: out}, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return models.ProviderStatus{}, provider.ClassifyStatus(resp)
	default:
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return models.ProviderStatus{Status: models.JobStatusFailed, Error: body.message(resp.StatusCode)}, nil
	}
}

// ParseWebhook authenticates a queue callback by its token and decodes it.
// The application id travels in the callback URL set at submission.
func (p *Provider) ParseWebhook(r *http.Request, body []byte) (models.ProviderEvent, error) {
	q := r.URL.Query()
	if p.cfg.WebhookToken == "" {
		return models.ProviderEvent{}, fmt.Errorf("%w: no webhook token configured", provider.ErrInvalidWebhook)
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("token")), []byte(p.cfg.WebhookToken)) != 1 {
		return models.ProviderEvent{}, fmt.Errorf("%w: bad token", provider.ErrInvalidWebhook)
	}
	app := q.Get("app")
	if app == "" {
		return models.ProviderEvent{}, fmt.Errorf("%w: missing app", provider.ErrInvalidWebhook)
	}

	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return models.ProviderEvent{}, fmt.Errorf("%w: decoding callback: %v", provider.ErrInvalidWebhook, err)
	}
	if cb.RequestID == "" {
		return models.ProviderEvent{}, fmt.Errorf("%w: callback without request_id", provider.ErrInvalidWebhook)
	}

	ev := models.ProviderEvent{
		ExternalEventID: cb.RequestID + ":" + cb.Status,
		ExternalJobID:   JoinID(app, cb.RequestID),
		Raw:             body,
	}
	switch cb.Status {
	case "OK":
		ev.Status = models.JobStatusSucceeded
		ev.Output = cb.Payload
	case "ERROR":
		ev.Status = models.JobStatusFailed
		ev.Error = cb.Error
		if ev.Error == "" {
			ev.Error = "request failed"
		}
	default:
		return models.ProviderEvent{}, fmt.Errorf("%w: status %q", provider.ErrEventIgnored, cb.Status)
	}
	return ev, nil
}

func (p *Provider) webhookURL(base, app string) string {
	v := url.Values{}
	v.Set("app", app)
	if p.cfg.WebhookToken != "" {
		v.Set("token", p.cfg.WebhookToken)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + v.Encode()
}

func (p *Provider) get(ctx context.Context, u string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransportError(ctx, err)
	}
	return resp, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Key "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// JoinID builds the external job id stored for a fal request.
func JoinID(app, requestID string) string {
	return app + idSep + requestID
}

// SplitID reverses JoinID.
func SplitID(externalJobID string) (app, requestID string, err error) {
	app, requestID, ok := strings.Cut(externalJobID, idSep)
	if !ok || app == "" || requestID == "" {
		return "", "", fmt.Errorf("%w: malformed fal job id %q", provider.ErrProviderRejected, externalJobID)
	}
	return app, requestID, nil
}

// appRoot trims an application id to "owner/app"; request endpoints ignore sub-paths.
func appRoot(app string) string {
	parts := strings.SplitN(app, "/", 3)
	if len(parts) < 2 {
		return app
	}
	return parts[0] + "/" + parts[1]
}

// --- fal wire types ---

type queueResponse struct {
	RequestID string `json:"request_id"`
}

type queueStatus struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
}

func (s queueStatus) lastLog() string {
	if len(s.Logs) == 0 {
		return "processing"
	}
	return s.Logs[len(s.Logs)-1].Message
}

type callback struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func (e errorBody) message(code int) string {
	if len(e.Detail) == 0 {
		return fmt.Sprintf("request failed with status %d", code)
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return string(e.Detail)
}

var (
	_ models.ProviderAdapter = (*Provider)(nil)
	_ models.WebhookParser   = (*Provider)(nil)
)
