// Package replicate adapts the Replicate predictions API to models.ProviderAdapter.
package replicate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

const webhookTolerance = 5 * time.Minute

// Provider implements models.ProviderAdapter using Replicate.
type Provider struct {
	cfg    config.ReplicateConfig
	client *http.Client
	now    func() time.Time
}

func NewProvider(cfg config.ReplicateConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (p *Provider) Name() string { return "replicate" }

func (p *Provider) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error) {
	model, ok := p.cfg.Models[req.ToolID]
	if !ok || model == "" {
		return models.SubmitResult{}, fmt.Errorf("%w: no replicate model configured for tool %q",
			provider.ErrProviderRejected, req.ToolID)
	}

	body := predictionRequest{Input: req.Input}
	if req.WebhookURL != "" {
		body.Webhook = req.WebhookURL
		body.WebhookEventsFilter = []string{"completed"}
	}

	// "owner/name" targets the model's latest deployment; anything else is a version id.
	endpoint := p.cfg.BaseURL + "/v1/predictions"
	if strings.Contains(model, "/") && !strings.Contains(model, ":") {
		endpoint = fmt.Sprintf("%s/v1/models/%s/predictions", p.cfg.BaseURL, model)
	} else {
		body.Version = model
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("encoding prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.SubmitResult{}, provider.ClassifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return models.SubmitResult{}, provider.ClassifyStatus(resp)
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return models.SubmitResult{}, fmt.Errorf("%w: decoding prediction: %v", provider.ErrProviderUnavailable, err)
	}
	if pred.ID == "" {
		return models.SubmitResult{}, fmt.Errorf("%w: prediction without id", provider.ErrProviderUnavailable)
	}

	return models.SubmitResult{ExternalJobID: pred.ID}, nil
}

func (p *Provider) FetchStatus(ctx context.Context, externalJobID string) (models.ProviderStatus, error) {
	u := fmt.Sprintf("%s/v1/predictions/%s", p.cfg.BaseURL, url.PathEscape(externalJobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.ProviderStatus{}, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.ProviderStatus{}, provider.ClassifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ProviderStatus{}, provider.ClassifyStatus(resp)
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return models.ProviderStatus{}, fmt.Errorf("%w: decoding prediction: %v", provider.ErrProviderUnavailable, err)
	}

	return pred.toStatus(), nil
}

// ParseWebhook verifies a standard-webhooks signature and decodes the prediction body.
// Without a signing secret every delivery is rejected.
func (p *Provider) ParseWebhook(r *http.Request, body []byte) (models.ProviderEvent, error) {
	id := r.Header.Get("webhook-id")
	ts := r.Header.Get("webhook-timestamp")
	sigs := r.Header.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return models.ProviderEvent{}, fmt.Errorf("%w: missing webhook headers", provider.ErrInvalidWebhook)
	}

	if p.cfg.WebhookSecret == "" {
		return models.ProviderEvent{}, fmt.Errorf("%w: no signing secret configured", provider.ErrInvalidWebhook)
	}
	if err := p.verify(id, ts, sigs, body); err != nil {
		return models.ProviderEvent{}, err
	}

	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return models.ProviderEvent{}, fmt.Errorf("%w: decoding prediction: %v", provider.ErrInvalidWebhook, err)
	}
	if pred.ID == "" {
		return models.ProviderEvent{}, fmt.Errorf("%w: prediction without id", provider.ErrInvalidWebhook)
	}

	st := pred.toStatus()
	return models.ProviderEvent{
		ExternalEventID: id,
		ExternalJobID:   pred.ID,
		Status:          st.Status,
		Output:          st.Output,
		Error:           st.Error,
		Raw:             body,
	}, nil
}

func (p *Provider) verify(id, ts, header string, body []byte) error {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", provider.ErrInvalidWebhook)
	}
	if math.Abs(p.now().Sub(time.Unix(secs, 0)).Seconds()) > webhookTolerance.Seconds() {
		return fmt.Errorf("%w: timestamp outside tolerance", provider.ErrInvalidWebhook)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p.cfg.WebhookSecret, "whsec_"))
	if err != nil {
		return fmt.Errorf("%w: malformed signing secret", provider.ErrInvalidWebhook)
	}

	expected := Sign(key, id, ts, body)
	for _, candidate := range strings.Fields(header) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", provider.ErrInvalidWebhook)
}

// Sign computes the base64 HMAC-SHA256 signature of "id.timestamp.body".
func Sign(key []byte, id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
}

// --- Replicate wire types ---

type predictionRequest struct {
	Version             string          `json:"version,omitempty"`
	Input               json.RawMessage `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	Logs   string          `json:"logs"`
}

func (p prediction) toStatus() models.ProviderStatus {
	st := models.ProviderStatus{Progress: p.Status}
	switch p.Status {
	case "starting":
		st.Status = models.JobStatusQueued
	case "processing":
		st.Status = models.JobStatusProcessing
		st.Progress = lastLogLine(p.Logs)
	case "succeeded":
		st.Status = models.JobStatusSucceeded
		st.Output = p.Output
	case "failed":
		st.Status = models.JobStatusFailed
		st.Error = errorText(p.Error)
	case "canceled":
		st.Status = models.JobStatusCanceled
	default:
		st.Status = models.JobStatusProcessing
	}
	return st
}

func lastLogLine(logs string) string {
	logs = strings.TrimSpace(logs)
	if i := strings.LastIndexByte(logs, '\n'); i >= 0 {
		logs = logs[i+1:]
	}
	if logs == "" {
		return "processing"
	}
	return logs
}

// errorText flattens Replicate's error field, which is a string or null.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "prediction failed"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var (
	_ models.ProviderAdapter = (*Provider)(nil)
	_ models.WebhookParser   = (*Provider)(nil)
)
