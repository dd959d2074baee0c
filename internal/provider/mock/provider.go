package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// MockProvider satisfies models.ProviderAdapter and models.WebhookParser for testing.
type MockProvider struct {
	Name_            string
	SubmitFunc       func(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error)
	FetchStatusFunc  func(ctx context.Context, externalJobID string) (models.ProviderStatus, error)
	ParseWebhookFunc func(r *http.Request, body []byte) (models.ProviderEvent, error)

	submitCalls atomic.Int64
	fetchCalls  atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error) {
	m.submitCalls.Add(1)
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	return models.SubmitResult{}, nil
}

func (m *MockProvider) FetchStatus(ctx context.Context, externalJobID string) (models.ProviderStatus, error) {
	m.fetchCalls.Add(1)
	if m.FetchStatusFunc != nil {
		return m.FetchStatusFunc(ctx, externalJobID)
	}
	return models.ProviderStatus{}, nil
}

func (m *MockProvider) ParseWebhook(r *http.Request, body []byte) (models.ProviderEvent, error) {
	if m.ParseWebhookFunc != nil {
		return m.ParseWebhookFunc(r, body)
	}
	return ParseEvent(body)
}

// SubmitCalls reports how many times Submit was invoked.
func (m *MockProvider) SubmitCalls() int { return int(m.submitCalls.Load()) }

// FetchCalls reports how many times FetchStatus was invoked.
func (m *MockProvider) FetchCalls() int { return int(m.fetchCalls.Load()) }

// Event is the JSON body the mock webhook parser accepts.
type Event struct {
	EventID string          `json:"event_id"`
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ParseEvent decodes an Event body into a models.ProviderEvent.
func ParseEvent(body []byte) (models.ProviderEvent, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.ProviderEvent{}, fmt.Errorf("%w: %v", provider.ErrInvalidWebhook, err)
	}
	status := models.JobStatus(ev.Status)
	if ev.EventID == "" || ev.JobID == "" || !status.Valid() {
		return models.ProviderEvent{}, fmt.Errorf("%w: incomplete event", provider.ErrInvalidWebhook)
	}
	return models.ProviderEvent{
		ExternalEventID: ev.EventID,
		ExternalJobID:   ev.JobID,
		Status:          status,
		Output:          ev.Output,
		Error:           ev.Error,
		Raw:             body,
	}, nil
}

// NewMockProvider returns a MockProvider that accepts every submission and
// reports every job as processing.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		SubmitFunc: func(_ context.Context, _ models.SubmitRequest) (models.SubmitResult, error) {
			return models.SubmitResult{ExternalJobID: "ext-" + uuid.NewString()}, nil
		},
		FetchStatusFunc: func(_ context.Context, _ string) (models.ProviderStatus, error) {
			return models.ProviderStatus{Status: models.JobStatusProcessing, Progress: "processing"}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider whose calls always return err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		SubmitFunc: func(_ context.Context, _ models.SubmitRequest) (models.SubmitResult, error) {
			return models.SubmitResult{}, err
		},
		FetchStatusFunc: func(_ context.Context, _ string) (models.ProviderStatus, error) {
			return models.ProviderStatus{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until the context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		SubmitFunc: func(ctx context.Context, _ models.SubmitRequest) (models.SubmitResult, error) {
			<-ctx.Done()
			return models.SubmitResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, ctx.Err())
		},
		FetchStatusFunc: func(ctx context.Context, _ string) (models.ProviderStatus, error) {
			<-ctx.Done()
			return models.ProviderStatus{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, ctx.Err())
		},
	}
}

// NewScriptedProvider returns a MockProvider whose FetchStatus walks through
// steps in order and then repeats the last one.
func NewScriptedProvider(steps ...Step) *MockProvider {
	m := NewMockProvider()
	var (
		mu sync.Mutex
		i  int
	)
	m.FetchStatusFunc = func(_ context.Context, _ string) (models.ProviderStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(steps) == 0 {
			return models.ProviderStatus{Status: models.JobStatusProcessing}, nil
		}
		s := steps[i]
		if i < len(steps)-1 {
			i++
		}
		return s.Status, s.Err
	}
	return m
}

// Step is one scripted FetchStatus answer.
type Step struct {
	Status models.ProviderStatus
	Err    error
}

// Fetch answers with the step. It fits FetchStatusFunc.
func (s Step) Fetch(_ context.Context, _ string) (models.ProviderStatus, error) {
	return s.Status, s.Err
}

// Processing returns n non-terminal steps.
func Processing(n int) []Step {
	out := make([]Step, n)
	for i := range out {
		out[i] = Step{Status: models.ProviderStatus{Status: models.JobStatusProcessing, Progress: "processing"}}
	}
	return out
}

// Succeeded is a terminal success step carrying output.
func Succeeded(output string) Step {
	return Step{Status: models.ProviderStatus{Status: models.JobStatusSucceeded, Output: json.RawMessage(output)}}
}

// Failed is a terminal failure step.
func Failed(msg string) Step {
	return Step{Status: models.ProviderStatus{Status: models.JobStatusFailed, Error: msg}}
}

// Unreachable is a transport failure step.
func Unreachable() Step {
	return Step{Err: provider.ErrProviderUnavailable}
}

var (
	_ models.ProviderAdapter = (*MockProvider)(nil)
	_ models.WebhookParser   = (*MockProvider)(nil)
)
