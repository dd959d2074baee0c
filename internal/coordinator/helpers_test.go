package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/pricing"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/internal/provider/mock"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/internal/store/memstore"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memstore.Store
	prov   *mock.MockProvider
	coord  *coordinator.Coordinator
	userID uuid.UUID
}

func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		WebhookGrace:     0,
		PollInterval:     time.Millisecond,
		MaxAttempts:      150,
		RestoreWindow:    5 * time.Minute,
		RefundOnFailure:  true,
		SubmitRetries:    2,
		SubmitBackoff:    time.Millisecond,
		SubmitMaxBackoff: 4 * time.Millisecond,
		ReconcileBatch:   50,
	}
}

// newFixture builds a coordinator over an in-memory store with a user holding
// balance credits. mutate adjusts options before construction.
func newFixture(t *testing.T, prov *mock.MockProvider, balance int64, mutate ...func(*coordinator.Options)) *fixture {
	t.Helper()
	st := memstore.New()
	opts := coordinator.Options{
		Store:           st,
		Providers:       provider.NewRegistry(prov),
		Pricing:         pricing.DefaultCatalog(),
		Config:          testConfig(),
		DefaultProvider: prov.Name(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f := &fixture{
		store:  st,
		prov:   prov,
		coord:  coordinator.New(opts),
		userID: uuid.New(),
	}
	if balance > 0 {
		_, err := st.TopUpCredits(context.Background(), f.userID, balance, "test")
		require.NoError(t, err)
	}
	return f
}

// submit submits a logo-machine job, which costs 8 credits with default input.
func (f *fixture) submit(t *testing.T) *models.GenerationJob {
	t.Helper()
	res, err := f.coord.Submit(context.Background(), coordinator.SubmitRequest{
		UserID: f.userID,
		ToolID: "logo-machine",
	})
	require.NoError(t, err)
	return res.Job
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.GenerationJob {
	t.Helper()
	j, err := f.store.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) ledger(t *testing.T) *models.CreditLedger {
	t.Helper()
	l, err := f.store.GetCreditLedger(context.Background(), f.userID)
	require.NoError(t, err)
	return l
}

func (f *fixture) settlements(t *testing.T, jobID uuid.UUID) []models.CreditEntryType {
	t.Helper()
	txs, err := f.store.ListCreditTransactions(context.Background(), store.TransactionFilter{UserID: f.userID, JobID: &jobID})
	require.NoError(t, err)
	var out []models.CreditEntryType
	for _, tx := range txs {
		if tx.EntryType == models.CreditEntryCommit || tx.EntryType == models.CreditEntryRelease {
			out = append(out, tx.EntryType)
		}
	}
	return out
}

// recorder collects poller updates.
type recorder struct {
	ch chan coordinator.Update
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan coordinator.Update, 1024)}
}

func (r *recorder) report(u coordinator.Update) { r.ch <- u }

// final waits for the first update that ends the watch.
func (r *recorder) final(t *testing.T) coordinator.Update {
	t.Helper()
	return waitFinal(t, r.ch)
}

func waitFinal(t *testing.T, ch <-chan coordinator.Update) coordinator.Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Final() {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for a final update")
			return coordinator.Update{}
		}
	}
}

func waitKind(t *testing.T, ch <-chan coordinator.Update, kind coordinator.UpdateKind) coordinator.Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s update", kind)
			return coordinator.Update{}
		}
	}
}

func eventFor(job *models.GenerationJob, eventID string, status models.JobStatus, output string) models.ProviderEvent {
	ev := models.ProviderEvent{
		ExternalEventID: eventID,
		ExternalJobID:   job.ExternalJobID,
		Status:          status,
		Raw:             []byte(`{"id":"` + eventID + `"}`),
	}
	if output != "" {
		ev.Output = []byte(output)
	}
	return ev
}
