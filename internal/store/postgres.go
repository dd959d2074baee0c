package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Credit Ledger ---

const ledgerColumns = `user_id, available_credits, reserved_credits, total_credits, period_start, period_end, updated_at`

func (s *PostgresStore) GetCreditLedger(ctx context.Context, userID uuid.UUID) (*models.CreditLedger, error) {
	var l models.CreditLedger
	err := s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledgers WHERE user_id = $1`, userID,
	).Scan(&l.UserID, &l.AvailableCredits, &l.ReservedCredits, &l.TotalCredits,
		&l.PeriodStart, &l.PeriodEnd, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.CreditLedger{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credit ledger: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) TopUpCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*models.CreditLedger, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top up amount must be positive, got %d", amount)
	}

	var l models.CreditLedger
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO credit_ledgers (user_id, available_credits, total_credits, updated_at)
			 VALUES ($1, $2, $2, NOW())
			 ON CONFLICT (user_id) DO UPDATE SET
			   available_credits = credit_ledgers.available_credits + EXCLUDED.available_credits,
			   total_credits = credit_ledgers.total_credits + EXCLUDED.total_credits,
			   updated_at = NOW()
			 RETURNING `+ledgerColumns, userID, amount,
		).Scan(&l.UserID, &l.AvailableCredits, &l.ReservedCredits, &l.TotalCredits,
			&l.PeriodStart, &l.PeriodEnd, &l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert credit ledger: %w", err)
		}
		return insertTransaction(ctx, tx, userID, nil, models.CreditEntryTopUp, amount, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("top up credits: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, filter TransactionFilter) ([]*models.CreditTransaction, error) {
	query := `SELECT id, user_id, job_id, entry_type, amount, reason, created_at
		 FROM credit_transactions WHERE user_id = $1`
	args := []any{filter.UserID}
	if filter.JobID != nil {
		query += ` AND job_id = $2`
		args = append(args, *filter.JobID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d`, normalizeLimit(filter.Limit, 100, 1000))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.JobID, &t.EntryType, &t.Amount, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID uuid.UUID, jobID *uuid.UUID,
	entry models.CreditEntryType, amount int64, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, job_id, entry_type, amount, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), userID, jobID, entry, amount, reason)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// --- Generation Jobs ---

const jobColumns = `id, user_id, tool_id, provider, external_job_id, status, input_data, output_data,
	error_message, credits_reserved, credits_finalized, reservation_held, needs_reconciliation,
	reconcile_reason, result_seen_at, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.UserID, &j.ToolID, &j.Provider, &j.ExternalJobID, &j.Status,
		&j.InputData, &j.OutputData, &j.ErrorMessage, &j.CreditsReserved, &j.CreditsFinalized,
		&j.ReservationHeld, &j.NeedsReconciliation, &j.ReconcileReason, &j.ResultSeenAt,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.GenerationJob, error) {
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func insertJob(ctx context.Context, q interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, job *models.GenerationJob) error {
	_, err := q.Exec(ctx,
		`INSERT INTO generation_jobs (id, user_id, tool_id, provider, external_job_id, status, input_data,
		   credits_reserved, credits_finalized, reservation_held, needs_reconciliation, reconcile_reason,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10, $11, $12, $13)`,
		job.ID, job.UserID, job.ToolID, job.Provider, job.ExternalJobID, job.Status, job.InputData,
		job.CreditsReserved, job.ReservationHeld, job.NeedsReconciliation, job.ReconcileReason,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJobWithReservation(ctx context.Context, job *models.GenerationJob) error {
	job.ReservationHeld = true
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if job.CreditsReserved > 0 {
			tag, err := tx.Exec(ctx,
				`UPDATE credit_ledgers SET
				   available_credits = available_credits - $2,
				   reserved_credits = reserved_credits + $2,
				   updated_at = NOW()
				 WHERE user_id = $1 AND available_credits >= $2`,
				job.UserID, job.CreditsReserved)
			if err != nil {
				return fmt.Errorf("reserve credits: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrInsufficientCredits
			}
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		if job.CreditsReserved > 0 {
			return insertTransaction(ctx, tx, job.UserID, &job.ID, models.CreditEntryReserve,
				job.CreditsReserved, job.ToolID)
		}
		return nil
	})
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	return insertJob(ctx, s.pool, job)
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByExternalID(ctx context.Context, provider, externalJobID string) (*models.GenerationJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE provider = $1 AND external_job_id = $2`,
		provider, externalJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.GenerationJob, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.ToolID != "" {
		conditions = append(conditions, fmt.Sprintf("tool_id = $%d", argIdx))
		args = append(args, filter.ToolID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
		argIdx++
	}
	if !filter.CompletedSince.IsZero() {
		conditions = append(conditions, fmt.Sprintf("completed_at >= $%d", argIdx))
		args = append(args, filter.CompletedSince)
		argIdx++
	}
	if filter.UnseenOnly {
		conditions = append(conditions, "result_seen_at IS NULL")
	}

	order := "created_at DESC"
	if !filter.CompletedSince.IsZero() {
		order = "completed_at DESC, created_at DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM generation_jobs WHERE %s ORDER BY %s LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), order, argIdx)
	args = append(args, normalizeLimit(filter.Limit, 20, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs SET status = 'processing', updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, p FinalizeParams) (bool, error) {
	if !p.Status.IsTerminal() {
		return false, fmt.Errorf("finalize job: %q is not a terminal status", p.Status)
	}
	completedAt := p.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	won := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			userID   uuid.UUID
			reserved int64
			held     bool
		)
		err := tx.QueryRow(ctx,
			`UPDATE generation_jobs SET
			   status = $2, output_data = $3, error_message = $4,
			   completed_at = $5, updated_at = $5, credits_finalized = TRUE,
			   needs_reconciliation = CASE WHEN reservation_held THEN FALSE ELSE needs_reconciliation END
			 WHERE id = $1 AND credits_finalized = FALSE AND status IN ('queued', 'processing')
			 RETURNING user_id, credits_reserved, reservation_held`,
			p.JobID, p.Status, p.Output, p.ErrorMessage, completedAt,
		).Scan(&userID, &reserved, &held)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		won = true

		if !held || reserved == 0 {
			return nil
		}

		entry := SettlementFor(p)
		query := `UPDATE credit_ledgers SET reserved_credits = reserved_credits - $2, updated_at = NOW() WHERE user_id = $1`
		if entry == models.CreditEntryRelease {
			query = `UPDATE credit_ledgers SET
			   reserved_credits = reserved_credits - $2,
			   available_credits = available_credits + $2,
			   updated_at = NOW()
			 WHERE user_id = $1`
		}
		if _, err := tx.Exec(ctx, query, userID, reserved); err != nil {
			return fmt.Errorf("settle ledger: %w", err)
		}
		return insertTransaction(ctx, tx, userID, &p.JobID, entry, reserved, string(p.Status))
	})
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	if won {
		return true, nil
	}

	// Lost the race, or the job does not exist at all.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM generation_jobs WHERE id = $1)`, p.JobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) FlagForReconciliation(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs SET needs_reconciliation = TRUE, reconcile_reason = $2, updated_at = NOW()
		 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("flag job for reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReconciliationJobs(ctx context.Context, filter ReconcileFilter) ([]*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE needs_reconciliation`
	if filter.ActiveOnly {
		query += ` AND status IN ('queued', 'processing')`
	}
	query += ` ORDER BY updated_at ASC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, normalizeLimit(filter.Limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("list reconciliation jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) MarkResultSeen(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs SET result_seen_at = COALESCE(result_seen_at, NOW())
		 WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("mark result seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Webhook Deliveries ---

const deliveryColumns = `id, provider, external_event_id, external_job_id, status, payload, outcome, received_at, processed_at`

func (s *PostgresStore) RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) (*models.WebhookDelivery, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_deliveries (id, provider, external_event_id, external_job_id, status, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider, external_event_id) DO NOTHING
		 RETURNING id`,
		d.ID, d.Provider, d.ExternalEventID, d.ExternalJobID, d.Status, d.Payload, d.ReceivedAt,
	).Scan(&id)
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("record webhook delivery: %w", err)
	}

	var stored models.WebhookDelivery
	err = s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE provider = $1 AND external_event_id = $2`,
		d.Provider, d.ExternalEventID,
	).Scan(&stored.ID, &stored.Provider, &stored.ExternalEventID, &stored.ExternalJobID, &stored.Status,
		&stored.Payload, &stored.Outcome, &stored.ReceivedAt, &stored.ProcessedAt)
	if err != nil {
		return nil, false, fmt.Errorf("load existing webhook delivery: %w", err)
	}
	return &stored, false, nil
}

func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, id uuid.UUID, outcome string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET processed_at = NOW(), outcome = $2 WHERE id = $1`, id, outcome)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
