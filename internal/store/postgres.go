package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

const (
	uniqueViolation = "23505"

	activeJobIndex    = "jobs_one_active_per_user"
	idempotencyIndex  = "jobs_user_idempotency_key"
	compensationIndex = "credit_transactions_one_compensation"
)

const jobColumns = `id::text, user_id, tier, prompt, status, agent_id, cost, tool_calls_completed,
	consecutive_validation_failures, cancel_requested, last_heartbeat_at, last_progress_at, stalled_at,
	created_at, updated_at, completed_at, compensation_type, compensation_fault, compensation_amount,
	compensation_reason, failure_reason, art_id::text, idempotency_key, version`

const notTerminal = `status NOT IN ('COMPLETE', 'FAILED')`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres wraps pgxpool for durable job, ledger and art persistence.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, clk clock.Clock) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Postgres{pool: pool, clock: clk}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJob serializes per user with an advisory lock, checks the active-job rule and
// balance, then inserts the job and its debit in the same transaction.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.Cost <= 0 {
		return models.Job{}, false, ErrInvalidAmount
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := lockUser(ctx, tx, p.UserID); err != nil {
		return models.Job{}, false, err
	}

	if p.IdempotencyKey != "" {
		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND idempotency_key = $2`,
			p.UserID, p.IdempotencyKey))
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return models.Job{}, false, err
		}
	}

	var active bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE user_id = $1 AND `+notTerminal+`)`, p.UserID).Scan(&active); err != nil {
		return models.Job{}, false, fmt.Errorf("check active job: %w", err)
	}
	if active {
		return models.Job{}, false, ErrActiveJobExists
	}

	balance, err := balanceOf(ctx, tx, p.UserID)
	if err != nil {
		return models.Job{}, false, err
	}
	if balance < p.Cost {
		return models.Job{}, false, ErrInsufficientFunds
	}

	now := s.clock.Now()
	id := uuid.New().String()
	job, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, tier, prompt, status, cost, last_progress_at, created_at, updated_at, idempotency_key, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7, $8, 1)
		RETURNING `+jobColumns,
		id, p.UserID, p.Tier, p.Prompt, string(models.StatusPending), p.Cost, now, emptyToNil(p.IdempotencyKey)))
	if err != nil {
		return models.Job{}, false, mapUnique(fmt.Errorf("insert job: %w", err))
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, job_id, amount, txn_type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.UserID, id, -p.Cost, string(models.TxnDebit), fmt.Sprintf("generation %s", p.Tier), now); err != nil {
		return models.Job{}, false, fmt.Errorf("insert debit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, mapUnique(fmt.Errorf("commit: %w", err))
	}
	return job, false, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	return getJob(ctx, s.pool, id)
}

func (s *Postgres) UpdateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.Status.Terminal() {
		return models.Job{}, errTerminalViaUpdate
	}
	out, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, agent_id = $4, tool_calls_completed = $5, consecutive_validation_failures = $6,
		    last_heartbeat_at = $7, last_progress_at = $8, stalled_at = $9, failure_reason = $10,
		    updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2 AND `+notTerminal+`
		RETURNING `+jobColumns,
		job.ID, job.Version, string(job.Status), job.AgentID, job.ToolCallsCompleted, job.ConsecutiveValidationFailures,
		job.LastHeartbeatAt, job.LastProgressAt, job.StalledAt, job.FailureReason, s.clock.Now()))
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, classifyMiss(ctx, s.pool, job.ID)
	}
	return out, err
}

func (s *Postgres) RequestCancel(ctx context.Context, id string) (models.Job, error) {
	out, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE id = $1 AND `+notTerminal+`
		RETURNING `+jobColumns, id))
	if !errors.Is(err, ErrJobNotFound) {
		return out, err
	}
	existing, err := getJob(ctx, s.pool, id)
	if err != nil {
		return models.Job{}, err
	}
	return existing, ErrJobTerminal
}

func (s *Postgres) TerminateJob(ctx context.Context, job models.Job, txn *models.CreditTransaction) (models.Job, error) {
	if job.Status != models.StatusFailed {
		return models.Job{}, fmt.Errorf("terminate job with status %s", job.Status)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out, err := s.finish(ctx, tx, job)
	if err != nil {
		return models.Job{}, err
	}
	if txn != nil {
		if txn.Amount <= 0 {
			return models.Job{}, ErrInvalidAmount
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO credit_transactions (user_id, job_id, amount, txn_type, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, out.UserID, out.ID, txn.Amount, string(txn.Type), txn.Reason, out.UpdatedAt); err != nil {
			return models.Job{}, mapUnique(fmt.Errorf("insert compensation: %w", err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, mapUnique(fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

func (s *Postgres) CompleteJob(ctx context.Context, job models.Job, art models.ArtRecord) (models.Job, error) {
	if job.Status != models.StatusComplete {
		return models.Job{}, fmt.Errorf("complete job with status %s", job.Status)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job.ArtID = &art.ID
	out, err := s.finish(ctx, tx, job)
	if err != nil {
		return models.Job{}, err
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = out.UpdatedAt
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO art_records (id, job_id, creator_id, tier, width, height, image_uri, thumbnail_uri, archive_uri,
			generation_hash, seal_signature, seal_key_version, tool_call_count, sequence_hash, tradeable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, art.ID, art.JobID, art.CreatorID, art.Tier, art.Width, art.Height, art.ImageURI, art.ThumbnailURI, art.ArchiveURI,
		art.GenerationHash, art.SealSignature, art.SealKeyVersion, art.ToolCallCount, art.SequenceHash, art.Tradeable, art.CreatedAt); err != nil {
		return models.Job{}, fmt.Errorf("insert art record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// finish writes a terminal transition under the version check.
func (s *Postgres) finish(ctx context.Context, tx pgx.Tx, job models.Job) (models.Job, error) {
	now := s.clock.Now()
	completedAt := job.CompletedAt
	if completedAt == nil {
		completedAt = &now
	}
	var compType, compFault, compReason pgtype.Text
	var compAmount pgtype.Int8
	if c := job.Compensation; c != nil {
		compType = pgtype.Text{String: string(c.Type), Valid: true}
		compFault = pgtype.Text{String: string(c.Fault), Valid: true}
		compReason = pgtype.Text{String: c.Reason, Valid: true}
		compAmount = pgtype.Int8{Int64: c.Amount, Valid: true}
	}
	out, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, agent_id = $4, tool_calls_completed = $5, consecutive_validation_failures = $6,
		    last_heartbeat_at = $7, last_progress_at = $8, stalled_at = $9, failure_reason = $10,
		    completed_at = $11, compensation_type = $12, compensation_fault = $13, compensation_amount = $14,
		    compensation_reason = $15, art_id = $16, updated_at = $17, version = version + 1
		WHERE id = $1 AND version = $2 AND `+notTerminal+`
		RETURNING `+jobColumns,
		job.ID, job.Version, string(job.Status), job.AgentID, job.ToolCallsCompleted, job.ConsecutiveValidationFailures,
		job.LastHeartbeatAt, job.LastProgressAt, job.StalledAt, job.FailureReason,
		completedAt, compType, compFault, compAmount, compReason, job.ArtID, now))
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, classifyMiss(ctx, tx, job.ID)
	}
	return out, err
}

func (s *Postgres) ListNonTerminal(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE `+notTerminal+`
		ORDER BY created_at
		LIMIT NULLIF($1, 0)
	`, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Postgres) FindActiveByAgent(ctx context.Context, agentID string) (models.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE agent_id = $1 AND `+notTerminal+`
		ORDER BY created_at LIMIT 1
	`, agentID))
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return j, true, nil
}

func (s *Postgres) GetArt(ctx context.Context, id string) (models.ArtRecord, error) {
	var a models.ArtRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, job_id::text, creator_id, tier, width, height, image_uri, thumbnail_uri, archive_uri,
			generation_hash, seal_signature, seal_key_version, tool_call_count, sequence_hash, tradeable, created_at
		FROM art_records WHERE id = $1
	`, id).Scan(&a.ID, &a.JobID, &a.CreatorID, &a.Tier, &a.Width, &a.Height, &a.ImageURI, &a.ThumbnailURI, &a.ArchiveURI,
		&a.GenerationHash, &a.SealSignature, &a.SealKeyVersion, &a.ToolCallCount, &a.SequenceHash, &a.Tradeable, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ArtRecord{}, ErrArtNotFound
	}
	if err != nil {
		return models.ArtRecord{}, fmt.Errorf("scan art record: %w", err)
	}
	return a, nil
}

func (s *Postgres) Debit(ctx context.Context, userID string, amount int64, jobID *string, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockUser(ctx, tx, userID); err != nil {
		return models.CreditTransaction{}, err
	}
	balance, err := balanceOf(ctx, tx, userID)
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if balance < amount {
		return models.CreditTransaction{}, ErrInsufficientFunds
	}
	out, err := insertTxn(ctx, tx, models.CreditTransaction{
		UserID: userID, JobID: jobID, Amount: -amount, Type: models.TxnDebit, Reason: reason, CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Postgres) Credit(ctx context.Context, userID string, amount int64, jobID *string, typ models.TxnType, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	if typ == models.TxnDebit {
		return models.CreditTransaction{}, fmt.Errorf("credit with txn type %s", typ)
	}
	out, err := insertTxn(ctx, s.pool, models.CreditTransaction{
		UserID: userID, JobID: jobID, Amount: amount, Type: typ, Reason: reason, CreatedAt: s.clock.Now(),
	})
	return out, mapUnique(err)
}

func (s *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	return balanceOf(ctx, s.pool, userID)
}

func (s *Postgres) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, job_id::text, amount, txn_type, reason, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY id DESC
		LIMIT NULLIF($2, 0)
	`, userID, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &t.JobID, &t.Amount, &typ, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = models.TxnType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SnapshotBalances upserts one snapshot per user as of their latest ledger row.
func (s *Postgres) SnapshotBalances(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO balance_snapshots (user_id, balance, as_of_txn_id, snapshot_at)
		SELECT user_id, SUM(amount)::bigint, MAX(id), $1
		FROM credit_transactions
		GROUP BY user_id
		ON CONFLICT (user_id) DO UPDATE
		SET balance = EXCLUDED.balance, as_of_txn_id = EXCLUDED.as_of_txn_id, snapshot_at = EXCLUDED.snapshot_at
	`, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("snapshot balances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReconcileSnapshots recomputes each snapshot from the ledger up to its cursor.
func (s *Postgres) ReconcileSnapshots(ctx context.Context) ([]Drift, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.user_id, s.balance, COALESCE(SUM(t.amount), 0)::bigint, s.as_of_txn_id, s.snapshot_at
		FROM balance_snapshots s
		LEFT JOIN credit_transactions t ON t.user_id = s.user_id AND t.id <= s.as_of_txn_id
		GROUP BY s.user_id, s.balance, s.as_of_txn_id, s.snapshot_at
		HAVING s.balance <> COALESCE(SUM(t.amount), 0)
		ORDER BY s.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("reconcile snapshots: %w", err)
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.UserID, &d.Snapshot, &d.Ledger, &d.AsOfTxn, &d.At); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock user ledger: %w", err)
	}
	return nil
}

func balanceOf(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM credit_transactions WHERE user_id = $1`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("sum balance: %w", err)
	}
	return balance, nil
}

func insertTxn(ctx context.Context, q querier, t models.CreditTransaction) (models.CreditTransaction, error) {
	if err := q.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, job_id, amount, txn_type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, t.UserID, t.JobID, t.Amount, string(t.Type), t.Reason, t.CreatedAt).Scan(&t.ID); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}

func getJob(ctx context.Context, q querier, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrJobNotFound
	}
	return scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// classifyMiss explains why a guarded update matched no row.
func classifyMiss(ctx context.Context, q querier, id string) error {
	j, err := getJob(ctx, q, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	return ErrVersionConflict
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var status string
	var compType, compFault, compReason pgtype.Text
	var compAmount pgtype.Int8
	err := row.Scan(&j.ID, &j.UserID, &j.Tier, &j.Prompt, &status, &j.AgentID, &j.Cost, &j.ToolCallsCompleted,
		&j.ConsecutiveValidationFailures, &j.CancelRequested, &j.LastHeartbeatAt, &j.LastProgressAt, &j.StalledAt,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &compType, &compFault, &compAmount,
		&compReason, &j.FailureReason, &j.ArtID, &j.IdempotencyKey, &j.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.Status = models.JobStatus(status)
	if compType.Valid {
		j.Compensation = &models.Compensation{
			Type:   models.CompensationType(compType.String),
			Fault:  models.Fault(compFault.String),
			Amount: compAmount.Int64,
			Reason: compReason.String,
		}
	}
	return j, nil
}

// mapUnique translates unique-index violations into store sentinels.
func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case activeJobIndex:
		return ErrActiveJobExists
	case compensationIndex:
		return ErrDuplicateCompensation
	case idempotencyIndex:
		return fmt.Errorf("idempotency key reused concurrently: %w", ErrActiveJobExists)
	}
	return err
}
