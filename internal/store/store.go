package store

import (
	"context"
	"errors"
	"time"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrArtNotFound           = errors.New("art record not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrActiveJobExists       = errors.New("user already has an active job")
	ErrVersionConflict       = errors.New("job version conflict")
	ErrJobTerminal           = errors.New("job is terminal")
	ErrDuplicateCompensation = errors.New("job already compensated")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// CreateJobParams collects inputs required to insert a job and its debit.
type CreateJobParams struct {
	UserID         string
	Tier           string
	Prompt         string
	Cost           int64
	IdempotencyKey string
}

// JobStore persists generation jobs and the art records they produce.
type JobStore interface {
	// CreateJob debits the user and inserts the job in one transaction. The boolean
	// reports whether an existing job was returned because of the idempotency key.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// UpdateJob writes a non-terminal transition if job.Version still matches the stored row.
	UpdateJob(ctx context.Context, job models.Job) (models.Job, error)
	// RequestCancel sets cancel_requested without touching the version.
	RequestCancel(ctx context.Context, id string) (models.Job, error)
	// TerminateJob fails the job and appends its compensation row (when non-nil) atomically.
	TerminateJob(ctx context.Context, job models.Job, txn *models.CreditTransaction) (models.Job, error)
	// CompleteJob inserts the art record and completes the job atomically.
	CompleteJob(ctx context.Context, job models.Job, art models.ArtRecord) (models.Job, error)
	ListNonTerminal(ctx context.Context, limit int) ([]models.Job, error)
	FindActiveByAgent(ctx context.Context, agentID string) (models.Job, bool, error)
	GetArt(ctx context.Context, id string) (models.ArtRecord, error)
}

// Ledger is the append-only credit transaction log. Balance is always a sum.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, jobID *string, reason string) (models.CreditTransaction, error)
	Credit(ctx context.Context, userID string, amount int64, jobID *string, typ models.TxnType, reason string) (models.CreditTransaction, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

// Drift is a snapshot whose balance no longer matches the ledger sum up to its cursor.
type Drift struct {
	UserID   string    `json:"user_id"`
	Snapshot int64     `json:"snapshot_balance"`
	Ledger   int64     `json:"ledger_balance"`
	AsOfTxn  int64     `json:"as_of_txn_id"`
	At       time.Time `json:"snapshot_at"`
}

// Reconciler maintains read-optimized balance snapshots.
type Reconciler interface {
	SnapshotBalances(ctx context.Context) (int, error)
	ReconcileSnapshots(ctx context.Context) ([]Drift, error)
}

// Store is everything the orchestrator needs from durable storage.
type Store interface {
	JobStore
	Ledger
}

func isCompensationType(t models.TxnType) bool {
	switch t {
	case models.TxnRefundFull, models.TxnRefundPartial, models.TxnCompensation:
		return true
	}
	return false
}
