package store

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

func newFunded(t *testing.T, user string, amount int64) (*Memory, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	if amount > 0 {
		if _, err := m.Credit(context.Background(), user, amount, nil, models.TxnPurchase, "seed"); err != nil {
			t.Fatalf("seed credit: %v", err)
		}
	}
	return m, clk
}

func TestCreateJobDebitsAtomically(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)

	job, reused, err := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "medium", Cost: 3})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if reused {
		t.Fatalf("expected new job")
	}
	if job.Status != models.StatusPending || job.Version != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	bal, _ := m.Balance(ctx, "u1")
	if bal != 7 {
		t.Fatalf("expected balance 7, got %d", bal)
	}
	txns, _ := m.Transactions(ctx, "u1", 0)
	if len(txns) != 2 || txns[0].Type != models.TxnDebit || txns[0].Amount != -3 || *txns[0].JobID != job.ID {
		t.Fatalf("unexpected ledger: %+v", txns)
	}
}

func TestSecondActiveJobRejectedWithoutLedgerEffect(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)
	if _, _, err := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	before, _ := m.Transactions(ctx, "u1", 0)

	_, _, err := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1})
	if !errors.Is(err, ErrActiveJobExists) {
		t.Fatalf("expected ErrActiveJobExists, got %v", err)
	}
	after, _ := m.Transactions(ctx, "u1", 0)
	if len(after) != len(before) {
		t.Fatalf("rejected creation wrote ledger rows: before=%d after=%d", len(before), len(after))
	}
}

func TestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 2)
	_, _, err := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "large", Cost: 8})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	jobs, _ := m.ListNonTerminal(ctx, 0)
	if len(jobs) != 0 {
		t.Fatalf("expected no job rows, got %d", len(jobs))
	}
	if _, err := m.Debit(ctx, "u1", 3, nil, "manual"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected debit to fail, got %v", err)
	}
}

func TestIdempotencyKeyReturnsExistingJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)
	first, _, err := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, reused, err := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s reused=%v", first.ID, second.ID, reused)
	}
	bal, _ := m.Balance(ctx, "u1")
	if bal != 9 {
		t.Fatalf("replay debited again: balance %d", bal)
	}
}

func TestUpdateJobVersionCheck(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)
	job, _, _ := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1})

	stale := job
	job.Status = models.StatusWaitingForAgent
	updated, err := m.UpdateJob(ctx, job)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	stale.Status = models.StatusExecutingTools
	if _, err := m.UpdateJob(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	updated.Status = models.StatusFailed
	if _, err := m.UpdateJob(ctx, updated); err == nil {
		t.Fatalf("expected terminal status via UpdateJob to be refused")
	}
}

func TestCancelFlagSurvivesUpdates(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)
	job, _, _ := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1})

	if _, err := m.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	job.ToolCallsCompleted = 3
	updated, err := m.UpdateJob(ctx, job)
	if err != nil {
		t.Fatalf("update after cancel: %v", err)
	}
	if !updated.CancelRequested {
		t.Fatalf("cancel flag lost on update")
	}
}

func TestTerminateJobWritesCompensationOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)
	job, _, _ := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "medium", Cost: 3})

	job.Status = models.StatusFailed
	job.Compensation = &models.Compensation{Type: models.CompensationRefundFull, Fault: models.FaultNeverStarted, Amount: 3}
	jobID := job.ID
	txn := &models.CreditTransaction{JobID: &jobID, Amount: 3, Type: models.TxnRefundFull, Reason: "never started"}
	done, err := m.TerminateJob(ctx, job, txn)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if done.CompletedAt == nil || done.Compensation == nil {
		t.Fatalf("terminal job missing completion data: %+v", done)
	}

	if _, err := m.TerminateJob(ctx, job, txn); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal on second terminate, got %v", err)
	}
	if _, err := m.Credit(ctx, "u1", 1, &jobID, models.TxnCompensation, "again"); !errors.Is(err, ErrDuplicateCompensation) {
		t.Fatalf("expected duplicate compensation error, got %v", err)
	}
	bal, _ := m.Balance(ctx, "u1")
	if bal != 10 {
		t.Fatalf("expected full refund to restore 10, got %d", bal)
	}
	if _, err := m.RequestCancel(ctx, job.ID); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected cancel of terminal job to fail, got %v", err)
	}
}

func TestCompleteJobStoresArt(t *testing.T) {
	ctx := context.Background()
	m, _ := newFunded(t, "u1", 10)
	job, _, _ := m.CreateJob(ctx, CreateJobParams{UserID: "u1", Tier: "small", Cost: 1})
	agent := "a1"
	job.AgentID = &agent
	job.Status = models.StatusSealing
	job, _ = m.UpdateJob(ctx, job)

	job.Status = models.StatusComplete
	job.Compensation = &models.Compensation{Type: models.CompensationNone, Fault: models.FaultNone}
	done, err := m.CompleteJob(ctx, job, models.ArtRecord{ID: "art-1", JobID: job.ID, CreatorID: "u1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.ArtID == nil || *done.ArtID != "art-1" {
		t.Fatalf("art id not linked: %+v", done)
	}
	if _, err := m.GetArt(ctx, "art-1"); err != nil {
		t.Fatalf("get art: %v", err)
	}
	if _, found, _ := m.FindActiveByAgent(ctx, agent); found {
		t.Fatalf("completed job still reported active")
	}
}

func TestSnapshotAndReconcile(t *testing.T) {
	ctx := context.Background()
	m, clk := newFunded(t, "u1", 10)
	if _, err := m.Credit(ctx, "u2", 4, nil, models.TxnPurchase, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	n, err := m.SnapshotBalances(ctx)
	if err != nil || n != 2 {
		t.Fatalf("snapshot: n=%d err=%v", n, err)
	}
	clk.Advance(time.Minute)
	if _, err := m.Debit(ctx, "u1", 2, nil, "later"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	drifts, err := m.ReconcileSnapshots(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("rows after the cursor must not count as drift: %+v", drifts)
	}
	s, ok := m.Snapshot("u1")
	if !ok || s.Balance != 10 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestPendingMigrationsOrdering(t *testing.T) {
	fsys := fstest.MapFS{
		"002_indexes.up.sql":  {Data: []byte("--")},
		"001_init.up.sql":     {Data: []byte("--")},
		"001_init.down.sql":   {Data: []byte("--")},
		"notes.txt":           {Data: []byte("ignore")},
		"003_more.up.sql":     {Data: []byte("--")},
		"subdir/004_x.up.sql": {Data: []byte("--")},
	}
	got, err := pendingMigrations(fsys, 1)
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	if len(got) != 2 || got[0].version != 2 || got[1].version != 3 {
		t.Fatalf("unexpected pending list: %+v", got)
	}
}
