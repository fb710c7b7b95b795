package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

var errTerminalViaUpdate = errors.New("terminal status must go through TerminateJob or CompleteJob")

// Memory is an in-process Store used by tests and single-node development.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	jobs      map[string]models.Job
	art       map[string]models.ArtRecord
	txns      []models.CreditTransaction
	snapshots map[string]models.BalanceSnapshot
	nextTxnID int64
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:     clk,
		jobs:      make(map[string]models.Job),
		art:       make(map[string]models.ArtRecord),
		txns:      make([]models.CreditTransaction, 0, 64),
		snapshots: make(map[string]models.BalanceSnapshot),
		nextTxnID: 1,
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.Cost <= 0 {
		return models.Job{}, false, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		for _, j := range m.jobs {
			if j.UserID == p.UserID && j.IdempotencyKey != nil && *j.IdempotencyKey == p.IdempotencyKey {
				return cloneJob(j), true, nil
			}
		}
	}
	for _, j := range m.jobs {
		if j.UserID == p.UserID && !j.Status.Terminal() {
			return models.Job{}, false, ErrActiveJobExists
		}
	}
	if m.balanceLocked(p.UserID) < p.Cost {
		return models.Job{}, false, ErrInsufficientFunds
	}

	now := m.clock.Now()
	job := models.Job{
		ID:             uuid.New().String(),
		UserID:         p.UserID,
		Tier:           p.Tier,
		Prompt:         p.Prompt,
		Status:         models.StatusPending,
		Cost:           p.Cost,
		LastProgressAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		Version:        1,
	}
	m.jobs[job.ID] = job
	jobID := job.ID
	m.appendLocked(models.CreditTransaction{
		UserID: p.UserID,
		JobID:  &jobID,
		Amount: -p.Cost,
		Type:   models.TxnDebit,
		Reason: fmt.Sprintf("generation %s", p.Tier),
	})
	return cloneJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) UpdateJob(_ context.Context, job models.Job) (models.Job, error) {
	if job.Status.Terminal() {
		return models.Job{}, errTerminalViaUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.checkWritableLocked(job)
	if err != nil {
		return models.Job{}, err
	}
	next := m.mergeLocked(stored, job)
	m.jobs[next.ID] = next
	return cloneJob(next), nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if j.Status.Terminal() {
		return cloneJob(j), ErrJobTerminal
	}
	j.CancelRequested = true
	m.jobs[id] = j
	return cloneJob(j), nil
}

func (m *Memory) TerminateJob(_ context.Context, job models.Job, txn *models.CreditTransaction) (models.Job, error) {
	if job.Status != models.StatusFailed {
		return models.Job{}, fmt.Errorf("terminate job with status %s", job.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.checkWritableLocked(job)
	if err != nil {
		return models.Job{}, err
	}
	if txn != nil {
		if err := m.checkCreditLocked(txn.Amount, txn.JobID, txn.Type); err != nil {
			return models.Job{}, err
		}
	}
	next := m.mergeLocked(stored, job)
	if next.CompletedAt == nil {
		now := next.UpdatedAt
		next.CompletedAt = &now
	}
	m.jobs[next.ID] = next
	if txn != nil {
		row := *txn
		row.UserID = next.UserID
		m.appendLocked(row)
	}
	return cloneJob(next), nil
}

func (m *Memory) CompleteJob(_ context.Context, job models.Job, art models.ArtRecord) (models.Job, error) {
	if job.Status != models.StatusComplete {
		return models.Job{}, fmt.Errorf("complete job with status %s", job.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.checkWritableLocked(job)
	if err != nil {
		return models.Job{}, err
	}
	next := m.mergeLocked(stored, job)
	if next.CompletedAt == nil {
		now := next.UpdatedAt
		next.CompletedAt = &now
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = next.UpdatedAt
	}
	artID := art.ID
	next.ArtID = &artID
	m.art[art.ID] = art
	m.jobs[next.ID] = next
	return cloneJob(next), nil
}

func (m *Memory) ListNonTerminal(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindActiveByAgent(ctx context.Context, agentID string) (models.Job, bool, error) {
	jobs, err := m.ListNonTerminal(ctx, 0)
	if err != nil {
		return models.Job{}, false, err
	}
	for _, j := range jobs {
		if j.OwnedBy(agentID) {
			return j, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (m *Memory) GetArt(_ context.Context, id string) (models.ArtRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.art[id]
	if !ok {
		return models.ArtRecord{}, ErrArtNotFound
	}
	return a, nil
}

func (m *Memory) Debit(_ context.Context, userID string, amount int64, jobID *string, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceLocked(userID) < amount {
		return models.CreditTransaction{}, ErrInsufficientFunds
	}
	return m.appendLocked(models.CreditTransaction{
		UserID: userID,
		JobID:  jobID,
		Amount: -amount,
		Type:   models.TxnDebit,
		Reason: reason,
	}), nil
}

func (m *Memory) Credit(_ context.Context, userID string, amount int64, jobID *string, typ models.TxnType, reason string) (models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCreditLocked(amount, jobID, typ); err != nil {
		return models.CreditTransaction{}, err
	}
	return m.appendLocked(models.CreditTransaction{
		UserID: userID,
		JobID:  jobID,
		Amount: amount,
		Type:   typ,
		Reason: reason,
	}), nil
}

func (m *Memory) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

// Transactions returns the user's rows newest first.
func (m *Memory) Transactions(_ context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditTransaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		if m.txns[i].UserID != userID {
			continue
		}
		out = append(out, m.txns[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SnapshotBalances(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	next := make(map[string]models.BalanceSnapshot)
	for _, t := range m.txns {
		s := next[t.UserID]
		s.UserID = t.UserID
		s.Balance += t.Amount
		s.AsOfTxnID = t.ID
		s.SnapshotAt = now
		next[t.UserID] = s
	}
	for k, v := range next {
		m.snapshots[k] = v
	}
	return len(next), nil
}

func (m *Memory) ReconcileSnapshots(_ context.Context) ([]Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var drifts []Drift
	for _, s := range m.snapshots {
		var sum int64
		for _, t := range m.txns {
			if t.UserID == s.UserID && t.ID <= s.AsOfTxnID {
				sum += t.Amount
			}
		}
		if sum != s.Balance {
			drifts = append(drifts, Drift{UserID: s.UserID, Snapshot: s.Balance, Ledger: sum, AsOfTxn: s.AsOfTxnID, At: s.SnapshotAt})
		}
	}
	sort.Slice(drifts, func(a, b int) bool { return drifts[a].UserID < drifts[b].UserID })
	return drifts, nil
}

// Snapshot returns the stored snapshot for a user, if any.
func (m *Memory) Snapshot(userID string) (models.BalanceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[userID]
	return s, ok
}

func (m *Memory) checkWritableLocked(job models.Job) (models.Job, error) {
	stored, ok := m.jobs[job.ID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if stored.Status.Terminal() {
		return models.Job{}, ErrJobTerminal
	}
	if stored.Version != job.Version {
		return models.Job{}, ErrVersionConflict
	}
	return stored, nil
}

func (m *Memory) checkCreditLocked(amount int64, jobID *string, typ models.TxnType) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if typ == models.TxnDebit {
		return fmt.Errorf("credit with txn type %s", typ)
	}
	if jobID != nil && isCompensationType(typ) {
		for _, t := range m.txns {
			if t.JobID != nil && *t.JobID == *jobID && isCompensationType(t.Type) {
				return ErrDuplicateCompensation
			}
		}
	}
	return nil
}

// mergeLocked applies the mutable fields of job over stored.
func (m *Memory) mergeLocked(stored, job models.Job) models.Job {
	next := cloneJob(job)
	next.UserID = stored.UserID
	next.Tier = stored.Tier
	next.Prompt = stored.Prompt
	next.Cost = stored.Cost
	next.CreatedAt = stored.CreatedAt
	next.IdempotencyKey = stored.IdempotencyKey
	next.ArtID = stored.ArtID
	next.CancelRequested = stored.CancelRequested
	next.UpdatedAt = m.clock.Now()
	next.Version = stored.Version + 1
	return next
}

func (m *Memory) appendLocked(t models.CreditTransaction) models.CreditTransaction {
	t.ID = m.nextTxnID
	m.nextTxnID++
	t.CreatedAt = m.clock.Now()
	m.txns = append(m.txns, t)
	return t
}

func (m *Memory) balanceLocked(userID string) int64 {
	var sum int64
	for _, t := range m.txns {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum
}

func cloneJob(j models.Job) models.Job {
	out := j
	out.AgentID = clonePtr(j.AgentID)
	out.LastHeartbeatAt = clonePtr(j.LastHeartbeatAt)
	out.StalledAt = clonePtr(j.StalledAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	out.FailureReason = clonePtr(j.FailureReason)
	out.ArtID = clonePtr(j.ArtID)
	out.IdempotencyKey = clonePtr(j.IdempotencyKey)
	out.Compensation = clonePtr(j.Compensation)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
