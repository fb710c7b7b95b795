// Package orchestrator owns the generation job state machine: creation, agent
// assignment, batch application, finalization, cancellation and timeouts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/config"
	"github.com/xihreaux01/pixel-art-platform/internal/events"
	"github.com/xihreaux01/pixel-art-platform/internal/finalize"
	"github.com/xihreaux01/pixel-art-platform/internal/harness"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/store"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

var (
	ErrNotJobOwner   = errors.New("job is not assigned to this agent")
	ErrInvalidPrompt = errors.New("prompt must be between 1 and 2000 characters")
)

const (
	maxPromptLen = 2000
	// persistTimeout bounds store writes made after the caller's context may have expired.
	persistTimeout = 10 * time.Second
)

// Queue hands pending jobs to polling agents and carries per-agent notices.
type Queue interface {
	Publish(ctx context.Context, jobID string) (bool, error)
	Claim(ctx context.Context) (string, error)
	Remove(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
	NotifyCancelled(ctx context.Context, agentID, jobID string) error
	DrainCancelled(ctx context.Context, agentID string) ([]string, error)
}

// Canvases is the working-canvas store as seen by the orchestrator.
type Canvases interface {
	harness.CanvasStore
	Create(ctx context.Context, jobID string, width, height int) (*canvas.Canvas, error)
	Log(ctx context.Context, jobID string) ([]models.OpLogEntry, error)
	Exists(ctx context.Context, jobID string) (bool, error)
	Touch(ctx context.Context, jobID string) (bool, error)
	Delete(ctx context.Context, jobID string) error
}

// Publisher receives best-effort progress events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

type sweepConfig struct {
	interval    time.Duration
	concurrency int
	batchSize   int
	jobTimeout  time.Duration
}

type Orchestrator struct {
	store    store.Store
	canvases Canvases
	queue    Queue
	tiers    *tier.Catalog
	harness  *harness.Harness
	pipeline finalize.Pipeline
	events   Publisher
	clock    clock.Clock
	policy   Policy
	sweep    sweepConfig
	locks    *keyedLocks

	mu        sync.Mutex
	cancelled map[string]struct{}
	sealing   sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithEvents(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func New(cfg config.Config, st store.Store, canvases Canvases, q Queue, tiers *tier.Catalog, pipeline finalize.Pipeline, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		canvases: canvases,
		queue:    q,
		tiers:    tiers,
		pipeline: pipeline,
		clock:    clock.Real(),
		policy:   PolicyFromConfig(cfg),
		sweep: sweepConfig{
			interval:    cfg.SweepInterval,
			concurrency: cfg.SweepConcurrency,
			batchSize:   cfg.SweepBatchSize,
			jobTimeout:  cfg.SweepJobTimeout,
		},
		locks:     newKeyedLocks(),
		cancelled: make(map[string]struct{}),
	}
	if o.sweep.interval <= 0 {
		o.sweep.interval = 30 * time.Second
	}
	if o.sweep.concurrency <= 0 {
		o.sweep.concurrency = 8
	}
	if o.sweep.jobTimeout <= 0 {
		o.sweep.jobTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(o)
	}
	o.harness = harness.New(canvases, tiers, o, o.clock)
	return o
}

// Cancelled reports an in-process cancellation request for jobID.
func (o *Orchestrator) Cancelled(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelled[jobID]
	return ok
}

func (o *Orchestrator) setCancelled(jobID string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.cancelled[jobID] = struct{}{}
	} else {
		delete(o.cancelled, jobID)
	}
}

// Wait blocks until in-flight finalizations finish.
func (o *Orchestrator) Wait() {
	o.sealing.Wait()
}

// CreateJob debits the tier cost and enqueues a new job. A repeated idempotency key
// returns the original job with reused set.
func (o *Orchestrator) CreateJob(ctx context.Context, userID, tierName, prompt, idempotencyKey string) (models.Job, bool, error) {
	t, err := o.tiers.Get(tierName)
	if err != nil {
		return models.Job{}, false, err
	}
	if n := utf8.RuneCountInString(prompt); n == 0 || n > maxPromptLen {
		return models.Job{}, false, ErrInvalidPrompt
	}
	job, reused, err := o.store.CreateJob(ctx, store.CreateJobParams{
		UserID:         userID,
		Tier:           t.Name,
		Prompt:         prompt,
		Cost:           t.Cost,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if reused {
		return job, true, nil
	}
	telemetry.JobsCreated.WithLabelValues(t.Name).Inc()
	// a failed publish is repaired by the sweep
	if _, err := o.queue.Publish(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("publish pending job")
	}
	log.Info().Str("job_id", job.ID).Str("user_id", userID).Str("tier", t.Name).Int64("cost", job.Cost).Msg("job created")
	o.publish(ctx, job)
	return job, false, nil
}

// GetJob returns the job if it belongs to userID.
func (o *Orchestrator) GetJob(ctx context.Context, userID, jobID string) (models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.UserID != userID {
		return models.Job{}, store.ErrJobNotFound
	}
	return job, nil
}

// Cancel requests cancellation. The job fails at once unless a batch or finalization
// holds it, in which case the holder completes the cancellation when it lets go.
func (o *Orchestrator) Cancel(ctx context.Context, userID, jobID string) (models.Job, error) {
	job, err := o.GetJob(ctx, userID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status.Terminal() {
		return job, store.ErrJobTerminal
	}
	if job, err = o.store.RequestCancel(ctx, jobID); err != nil {
		return job, err
	}
	o.setCancelled(jobID, true)
	log.Info().Str("job_id", jobID).Str("user_id", userID).Str("status", string(job.Status)).Msg("cancel requested")

	if unlock, ok := o.locks.TryLock(jobID); ok {
		o.release(ctx, jobID, unlock)
	}
	return o.store.GetJob(ctx, jobID)
}

// release unlocks jobID, first finishing any cancellation that arrived while it was held.
func (o *Orchestrator) release(ctx context.Context, jobID string, unlock func()) {
	if o.Cancelled(jobID) {
		o.finishCancel(ctx, jobID)
	}
	unlock()
	// a cancel may have landed between the check and the unlock
	if o.Cancelled(jobID) {
		if again, ok := o.locks.TryLock(jobID); ok {
			o.finishCancel(ctx, jobID)
			again()
		}
	}
}

// finishCancel must run under the job lock.
func (o *Orchestrator) finishCancel(ctx context.Context, jobID string) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("load job for cancellation")
		return
	}
	if job.Status.Terminal() {
		o.setCancelled(jobID, false)
		return
	}
	if _, err := o.fail(ctx, job, models.FaultUserCancelled, "cancelled by user"); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("finish cancellation")
	}
}

func (o *Orchestrator) estimate(job models.Job) int {
	t, err := o.tiers.Get(job.Tier)
	if err != nil {
		return 0
	}
	return t.SoftBudget
}

// fail moves job to FAILED with one compensation decision. Callers hold the job lock.
func (o *Orchestrator) fail(ctx context.Context, job models.Job, fault models.Fault, reason string) (models.Job, error) {
	ctx, cancel := persistContext(ctx)
	defer cancel()

	comp := o.policy.Compensate(job, o.estimate(job), fault, reason)
	now := o.clock.Now()
	job.Status = models.StatusFailed
	job.Compensation = &comp
	job.FailureReason = &reason
	job.CompletedAt = &now
	job.LastProgressAt = now

	updated, err := o.store.TerminateJob(ctx, job, ledgerRow(job, comp))
	if err != nil {
		return job, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	o.afterTerminal(ctx, updated)
	return updated, nil
}

func (o *Orchestrator) complete(ctx context.Context, job models.Job, art models.ArtRecord) (models.Job, error) {
	ctx, cancel := persistContext(ctx)
	defer cancel()

	comp := o.policy.Compensate(job, o.estimate(job), models.FaultNone, "completed")
	now := o.clock.Now()
	job.Status = models.StatusComplete
	job.Compensation = &comp
	job.CompletedAt = &now
	job.LastProgressAt = now

	updated, err := o.store.CompleteJob(ctx, job, art)
	if err != nil {
		return job, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	o.afterTerminal(ctx, updated)
	return updated, nil
}

// afterTerminal is the best-effort cleanup shared by every terminal transition.
func (o *Orchestrator) afterTerminal(ctx context.Context, job models.Job) {
	o.setCancelled(job.ID, false)
	if err := o.canvases.Delete(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("delete working canvas")
	}
	if err := o.queue.Remove(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("remove from pending queue")
	}
	if job.AgentID != nil {
		if err := o.queue.NotifyCancelled(ctx, *job.AgentID, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Str("agent_id", *job.AgentID).Msg("notify agent")
		}
	}

	fault, typ, amount := string(models.FaultNone), string(models.CompensationNone), int64(0)
	if job.Compensation != nil {
		fault, typ, amount = string(job.Compensation.Fault), string(job.Compensation.Type), job.Compensation.Amount
	}
	telemetry.JobsTerminal.WithLabelValues(string(job.Status), fault).Inc()
	if amount > 0 {
		telemetry.CreditsCompensated.WithLabelValues(typ).Add(float64(amount))
	}
	log.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("status", string(job.Status)).
		Str("fault", fault).
		Int64("refund", amount).
		Int("tool_calls", job.ToolCallsCompleted).
		Msg("job finished")
	o.publish(ctx, job)
}

func (o *Orchestrator) publish(ctx context.Context, job models.Job) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, events.FromJob(job, o.clock.Now()))
}

// persistContext keeps deadlines from the caller but survives its cancellation.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
