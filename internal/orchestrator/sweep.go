package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
)

// Sweep transition kinds, also used as metric labels.
const (
	SweepCancelled      = "cancelled"
	SweepPendingTimeout = "pending_timeout"
	SweepWaitingTimeout = "waiting_timeout"
	SweepStalled        = "stalled"
	SweepGraceExpired   = "grace_expired"
	SweepCanvasEvicted  = "canvas_evicted"
	SweepSealTimeout    = "seal_timeout"
)

type SweepReport struct {
	Scanned      int `json:"scanned"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
	Republished  int `json:"republished"`
}

// Run sweeps every interval until ctx ends, then waits for in-flight finalizations.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.sweep.interval)
	defer ticker.Stop()
	defer o.Wait()

	for {
		if report, err := o.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("sweep failed")
		} else if report.Transitioned > 0 || report.Skipped > 0 {
			log.Info().
				Int("scanned", report.Scanned).
				Int("transitioned", report.Transitioned).
				Int("skipped", report.Skipped).
				Int("republished", report.Republished).
				Msg("sweep round")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep applies due timeout transitions to every non-terminal job. It is the only
// writer of timeout transitions. Busy jobs are skipped until the next round.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	jobs, err := o.store.ListNonTerminal(ctx, o.sweep.batchSize)
	if err != nil {
		return SweepReport{}, err
	}
	if depth, err := o.queue.Depth(ctx); err == nil {
		telemetry.PendingQueueDepth.Set(float64(depth))
	}

	var transitioned, skipped, republished atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.sweep.concurrency)
	for _, job := range jobs {
		id := job.ID
		g.Go(func() error {
			jctx, cancel := context.WithTimeout(ctx, o.sweep.jobTimeout)
			defer cancel()
			kind, ok, err := o.sweepJob(jctx, id)
			switch {
			case err != nil:
				log.Warn().Err(err).Str("job_id", id).Msg("sweep job")
			case !ok:
				skipped.Add(1)
			case kind == "republished":
				republished.Add(1)
			case kind != "":
				transitioned.Add(1)
				telemetry.SweepTransitions.WithLabelValues(kind).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepReport{
		Scanned:      len(jobs),
		Transitioned: int(transitioned.Load()),
		Skipped:      int(skipped.Load()),
		Republished:  int(republished.Load()),
	}, nil
}

// sweepJob reports the transition applied, if any, and false when the job was busy.
func (o *Orchestrator) sweepJob(ctx context.Context, jobID string) (string, bool, error) {
	unlock, ok := o.locks.TryLock(jobID)
	if !ok {
		return "", false, nil
	}
	defer o.release(ctx, jobID, unlock)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", true, err
	}
	if job.Status.Terminal() {
		return "", true, nil
	}
	if job.CancelRequested {
		_, err := o.fail(ctx, job, models.FaultUserCancelled, "cancelled by user")
		return SweepCancelled, true, err
	}
	t, err := o.tiers.Get(job.Tier)
	if err != nil {
		return "", true, err
	}

	now := o.clock.Now()
	limit := t.Timeout(job.Status)
	switch job.Status {
	case models.StatusPending:
		if now.Sub(job.LastProgressAt) >= limit {
			_, err := o.fail(ctx, job, models.FaultNeverStarted, "no agent claimed the job")
			return SweepPendingTimeout, true, err
		}
		added, err := o.queue.Publish(ctx, job.ID)
		if err != nil || !added {
			return "", true, err
		}
		return "republished", true, nil

	case models.StatusWaitingForAgent:
		if now.Sub(job.LastProgressAt) >= limit {
			_, err := o.fail(ctx, job, models.FaultNeverStarted, "agent never started the job")
			return SweepWaitingTimeout, true, err
		}

	case models.StatusExecutingTools:
		if now.Sub(job.LastActivity()) >= limit {
			job.Status = models.StatusStalled
			job.StalledAt = &now
			updated, err := o.store.UpdateJob(ctx, job)
			if err != nil {
				return "", true, err
			}
			log.Info().Str("job_id", job.ID).Time("last_activity", job.LastActivity()).Msg("job stalled")
			o.publish(ctx, updated)
			return SweepStalled, true, nil
		}

	case models.StatusStalled:
		since := job.LastActivity()
		if job.StalledAt != nil {
			since = *job.StalledAt
		}
		if now.Sub(since) >= limit {
			_, err := o.fail(ctx, job, models.FaultAgentLoss, "agent did not return within the grace window")
			return SweepGraceExpired, true, err
		}
		present, err := o.canvases.Exists(ctx, job.ID)
		if err != nil {
			return "", true, err
		}
		if !present {
			_, err := o.fail(ctx, job, models.FaultAgentLoss, "working canvas evicted while stalled")
			return SweepCanvasEvicted, true, err
		}

	case models.StatusSealing:
		// an in-process finalizer holds the lock, so reaching here means none owns the job
		if now.Sub(job.LastProgressAt) >= limit {
			_, err := o.fail(ctx, job, models.FaultPlatform, "seal did not finish")
			return SweepSealTimeout, true, err
		}
	}
	return "", true, nil
}
