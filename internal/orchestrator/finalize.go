package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xihreaux01/pixel-art-platform/internal/finalize"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

func (o *Orchestrator) enterSealing(ctx context.Context, job models.Job) (models.Job, error) {
	job.Status = models.StatusSealing
	job.LastProgressAt = o.clock.Now()
	updated, err := o.store.UpdateJob(ctx, job)
	if err != nil {
		return job, fmt.Errorf("enter sealing: %w", err)
	}
	log.Info().Str("job_id", job.ID).Int("tool_calls", updated.ToolCallsCompleted).Msg("job sealing")
	o.publish(ctx, updated)
	return updated, nil
}

// startFinalize runs the pipeline in the background. The goroutine takes over the job
// lock and releases it when the job is terminal.
func (o *Orchestrator) startFinalize(job models.Job, t tier.Tier, unlock func()) {
	o.sealing.Add(1)
	go func() {
		defer o.sealing.Done()
		bg := context.Background()
		defer o.release(bg, job.ID, unlock)

		timeout := t.Timeouts.Sealing
		if timeout <= 0 {
			timeout = tier.DefaultTimeouts.Sealing
		}
		ctx, cancel := context.WithTimeout(bg, timeout)
		defer cancel()
		if _, err := o.runFinalize(ctx, job, t); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("finalize job")
		}
	}()
}

type finalizeOutcome struct {
	art models.ArtRecord
	err error
}

func (o *Orchestrator) runFinalize(ctx context.Context, job models.Job, t tier.Tier) (models.Job, error) {
	cv, err := o.canvases.Read(ctx, job.ID)
	if err != nil {
		return o.fail(ctx, job, models.FaultPlatform, "working canvas unavailable at seal")
	}
	entries, err := o.canvases.Log(ctx, job.ID)
	if err != nil {
		return o.fail(ctx, job, models.FaultPlatform, "operation log unavailable at seal")
	}

	done := make(chan finalizeOutcome, 1)
	go func() {
		art, err := o.pipeline.Finalize(ctx, finalize.Input{Job: job, Tier: t, Canvas: cv, Log: entries})
		done <- finalizeOutcome{art: art, err: err}
	}()

	var out finalizeOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}

	// cancellation wins over a finished seal
	latest, err := o.store.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return job, fmt.Errorf("reload sealing job: %w", err)
	}
	if latest.Status.Terminal() {
		return latest, nil
	}
	if latest.CancelRequested || o.Cancelled(job.ID) {
		return o.fail(ctx, latest, models.FaultUserCancelled, "cancelled by user")
	}

	switch {
	case out.err == nil:
		return o.complete(ctx, latest, out.art)
	case errors.Is(out.err, finalize.ErrContentRejected):
		return o.fail(ctx, latest, models.FaultModelQuality, "content rejected by moderation")
	case errors.Is(out.err, context.DeadlineExceeded):
		return o.fail(ctx, latest, models.FaultPlatform, "seal timed out")
	default:
		log.Warn().Err(out.err).Str("job_id", job.ID).Msg("finalize pipeline failed")
		return o.fail(ctx, latest, models.FaultPlatform, "seal failed")
	}
}
