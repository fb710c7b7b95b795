package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/harness"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/store"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

// CodeInternal marks calls the platform could not attempt; they do not count as failures.
const CodeInternal = "internal_error"

// maxClaimAttempts bounds how many stale queue entries one poll will skip.
const maxClaimAttempts = 10

// Descriptor is everything an agent needs to work on a job.
type Descriptor struct {
	JobID              string           `json:"job_id"`
	Prompt             string           `json:"prompt"`
	Tier               string           `json:"tier"`
	Status             models.JobStatus `json:"status"`
	Width              int              `json:"width"`
	Height             int              `json:"height"`
	Tools              []harness.Schema `json:"tools"`
	FinalizeTool       string           `json:"finalize_tool"`
	SoftBudget         int              `json:"soft_budget"`
	HardCeiling        int              `json:"hard_ceiling"`
	ToolCallsCompleted int              `json:"tool_calls_completed"`
}

type PollResult struct {
	Job       *Descriptor `json:"job"`
	Cancelled []string    `json:"cancelled"`
}

type Progress struct {
	Status                        models.JobStatus `json:"status"`
	ToolCallsCompleted            int              `json:"tool_calls_completed"`
	ConsecutiveValidationFailures int              `json:"consecutive_validation_failures"`
	SoftBudget                    int              `json:"soft_budget"`
	HardCeiling                   int              `json:"hard_ceiling"`
}

type SubmitResult struct {
	JobID    string           `json:"job_id"`
	Results  []harness.Result `json:"results"`
	Progress Progress         `json:"progress"`
}

type HeartbeatResult struct {
	JobID    string   `json:"job_id"`
	Progress Progress `json:"progress"`
}

func describe(job models.Job, t tier.Tier) Descriptor {
	names := append([]string{}, t.Tools...)
	if !contains(names, tier.FinalizeTool) {
		names = append(names, tier.FinalizeTool)
	}
	return Descriptor{
		JobID:              job.ID,
		Prompt:             job.Prompt,
		Tier:               t.Name,
		Status:             job.Status,
		Width:              t.Width,
		Height:             t.Height,
		Tools:              harness.Schemas(names),
		FinalizeTool:       tier.FinalizeTool,
		SoftBudget:         t.SoftBudget,
		HardCeiling:        t.HardCeiling,
		ToolCallsCompleted: job.ToolCallsCompleted,
	}
}

func progress(job models.Job, t tier.Tier) Progress {
	return Progress{
		Status:                        job.Status,
		ToolCallsCompleted:            job.ToolCallsCompleted,
		ConsecutiveValidationFailures: job.ConsecutiveValidationFailures,
		SoftBudget:                    t.SoftBudget,
		HardCeiling:                   t.HardCeiling,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Poll never blocks: it returns the agent's current job, a newly claimed one, or none,
// along with ids of jobs the agent should stop working on.
func (o *Orchestrator) Poll(ctx context.Context, agentID string) (PollResult, error) {
	res := PollResult{Cancelled: []string{}}
	notices, err := o.queue.DrainCancelled(ctx, agentID)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("drain cancellation notices")
	} else if len(notices) > 0 {
		res.Cancelled = notices
	}

	if job, ok, err := o.store.FindActiveByAgent(ctx, agentID); err != nil {
		return res, fmt.Errorf("find active job: %w", err)
	} else if ok {
		t, err := o.tiers.Get(job.Tier)
		if err != nil {
			return res, err
		}
		d := describe(job, t)
		res.Job = &d
		return res, nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		id, err := o.queue.Claim(ctx)
		if err != nil {
			return res, fmt.Errorf("claim pending job: %w", err)
		}
		if id == "" {
			return res, nil
		}
		d, ok, err := o.claim(ctx, agentID, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Str("agent_id", agentID).Msg("claim job")
			continue
		}
		if ok {
			res.Job = &d
			return res, nil
		}
	}
	return res, nil
}

// claim moves a PENDING job to WAITING_FOR_AGENT with a fresh canvas.
func (o *Orchestrator) claim(ctx context.Context, agentID, jobID string) (Descriptor, bool, error) {
	unlock, ok := o.locks.TryLock(jobID)
	if !ok {
		// busy jobs are republished by the sweep if still pending
		return Descriptor{}, false, nil
	}
	defer o.release(ctx, jobID, unlock)

	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return Descriptor{}, false, nil
	}
	if err != nil {
		return Descriptor{}, false, err
	}
	if job.Status != models.StatusPending || job.CancelRequested || o.Cancelled(jobID) {
		return Descriptor{}, false, nil
	}
	t, err := o.tiers.Get(job.Tier)
	if err != nil {
		return Descriptor{}, false, err
	}

	if _, err := o.canvases.Create(ctx, jobID, t.Width, t.Height); errors.Is(err, canvas.ErrExists) {
		// leftover from an earlier claim that never persisted
		if err := o.canvases.Delete(ctx, jobID); err != nil {
			return Descriptor{}, false, err
		}
		if _, err := o.canvases.Create(ctx, jobID, t.Width, t.Height); err != nil {
			return Descriptor{}, false, err
		}
	} else if err != nil {
		return Descriptor{}, false, err
	}

	job.Status = models.StatusWaitingForAgent
	job.AgentID = &agentID
	job.LastProgressAt = o.clock.Now()
	updated, err := o.store.UpdateJob(ctx, job)
	if err != nil {
		_ = o.canvases.Delete(ctx, jobID)
		return Descriptor{}, false, err
	}
	log.Info().Str("job_id", jobID).Str("agent_id", agentID).Msg("job claimed")
	o.publish(ctx, updated)
	return describe(updated, t), true, nil
}

// ownedJob loads jobID and checks the agent holds it.
func (o *Orchestrator) ownedJob(ctx context.Context, agentID, jobID string) (models.Job, tier.Tier, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, tier.Tier{}, err
	}
	if !job.OwnedBy(agentID) {
		return models.Job{}, tier.Tier{}, ErrNotJobOwner
	}
	t, err := o.tiers.Get(job.Tier)
	if err != nil {
		return models.Job{}, tier.Tier{}, err
	}
	return job, t, nil
}

// activate brings a WAITING or STALLED job into EXECUTING_TOOLS in memory. It reports
// false when the job cannot execute. A STALLED job whose canvas is gone is failed here;
// one past its grace window is left for the sweep.
func (o *Orchestrator) activate(ctx context.Context, job *models.Job, t tier.Tier) (bool, error) {
	now := o.clock.Now()
	switch job.Status {
	case models.StatusWaitingForAgent:
		job.Status = models.StatusExecutingTools
		job.LastProgressAt = now
		return true, nil
	case models.StatusExecutingTools:
		return true, nil
	case models.StatusStalled:
		since := job.LastActivity()
		if job.StalledAt != nil {
			since = *job.StalledAt
		}
		if now.Sub(since) >= t.Timeouts.Grace {
			return false, nil
		}
		present, err := o.canvases.Exists(ctx, job.ID)
		if err != nil {
			return false, fmt.Errorf("check canvas: %w", err)
		}
		if !present {
			failed, err := o.fail(ctx, *job, models.FaultAgentLoss, "working canvas evicted while stalled")
			if err != nil {
				return false, err
			}
			*job = failed
			return false, nil
		}
		job.Status = models.StatusExecutingTools
		job.StalledAt = nil
		job.LastProgressAt = now
		log.Info().Str("job_id", job.ID).Msg("job resumed")
		return true, nil
	}
	return false, nil
}

// Submit applies a batch in order under the job lock. Concurrent batches for the same
// job queue behind each other in arrival order.
func (o *Orchestrator) Submit(ctx context.Context, agentID, jobID string, calls []harness.Call) (SubmitResult, error) {
	unlock, err := o.locks.Lock(ctx, jobID)
	if err != nil {
		return SubmitResult{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			o.release(ctx, jobID, unlock)
		}
	}()

	job, t, err := o.ownedJob(ctx, agentID, jobID)
	if err != nil {
		return SubmitResult{}, err
	}
	out := SubmitResult{JobID: jobID, Results: make([]harness.Result, 0, len(calls))}

	startStatus := job.Status
	executing, err := o.activate(ctx, &job, t)
	if err != nil {
		return SubmitResult{}, err
	}
	if !executing {
		msg := fmt.Sprintf("job is %s", job.Status)
		if job.Status == models.StatusStalled {
			msg = "job stalled past its grace window"
		}
		for _, c := range calls {
			out.Results = append(out.Results, rejected(c, harness.CodeJobNotExecuting, msg))
		}
		out.Progress = progress(job, t)
		return out, nil
	}
	// any batch from the owner counts as liveness, even one with no valid call
	received := o.clock.Now()
	job.LastHeartbeatAt = &received

	var cause *terminalCause
	seal, halted := false, false
	applied := 0
	for i, call := range calls {
		switch {
		case halted:
			out.Results = append(out.Results, rejected(call, CodeInternal, "not attempted"))
			continue
		case cause != nil || seal:
			out.Results = append(out.Results, rejected(call, harness.CodeJobNotExecuting, "job is no longer executing"))
			continue
		}

		res, err := o.harness.Apply(ctx, &job, call)
		if err != nil {
			if errors.Is(err, harness.ErrCanvasMissing) {
				cause = &terminalCause{fault: models.FaultPlatform, reason: "working canvas lost"}
			} else {
				log.Error().Err(err).Str("job_id", jobID).Int("call", i).Str("tool", call.Tool).Msg("apply tool call")
				halted = true
			}
			out.Results = append(out.Results, rejected(call, CodeInternal, "call could not be applied"))
			continue
		}
		out.Results = append(out.Results, res)

		if res.OK && !res.Finalize {
			applied++
			job.LastProgressAt = o.clock.Now()
		}
		switch {
		case res.Finalize:
			seal = true
		case job.ConsecutiveValidationFailures >= o.policy.MaxConsecutiveFailures:
			cause = &terminalCause{
				fault:  models.FaultModelQuality,
				reason: fmt.Sprintf("%d consecutive invalid tool calls", job.ConsecutiveValidationFailures),
			}
		case res.OK && job.ToolCallsCompleted >= t.HardCeiling:
			seal = true
		}
	}

	switch {
	case job.CancelRequested || o.Cancelled(jobID):
		job, err = o.fail(ctx, job, models.FaultUserCancelled, "cancelled by user")
	case cause != nil:
		job, err = o.fail(ctx, job, cause.fault, cause.reason)
	case seal:
		if job, err = o.enterSealing(ctx, job); err == nil {
			handedOff = true
			o.startFinalize(job, t, unlock)
		}
	default:
		if job, err = o.store.UpdateJob(ctx, job); err == nil {
			if _, terr := o.canvases.Touch(ctx, jobID); terr != nil {
				log.Warn().Err(terr).Str("job_id", jobID).Msg("refresh canvas ttl")
			}
			if applied > 0 || job.Status != startStatus {
				o.publish(ctx, job)
			}
		}
	}
	if err != nil {
		return SubmitResult{}, err
	}
	out.Progress = progress(job, t)
	return out, nil
}

type terminalCause struct {
	fault  models.Fault
	reason string
}

func rejected(call harness.Call, code, msg string) harness.Result {
	return harness.Result{Tool: call.Tool, Error: &harness.CallError{Code: code, Message: msg}}
}

// Heartbeat records liveness. It never waits: if a batch or finalization holds the job
// the heartbeat is redundant and only the current progress is returned.
func (o *Orchestrator) Heartbeat(ctx context.Context, agentID, jobID string) (HeartbeatResult, error) {
	unlock, ok := o.locks.TryLock(jobID)
	if !ok {
		job, t, err := o.ownedJob(ctx, agentID, jobID)
		if err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{JobID: jobID, Progress: progress(job, t)}, nil
	}
	defer o.release(ctx, jobID, unlock)

	job, t, err := o.ownedJob(ctx, agentID, jobID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	before := job.Status
	executing, err := o.activate(ctx, &job, t)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if executing {
		now := o.clock.Now()
		job.LastHeartbeatAt = &now
		if job, err = o.store.UpdateJob(ctx, job); err != nil {
			return HeartbeatResult{}, fmt.Errorf("record heartbeat: %w", err)
		}
		if _, err := o.canvases.Touch(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("refresh canvas ttl")
		}
		if before != job.Status {
			o.publish(ctx, job)
		}
	}
	return HeartbeatResult{JobID: jobID, Progress: progress(job, t)}, nil
}
