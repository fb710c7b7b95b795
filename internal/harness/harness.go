// Package harness validates tool calls from remote agents and applies them to a job's canvas.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

// Per-call error codes returned to the agent.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeToolNotAllowed   = "tool_not_allowed"
	CodeInvalidArguments = "invalid_arguments"
	CodeOutOfBounds      = "out_of_bounds"
	CodeCeilingReached   = "ceiling_reached"
	CodeJobCancelled     = "job_cancelled"
	CodeJobNotExecuting  = "job_not_executing"
)

// ErrCanvasMissing means the job's working canvas is gone, so no call can be applied.
var ErrCanvasMissing = errors.New("working canvas missing")

// Call is one tool invocation relayed by the agent.
type Call struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string { return e.Code + ": " + e.Message }

// Effect summarizes what a successful call did. The canvas itself is never returned.
type Effect struct {
	Seq           int64 `json:"seq,omitempty"`
	PixelsTouched int   `json:"pixels_touched"`
}

type Result struct {
	Tool     string     `json:"tool"`
	OK       bool       `json:"ok"`
	Effect   *Effect    `json:"effect,omitempty"`
	Error    *CallError `json:"error,omitempty"`
	Finalize bool       `json:"finalize,omitempty"`
}

// CanvasStore is the subset of the working-canvas store the harness writes through.
type CanvasStore interface {
	Read(ctx context.Context, jobID string) (*canvas.Canvas, error)
	Commit(ctx context.Context, jobID string, c *canvas.Canvas, entry models.OpLogEntry) (int64, error)
	AppendLog(ctx context.Context, jobID string, entry models.OpLogEntry) (int64, error)
}

// CancelChecker reports in-process cancellation requests that may not be persisted yet.
type CancelChecker interface {
	Cancelled(jobID string) bool
}

type Harness struct {
	canvases CanvasStore
	tiers    *tier.Catalog
	cancel   CancelChecker
	clock    clock.Clock
}

func New(canvases CanvasStore, tiers *tier.Catalog, cancel CancelChecker, clk clock.Clock) *Harness {
	if clk == nil {
		clk = clock.Real()
	}
	return &Harness{canvases: canvases, tiers: tiers, cancel: cancel, clock: clk}
}

// Apply runs one call through the gate, whitelist, schema, bounds and ceiling checks
// and, when all pass, applies it. Job counters are updated in place; persisting them is
// the caller's job. A non-nil error means the platform could not apply the call at all.
func (h *Harness) Apply(ctx context.Context, job *models.Job, call Call) (Result, error) {
	res := Result{Tool: call.Tool}

	if job.Status.Terminal() || job.Status == models.StatusSealing {
		res.Error = &CallError{Code: CodeJobNotExecuting, Message: fmt.Sprintf("job is %s", job.Status)}
		return res, nil
	}
	if job.CancelRequested || (h.cancel != nil && h.cancel.Cancelled(job.ID)) {
		res.Error = &CallError{Code: CodeJobCancelled, Message: "job cancelled"}
		return res, nil
	}

	t, err := h.tiers.Get(job.Tier)
	if err != nil {
		return res, err
	}

	// (1) whitelist
	if !Known(call.Tool) {
		return h.reject(job, res, &CallError{Code: CodeUnknownTool, Message: fmt.Sprintf("unknown tool %q", call.Tool)}), nil
	}
	if !t.Allows(call.Tool) {
		return h.reject(job, res, &CallError{
			Code:    CodeToolNotAllowed,
			Message: fmt.Sprintf("tool %q is not available in the %s tier", call.Tool, t.Name),
		}), nil
	}
	// (2) schema
	tool, cerr := Parse(call.Tool, call.Args)
	if cerr != nil {
		return h.reject(job, res, cerr), nil
	}
	// (3) bounds
	if cerr := checkBounds(tool, t.Width, t.Height); cerr != nil {
		return h.reject(job, res, cerr), nil
	}

	if _, ok := tool.(SealCanvas); ok {
		job.ConsecutiveValidationFailures = 0
		res.OK = true
		res.Finalize = true
		res.Effect = &Effect{}
		return res, nil
	}

	// (4) ceiling
	if job.ToolCallsCompleted >= t.HardCeiling {
		return h.reject(job, res, &CallError{
			Code:    CodeCeilingReached,
			Message: fmt.Sprintf("hard ceiling of %d tool calls reached", t.HardCeiling),
		}), nil
	}

	args, err := json.Marshal(tool)
	if err != nil {
		return res, fmt.Errorf("encode %s args: %w", call.Tool, err)
	}
	entry := models.OpLogEntry{Tool: tool.Name(), Args: args, At: h.clock.Now()}

	var seq int64
	touched := 0
	if tool.mutates() {
		cv, err := h.canvases.Read(ctx, job.ID)
		if err != nil {
			return res, canvasErr(err)
		}
		touched = tool.draw(cv)
		if seq, err = h.canvases.Commit(ctx, job.ID, cv, entry); err != nil {
			return res, canvasErr(err)
		}
	} else if seq, err = h.canvases.AppendLog(ctx, job.ID, entry); err != nil {
		return res, canvasErr(err)
	}

	job.ToolCallsCompleted++
	job.ConsecutiveValidationFailures = 0
	telemetry.ToolCallsApplied.WithLabelValues(tool.Name()).Inc()
	res.OK = true
	res.Effect = &Effect{Seq: seq, PixelsTouched: touched}
	return res, nil
}

func (h *Harness) reject(job *models.Job, res Result, cerr *CallError) Result {
	job.ConsecutiveValidationFailures++
	telemetry.ToolCallsRejected.WithLabelValues(cerr.Code).Inc()
	res.Error = cerr
	return res
}

func canvasErr(err error) error {
	if errors.Is(err, canvas.ErrNotFound) {
		return ErrCanvasMissing
	}
	return fmt.Errorf("canvas store: %w", err)
}
