package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

type cancelSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (c *cancelSet) Cancelled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[id]
}

type fixture struct {
	h        *Harness
	canvases *canvas.Store
	cancel   *cancelSet
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := canvas.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	cancel := &cancelSet{ids: map[string]bool{}}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return fixture{
		h:        New(store, tier.NewCatalog(tier.DefaultTimeouts), cancel, clk),
		canvases: store,
		cancel:   cancel,
	}
}

func (f fixture) job(t *testing.T, id, tierName string) *models.Job {
	t.Helper()
	tr, _ := tier.NewCatalog(tier.DefaultTimeouts).Get(tierName)
	if _, err := f.canvases.Create(context.Background(), id, tr.Width, tr.Height); err != nil {
		t.Fatalf("create canvas: %v", err)
	}
	return &models.Job{ID: id, Tier: tierName, Status: models.StatusExecutingTools}
}

func call(tool, args string) Call {
	return Call{Tool: tool, Args: json.RawMessage(args)}
}

func mustApply(t *testing.T, f fixture, job *models.Job, c Call) Result {
	t.Helper()
	res, err := f.h.Apply(context.Background(), job, c)
	if err != nil {
		t.Fatalf("apply %s: %v", c.Tool, err)
	}
	return res
}

func TestWhitelistRejectsHigherTierTools(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, "j1", "small")

	res := mustApply(t, f, job, call(ToolDrawCircle, `{"cx":1,"cy":1,"radius":1,"r":0,"g":0,"b":0}`))
	if res.OK || res.Error.Code != CodeToolNotAllowed {
		t.Fatalf("expected tool_not_allowed, got %+v", res)
	}
	res = mustApply(t, f, job, call("explode", `{}`))
	if res.OK || res.Error.Code != CodeUnknownTool {
		t.Fatalf("expected unknown_tool, got %+v", res)
	}
	if job.ConsecutiveValidationFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", job.ConsecutiveValidationFailures)
	}
}

func TestSchemaValidation(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, "j1", "large")
	cases := []struct {
		name string
		call Call
	}{
		{"missing field", call(ToolSetPixel, `{"x":1,"y":1,"r":0,"g":0}`)},
		{"unexpected field", call(ToolSetPixel, `{"x":1,"y":1,"r":0,"g":0,"b":0,"a":1}`)},
		{"string for integer", call(ToolSetPixel, `{"x":"1","y":1,"r":0,"g":0,"b":0}`)},
		{"float for integer", call(ToolSetPixel, `{"x":1.5,"y":1,"r":0,"g":0,"b":0}`)},
		{"channel out of range", call(ToolSetPixel, `{"x":1,"y":1,"r":256,"g":0,"b":0}`)},
		{"null value", call(ToolSetPixel, `{"x":null,"y":1,"r":0,"g":0,"b":0}`)},
		{"not an object", call(ToolSetPixel, `[1,2]`)},
		{"inverted rect", call(ToolFillRect, `{"x1":5,"y1":0,"x2":1,"y2":3,"r":0,"g":0,"b":0}`)},
		{"radius too large", call(ToolDrawCircle, `{"cx":5,"cy":5,"radius":33,"r":0,"g":0,"b":0}`)},
		{"bad enum", call(ToolMirror, `{"axis":"diagonal"}`)},
		{"bool as string", call(ToolDrawCircle, `{"cx":5,"cy":5,"radius":3,"r":0,"g":0,"b":0,"fill":"yes"}`)},
		{"palette triple", call(ToolSetPalette, `{"colors":[[1,2]]}`)},
		{"degrees range", call(ToolRotate, `{"degrees":360}`)},
		{"finalize with args", call(ToolSealCanvas, `{"now":true}`)},
	}
	for _, tc := range cases {
		res := mustApply(t, f, job, tc.call)
		if res.OK || res.Error == nil || res.Error.Code != CodeInvalidArguments {
			t.Fatalf("%s: expected invalid_arguments, got %+v", tc.name, res)
		}
	}
	if job.ToolCallsCompleted != 0 {
		t.Fatalf("rejected calls counted as completed: %d", job.ToolCallsCompleted)
	}
}

func TestOutOfBoundsDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.job(t, "j1", "small")
	before, _ := f.canvases.Read(ctx, "j1")

	for _, c := range []Call{
		call(ToolSetPixel, `{"x":32,"y":0,"r":255,"g":0,"b":0}`),
		call(ToolSetPixel, `{"x":-1,"y":0,"r":255,"g":0,"b":0}`),
		call(ToolFillRect, `{"x1":0,"y1":0,"x2":40,"y2":3,"r":255,"g":0,"b":0}`),
		call(ToolFloodFill, `{"x":0,"y":32,"r":255,"g":0,"b":0}`),
	} {
		res := mustApply(t, f, job, c)
		if res.OK || res.Error.Code != CodeOutOfBounds {
			t.Fatalf("expected out_of_bounds for %s, got %+v", c.Args, res)
		}
	}
	after, _ := f.canvases.Read(ctx, "j1")
	if !bytes.Equal(before.Pix, after.Pix) {
		t.Fatalf("rejected calls mutated the canvas")
	}
	if job.ToolCallsCompleted != 0 {
		t.Fatalf("rejected calls incremented tool_calls_completed")
	}
	log, _ := f.canvases.Log(ctx, "j1")
	if len(log) != 0 {
		t.Fatalf("rejected calls were logged: %+v", log)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.job(t, "j1", "small")
	mustApply(t, f, job, call(ToolSetPixel, `{"x":99,"y":0,"r":1,"g":1,"b":1}`))
	mustApply(t, f, job, call(ToolSetPixel, `{}`))
	if job.ConsecutiveValidationFailures != 2 {
		t.Fatalf("expected 2 failures, got %d", job.ConsecutiveValidationFailures)
	}

	res := mustApply(t, f, job, call(ToolFillRect, `{"x1":1,"y1":1,"x2":2,"y2":3,"r":9,"g":8,"b":7}`))
	if !res.OK || res.Effect.Seq != 1 || res.Effect.PixelsTouched != 6 {
		t.Fatalf("unexpected result %+v", res)
	}
	if job.ConsecutiveValidationFailures != 0 || job.ToolCallsCompleted != 1 {
		t.Fatalf("counters not updated: %+v", job)
	}
	cv, _ := f.canvases.Read(ctx, "j1")
	if cv.At(2, 3) != (canvas.RGB{R: 9, G: 8, B: 7}) || cv.At(3, 3) != (canvas.RGB{}) {
		t.Fatalf("fill_rect painted the wrong pixels")
	}
}

func TestCeiling(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, "j1", "small")
	job.ToolCallsCompleted = 75

	res := mustApply(t, f, job, call(ToolSetPixel, `{"x":0,"y":0,"r":1,"g":1,"b":1}`))
	if res.OK || res.Error.Code != CodeCeilingReached {
		t.Fatalf("expected ceiling_reached, got %+v", res)
	}
	// finalize is still accepted at the ceiling
	res = mustApply(t, f, job, call(ToolSealCanvas, ``))
	if !res.OK || !res.Finalize {
		t.Fatalf("expected finalize to pass, got %+v", res)
	}
	if job.ToolCallsCompleted != 75 {
		t.Fatalf("finalize must not count as a tool call")
	}
}

func TestCancelledJobRejectsCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.job(t, "j1", "small")
	f.cancel.ids["j1"] = true

	res := mustApply(t, f, job, call(ToolSetPixel, `{"x":0,"y":0,"r":1,"g":1,"b":1}`))
	if res.OK || res.Error.Code != CodeJobCancelled || res.Error.Message != "job cancelled" {
		t.Fatalf("expected job cancelled, got %+v", res)
	}
	if job.ConsecutiveValidationFailures != 0 {
		t.Fatalf("cancellation must not count as a validation failure")
	}
	cv, _ := f.canvases.Read(ctx, "j1")
	if cv.At(0, 0) != (canvas.RGB{}) {
		t.Fatalf("cancelled call mutated the canvas")
	}
}

func TestMissingCanvasIsAnError(t *testing.T) {
	f := newFixture(t)
	job := &models.Job{ID: "ghost", Tier: "small", Status: models.StatusExecutingTools}
	_, err := f.h.Apply(context.Background(), job, call(ToolSetPixel, `{"x":0,"y":0,"r":1,"g":1,"b":1}`))
	if !errors.Is(err, ErrCanvasMissing) {
		t.Fatalf("expected ErrCanvasMissing, got %v", err)
	}
}

func TestReplayReproducesCanvas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.job(t, "j1", "large")
	calls := []Call{
		call(ToolSetPalette, `{"colors":[[255,0,0],[0,0,255]]}`),
		call(ToolFillRect, `{"x1":0,"y1":0,"x2":127,"y2":63,"r":20,"g":40,"b":60}`),
		call(ToolDrawLine, `{"x1":0,"y1":127,"x2":127,"y2":0,"r":255,"g":255,"b":0}`),
		call(ToolDrawCircle, `{"cx":64,"cy":64,"radius":20,"r":200,"g":0,"b":0,"fill":true}`),
		call(ToolDrawCircle, `{"cx":10,"cy":10,"radius":12,"r":0,"g":200,"b":0}`),
		call(ToolFloodFill, `{"x":127,"y":127,"r":5,"g":5,"b":5}`),
		call(ToolGradientFill, `{"x1":0,"y1":100,"x2":60,"y2":120,"r1":0,"g1":0,"b1":0,"r2":255,"g2":128,"b2":64,"direction":"vertical"}`),
		call(ToolDither, `{"x1":70,"y1":100,"x2":127,"y2":127,"r1":1,"g1":2,"b1":3,"r2":250,"g2":251,"b2":252}`),
		call(ToolMirror, `{"axis":"horizontal"}`),
		call(ToolRotate, `{"degrees":90}`),
		call(ToolRotate, `{"degrees":33}`),
		call(ToolSetPixel, `{"x":3,"y":4,"r":9,"g":9,"b":9}`),
	}
	for _, c := range calls {
		if res := mustApply(t, f, job, c); !res.OK {
			t.Fatalf("%s rejected: %+v", c.Tool, res.Error)
		}
	}
	live, _ := f.canvases.Read(ctx, "j1")
	log, err := f.canvases.Log(ctx, "j1")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(log) != len(calls) {
		t.Fatalf("expected %d log entries, got %d", len(calls), len(log))
	}
	replayed, err := Replay(128, 128, log)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !bytes.Equal(live.Pix, replayed.Pix) {
		t.Fatalf("replayed canvas differs from live canvas")
	}
}

func TestSchemasFollowWhitelist(t *testing.T) {
	tr, _ := tier.NewCatalog(tier.DefaultTimeouts).Get("medium")
	got := Schemas(tr.Tools)
	if len(got) != len(tr.Tools) {
		t.Fatalf("expected %d schemas, got %d", len(tr.Tools), len(got))
	}
	for i, s := range got {
		if s.Name != tr.Tools[i] {
			t.Fatalf("schema %d is %s, want %s", i, s.Name, tr.Tools[i])
		}
	}
}
