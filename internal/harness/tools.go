package harness

import (
	"encoding/json"
	"fmt"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

const (
	ToolSetPixel     = "set_pixel"
	ToolFillRect     = "fill_rect"
	ToolDrawLine     = "draw_line"
	ToolFloodFill    = "flood_fill"
	ToolSetPalette   = "set_palette"
	ToolDrawCircle   = "draw_circle"
	ToolMirror       = "mirror"
	ToolGradientFill = "gradient_fill"
	ToolDither       = "dither"
	ToolRotate       = "rotate"
	ToolSealCanvas   = tier.FinalizeTool
)

const (
	axisHorizontal   = "horizontal"
	axisVertical     = "vertical"
	maxPaletteColors = 16
)

type point struct{ x, y int }

// Tool is one decoded tool invocation. The set of implementations is closed to this package.
type Tool interface {
	Name() string
	// points lists every coordinate that must fall on the canvas.
	points() []point
	// draw mutates c and returns how many pixel writes it made.
	draw(c *canvas.Canvas) int
	mutates() bool
}

type SetPixel struct {
	X int `json:"x"`
	Y int `json:"y"`
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (r Rect) corners() []point { return []point{{r.X1, r.Y1}, {r.X2, r.Y2}} }

func (r Rect) ordered() bool { return r.X1 <= r.X2 && r.Y1 <= r.Y2 }

type FillRect struct {
	Rect
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type DrawLine struct {
	Rect
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type FloodFill struct {
	X int `json:"x"`
	Y int `json:"y"`
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type SetPalette struct {
	Colors [][]int `json:"colors"`
}

type DrawCircle struct {
	CX     int  `json:"cx"`
	CY     int  `json:"cy"`
	Radius int  `json:"radius"`
	R      int  `json:"r"`
	G      int  `json:"g"`
	B      int  `json:"b"`
	Fill   bool `json:"fill"`
}

type Mirror struct {
	Axis string `json:"axis"`
}

type GradientFill struct {
	Rect
	R1        int    `json:"r1"`
	G1        int    `json:"g1"`
	B1        int    `json:"b1"`
	R2        int    `json:"r2"`
	G2        int    `json:"g2"`
	B2        int    `json:"b2"`
	Direction string `json:"direction"`
}

type Dither struct {
	Rect
	R1 int `json:"r1"`
	G1 int `json:"g1"`
	B1 int `json:"b1"`
	R2 int `json:"r2"`
	G2 int `json:"g2"`
	B2 int `json:"b2"`
}

type Rotate struct {
	Degrees int `json:"degrees"`
}

// SealCanvas is the finalize call. It never touches pixels.
type SealCanvas struct{}

func (SetPixel) Name() string     { return ToolSetPixel }
func (FillRect) Name() string     { return ToolFillRect }
func (DrawLine) Name() string     { return ToolDrawLine }
func (FloodFill) Name() string    { return ToolFloodFill }
func (SetPalette) Name() string   { return ToolSetPalette }
func (DrawCircle) Name() string   { return ToolDrawCircle }
func (Mirror) Name() string       { return ToolMirror }
func (GradientFill) Name() string { return ToolGradientFill }
func (Dither) Name() string       { return ToolDither }
func (Rotate) Name() string       { return ToolRotate }
func (SealCanvas) Name() string   { return ToolSealCanvas }

func (t SetPixel) points() []point     { return []point{{t.X, t.Y}} }
func (t FillRect) points() []point     { return t.corners() }
func (t DrawLine) points() []point     { return t.corners() }
func (t FloodFill) points() []point    { return []point{{t.X, t.Y}} }
func (SetPalette) points() []point     { return nil }
func (t DrawCircle) points() []point   { return []point{{t.CX, t.CY}} }
func (Mirror) points() []point         { return nil }
func (t GradientFill) points() []point { return t.corners() }
func (t Dither) points() []point       { return t.corners() }
func (Rotate) points() []point         { return nil }
func (SealCanvas) points() []point     { return nil }

func (SetPixel) mutates() bool     { return true }
func (FillRect) mutates() bool     { return true }
func (DrawLine) mutates() bool     { return true }
func (FloodFill) mutates() bool    { return true }
func (SetPalette) mutates() bool   { return false }
func (DrawCircle) mutates() bool   { return true }
func (Mirror) mutates() bool       { return true }
func (GradientFill) mutates() bool { return true }
func (Dither) mutates() bool       { return true }
func (Rotate) mutates() bool       { return true }
func (SealCanvas) mutates() bool   { return false }

// Parse validates raw against the tool's schema and decodes it into its variant.
func Parse(name string, raw json.RawMessage) (Tool, *CallError) {
	s, ok := schemas[name]
	if !ok {
		return nil, &CallError{Code: CodeUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if cerr := checkSchema(s, raw); cerr != nil {
		return nil, cerr
	}

	var (
		tool Tool
		err  error
	)
	switch name {
	case ToolSetPixel:
		tool, err = decode[SetPixel](raw)
	case ToolFillRect:
		tool, err = decode[FillRect](raw)
	case ToolDrawLine:
		tool, err = decode[DrawLine](raw)
	case ToolFloodFill:
		tool, err = decode[FloodFill](raw)
	case ToolSetPalette:
		tool, err = decode[SetPalette](raw)
	case ToolDrawCircle:
		tool, err = decode[DrawCircle](raw)
	case ToolMirror:
		tool, err = decode[Mirror](raw)
	case ToolGradientFill:
		var g GradientFill
		g, err = decode[GradientFill](raw)
		if g.Direction == "" {
			g.Direction = axisHorizontal
		}
		tool = g
	case ToolDither:
		tool, err = decode[Dither](raw)
	case ToolRotate:
		tool, err = decode[Rotate](raw)
	case ToolSealCanvas:
		tool = SealCanvas{}
	}
	if err != nil {
		return nil, invalidArgs(err.Error())
	}

	switch t := tool.(type) {
	case FillRect:
		if !t.ordered() {
			return nil, invalidArgs("x2 must be >= x1 and y2 must be >= y1")
		}
	case GradientFill:
		if !t.ordered() {
			return nil, invalidArgs("x2 must be >= x1 and y2 must be >= y1")
		}
	case Dither:
		if !t.ordered() {
			return nil, invalidArgs("x2 must be >= x1 and y2 must be >= y1")
		}
	}
	return tool, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode arguments: %w", err)
	}
	return v, nil
}

// checkBounds rejects any coordinate outside [0,w)x[0,h).
func checkBounds(t Tool, w, h int) *CallError {
	for _, p := range t.points() {
		if p.x < 0 || p.y < 0 || p.x >= w || p.y >= h {
			return &CallError{
				Code:    CodeOutOfBounds,
				Message: fmt.Sprintf("coordinate (%d, %d) is outside the %dx%d canvas", p.x, p.y, w, h),
			}
		}
	}
	return nil
}

func invalidArgs(msg string) *CallError {
	return &CallError{Code: CodeInvalidArguments, Message: msg}
}
