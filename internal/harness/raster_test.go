package harness

import (
	"testing"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
)

var red = canvas.RGB{R: 255}

func TestDrawLineIncludesEndpoints(t *testing.T) {
	c := canvas.Blank(8, 8)
	n := DrawLine{Rect: Rect{X1: 0, Y1: 0, X2: 7, Y2: 3}, R: 255}.draw(c)
	if n != 8 {
		t.Fatalf("expected 8 pixels for a shallow line, got %d", n)
	}
	if c.At(0, 0) != red || c.At(7, 3) != red {
		t.Fatalf("endpoints not drawn")
	}
	single := DrawLine{Rect: Rect{X1: 2, Y1: 2, X2: 2, Y2: 2}, R: 255}.draw(canvas.Blank(4, 4))
	if single != 1 {
		t.Fatalf("degenerate line should touch one pixel, got %d", single)
	}
}

func TestFloodFillIsFourConnected(t *testing.T) {
	c := canvas.Blank(5, 5)
	// vertical wall at x=2 splits the canvas; a diagonal gap must not leak
	for y := 0; y < 5; y++ {
		c.Set(2, y, canvas.RGB{G: 255})
	}
	n := FloodFill{X: 0, Y: 0, R: 255}.draw(c)
	if n != 10 {
		t.Fatalf("expected left region of 10 pixels, got %d", n)
	}
	if c.At(4, 4) == red {
		t.Fatalf("fill crossed the wall")
	}
	if again := (FloodFill{X: 0, Y: 0, R: 255}).draw(c); again != 0 {
		t.Fatalf("filling with the same colour should be a no-op, touched %d", again)
	}
}

func TestCircleOutlineAndDisc(t *testing.T) {
	c := canvas.Blank(11, 11)
	DrawCircle{CX: 5, CY: 5, Radius: 3, R: 255}.draw(c)
	for _, p := range []point{{8, 5}, {2, 5}, {5, 8}, {5, 2}} {
		if c.At(p.x, p.y) != red {
			t.Fatalf("outline missing cardinal point %+v", p)
		}
	}
	if c.At(5, 5) == red {
		t.Fatalf("outline filled the centre")
	}

	d := canvas.Blank(11, 11)
	DrawCircle{CX: 5, CY: 5, Radius: 3, R: 255, Fill: true}.draw(d)
	if d.At(5, 5) != red || d.At(6, 6) != red {
		t.Fatalf("disc not filled")
	}
	if d.At(0, 0) == red {
		t.Fatalf("disc leaked to the corner")
	}
}

func TestMirrorAndRotate(t *testing.T) {
	c := canvas.Blank(4, 4)
	c.Set(0, 0, red)
	Mirror{Axis: axisHorizontal}.draw(c)
	if c.At(3, 0) != red || c.At(0, 0) == red {
		t.Fatalf("horizontal mirror should move (0,0) to (3,0)")
	}
	Mirror{Axis: axisVertical}.draw(c)
	if c.At(3, 3) != red {
		t.Fatalf("vertical mirror should move (3,0) to (3,3)")
	}

	r := canvas.Blank(4, 4)
	r.Set(3, 0, red)
	Rotate{Degrees: 90}.draw(r)
	if r.At(0, 0) != red {
		t.Fatalf("counter-clockwise quarter turn should move top-right to top-left")
	}

	// non-square canvases take the sampled path
	w := canvas.Blank(6, 4)
	w.Set(0, 0, red)
	Rotate{Degrees: 180}.draw(w)
	if w.At(5, 3) != red || w.At(0, 0) == red {
		t.Fatalf("half turn should move (0,0) to (5,3)")
	}
}

func TestGradientAndDither(t *testing.T) {
	c := canvas.Blank(5, 1)
	GradientFill{Rect: Rect{X1: 0, Y1: 0, X2: 4, Y2: 0}, R2: 200, Direction: axisHorizontal}.draw(c)
	if c.At(0, 0).R != 0 || c.At(4, 0).R != 200 || c.At(2, 0).R != 100 {
		t.Fatalf("unexpected gradient %v %v %v", c.At(0, 0), c.At(2, 0), c.At(4, 0))
	}

	d := canvas.Blank(2, 2)
	Dither{Rect: Rect{X2: 1, Y2: 1}, R1: 10, R2: 20}.draw(d)
	if d.At(0, 0).R != 10 || d.At(1, 0).R != 20 || d.At(1, 1).R != 10 {
		t.Fatalf("dither is not a checkerboard")
	}
}
