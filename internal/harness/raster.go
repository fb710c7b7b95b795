package harness

import (
	"math"

	"github.com/disintegration/imaging"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
)

func rgbOf(r, g, b int) canvas.RGB {
	return canvas.RGB{R: uint8(r), G: uint8(g), B: uint8(b)}
}

func (t SetPixel) draw(c *canvas.Canvas) int {
	c.Set(t.X, t.Y, rgbOf(t.R, t.G, t.B))
	return 1
}

func (t FillRect) draw(c *canvas.Canvas) int {
	col := rgbOf(t.R, t.G, t.B)
	for y := t.Y1; y <= t.Y2; y++ {
		for x := t.X1; x <= t.X2; x++ {
			c.Set(x, y, col)
		}
	}
	return (t.X2 - t.X1 + 1) * (t.Y2 - t.Y1 + 1)
}

// draw uses Bresenham's algorithm with both endpoints included.
func (t DrawLine) draw(c *canvas.Canvas) int {
	col := rgbOf(t.R, t.G, t.B)
	x, y := t.X1, t.Y1
	dx := abs(t.X2 - t.X1)
	dy := -abs(t.Y2 - t.Y1)
	sx, sy := sign(t.X2-t.X1), sign(t.Y2-t.Y1)
	e := dx + dy
	n := 0
	for {
		c.Set(x, y, col)
		n++
		if x == t.X2 && y == t.Y2 {
			return n
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

// draw replaces the 4-connected region sharing the seed colour.
func (t FloodFill) draw(c *canvas.Canvas) int {
	target := c.At(t.X, t.Y)
	col := rgbOf(t.R, t.G, t.B)
	if target == col {
		return 0
	}
	queue := []point{{t.X, t.Y}}
	c.Set(t.X, t.Y, col)
	n := 0
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		n++
		for _, d := range [4]point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := p.x+d.x, p.y+d.y
			if c.In(nx, ny) && c.At(nx, ny) == target {
				c.Set(nx, ny, col)
				queue = append(queue, point{nx, ny})
			}
		}
	}
	return n
}

func (SetPalette) draw(*canvas.Canvas) int { return 0 }

func (SealCanvas) draw(*canvas.Canvas) int { return 0 }

// draw uses the midpoint circle algorithm. Parts off the canvas are clipped.
func (t DrawCircle) draw(c *canvas.Canvas) int {
	col := rgbOf(t.R, t.G, t.B)
	touched := make(map[point]struct{})
	plot := func(x, y int) {
		if c.In(x, y) {
			c.Set(x, y, col)
			touched[point{x, y}] = struct{}{}
		}
	}
	span := func(x0, x1, y int) {
		for x := x0; x <= x1; x++ {
			plot(x, y)
		}
	}

	x, y := t.Radius, 0
	d := 1 - t.Radius
	for x >= y {
		if t.Fill {
			span(t.CX-x, t.CX+x, t.CY+y)
			span(t.CX-x, t.CX+x, t.CY-y)
			span(t.CX-y, t.CX+y, t.CY+x)
			span(t.CX-y, t.CX+y, t.CY-x)
		} else {
			for _, p := range [8]point{{x, y}, {y, x}, {-y, x}, {-x, y}, {-x, -y}, {-y, -x}, {y, -x}, {x, -y}} {
				plot(t.CX+p.x, t.CY+p.y)
			}
		}
		y++
		if d < 0 {
			d += 2*y + 1
		} else {
			x--
			d += 2*(y-x) + 1
		}
	}
	return len(touched)
}

func (t Mirror) draw(c *canvas.Canvas) int {
	img := c.Image()
	if t.Axis == axisVertical {
		_ = c.Replace(imaging.FlipV(img))
	} else {
		_ = c.Replace(imaging.FlipH(img))
	}
	return c.Width * c.Height
}

func (t GradientFill) draw(c *canvas.Canvas) int {
	if t.Direction == axisVertical {
		span := max(t.Y2-t.Y1, 1)
		for y := t.Y1; y <= t.Y2; y++ {
			col := t.at(float64(y-t.Y1) / float64(span))
			for x := t.X1; x <= t.X2; x++ {
				c.Set(x, y, col)
			}
		}
	} else {
		span := max(t.X2-t.X1, 1)
		for x := t.X1; x <= t.X2; x++ {
			col := t.at(float64(x-t.X1) / float64(span))
			for y := t.Y1; y <= t.Y2; y++ {
				c.Set(x, y, col)
			}
		}
	}
	return (t.X2 - t.X1 + 1) * (t.Y2 - t.Y1 + 1)
}

func (t GradientFill) at(frac float64) canvas.RGB {
	lerp := func(a, b int) int { return int(float64(a) + float64(b-a)*frac) }
	return rgbOf(lerp(t.R1, t.R2), lerp(t.G1, t.G2), lerp(t.B1, t.B2))
}

func (t Dither) draw(c *canvas.Canvas) int {
	even, odd := rgbOf(t.R1, t.G1, t.B1), rgbOf(t.R2, t.G2, t.B2)
	for y := t.Y1; y <= t.Y2; y++ {
		for x := t.X1; x <= t.X2; x++ {
			if (x+y)%2 == 0 {
				c.Set(x, y, even)
			} else {
				c.Set(x, y, odd)
			}
		}
	}
	return (t.X2 - t.X1 + 1) * (t.Y2 - t.Y1 + 1)
}

// draw rotates counter-clockwise about the centre without resizing.
// Quarter turns on square canvases are exact; other angles sample nearest neighbour.
func (t Rotate) draw(c *canvas.Canvas) int {
	deg := t.Degrees % 360
	if deg == 0 {
		return 0
	}
	if c.Width == c.Height && deg%90 == 0 {
		img := c.Image()
		switch deg {
		case 90:
			_ = c.Replace(imaging.Rotate90(img))
		case 180:
			_ = c.Replace(imaging.Rotate180(img))
		case 270:
			_ = c.Replace(imaging.Rotate270(img))
		}
		return c.Width * c.Height
	}

	src := c.Clone()
	black := canvas.RGB{}
	theta := float64(deg) * math.Pi / 180
	sin, cos := math.Sin(theta), math.Cos(theta)
	cx, cy := float64(c.Width)/2, float64(c.Height)/2
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			sx := int(math.Floor(dx*cos - dy*sin + cx))
			sy := int(math.Floor(dx*sin + dy*cos + cy))
			if src.In(sx, sy) {
				c.Set(x, y, src.At(sx, sy))
			} else {
				c.Set(x, y, black)
			}
		}
	}
	return c.Width * c.Height
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
