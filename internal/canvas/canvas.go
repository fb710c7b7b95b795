// Package canvas holds the working raster for in-flight jobs.
package canvas

import (
	"fmt"
	"image"
)

// RGB is an opaque colour. Canvases never carry partial alpha.
type RGB struct {
	R, G, B uint8
}

// Canvas is a width*height RGBA buffer, row-major, 4 bytes per pixel.
type Canvas struct {
	Width  int
	Height int
	Pix    []byte
}

// Blank returns an opaque black canvas.
func Blank(width, height int) *Canvas {
	c := &Canvas{Width: width, Height: height, Pix: make([]byte, width*height*4)}
	for i := 3; i < len(c.Pix); i += 4 {
		c.Pix[i] = 0xff
	}
	return c
}

// FromBytes wraps buf after checking it matches the dimensions.
func FromBytes(width, height int, buf []byte) (*Canvas, error) {
	if width <= 0 || height <= 0 || len(buf) != width*height*4 {
		return nil, fmt.Errorf("buffer of %d bytes does not fit %dx%d", len(buf), width, height)
	}
	return &Canvas{Width: width, Height: height, Pix: buf}, nil
}

func (c *Canvas) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < c.Width && y < c.Height
}

func (c *Canvas) At(x, y int) RGB {
	i := (y*c.Width + x) * 4
	return RGB{c.Pix[i], c.Pix[i+1], c.Pix[i+2]}
}

// Set writes an opaque pixel. Out-of-bounds writes are ignored.
func (c *Canvas) Set(x, y int, col RGB) {
	if !c.In(x, y) {
		return
	}
	i := (y*c.Width + x) * 4
	c.Pix[i] = col.R
	c.Pix[i+1] = col.G
	c.Pix[i+2] = col.B
	c.Pix[i+3] = 0xff
}

func (c *Canvas) Clone() *Canvas {
	pix := make([]byte, len(c.Pix))
	copy(pix, c.Pix)
	return &Canvas{Width: c.Width, Height: c.Height, Pix: pix}
}

// Image returns an NRGBA copy of the canvas.
func (c *Canvas) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, c.Width, c.Height))
	copy(img.Pix, c.Pix)
	return img
}

// Replace copies img into the canvas. img must have the canvas dimensions.
func (c *Canvas) Replace(img *image.NRGBA) error {
	b := img.Bounds()
	if b.Dx() != c.Width || b.Dy() != c.Height {
		return fmt.Errorf("image %dx%d does not fit canvas %dx%d", b.Dx(), b.Dy(), c.Width, c.Height)
	}
	rowLen := c.Width * 4
	for y := 0; y < c.Height; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(c.Pix[y*rowLen:(y+1)*rowLen], img.Pix[off:off+rowLen])
	}
	for i := 3; i < len(c.Pix); i += 4 {
		c.Pix[i] = 0xff
	}
	return nil
}
