package finalize

import (
	"crypto/sha256"

	"github.com/google/uuid"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
)

const watermarkBits = 32 * 8

// idBytes returns the 16 raw bytes of a UUID, or a digest prefix for other ids.
func idBytes(id string) [16]byte {
	if u, err := uuid.Parse(id); err == nil {
		return u
	}
	sum := sha256.Sum256([]byte(id))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// Watermark writes art id then owner id, MSB first, into the low bit of the red
// channel of the first 256 pixels in row-major order. Smaller canvases carry a
// truncated mark.
func Watermark(c *canvas.Canvas, artID, ownerID string) {
	art, owner := idBytes(artID), idBytes(ownerID)
	data := append(art[:], owner[:]...)
	pixels := c.Width * c.Height
	for bit := 0; bit < watermarkBits && bit < pixels; bit++ {
		v := (data[bit/8] >> (7 - bit%8)) & 1
		i := bit * 4
		c.Pix[i] = c.Pix[i]&0xfe | v
	}
}

// ReadWatermark recovers the two ids written by Watermark.
func ReadWatermark(c *canvas.Canvas) (art, owner [16]byte) {
	var data [32]byte
	pixels := c.Width * c.Height
	for bit := 0; bit < watermarkBits && bit < pixels; bit++ {
		data[bit/8] |= (c.Pix[bit*4] & 1) << (7 - bit%8)
	}
	copy(art[:], data[:16])
	copy(owner[:], data[16:])
	return art, owner
}
