package harness

import (
	"fmt"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

// Replay applies an op log to a blank canvas of the given size. Entries must be in
// sequence order with no gaps; the result matches the live canvas the log came from.
func Replay(width, height int, log []models.OpLogEntry) (*canvas.Canvas, error) {
	c := canvas.Blank(width, height)
	for i, e := range log {
		if e.Seq != 0 && e.Seq != int64(i+1) {
			return nil, fmt.Errorf("op log gap: entry %d has seq %d", i+1, e.Seq)
		}
		tool, cerr := Parse(e.Tool, e.Args)
		if cerr != nil {
			return nil, fmt.Errorf("op log entry %d: %w", i+1, cerr)
		}
		if cerr := checkBounds(tool, width, height); cerr != nil {
			return nil, fmt.Errorf("op log entry %d: %w", i+1, cerr)
		}
		tool.draw(c)
	}
	return c, nil
}
