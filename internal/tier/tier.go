// Package tier defines the generation tiers: canvas size, tool whitelist, call budgets,
// credit cost, and per-state timeouts.
package tier

import (
	"errors"
	"fmt"
	"time"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

// ErrUnknownTier is returned for tier names outside the catalog.
var ErrUnknownTier = errors.New("unknown tier")

// FinalizeTool is the tool name that seals the canvas. It is valid in every tier.
const FinalizeTool = "seal_canvas"

// Timeouts bound how long a job may sit in each non-terminal state.
type Timeouts struct {
	Pending         time.Duration
	WaitingForAgent time.Duration
	Stall           time.Duration
	Grace           time.Duration
	Sealing         time.Duration
}

// DefaultTimeouts are used when configuration does not override them.
var DefaultTimeouts = Timeouts{
	Pending:         2 * time.Minute,
	WaitingForAgent: 2 * time.Minute,
	Stall:           90 * time.Second,
	Grace:           5 * time.Minute,
	Sealing:         60 * time.Second,
}

// Tier is a configuration bundle fixing canvas size, whitelist, budgets and timeouts.
type Tier struct {
	Name        string
	Width       int
	Height      int
	Cost        int64
	SoftBudget  int
	HardCeiling int
	Tools       []string
	Timeouts    Timeouts
}

// Allows reports whether the tier whitelists the named tool.
func (t Tier) Allows(tool string) bool {
	if tool == FinalizeTool {
		return true
	}
	for _, name := range t.Tools {
		if name == tool {
			return true
		}
	}
	return false
}

// Timeout returns the limit applied to the given status, or zero when none applies.
func (t Tier) Timeout(status models.JobStatus) time.Duration {
	switch status {
	case models.StatusPending:
		return t.Timeouts.Pending
	case models.StatusWaitingForAgent:
		return t.Timeouts.WaitingForAgent
	case models.StatusExecutingTools:
		return t.Timeouts.Stall
	case models.StatusStalled:
		return t.Timeouts.Grace
	case models.StatusSealing:
		return t.Timeouts.Sealing
	}
	return 0
}

var (
	smallTools  = []string{"set_pixel", "fill_rect", "draw_line", "flood_fill", "set_palette"}
	mediumTools = append(append([]string{}, smallTools...), "draw_circle", "mirror")
	largeTools  = append(append([]string{}, mediumTools...), "gradient_fill", "dither", "rotate")
)

// Catalog resolves tiers by name.
type Catalog struct {
	tiers map[string]Tier
}

// NewCatalog builds the standard small/medium/large catalog with the given timeouts.
func NewCatalog(timeouts Timeouts) *Catalog {
	return NewCatalogFrom([]Tier{
		{Name: "small", Width: 32, Height: 32, Cost: 1, SoftBudget: 50, HardCeiling: 75, Tools: smallTools, Timeouts: timeouts},
		{Name: "medium", Width: 64, Height: 64, Cost: 3, SoftBudget: 150, HardCeiling: 200, Tools: mediumTools, Timeouts: timeouts},
		{Name: "large", Width: 128, Height: 128, Cost: 8, SoftBudget: 400, HardCeiling: 500, Tools: largeTools, Timeouts: timeouts},
	})
}

// NewCatalogFrom builds a catalog from explicit tier definitions.
func NewCatalogFrom(tiers []Tier) *Catalog {
	c := &Catalog{tiers: make(map[string]Tier, len(tiers))}
	for _, t := range tiers {
		c.tiers[t.Name] = t
	}
	return c
}

// Get returns the named tier.
func (c *Catalog) Get(name string) (Tier, error) {
	t, ok := c.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("%w %q", ErrUnknownTier, name)
	}
	return t, nil
}
