package tier

import (
	"testing"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

func TestCatalogWhitelistsAreNested(t *testing.T) {
	c := NewCatalog(DefaultTimeouts)
	small, err := c.Get("small")
	if err != nil {
		t.Fatalf("get small: %v", err)
	}
	large, err := c.Get("large")
	if err != nil {
		t.Fatalf("get large: %v", err)
	}
	if small.Allows("rotate") {
		t.Fatalf("small tier must not allow rotate")
	}
	if !large.Allows("rotate") {
		t.Fatalf("large tier must allow rotate")
	}
	for _, name := range small.Tools {
		if !large.Allows(name) {
			t.Fatalf("large tier missing small tool %q", name)
		}
	}
	if !small.Allows(FinalizeTool) || !large.Allows(FinalizeTool) {
		t.Fatalf("finalize tool must be allowed in every tier")
	}
}

func TestCatalogUnknownTier(t *testing.T) {
	if _, err := NewCatalog(DefaultTimeouts).Get("huge"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestTimeoutByStatus(t *testing.T) {
	small, _ := NewCatalog(DefaultTimeouts).Get("small")
	if got := small.Timeout(models.StatusExecutingTools); got != DefaultTimeouts.Stall {
		t.Fatalf("expected stall timeout %s got %s", DefaultTimeouts.Stall, got)
	}
	if got := small.Timeout(models.StatusComplete); got != 0 {
		t.Fatalf("expected no timeout for terminal status, got %s", got)
	}
}
