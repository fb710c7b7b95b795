package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

func TestPublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	bus := NewBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, closeSub, err := bus.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer closeSub()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(ctx, FromJob(models.Job{ID: "job-2", Status: models.StatusExecutingTools}, now))
	bus.Publish(ctx, FromJob(models.Job{ID: "job-1", Status: models.StatusExecutingTools, ToolCallsCompleted: 4}, now))
	bus.Publish(ctx, FromJob(models.Job{ID: "job-1", Status: models.StatusFailed}, now))

	first := <-ch
	if first.Type != TypeProgress || first.ToolCallsCompleted != 4 || first.JobID != "job-1" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := <-ch
	if !second.Terminal() || second.Type != TypeFailed {
		t.Fatalf("unexpected second event %+v", second)
	}
}

func TestPublishWithoutSubscribersIsHarmless(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	bus := NewBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close()
	// redis is gone; publish must only log
	bus.Publish(context.Background(), Event{Type: TypeStatus, JobID: "job-1"})
}
