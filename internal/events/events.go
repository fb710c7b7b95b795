// Package events carries best-effort progress notifications to the user-facing side.
// Nothing in the job lifecycle depends on delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

const (
	TypeProgress = "progress"
	TypeStatus   = "status"
	TypeComplete = "complete"
	TypeFailed   = "failed"
)

type Event struct {
	Type               string               `json:"event"`
	JobID              string               `json:"job_id"`
	Status             models.JobStatus     `json:"status"`
	ToolCallsCompleted int                  `json:"tool_calls_completed"`
	Compensation       *models.Compensation `json:"compensation,omitempty"`
	ArtID              *string              `json:"art_id,omitempty"`
	At                 time.Time            `json:"at"`
}

// FromJob derives the event type from the job's status.
func FromJob(job models.Job, at time.Time) Event {
	typ := TypeStatus
	switch job.Status {
	case models.StatusExecutingTools:
		typ = TypeProgress
	case models.StatusComplete:
		typ = TypeComplete
	case models.StatusFailed:
		typ = TypeFailed
	}
	return Event{
		Type:               typ,
		JobID:              job.ID,
		Status:             job.Status,
		ToolCallsCompleted: job.ToolCallsCompleted,
		Compensation:       job.Compensation,
		ArtID:              job.ArtID,
		At:                 at,
	}
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeFailed
}

// Bus publishes events on one Redis channel per job.
type Bus struct {
	client *redis.Client
	prefix string
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, prefix: "generation:"}
}

func (b *Bus) channel(jobID string) string { return b.prefix + jobID }

// Publish sends ev and logs, rather than returns, delivery problems.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("job_id", ev.JobID).Msg("encode progress event")
		return
	}
	if err := b.client.Publish(ctx, b.channel(ev.JobID), payload).Err(); err != nil {
		log.Warn().Err(err).Str("job_id", ev.JobID).Str("event", ev.Type).Msg("publish progress event")
	}
}

// Subscribe streams events for one job until ctx ends or the returned close func is called.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan Event, func() error, error) {
	sub := b.client.Subscribe(ctx, b.channel(jobID))
	// wait for the subscription to be confirmed so no publish is missed after return
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("decode progress event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}
