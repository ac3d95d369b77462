// Package notify pushes job progress to real-time subscribers over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/gpubatch/internal/cache"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// Publisher is a fire-and-forget progress sink. Events published while nobody
// is subscribed are lost.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishProgress sends ev on the job's progress channel.
func (p *Publisher) PublishProgress(ctx context.Context, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	if err := p.client.Publish(ctx, cache.ProgressChannel(ev.JobID), data).Err(); err != nil {
		return fmt.Errorf("publishing progress: %w", err)
	}
	return nil
}

// Subscribe streams the progress events of jobID until ctx ends. The returned
// channel is closed when the subscription ends.
func (p *Publisher) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.ProgressEvent, error) {
	sub := p.client.Subscribe(ctx, cache.ProgressChannel(jobID))
	// wait for the subscription to be confirmed so no event is missed after return
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to progress: %w", err)
	}

	out := make(chan models.ProgressEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("dropping malformed progress event", "job_id", jobID, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
