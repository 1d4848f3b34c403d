package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pagedex-io/pagedex/internal/domain"
)

// Publisher appends work item envelopes to Redis streams.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a Publisher instance.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishWorkItem wraps a work item in a fresh envelope and appends it to the stream.
func (p *Publisher) PublishWorkItem(ctx context.Context, stream string, item *domain.WorkItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}
	return p.Publish(ctx, stream, Envelope{Data: data})
}

// Publish validates the envelope and appends it to the given Redis stream.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}

	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}
