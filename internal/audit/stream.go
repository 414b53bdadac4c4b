package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamPublisher appends transition events to a Redis Stream so downstream
// consumers (notifications, analytics) can tail deposit outcomes without
// polling the database.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Publisher = (*StreamPublisher)(nil)

func NewStreamPublisher(url, stream string, maxLen int64) (*StreamPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

func (p *StreamPublisher) Publish(ctx context.Context, event TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"deposit_id": event.DepositID.String(),
			"network":    string(event.Network),
			"to_status":  string(event.ToStatus),
			"payload":    payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd transition event: %w", err)
	}
	return nil
}

func (p *StreamPublisher) Close() error {
	return p.client.Close()
}
