package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen caps the event stream so an idle consumer cannot grow it forever.
const DefaultStreamMaxLen = 100_000

// RedisSink appends events to a Redis stream. Inbox workers read the stream
// with consumer groups and render per-user notifications.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to stream.
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: DefaultStreamMaxLen}
}

// NewRedisSinkFromURL parses a redis:// URL and returns a sink plus its client,
// which the caller closes at shutdown.
func NewRedisSinkFromURL(rawURL, stream string) (*RedisSink, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisSink(client, stream), client, nil
}

func (r *RedisSink) Name() string { return "redis" }

// Deliver XADDs one entry holding the flattened event and its JSON form.
func (r *RedisSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":           ev.ID,
			"kind":         string(ev.Kind),
			"reference":    ev.Reference,
			"engagementId": ev.EngagementID,
			"recipientId":  ev.RecipientID,
			"amount":       strconv.FormatInt(ev.Amount, 10),
			"payload":      string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (r *RedisSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
