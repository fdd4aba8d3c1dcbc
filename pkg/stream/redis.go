package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/goalfuse/goalfuse/pkg/agg"
	"github.com/goalfuse/goalfuse/pkg/signal"
	"github.com/goalfuse/goalfuse/pkg/trader"
)

// RedisPublisher mirrors hub traffic onto Redis streams so detached
// consumers can replay signals and races.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewRedisPublisher creates a publisher over an existing client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, maxLen: 10000}
}

// PublishSignal appends a trade signal to the signals stream.
func (p *RedisPublisher) PublishSignal(ctx context.Context, sig signal.TradeSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshaling signal: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "goalfuse.signals",
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":     string(data),
			"event_id": sig.EventID,
			"action":   string(sig.Action),
		},
	}).Err()
}

// PublishRace appends a completed speed-race row to the races stream.
func (p *RedisPublisher) PublishRace(ctx context.Context, row agg.GoalRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling race row: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "goalfuse.races",
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":     string(data),
			"event_id": row.EventID,
			"first":    row.FirstSource,
		},
	}).Err()
}

// PublishActivity appends a trader activity record.
func (p *RedisPublisher) PublishActivity(ctx context.Context, a trader.Activity) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "goalfuse.activity",
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":     string(data),
			"event_id": a.EventID,
			"kind":     a.Kind,
		},
	}).Err()
}
