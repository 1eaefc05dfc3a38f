package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventStream = "checkout:events"
	DLQStream   = "checkout:events:dlq"
)

// Event is a decoded transaction event read from the stream.
type Event struct {
	MessageID     string
	TransactionID string
	EventType     string
	Payload       map[string]any
}

type StreamProducer struct {
	client redis.Cmdable
}

func NewStreamProducer(client redis.Cmdable) *StreamProducer {
	return &StreamProducer{client: client}
}

func (p *StreamProducer) PublishTransactionEvent(ctx context.Context, transactionID string, eventType string, data map[string]any) error {
	return p.publish(ctx, EventStream, map[string]any{
		"transaction_id": transactionID,
		"event_type":     eventType,
	}, data)
}

func (p *StreamProducer) PublishToDLQ(ctx context.Context, transactionID string, reason string, originalData map[string]any) error {
	return p.publish(ctx, DLQStream, map[string]any{
		"transaction_id": transactionID,
		"reason":         reason,
	}, originalData)
}

func (p *StreamProducer) publish(ctx context.Context, stream string, values map[string]any, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	values["payload"] = string(payload)
	values["timestamp"] = time.Now().Unix()

	if err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

type StreamConsumer struct {
	client        redis.Cmdable
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.Cmdable,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read returns new events for this consumer. Returns nil, nil when the block
// duration elapses without messages.
func (c *StreamConsumer) Read(ctx context.Context) ([]Event, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var events []Event
	for _, s := range streams {
		for _, msg := range s.Messages {
			events = append(events, decodeEvent(msg))
		}
	}
	return events, nil
}

// ClaimStale takes over messages another consumer read but never acked.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]Event, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeEvent(msg))
	}
	return events, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func decodeEvent(msg redis.XMessage) Event {
	ev := Event{MessageID: msg.ID}
	ev.TransactionID, _ = msg.Values["transaction_id"].(string)
	ev.EventType, _ = msg.Values["event_type"].(string)
	if raw, ok := msg.Values["payload"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &ev.Payload)
	}
	return ev
}
