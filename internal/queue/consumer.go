package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagedex-io/pagedex/internal/telemetry"
)

// Consumer reads envelopes from Redis Streams using consumer groups.
type Consumer struct {
	client *redis.Client
	group  string
	name   string
}

// NewConsumer builds a new consumer for the specified group and name.
func NewConsumer(client *redis.Client, group, name string) *Consumer {
	return &Consumer{client: client, group: group, name: name}
}

// EnsureGroup creates the consumer group if it does not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message represents a consumed stream entry.
type Message struct {
	Stream   string
	ID       string
	Envelope Envelope
}

// Read pulls messages from the provided streams using the configured group/name.
// Block bounds how long the call waits when every stream is empty.
func (c *Consumer) Read(ctx context.Context, streams []string, count int64, block time.Duration) ([]Message, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("at least one stream is required")
	}

	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  readStreams(streams),
		Block:    block,
	}
	if count > 0 {
		args.Count = count
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			if decoded, ok := c.decodeMessage(ctx, st.Stream, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

// Ack acknowledges processing of the provided message IDs.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// AutoClaim reclaims pending messages older than minIdle and assigns them to
// this consumer, picking up work orphaned by a crashed worker. The returned
// next ID should be reused to continue claiming additional entries.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if stream == "" {
		return nil, "", fmt.Errorf("stream name is required")
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if decoded, ok := c.decodeMessage(ctx, stream, msg); ok {
			out = append(out, decoded)
		}
	}
	return out, next, nil
}

// decodeMessage extracts the envelope from a raw stream entry. Entries
// without a parseable envelope are logged, reported, and acknowledged
// immediately so they cannot loop forever.
func (c *Consumer) decodeMessage(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		c.dropEntry(ctx, stream, msg.ID, fmt.Errorf("stream entry has no envelope field"))
		return Message{}, false
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		c.dropEntry(ctx, stream, msg.ID, fmt.Errorf("envelope field has unexpected type %T", raw))
		return Message{}, false
	}

	env, err := UnmarshalEnvelope(data)
	if err != nil {
		c.dropEntry(ctx, stream, msg.ID, err)
		return Message{}, false
	}
	return Message{Stream: stream, ID: msg.ID, Envelope: env}, true
}

// dropEntry acknowledges an undecodable stream entry so it cannot loop
// forever, recording the drop so it is never invisible to operators.
func (c *Consumer) dropEntry(ctx context.Context, stream, id string, cause error) {
	log.Printf("dropping undecodable entry %s on %s: %v", id, stream, cause)
	telemetry.CaptureError(ctx, fmt.Errorf("undecodable entry %s on %s: %w", id, stream, cause))
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		log.Printf("ack failed for %s on %s: %v", id, stream, err)
	}
}

func readStreams(streams []string) []string {
	out := make([]string, 0, len(streams)*2)
	out = append(out, streams...)
	for range streams {
		out = append(out, ">")
	}
	return out
}
