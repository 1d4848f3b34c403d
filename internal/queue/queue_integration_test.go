//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/testutil"
)

const (
	testStream = "ingest"
	testGroup  = "pagedex"
)

func newRedisClient(ctx context.Context, t *testing.T) *redis.Client {
	t.Helper()
	rc := testutil.NewRedisContainer(ctx, t)
	t.Cleanup(func() { rc.Terminate(ctx) })

	client := redis.NewClient(&redis.Options{Addr: rc.Addr()})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, EnsureGroup(ctx, client, testStream, testGroup))
	return client
}

func pendingCount(ctx context.Context, t *testing.T, client *redis.Client) int64 {
	t.Helper()
	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestQueue_PublishReadAckRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(ctx, t)

	publisher := NewPublisher(client)
	consumer := NewConsumer(client, testGroup, "worker-1")

	item := &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-1",
		Location:   domain.Location{Bucket: "uploads", Key: "doc-1.pdf"},
		MimeType:   "application/pdf",
	}
	id, err := publisher.PublishWorkItem(ctx, testStream, item)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := consumer.Read(ctx, []string{testStream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, testStream, msgs[0].Stream)
	assert.Equal(t, id, msgs[0].ID)
	assert.NotEmpty(t, msgs[0].Envelope.EventID)
	assert.Zero(t, msgs[0].Envelope.Attempt)

	decoded, err := domain.DecodeWorkItem(msgs[0].Envelope.Data)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", decoded.DocumentID)

	require.NoError(t, consumer.Ack(ctx, testStream, msgs[0].ID))
	assert.Zero(t, pendingCount(ctx, t, client))

	// the group cursor has moved past the entry
	again, err := consumer.Read(ctx, []string{testStream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestQueue_EnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(ctx, t)

	assert.NoError(t, EnsureGroup(ctx, client, testStream, testGroup))
}

func TestQueue_AutoClaimReclaimsOrphanedEntries(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(ctx, t)

	publisher := NewPublisher(client)
	crashed := NewConsumer(client, testGroup, "worker-crashed")
	survivor := NewConsumer(client, testGroup, "worker-survivor")

	_, err := publisher.PublishWorkItem(ctx, testStream, &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-orphan",
		Location:   domain.Location{Bucket: "uploads", Key: "doc-orphan.pdf"},
		MimeType:   "application/pdf",
	})
	require.NoError(t, err)

	// read without acking, as a worker that died mid-flight would
	msgs, err := crashed.Read(ctx, []string{testStream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.EqualValues(t, 1, pendingCount(ctx, t, client))

	claimed, next, err := survivor.AutoClaim(ctx, testStream, 0, "0-0", 10)
	require.NoError(t, err)
	require.NotEmpty(t, next)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)

	decoded, err := domain.DecodeWorkItem(claimed[0].Envelope.Data)
	require.NoError(t, err)
	assert.Equal(t, "doc-orphan", decoded.DocumentID)

	require.NoError(t, survivor.Ack(ctx, testStream, claimed[0].ID))
	assert.Zero(t, pendingCount(ctx, t, client))
}

func TestConsumer_AcksUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(ctx, t)

	consumer := NewConsumer(client, testGroup, "worker-1")

	// entries a well-behaved publisher would never write
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"payload": "no envelope field"},
	}).Result()
	require.NoError(t, err)
	_, err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"envelope": "not json"},
	}).Result()
	require.NoError(t, err)

	msgs, err := consumer.Read(ctx, []string{testStream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// both entries were acked, not left pending to loop forever
	assert.Zero(t, pendingCount(ctx, t, client))
}
