package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/telemetry"
)

// Dispatcher routes a decoded work item to the pipeline. The returned error's
// failure class decides acknowledgment: nil and terminal errors ack, transient
// errors requeue.
type Dispatcher interface {
	Dispatch(ctx context.Context, item *domain.WorkItem) error
}

// consumerAPI is the slice of Consumer the runner needs.
type consumerAPI interface {
	Read(ctx context.Context, streams []string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error)
}

// publisherAPI is the slice of Publisher the runner needs.
type publisherAPI interface {
	Publish(ctx context.Context, stream string, envelope Envelope) (string, error)
}

// RunnerConfig controls the consumer loop.
type RunnerConfig struct {
	Streams       []string
	DLQStream     string
	Concurrency   int64
	MaxDeliveries int
	// Timeout is the per-document processing deadline.
	Timeout time.Duration
	// RetryBackoff is the delay before the first redelivery; subsequent
	// redeliveries back off exponentially from it.
	RetryBackoff  time.Duration
	ReadBlock     time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
}

func (c *RunnerConfig) applyDefaults() {
	if c.DLQStream == "" {
		c.DLQStream = "dead-letter"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = 5 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 2 * c.Timeout
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = time.Minute
	}
}

// Runner pulls work items from the configured streams and dispatches them
// with a bounded number of in-flight handlers, so OCR and embedding work
// cannot exhaust memory or overwhelm the embedding service.
type Runner struct {
	consumer   consumerAPI
	publisher  publisherAPI
	dispatcher Dispatcher
	cfg        RunnerConfig
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewRunner creates a new Runner instance
func NewRunner(consumer *Consumer, publisher *Publisher, dispatcher Dispatcher, cfg RunnerConfig) *Runner {
	return newRunner(consumer, publisher, dispatcher, cfg)
}

func newRunner(consumer consumerAPI, publisher publisherAPI, dispatcher Dispatcher, cfg RunnerConfig) *Runner {
	cfg.applyDefaults()
	return &Runner{
		consumer:   consumer,
		publisher:  publisher,
		dispatcher: dispatcher,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins the consume loop. It returns when the context is cancelled or
// Stop is called, after in-flight handlers have finished.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.doneChan)

	log.Printf("consumer started on streams %v (concurrency %d)", r.cfg.Streams, r.cfg.Concurrency)

	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Println("consumer stopped: context cancelled")
			r.wg.Wait()
			return
		case <-r.stopChan:
			log.Println("consumer stopped: stop signal received")
			r.wg.Wait()
			return
		default:
		}

		msgs, err := r.consumer.Read(ctx, r.cfg.Streams, r.cfg.Concurrency, r.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("queue read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if time.Since(lastClaim) >= r.cfg.ClaimInterval {
			msgs = append(msgs, r.claimOrphans(ctx)...)
			lastClaim = time.Now()
		}

		for _, msg := range msgs {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func(m Message) {
				defer r.wg.Done()
				defer r.sem.Release(1)
				r.handle(ctx, m)
			}(msg)
		}
	}
}

// Stop gracefully stops the runner
func (r *Runner) Stop() {
	close(r.stopChan)
	<-r.doneChan
	log.Println("consumer shutdown complete")
}

// claimOrphans reclaims messages left pending by crashed workers.
func (r *Runner) claimOrphans(ctx context.Context) []Message {
	var out []Message
	for _, stream := range r.cfg.Streams {
		msgs, _, err := r.consumer.AutoClaim(ctx, stream, r.cfg.ClaimMinIdle, "0-0", r.cfg.Concurrency)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("autoclaim on %s failed: %v", stream, err)
			}
			continue
		}
		out = append(out, msgs...)
	}
	return out
}

func (r *Runner) handle(ctx context.Context, m Message) {
	item, err := domain.DecodeWorkItem(m.Envelope.Data)
	if err != nil {
		// An undecodable payload will not decode on redelivery either.
		log.Printf("dropping undecodable work item %s: %v", m.Envelope.EventID, err)
		telemetry.CaptureError(ctx, err)
		r.ack(ctx, m)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	err = r.dispatcher.Dispatch(hctx, item)
	switch {
	case err == nil:
		r.ack(ctx, m)
	case domain.IsTerminal(err):
		// The coordinator has recorded the failed state; acking stops the loop.
		log.Printf("work item %s failed terminally: %v", m.Envelope.EventID, err)
		telemetry.CaptureError(ctx, err)
		r.ack(ctx, m)
	default:
		r.requeue(ctx, m, err)
	}
}

// requeue re-publishes a transiently failed message with a bumped attempt
// count after a backoff delay, or dead-letters it once the redelivery limit
// is reached. The original entry is acked only after the copy is durable.
func (r *Runner) requeue(ctx context.Context, m Message, cause error) {
	attempt := m.Envelope.Attempt + 1
	env := Envelope{
		EventID:    m.Envelope.EventID,
		OccurredAt: m.Envelope.OccurredAt,
		Attempt:    attempt,
		Data:       m.Envelope.Data,
	}

	if attempt >= r.cfg.MaxDeliveries {
		log.Printf("work item %s exceeded %d deliveries, dead-lettering: %v", env.EventID, r.cfg.MaxDeliveries, cause)
		telemetry.CaptureError(ctx, cause)
		if _, err := r.publisher.Publish(ctx, r.cfg.DLQStream, env); err != nil {
			// Leave the entry pending; autoclaim will retry the dead-letter.
			log.Printf("dead-letter publish failed for %s: %v", env.EventID, err)
			return
		}
		r.ack(ctx, m)
		return
	}

	delay := retryDelay(r.cfg.RetryBackoff, attempt)
	log.Printf("work item %s failed (attempt %d/%d), requeueing in %s: %v", env.EventID, attempt, r.cfg.MaxDeliveries, delay, cause)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if _, err := r.publisher.Publish(ctx, m.Stream, env); err != nil {
		log.Printf("requeue publish failed for %s: %v", env.EventID, err)
		return
	}
	r.ack(ctx, m)
}

func (r *Runner) ack(ctx context.Context, m Message) {
	if err := r.consumer.Ack(ctx, m.Stream, m.ID); err != nil {
		log.Printf("ack failed for %s on %s: %v", m.ID, m.Stream, err)
	}
}

// retryDelay computes the backoff before the nth redelivery.
func retryDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
