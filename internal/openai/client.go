package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pagedex-io/pagedex/internal/chunk"
	"github.com/pagedex-io/pagedex/internal/domain"
)

const (
	// DefaultEmbeddingModel is the OpenAI model used for generating embeddings
	DefaultEmbeddingModel = openai.SmallEmbedding3
	// DefaultEmbeddingDimensions is the expected dimension of embeddings from text-embedding-3-small
	DefaultEmbeddingDimensions = 1536
	// DefaultBatchSize is the number of inputs sent per request
	DefaultBatchSize = 64
	// maxInputTokens is the model's per-input token limit
	maxInputTokens = 8192

	defaultMaxRetries = 5
)

var (
	// ErrEmptyInput is returned when no texts are provided
	ErrEmptyInput = errors.New("no texts to embed")
	// ErrWrongDimensions is returned when an embedding has wrong dimensions
	ErrWrongDimensions = errors.New("embedding has wrong dimensions")
)

// EmbeddingAPI defines the interface for batched embedding generation
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// OpenAIAdapter calls the OpenAI embeddings endpoint.
type OpenAIAdapter struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func NewOpenAIAdapter(apiKey string, model openai.EmbeddingModel) *OpenAIAdapter {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &OpenAIAdapter{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// CreateEmbeddings calls the OpenAI API with a batch of inputs and returns
// the vectors in input order.
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: a.model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Config holds client configuration.
type Config struct {
	APIKey              string
	EmbeddingModel      openai.EmbeddingModel
	EmbeddingDimensions int
	BatchSize           int
	// RequestsPerMinute throttles outbound calls below the provider quota.
	RequestsPerMinute int
	MaxRetries        int
}

// BatchResult carries one vector per input in input order. Inputs rejected
// permanently by the service have a nil vector and an entry in Failed.
type BatchResult struct {
	Vectors [][]float32
	Failed  map[int]error
}

// Client generates embeddings in batches against the rate-limited OpenAI
// API. It is the pipeline's only outbound call to a paid service and its
// natural backpressure point: callers must expect EmbedBatch to block for
// the duration of limiter waits and retry backoff.
type Client struct {
	api           EmbeddingAPI
	tok           chunk.Tokenizer
	limiter       *rate.Limiter
	dimensions    int
	batchSize     int
	maxRetries    int
	retryInterval time.Duration
}

// NewClient creates a new embedding client. The tokenizer is used to clip
// oversized inputs to the model limit and may be nil to skip clipping.
func NewClient(cfg Config, tok chunk.Tokenizer) *Client {
	return NewClientWithAPI(NewOpenAIAdapter(cfg.APIKey, cfg.EmbeddingModel), cfg, tok)
}

// NewClientWithAPI creates a client backed by a caller-supplied API.
func NewClientWithAPI(api EmbeddingAPI, cfg Config, tok chunk.Tokenizer) *Client {
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		api:           api,
		tok:           tok,
		limiter:       limiter,
		dimensions:    dimensions,
		batchSize:     batchSize,
		maxRetries:    maxRetries,
		retryInterval: time.Second,
	}
}

// EmbedBatch produces one vector per input text, order-preserving. Transient
// service failures (rate limits, timeouts) surface as a transient error after
// bounded retries; a permanent rejection fails only the offending inputs.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	if len(texts) == 0 {
		return nil, domain.Terminal("embed", ErrEmptyInput)
	}

	result := &BatchResult{
		Vectors: make([][]float32, len(texts)),
		Failed:  make(map[int]error),
	}

	cleaned := make([]string, len(texts))
	for i, t := range texts {
		cleaned[i] = c.prepare(t)
	}

	for start := 0; start < len(cleaned); start += c.batchSize {
		end := start + c.batchSize
		if end > len(cleaned) {
			end = len(cleaned)
		}
		if err := c.embedSlice(ctx, cleaned[start:end], start, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// embedSlice embeds one batch. A permanent batch rejection falls back to
// per-input calls so only the offending input is recorded as failed.
func (c *Client) embedSlice(ctx context.Context, inputs []string, offset int, result *BatchResult) error {
	vectors, err := c.callWithRetry(ctx, inputs)
	if err == nil {
		return c.record(vectors, offset, result)
	}
	if isPermanent(err) && len(inputs) > 1 {
		for i, input := range inputs {
			vec, err := c.callWithRetry(ctx, []string{input})
			if err != nil {
				if isPermanent(err) {
					result.Failed[offset+i] = err
					continue
				}
				return err
			}
			if rerr := c.record(vec, offset+i, result); rerr != nil {
				return rerr
			}
		}
		return nil
	}
	if isPermanent(err) {
		result.Failed[offset] = err
		return nil
	}
	return err
}

// callWithRetry performs one API call with rate limiting and bounded
// exponential backoff on retryable failures.
func (c *Client) callWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var vectors [][]float32

	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		out, err := c.api.CreateEmbeddings(ctx, inputs)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vectors = out
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if isPermanent(err) {
			return nil, err
		}
		return nil, domain.Transient("embed", err)
	}
	return vectors, nil
}

func (c *Client) record(vectors [][]float32, offset int, result *BatchResult) error {
	for i, vec := range vectors {
		if len(vec) != c.dimensions {
			return domain.Terminal("embed", fmt.Errorf("%w: expected %d, got %d", ErrWrongDimensions, c.dimensions, len(vec)))
		}
		result.Vectors[offset+i] = vec
	}
	return nil
}

// prepare collapses whitespace runs and clips the input to the model's
// token limit.
func (c *Client) prepare(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if c.tok == nil {
		return text
	}
	tokens := c.tok.Encode(text)
	if len(tokens) <= maxInputTokens {
		return text
	}
	return c.tok.Decode(tokens[:maxInputTokens])
}

// isPermanent reports whether the API error is a client-side rejection that
// retrying cannot fix (malformed input, auth), as opposed to throttling or a
// service fault.
func isPermanent(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 400, 401, 403, 404, 422:
			return true
		}
		return false
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 && reqErr.HTTPStatusCode != 429
	}
	return false
}
