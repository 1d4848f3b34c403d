//go:build integration

package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedex-io/pagedex/internal/chunk"
	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/extract"
	"github.com/pagedex-io/pagedex/internal/openai"
	"github.com/pagedex-io/pagedex/internal/repository"
	"github.com/pagedex-io/pagedex/internal/testutil"
)

// memoryFetcher serves document bytes from a map keyed by object key.
type memoryFetcher struct {
	objects map[string][]byte
}

func (f *memoryFetcher) Fetch(ctx context.Context, loc domain.Location) ([]byte, error) {
	data, ok := f.objects[loc.Key]
	if !ok {
		return nil, domain.Terminal("fetch", domain.ErrObjectNotFound)
	}
	return data, nil
}

// textExtractor treats the raw bytes as pages separated by form feeds.
type textExtractor struct{}

func (textExtractor) Extract(ctx context.Context, data []byte, mimeType string) (*extract.Result, error) {
	var pages []extract.Page
	for i, text := range strings.Split(string(data), "\f") {
		pages = append(pages, extract.Page{Index: i, Text: text})
	}
	return &extract.Result{Pages: pages, Native: true}, nil
}

// countingEmbedder returns fixed-dimensionality vectors and counts calls so
// tests can assert the idempotency short-circuit.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) (*openai.BatchResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	result := &openai.BatchResult{
		Vectors: make([][]float32, len(texts)),
		Failed:  map[int]error{},
	}
	for i := range texts {
		vec := make([]float32, 1536)
		vec[0] = float32(i + 1)
		result.Vectors[i] = vec
	}
	return result, nil
}

func (e *countingEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type recordingPublisher struct {
	mu    sync.Mutex
	items []*domain.WorkItem
}

func (p *recordingPublisher) PublishWorkItem(ctx context.Context, stream string, item *domain.WorkItem) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return "1-0", nil
}

// wsTokenizer counts whitespace-separated words, standing in for the model
// tokenizer so the container tests need no network access.
type wsTokenizer struct{}

func (wsTokenizer) Encode(text string) []int {
	return make([]int, len(strings.Fields(text)))
}

func (wsTokenizer) Decode(tokens []int) string {
	return strings.Repeat("w ", len(tokens))
}

func (t wsTokenizer) Count(text string) int { return len(t.Encode(text)) }

type pipelineHarness struct {
	coordinator *Coordinator
	fetcher     *memoryFetcher
	embedder    *countingEmbedder
	publisher   *recordingPublisher
	documents   *repository.DocumentRepository
	index       *repository.IndexRepository
}

func newPipelineHarness(ctx context.Context, t *testing.T) *pipelineHarness {
	pc := testutil.NewPostgresContainer(ctx, t)
	t.Cleanup(func() { pc.Terminate(ctx) })

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	t.Cleanup(pool.Close)

	fetcher := &memoryFetcher{objects: map[string][]byte{}}
	embedder := &countingEmbedder{}
	publisher := &recordingPublisher{}
	documents := repository.NewDocumentRepository(pool)
	index := repository.NewIndexRepository(pool)
	chunker := chunk.New(wsTokenizer{}, chunk.Config{MaxTokens: 8, Overlap: 0})

	coordinator := NewCoordinator(
		fetcher, textExtractor{}, chunker, embedder, documents, index, publisher,
		Config{IngestStream: "ingest", ListPageSize: 2},
	)

	return &pipelineHarness{
		coordinator: coordinator,
		fetcher:     fetcher,
		embedder:    embedder,
		publisher:   publisher,
		documents:   documents,
		index:       index,
	}
}

func TestPipeline_ProcessPersistsOrderedChunks(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(ctx, t)

	h.fetcher.objects["report.txt"] = []byte("alpha beta gamma\fdelta epsilon")
	item := &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-1",
		Location:   domain.Location{Bucket: "uploads", Key: "report.txt"},
		MimeType:   "text/plain",
	}

	require.NoError(t, h.coordinator.Dispatch(ctx, item))

	doc, err := h.documents.GetByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, 2, doc.PageCount)
	assert.NotEmpty(t, doc.ContentHash)

	chunks, err := h.index.GetChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Len(t, c.Embedding, 1536)
	}
	assert.Equal(t, "alpha beta gamma", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Page)
	assert.Equal(t, "delta epsilon", chunks[1].Content)
	assert.Equal(t, 1, chunks[1].Page)
}

func TestPipeline_ReplayedMessageSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(ctx, t)

	h.fetcher.objects["a.txt"] = []byte("identical content")
	item := &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-1",
		Location:   domain.Location{Bucket: "uploads", Key: "a.txt"},
		MimeType:   "text/plain",
	}

	require.NoError(t, h.coordinator.Process(ctx, item))
	require.Equal(t, 1, h.embedder.callCount())

	require.NoError(t, h.coordinator.Process(ctx, item))
	assert.Equal(t, 1, h.embedder.callCount(), "replay of unchanged content must not call the embedding service")

	doc, err := h.documents.GetByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusIndexed, doc.Status)
	assert.False(t, doc.ProcessedAt.IsZero())
}

func TestPipeline_ChangedContentReplacesChunks(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(ctx, t)

	item := &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-1",
		Location:   domain.Location{Bucket: "uploads", Key: "a.txt"},
		MimeType:   "text/plain",
	}

	h.fetcher.objects["a.txt"] = []byte("version one\fsecond page")
	require.NoError(t, h.coordinator.Process(ctx, item))

	h.fetcher.objects["a.txt"] = []byte("version two")
	require.NoError(t, h.coordinator.Process(ctx, item))
	assert.Equal(t, 2, h.embedder.callCount())

	chunks, err := h.index.GetChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "version two", chunks[0].Content)
}

func TestPipeline_MissingObjectMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(ctx, t)

	item := &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-1",
		Location:   domain.Location{Bucket: "uploads", Key: "missing.txt"},
		MimeType:   "text/plain",
	}

	err := h.coordinator.Process(ctx, item)
	require.Error(t, err)
	assert.True(t, domain.IsTerminal(err))

	doc, getErr := h.documents.GetByID(ctx, "doc-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.NotEmpty(t, doc.Error)
}

func TestPipeline_RebuildEnqueuesEveryDocument(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(ctx, t)

	keys := []string{"a.txt", "b.txt", "c.txt"}
	for i, key := range keys {
		h.fetcher.objects[key] = []byte("content " + key)
		item := &domain.WorkItem{
			Kind:       domain.WorkItemProcess,
			DocumentID: "doc-" + key,
			Location:   domain.Location{Bucket: "uploads", Key: key},
			MimeType:   "text/plain",
		}
		require.NoError(t, h.coordinator.Process(ctx, item), "seed doc %d", i)
	}

	require.NoError(t, h.coordinator.Rebuild(ctx))

	require.Len(t, h.publisher.items, 3)
	seen := map[string]bool{}
	for _, it := range h.publisher.items {
		assert.Equal(t, domain.WorkItemProcess, it.Kind)
		seen[it.DocumentID] = true
	}
	assert.Len(t, seen, 3)

	pending, err := h.documents.ListByStatus(ctx, domain.DocumentStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestPipeline_DeleteRemovesAllTraces(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(ctx, t)

	h.fetcher.objects["a.txt"] = []byte("to be removed")
	item := &domain.WorkItem{
		Kind:       domain.WorkItemProcess,
		DocumentID: "doc-1",
		Location:   domain.Location{Bucket: "uploads", Key: "a.txt"},
		MimeType:   "text/plain",
	}
	require.NoError(t, h.coordinator.Process(ctx, item))

	require.NoError(t, h.coordinator.Dispatch(ctx, &domain.WorkItem{
		Kind:       domain.WorkItemDelete,
		DocumentID: "doc-1",
	}))

	_, err := h.documents.GetByID(ctx, "doc-1")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	chunks, err := h.index.GetChunks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
