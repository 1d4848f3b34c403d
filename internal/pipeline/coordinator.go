package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/pagedex-io/pagedex/internal/chunk"
	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/extract"
	"github.com/pagedex-io/pagedex/internal/openai"
	"github.com/pagedex-io/pagedex/internal/pagination"
	"github.com/pagedex-io/pagedex/internal/telemetry"
)

// ObjectFetcher retrieves raw document bytes from the object store.
type ObjectFetcher interface {
	Fetch(ctx context.Context, loc domain.Location) ([]byte, error)
}

// Chunker splits extracted text into token-bounded pieces.
type Chunker interface {
	Split(text string) []chunk.Piece
}

// Embedder produces one vector per input text, order-preserving.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) (*openai.BatchResult, error)
}

// DocumentStore is the document-record side of persistence.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Upsert(ctx context.Context, d *domain.Document) error
	SetStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string) error
	Touch(ctx context.Context, id string) error
	ResetAll(ctx context.Context) (int64, error)
	List(ctx context.Context, cursor *pagination.Cursor, limit int) (*pagination.Page[*domain.Document], error)
}

// IndexStore is the chunk-index side of persistence.
type IndexStore interface {
	ReplaceChunks(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	DeleteDocument(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int64, error)
}

// WorkPublisher enqueues work items, used by rebuild to fan out one process
// item per known document.
type WorkPublisher interface {
	PublishWorkItem(ctx context.Context, stream string, item *domain.WorkItem) (string, error)
}

// Config holds coordinator tunables.
type Config struct {
	// IngestStream is where rebuild publishes the per-document process items.
	IngestStream string
	ListPageSize int
}

func (c *Config) applyDefaults() {
	if c.IngestStream == "" {
		c.IngestStream = "ingest"
	}
	if c.ListPageSize <= 0 {
		c.ListPageSize = 100
	}
}

// Coordinator drives the per-document pipeline: fetch, extract, chunk,
// embed, persist. Every stage returns a classified outcome; the queue
// runner decides requeue versus acknowledge from that classification.
type Coordinator struct {
	fetcher   ObjectFetcher
	extractor extract.Extractor
	chunker   Chunker
	embedder  Embedder
	documents DocumentStore
	index     IndexStore
	publisher WorkPublisher
	cfg       Config
}

func NewCoordinator(
	fetcher ObjectFetcher,
	extractor extract.Extractor,
	chunker Chunker,
	embedder Embedder,
	documents DocumentStore,
	index IndexStore,
	publisher WorkPublisher,
	cfg Config,
) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		fetcher:   fetcher,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		documents: documents,
		index:     index,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Dispatch routes a decoded work item to the matching operation.
func (c *Coordinator) Dispatch(ctx context.Context, item *domain.WorkItem) error {
	if err := item.Validate(); err != nil {
		return domain.Terminal("dispatch", err)
	}
	switch item.Kind {
	case domain.WorkItemProcess:
		return c.Process(ctx, item)
	case domain.WorkItemRebuild:
		return c.Rebuild(ctx)
	case domain.WorkItemDelete:
		return c.Delete(ctx, item.DocumentID)
	default:
		return domain.Terminal("dispatch", fmt.Errorf("unhandled work item kind %q", item.Kind))
	}
}

// Process runs the full pipeline for one document. Unchanged content short-
// circuits before extraction so OCR and the embedding service are not paid
// for twice. A terminal failure marks the document failed and is returned
// for acknowledgment; a transient one leaves the record as-is for retry.
func (c *Coordinator) Process(ctx context.Context, item *domain.WorkItem) error {
	ctx, span := telemetry.StartSpan(ctx, "Coordinator.Process", telemetry.SpanAttributes{
		DocumentID: item.DocumentID,
		Operation:  "process",
	})
	defer span.End()

	doc := &domain.Document{
		ID:       item.DocumentID,
		Location: item.Location,
		MimeType: item.MimeType,
		Status:   domain.DocumentStatusPending,
	}
	if err := c.documents.Upsert(ctx, doc); err != nil {
		return domain.Transient("record", err)
	}

	data, err := c.fetcher.Fetch(ctx, item.Location)
	if err != nil {
		return c.fail(ctx, doc.ID, "fetch", err)
	}

	doc.ContentHash = domain.HashBytes(data)
	doc.FetchedAt = time.Now().UTC()

	stored, err := c.documents.GetByID(ctx, doc.ID)
	if err != nil {
		return domain.Transient("record", err)
	}
	if stored.Status == domain.DocumentStatusIndexed && stored.ContentHash == doc.ContentHash {
		log.Printf("pipeline: document %s unchanged (hash %.12s), skipping", doc.ID, doc.ContentHash)
		if err := c.documents.Touch(ctx, doc.ID); err != nil {
			return domain.Transient("record", err)
		}
		return nil
	}

	if err := c.documents.SetStatus(ctx, doc.ID, domain.DocumentStatusProcessing, ""); err != nil {
		return domain.Transient("record", err)
	}

	result, err := c.extractor.Extract(ctx, data, item.MimeType)
	if err != nil {
		return c.fail(ctx, doc.ID, "extract", err)
	}
	if failed := result.FailedPages(); len(failed) > 0 {
		log.Printf("pipeline: document %s: pages %v unreadable, continuing with the rest", doc.ID, failed)
	}
	doc.PageCount = len(result.Pages)

	chunks := c.chunkPages(doc.ID, result.Pages)
	if len(chunks) == 0 {
		return c.fail(ctx, doc.ID, "chunk", domain.Terminal("chunk", domain.ErrEmptyDocument))
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	batch, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return c.fail(ctx, doc.ID, "embed", err)
	}
	if len(batch.Failed) > 0 {
		err := domain.Terminal("embed", fmt.Errorf("%d of %d chunks rejected by the embedding service: %s",
			len(batch.Failed), len(chunks), describeFailed(batch.Failed)))
		return c.fail(ctx, doc.ID, "embed", err)
	}
	for i := range chunks {
		chunks[i].Embedding = batch.Vectors[i]
	}

	if err := c.index.ReplaceChunks(ctx, doc, chunks); err != nil {
		return c.fail(ctx, doc.ID, "persist", err)
	}

	log.Printf("pipeline: document %s indexed: %d pages, %d chunks, native=%t",
		doc.ID, doc.PageCount, len(chunks), result.Native)
	return nil
}

// Rebuild resets every document to pending and issues one process item per
// document. Listing is keyset-paginated, so documents created mid-rebuild
// are picked up too; duplicates are harmless because process is idempotent.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "Coordinator.Rebuild", telemetry.SpanAttributes{
		Operation: "rebuild",
	})
	defer span.End()

	reset, err := c.documents.ResetAll(ctx)
	if err != nil {
		return domain.Transient("rebuild", err)
	}
	log.Printf("pipeline: rebuild started, %d documents reset", reset)

	var cursor *pagination.Cursor
	var published int
	for {
		page, err := c.documents.List(ctx, cursor, c.cfg.ListPageSize)
		if err != nil {
			return domain.Transient("rebuild", err)
		}
		for _, d := range page.Items {
			item := &domain.WorkItem{
				Kind:       domain.WorkItemProcess,
				DocumentID: d.ID,
				Location:   d.Location,
				MimeType:   d.MimeType,
			}
			if _, err := c.publisher.PublishWorkItem(ctx, c.cfg.IngestStream, item); err != nil {
				return domain.Transient("rebuild", err)
			}
			published++
		}
		if !page.HasMore {
			break
		}
		cursor, err = pagination.Decode(page.Cursor)
		if err != nil {
			return domain.Terminal("rebuild", err)
		}
	}

	log.Printf("pipeline: rebuild enqueued %d documents", published)
	return nil
}

// Delete removes one document's indexed state, or the whole index when no
// document is named. Both are idempotent and safe to re-trigger.
func (c *Coordinator) Delete(ctx context.Context, documentID string) error {
	ctx, span := telemetry.StartSpan(ctx, "Coordinator.Delete", telemetry.SpanAttributes{
		DocumentID: documentID,
		Operation:  "delete",
	})
	defer span.End()

	if documentID == "" {
		count, err := c.index.DeleteAll(ctx)
		if err != nil {
			return err
		}
		log.Printf("pipeline: index teardown removed %d documents", count)
		return nil
	}
	if err := c.index.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	log.Printf("pipeline: document %s removed from index", documentID)
	return nil
}

// chunkPages splits each page separately so chunks keep their page
// attribution, with ordinals running globally across the document.
func (c *Coordinator) chunkPages(documentID string, pages []extract.Page) []domain.Chunk {
	var chunks []domain.Chunk
	ordinal := 0
	for _, page := range pages {
		for _, piece := range c.chunker.Split(page.Text) {
			chunks = append(chunks, domain.Chunk{
				DocumentID:  documentID,
				Index:       ordinal,
				Page:        page.Index,
				Content:     piece.Text,
				TokenCount:  piece.Tokens,
				ContentHash: domain.HashBytes([]byte(piece.Text)),
			})
			ordinal++
		}
	}
	return chunks
}

// fail records a terminal outcome on the document before propagating the
// classified error. Transient errors pass through untouched so the record
// keeps its in-flight status for the retry.
func (c *Coordinator) fail(ctx context.Context, documentID, stage string, cause error) error {
	if domain.IsTransient(cause) {
		return cause
	}
	if err := c.documents.SetStatus(ctx, documentID, domain.DocumentStatusFailed, cause.Error()); err != nil {
		log.Printf("pipeline: document %s failed at %s but status update also failed: %v", documentID, stage, err)
		return domain.Transient(stage, err)
	}
	return cause
}

func describeFailed(failed map[int]error) string {
	indices := make([]int, 0, len(failed))
	for i := range failed {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, fmt.Sprintf("chunk %d: %v", i, failed[i]))
	}
	return strings.Join(parts, "; ")
}
