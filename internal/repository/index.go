package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/pagedex-io/pagedex/internal/domain"
)

// IndexRepository maintains the searchable chunk index. All writes for one
// document happen in a single transaction so a reader never observes a
// partially replaced chunk set.
type IndexRepository struct {
	pool *pgxpool.Pool
}

func NewIndexRepository(pool *pgxpool.Pool) *IndexRepository {
	return &IndexRepository{pool: pool}
}

// ReplaceChunks swaps the document's entire chunk set for the given one and
// marks the document indexed, in one transaction. The write is guarded by
// fetch-time ordering: if the stored row already carries a different content
// hash fetched later than doc.FetchedAt, the incoming write is stale (a
// redelivered older message) and is discarded as already satisfied.
func (r *IndexRepository) ReplaceChunks(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Transient("persist", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var storedHash string
	var storedFetched *time.Time
	err = tx.QueryRow(ctx,
		`SELECT content_hash, fetched_at FROM documents WHERE id = $1 FOR UPDATE`,
		doc.ID,
	).Scan(&storedHash, &storedFetched)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Terminal("persist", domain.ErrDocumentNotFound)
		}
		return domain.Transient("persist", err)
	}

	if storedHash != "" && storedHash != doc.ContentHash &&
		storedFetched != nil && storedFetched.After(doc.FetchedAt) {
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, doc.ID); err != nil {
		return domain.Transient("persist", err)
	}

	for _, c := range chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO document_chunks
				(document_id, chunk_index, page, content, token_count, content_hash, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			doc.ID, c.Index, c.Page, c.Content, c.TokenCount, c.ContentHash,
			pgvector.NewVector(c.Embedding), time.Now().UTC(),
		)
		if err != nil {
			return domain.Transient("persist", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE documents
		 SET status = $1, content_hash = $2, page_count = $3, error = '', fetched_at = $4, processed_at = $5
		 WHERE id = $6`,
		domain.DocumentStatusIndexed, doc.ContentHash, doc.PageCount, doc.FetchedAt, now, doc.ID,
	)
	if err != nil {
		return domain.Transient("persist", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Transient("persist", err)
	}
	return nil
}

// DeleteDocument removes the document record and, via the foreign key, all
// its chunks atomically. Deleting an unknown document is a no-op so the
// operation stays idempotent under redelivery.
func (r *IndexRepository) DeleteDocument(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return domain.Transient("delete", err)
	}
	return nil
}

// DeleteAll tears down the whole index.
func (r *IndexRepository) DeleteAll(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, domain.Transient("delete", err)
	}
	return cmdTag.RowsAffected(), nil
}

// GetChunks returns a document's chunks in ordinal order.
func (r *IndexRepository) GetChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT document_id, chunk_index, page, content, token_count, content_hash, embedding
		 FROM document_chunks WHERE document_id = $1 ORDER BY chunk_index ASC`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var vec pgvector.Vector
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Page, &c.Content, &c.TokenCount, &c.ContentHash, &vec); err != nil {
			return nil, err
		}
		c.Embedding = vec.Slice()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
