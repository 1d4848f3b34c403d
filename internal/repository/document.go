package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/pagination"
)

// DocumentRepository handles persistence of document records.
type DocumentRepository struct {
	db dbtx
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

func NewDocumentRepositoryWithTx(tx pgx.Tx) *DocumentRepository {
	return &DocumentRepository{db: tx}
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var d domain.Document
	var fetchedAt, processedAt *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT id, bucket, object_key, mime_type, content_hash, status, page_count, error, fetched_at, processed_at, created_at
		 FROM documents WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.Location.Bucket, &d.Location.Key, &d.MimeType, &d.ContentHash, &d.Status, &d.PageCount, &d.Error, &fetchedAt, &processedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, err
	}
	if fetchedAt != nil {
		d.FetchedAt = *fetchedAt
	}
	if processedAt != nil {
		d.ProcessedAt = *processedAt
	}
	return &d, nil
}

// Upsert creates the document record on the first message referencing an
// identifier and refreshes its source location on later ones. Status and
// hash are owned by the indexing transaction and left untouched here.
func (r *DocumentRepository) Upsert(ctx context.Context, d *domain.Document) error {
	status := d.Status
	if status == "" {
		status = domain.DocumentStatusPending
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO documents (id, bucket, object_key, mime_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET bucket = EXCLUDED.bucket, object_key = EXCLUDED.object_key, mime_type = EXCLUDED.mime_type`,
		d.ID, d.Location.Bucket, d.Location.Key, d.MimeType, status, createdAt,
	)
	return err
}

func (r *DocumentRepository) SetStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents SET status = $1, error = $2 WHERE id = $3`,
		status, errMsg, id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

// Touch records a processing attempt that required no index write, such as
// a replayed message whose content hash is already indexed.
func (r *DocumentRepository) Touch(ctx context.Context, id string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents SET processed_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

// ResetAll returns every document to pending ahead of a rebuild and clears
// recorded errors. It returns the number of documents reset.
func (r *DocumentRepository) ResetAll(ctx context.Context) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents SET status = $1, error = ''`,
		domain.DocumentStatusPending,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

// List pages through all documents in creation order. The keyset cursor
// makes the listing restartable, and documents created mid-listing sort
// after the cursor so a rebuild does not miss them.
func (r *DocumentRepository) List(ctx context.Context, cursor *pagination.Cursor, limit int) (*pagination.Page[*domain.Document], error) {
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error

	if cursor != nil {
		rows, err = r.db.Query(ctx,
			`SELECT id, bucket, object_key, mime_type, content_hash, status, page_count, error, fetched_at, processed_at, created_at
			 FROM documents
			 WHERE (created_at, id) > ($1, $2)
			 ORDER BY created_at ASC, id ASC
			 LIMIT $3`,
			cursor.Timestamp, cursor.LastID, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT id, bucket, object_key, mime_type, content_hash, status, page_count, error, fetched_at, processed_at, created_at
			 FROM documents
			 ORDER BY created_at ASC, id ASC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanDocumentRows(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	var next string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		next = pagination.Encode(last.ID, last.CreatedAt)
	}

	return &pagination.Page[*domain.Document]{
		Items:   items,
		Cursor:  next,
		HasMore: hasMore,
	}, nil
}

// ListByStatus returns documents in a given state, most recently created
// first. The operator surface uses it to inspect failed documents.
func (r *DocumentRepository) ListByStatus(ctx context.Context, status domain.DocumentStatus, limit int) ([]*domain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, bucket, object_key, mime_type, content_hash, status, page_count, error, fetched_at, processed_at, created_at
		 FROM documents
		 WHERE status = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

func scanDocumentRows(rows pgx.Rows) ([]*domain.Document, error) {
	var results []*domain.Document
	for rows.Next() {
		var d domain.Document
		var fetchedAt, processedAt *time.Time
		if err := rows.Scan(&d.ID, &d.Location.Bucket, &d.Location.Key, &d.MimeType, &d.ContentHash, &d.Status, &d.PageCount, &d.Error, &fetchedAt, &processedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		if fetchedAt != nil {
			d.FetchedAt = *fetchedAt
		}
		if processedAt != nil {
			d.ProcessedAt = *processedAt
		}
		results = append(results, &d)
	}
	return results, rows.Err()
}
