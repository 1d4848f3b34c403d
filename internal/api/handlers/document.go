package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pagedex-io/pagedex/internal/api"
	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/pagination"
)

type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context, cursor *pagination.Cursor, limit int) (*pagination.Page[*domain.Document], error)
	ListByStatus(ctx context.Context, status domain.DocumentStatus, limit int) ([]*domain.Document, error)
}

// DocumentHandler exposes the pipeline's document records for operator
// inspection, most importantly listing failed documents for remediation.
type DocumentHandler struct {
	store DocumentStore
}

func NewDocumentHandler(store DocumentStore) *DocumentHandler {
	return &DocumentHandler{store: store}
}

type DocumentResponse struct {
	ID          string `json:"id"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	MimeType    string `json:"mime_type"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status"`
	PageCount   int    `json:"page_count"`
	Error       string `json:"error,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type DocumentListResponse struct {
	Documents []*DocumentResponse `json:"documents"`
	Cursor    string              `json:"cursor,omitempty"`
	HasMore   bool                `json:"has_more"`
}

const timeLayout = "2006-01-02T15:04:05Z"

func documentToResponse(d *domain.Document) *DocumentResponse {
	resp := &DocumentResponse{
		ID:          d.ID,
		Bucket:      d.Location.Bucket,
		Key:         d.Location.Key,
		MimeType:    d.MimeType,
		ContentHash: d.ContentHash,
		Status:      string(d.Status),
		PageCount:   d.PageCount,
		Error:       d.Error,
		CreatedAt:   d.CreatedAt.Format(timeLayout),
	}
	if !d.ProcessedAt.IsZero() {
		resp.ProcessedAt = d.ProcessedAt.Format(timeLayout)
	}
	return resp
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, documentToResponse(doc))
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.DocumentStatus(raw)
		if !status.IsValid() {
			api.Error(w, http.StatusBadRequest, "invalid status")
			return
		}

		docs, err := h.store.ListByStatus(r.Context(), status, limit)
		if err != nil {
			api.HandleError(w, err)
			return
		}
		api.Success(w, http.StatusOK, &DocumentListResponse{Documents: toResponses(docs)})
		return
	}

	cursor, err := pagination.Decode(r.URL.Query().Get("cursor"))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	page, err := h.store.List(r.Context(), cursor, limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, &DocumentListResponse{
		Documents: toResponses(page.Items),
		Cursor:    page.Cursor,
		HasMore:   page.HasMore,
	})
}

func toResponses(docs []*domain.Document) []*DocumentResponse {
	out := make([]*DocumentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentToResponse(d))
	}
	return out
}
