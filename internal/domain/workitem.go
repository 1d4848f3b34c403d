package domain

import (
	"encoding/json"
	"fmt"
)

// WorkItemKind discriminates the work item variants carried on the queues.
type WorkItemKind string

const (
	WorkItemProcess WorkItemKind = "process"
	WorkItemRebuild WorkItemKind = "rebuild"
	WorkItemDelete  WorkItemKind = "delete"
)

// WorkItem is the queue payload dispatched to the pipeline coordinator.
type WorkItem struct {
	Kind       WorkItemKind `json:"kind"`
	DocumentID string       `json:"document_id,omitempty"`
	Location   Location     `json:"location,omitempty"`
	MimeType   string       `json:"mime_type,omitempty"`
}

// Validate checks the fields required for each kind. Dispatch is exhaustive:
// an unknown kind is rejected here, never handled implicitly downstream.
func (w *WorkItem) Validate() error {
	switch w.Kind {
	case WorkItemProcess:
		if w.DocumentID == "" {
			return fmt.Errorf("process work item requires document_id")
		}
		if w.Location.Bucket == "" || w.Location.Key == "" {
			return fmt.Errorf("process work item requires location bucket and key")
		}
	case WorkItemRebuild:
		// No additional fields; rebuild covers every known document.
	case WorkItemDelete:
		// An empty document_id means full index teardown.
	default:
		return fmt.Errorf("unknown work item kind %q", w.Kind)
	}
	return nil
}

// DecodeWorkItem parses and validates a work item payload.
func DecodeWorkItem(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return &item, nil
}
