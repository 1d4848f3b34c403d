package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DocumentStatus represents the processing state of a document
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusIndexed    DocumentStatus = "indexed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// IsValid checks if the status is one of the known values
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusProcessing, DocumentStatusIndexed, DocumentStatusFailed:
		return true
	}
	return false
}

// Location identifies an object in the object store.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Document is the pipeline's record of a source document. It is created on
// the first message referencing an identifier and updated in place on every
// processing attempt.
type Document struct {
	ID          string
	Location    Location
	MimeType    string
	ContentHash string
	Status      DocumentStatus
	PageCount   int
	Error       string
	// FetchedAt is when the raw bytes behind ContentHash were retrieved.
	// It orders conflicting writes from redelivered messages.
	FetchedAt   time.Time
	ProcessedAt time.Time
	CreatedAt   time.Time
}

// HashBytes computes the content hash of raw document bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
