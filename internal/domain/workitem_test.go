package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWorkItem_Process(t *testing.T) {
	payload := []byte(`{"kind":"process","document_id":"doc-1","location":{"bucket":"uploads","key":"a/b.pdf"},"mime_type":"application/pdf"}`)

	item, err := DecodeWorkItem(payload)

	require.NoError(t, err)
	assert.Equal(t, WorkItemProcess, item.Kind)
	assert.Equal(t, "doc-1", item.DocumentID)
	assert.Equal(t, "uploads", item.Location.Bucket)
	assert.Equal(t, "a/b.pdf", item.Location.Key)
	assert.Equal(t, "application/pdf", item.MimeType)
}

func TestDecodeWorkItem_Rebuild(t *testing.T) {
	item, err := DecodeWorkItem([]byte(`{"kind":"rebuild"}`))

	require.NoError(t, err)
	assert.Equal(t, WorkItemRebuild, item.Kind)
}

func TestDecodeWorkItem_Delete(t *testing.T) {
	item, err := DecodeWorkItem([]byte(`{"kind":"delete","document_id":"doc-9"}`))

	require.NoError(t, err)
	assert.Equal(t, WorkItemDelete, item.Kind)
	assert.Equal(t, "doc-9", item.DocumentID)
}

func TestDecodeWorkItem_DeleteWithoutDocumentID(t *testing.T) {
	// full index teardown carries no document_id
	item, err := DecodeWorkItem([]byte(`{"kind":"delete"}`))

	require.NoError(t, err)
	assert.Equal(t, WorkItemDelete, item.Kind)
	assert.Empty(t, item.DocumentID)
}

func TestDecodeWorkItem_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown kind", `{"kind":"reprocess","document_id":"doc-1"}`},
		{"process missing document_id", `{"kind":"process","location":{"bucket":"b","key":"k"}}`},
		{"process missing location", `{"kind":"process","document_id":"doc-1"}`},
		{"malformed json", `{"kind":`},
		{"empty kind", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWorkItem([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestHashBytes_Deterministic(t *testing.T) {
	a := HashBytes([]byte("same bytes"))
	b := HashBytes([]byte("same bytes"))
	c := HashBytes([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFailureClassification(t *testing.T) {
	transient := Transient("fetch", assert.AnError)
	terminal := Terminal("extract", ErrCorruptedFile)

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTerminal(transient))
	assert.True(t, IsTerminal(terminal))
	assert.False(t, IsTransient(terminal))

	// Unclassified errors are retried rather than dropped.
	assert.True(t, IsTransient(assert.AnError))
	assert.False(t, IsTransient(nil))

	// Wrapping preserves the underlying sentinel.
	assert.ErrorIs(t, terminal, ErrCorruptedFile)
}

func TestDocumentStatus_IsValid(t *testing.T) {
	assert.True(t, DocumentStatusPending.IsValid())
	assert.True(t, DocumentStatusIndexed.IsValid())
	assert.False(t, DocumentStatus("archived").IsValid())
}
