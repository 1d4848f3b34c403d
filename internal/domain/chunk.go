package domain

// Chunk is a bounded-length slice of a document's extracted text, the unit
// of embedding and retrieval. Chunks for a document are contiguous and
// 0-based; concatenating them reconstructs the extracted text modulo
// boundary whitespace trimming.
type Chunk struct {
	DocumentID  string
	Index       int
	Page        int
	Content     string
	TokenCount  int
	ContentHash string
	Embedding   []float32
}
