package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"

	"github.com/pagedex-io/pagedex/internal/domain"
)

// DocconvExtractor handles non-PDF text-bearing formats (plain text, HTML,
// Word documents). These bypass OCR entirely.
type DocconvExtractor struct{}

func NewDocconvExtractor() *DocconvExtractor {
	return &DocconvExtractor{}
}

// Extract converts the document to plain text as a single page.
func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient("extract", err)
	}

	// Plain text needs no conversion pass.
	if strings.HasPrefix(mimeType, "text/plain") {
		return &Result{
			Pages:  []Page{{Index: 0, Text: sanitizeText(string(data))}},
			Native: true,
		}, nil
	}

	res, err := docconv.Convert(bytes.NewReader(data), mimeType, true)
	if err != nil {
		return nil, domain.Terminal("extract", fmt.Errorf("%w: %v", domain.ErrCorruptedFile, err))
	}

	return &Result{
		Pages:  []Page{{Index: 0, Text: sanitizeText(res.Body)}},
		Native: true,
	}, nil
}
