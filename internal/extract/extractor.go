package extract

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pagedex-io/pagedex/internal/domain"
)

// Page holds the extracted text of a single page. A corrupt page is flagged
// rather than aborting extraction of its siblings.
type Page struct {
	Index  int
	Text   string
	OCR    bool
	Failed bool
}

// Result is the output of text extraction.
type Result struct {
	Pages []Page
	// Native is true when the text came from an embedded text layer rather
	// than OCR.
	Native bool
}

// Text concatenates the page texts in order.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

// FailedPages returns the indexes of pages that could not be extracted.
func (r *Result) FailedPages() []int {
	var out []int
	for _, p := range r.Pages {
		if p.Failed {
			out = append(out, p.Index)
		}
	}
	return out
}

// Extractor turns raw document bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

// Config holds extraction tunables. The native text layer boundary is an
// extraction-quality heuristic, so it is configurable rather than hardcoded.
type Config struct {
	// MinPageChars is the minimum text layer length for a page to count as
	// having native text.
	MinPageChars int
	// NativeFraction is the fraction of native pages above which OCR is
	// skipped for the whole document.
	NativeFraction float64
	// OCRConcurrency bounds the parallel OCR workers per document.
	OCRConcurrency int
	// OCRDPI is the render resolution for page rasterization.
	OCRDPI float64
}

func (c Config) withDefaults() Config {
	if c.MinPageChars <= 0 {
		c.MinPageChars = 32
	}
	if c.NativeFraction <= 0 {
		c.NativeFraction = 0.8
	}
	if c.OCRConcurrency <= 0 {
		c.OCRConcurrency = 2
	}
	if c.OCRDPI <= 0 {
		c.OCRDPI = 150
	}
	return c
}

// Service routes documents to the PDF or generic extractor by MIME type.
type Service struct {
	pdf     *PDFExtractor
	generic *DocconvExtractor
}

// NewService builds a Service with the given OCR engine and tunables.
func NewService(ocr OCREngine, cfg Config) *Service {
	return &Service{
		pdf:     NewPDFExtractor(ocr, cfg),
		generic: NewDocconvExtractor(),
	}
}

// Extract dispatches on the declared MIME type, sniffing the content when
// the declaration is missing or generic. Unsupported types fail terminally;
// no partial chunking or embedding is attempted for them.
func (s *Service) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	mime := normalizeMime(mimeType)
	if mime == "" || mime == "application/octet-stream" {
		mime = normalizeMime(http.DetectContentType(data))
	}

	switch {
	case mime == "application/pdf":
		return s.pdf.Extract(ctx, data, mime)
	case isTextBearing(mime):
		return s.generic.Extract(ctx, data, mime)
	default:
		return nil, domain.Terminal("extract", fmt.Errorf("%w: %s", domain.ErrUnsupportedMimeType, mime))
	}
}

func normalizeMime(mime string) string {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// isTextBearing reports whether the type carries machine-readable text that
// needs no OCR.
func isTextBearing(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.oasis.opendocument.text",
		"application/rtf",
		"application/xhtml+xml",
		"application/json":
		return true
	}
	return false
}

// sanitizeText strips NUL bytes, which Postgres text columns reject.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
