package extract

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/sync/errgroup"

	"github.com/pagedex-io/pagedex/internal/domain"
)

// pdfDocument is the slice of go-fitz the extractor uses, kept narrow so
// tests can substitute a fake document.
type pdfDocument interface {
	NumPage() int
	Text(pageNumber int) (string, error)
	ImagePNG(pageNumber int, dpi float64) ([]byte, error)
	Close() error
}

type pdfOpener func(data []byte) (pdfDocument, error)

func fitzOpener(data []byte) (pdfDocument, error) {
	return fitz.NewFromMemory(data)
}

// PDFExtractor extracts text from PDFs, preferring the embedded text layer
// and falling back to per-page OCR when the layer is missing or unreliable.
type PDFExtractor struct {
	ocr  OCREngine
	cfg  Config
	open pdfOpener
}

// NewPDFExtractor creates a PDFExtractor backed by MuPDF.
func NewPDFExtractor(ocr OCREngine, cfg Config) *PDFExtractor {
	return &PDFExtractor{ocr: ocr, cfg: cfg.withDefaults(), open: fitzOpener}
}

// Extract reads per-page text. When enough pages carry a native text layer
// the document is used as-is; otherwise deficient pages are rendered and
// OCRed, one failure at a time, so a single corrupt page never aborts the
// rest of the document.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	doc, err := e.open(data)
	if err != nil {
		return nil, domain.Terminal("extract", fmt.Errorf("%w: %v", domain.ErrCorruptedFile, err))
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, domain.Terminal("extract", domain.ErrEmptyDocument)
	}

	pages := make([]Page, n)
	native := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.Transient("extract", err)
		}
		text, err := doc.Text(i)
		pages[i] = Page{Index: i, Text: sanitizeText(text)}
		if err != nil {
			pages[i].Failed = true
			log.Printf("page %d: text layer unreadable: %v", i, err)
			continue
		}
		if len(strings.TrimSpace(pages[i].Text)) >= e.cfg.MinPageChars {
			native++
		}
	}

	if float64(native) >= e.cfg.NativeFraction*float64(n) {
		return &Result{Pages: pages, Native: true}, nil
	}

	if err := e.ocrPages(ctx, doc, pages); err != nil {
		return nil, err
	}
	return &Result{Pages: pages, Native: false}, nil
}

// ocrPages runs OCR over pages whose text layer is below the native
// threshold, with a bounded worker pool. Per-page failures are recorded on
// the page and reported as recoverable; only cancellation aborts.
func (e *PDFExtractor) ocrPages(ctx context.Context, doc pdfDocument, pages []Page) error {
	if e.ocr == nil {
		return domain.Terminal("extract", fmt.Errorf("no text layer and no OCR engine configured"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.OCRConcurrency)

	for i := range pages {
		if pages[i].Failed || len(strings.TrimSpace(pages[i].Text)) >= e.cfg.MinPageChars {
			continue
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			png, err := doc.ImagePNG(i, e.cfg.OCRDPI)
			if err != nil {
				log.Printf("page %d: render failed, recording empty text: %v", i, err)
				pages[i].Failed = true
				return nil
			}
			text, err := e.ocr.Recognize(gctx, png)
			if err != nil {
				log.Printf("page %d: ocr failed, recording empty text: %v", i, err)
				pages[i].Failed = true
				return nil
			}
			pages[i].Text = sanitizeText(text)
			pages[i].OCR = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return domain.Transient("extract", err)
	}
	return nil
}
