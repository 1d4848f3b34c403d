package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedex-io/pagedex/internal/domain"
)

// fakePDF simulates a parsed PDF with per-page text and injectable errors.
type fakePDF struct {
	texts      []string
	textErrs   map[int]error
	renderErrs map[int]error
	closed     bool
}

func (f *fakePDF) NumPage() int { return len(f.texts) }

func (f *fakePDF) Text(n int) (string, error) {
	if err := f.textErrs[n]; err != nil {
		return "", err
	}
	return f.texts[n], nil
}

func (f *fakePDF) ImagePNG(n int, dpi float64) ([]byte, error) {
	if err := f.renderErrs[n]; err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("png-page-%d", n)), nil
}

func (f *fakePDF) Close() error {
	f.closed = true
	return nil
}

// fakeOCR returns canned text per rendered page image.
type fakeOCR struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeOCR) Recognize(ctx context.Context, png []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "ocr text from " + string(png), nil
}

func (f *fakeOCR) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFakeExtractor(doc *fakePDF, ocr OCREngine, cfg Config) *PDFExtractor {
	ex := NewPDFExtractor(ocr, cfg)
	ex.open = func(data []byte) (pdfDocument, error) {
		return doc, nil
	}
	return ex
}

func nativePage(i int) string {
	return fmt.Sprintf("Page %d carries a full native text layer with plenty of characters.", i)
}

func TestPDFExtractor_NativeTextSkipsOCR(t *testing.T) {
	doc := &fakePDF{texts: []string{nativePage(0), nativePage(1), nativePage(2)}}
	ocr := &fakeOCR{}
	ex := newFakeExtractor(doc, ocr, Config{})

	res, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.NoError(t, err)
	assert.True(t, res.Native)
	assert.Len(t, res.Pages, 3)
	assert.Zero(t, ocr.callCount(), "OCR must be skipped when the text layer is reliable")
	for i, p := range res.Pages {
		assert.Equal(t, i, p.Index)
		assert.False(t, p.OCR)
		assert.False(t, p.Failed)
	}
}

func TestPDFExtractor_ScannedDocumentUsesOCR(t *testing.T) {
	doc := &fakePDF{texts: []string{"", "", ""}}
	ocr := &fakeOCR{}
	ex := newFakeExtractor(doc, ocr, Config{})

	res, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.NoError(t, err)
	assert.False(t, res.Native)
	assert.Equal(t, 3, ocr.callCount())
	for _, p := range res.Pages {
		assert.True(t, p.OCR)
		assert.Contains(t, p.Text, fmt.Sprintf("png-page-%d", p.Index))
	}
}

func TestPDFExtractor_CorruptPageIsIsolated(t *testing.T) {
	// 5 pages, page 2 (0-based) unreadable: the other four still extract and
	// the document is not terminally failed.
	doc := &fakePDF{
		texts:    []string{nativePage(0), nativePage(1), "", nativePage(3), nativePage(4)},
		textErrs: map[int]error{2: errors.New("damaged xref")},
	}
	ocr := &fakeOCR{}
	ex := newFakeExtractor(doc, ocr, Config{NativeFraction: 0.8})

	res, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.NoError(t, err)
	assert.True(t, res.Native)
	assert.Equal(t, []int{2}, res.FailedPages())
	assert.Empty(t, res.Pages[2].Text)
	for _, i := range []int{0, 1, 3, 4} {
		assert.NotEmpty(t, res.Pages[i].Text)
	}
}

func TestPDFExtractor_RenderFailureRecordsEmptyPage(t *testing.T) {
	doc := &fakePDF{
		texts:      []string{"", ""},
		renderErrs: map[int]error{1: errors.New("broken page stream")},
	}
	ocr := &fakeOCR{}
	ex := newFakeExtractor(doc, ocr, Config{})

	res, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.NoError(t, err)
	assert.True(t, res.Pages[0].OCR)
	assert.Equal(t, []int{1}, res.FailedPages())
}

func TestPDFExtractor_UnparseableIsTerminal(t *testing.T) {
	ex := NewPDFExtractor(&fakeOCR{}, Config{})
	ex.open = func(data []byte) (pdfDocument, error) {
		return nil, errors.New("not a pdf")
	}

	_, err := ex.Extract(context.Background(), []byte("garbage"), "application/pdf")

	require.Error(t, err)
	assert.True(t, domain.IsTerminal(err))
	assert.ErrorIs(t, err, domain.ErrCorruptedFile)
}

func TestPDFExtractor_EmptyDocumentIsTerminal(t *testing.T) {
	doc := &fakePDF{}
	ex := newFakeExtractor(doc, &fakeOCR{}, Config{})

	_, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.Error(t, err)
	assert.True(t, domain.IsTerminal(err))
}

func TestPDFExtractor_StripsNULBytes(t *testing.T) {
	text := "clean\x00 native text layer padded out to pass the threshold check"
	doc := &fakePDF{texts: []string{text}}
	ex := newFakeExtractor(doc, &fakeOCR{}, Config{})

	res, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.NoError(t, err)
	assert.NotContains(t, res.Pages[0].Text, "\x00")
}

func TestResult_TextJoinsPagesInOrder(t *testing.T) {
	res := &Result{Pages: []Page{
		{Index: 0, Text: "first"},
		{Index: 1, Text: "second"},
		{Index: 2, Text: "third"},
	}}

	assert.Equal(t, "first\n\nsecond\n\nthird", res.Text())
}

func TestService_UnsupportedMimeIsTerminal(t *testing.T) {
	svc := NewService(&fakeOCR{}, Config{})

	_, err := svc.Extract(context.Background(), []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, "image/png")

	require.Error(t, err)
	assert.True(t, domain.IsTerminal(err))
	assert.ErrorIs(t, err, domain.ErrUnsupportedMimeType)
}

func TestService_PlainTextBypassesOCR(t *testing.T) {
	svc := NewService(&fakeOCR{}, Config{})

	res, err := svc.Extract(context.Background(), []byte("just plain text"), "text/plain; charset=utf-8")

	require.NoError(t, err)
	assert.True(t, res.Native)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, "just plain text", res.Pages[0].Text)
}

func TestService_SniffsMissingMimeType(t *testing.T) {
	svc := NewService(&fakeOCR{}, Config{})

	res, err := svc.Extract(context.Background(), []byte("sniffed as text"), "")

	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, "sniffed as text", res.Pages[0].Text)
}

func TestNormalizeMime(t *testing.T) {
	assert.Equal(t, "application/pdf", normalizeMime("Application/PDF"))
	assert.Equal(t, "text/html", normalizeMime("text/html; charset=utf-8"))
	assert.Equal(t, "", normalizeMime("  "))
}

func TestIsTextBearing(t *testing.T) {
	assert.True(t, isTextBearing("text/markdown"))
	assert.True(t, isTextBearing("application/vnd.openxmlformats-officedocument.wordprocessingml.document"))
	assert.False(t, isTextBearing("application/pdf"))
	assert.False(t, isTextBearing("video/mp4"))
}

func TestPDFExtractor_OCRErrorFlagsPage(t *testing.T) {
	doc := &fakePDF{texts: []string{""}}
	ocr := &fakeOCR{err: errors.New("tesseract crashed")}
	ex := newFakeExtractor(doc, ocr, Config{})

	res, err := ex.Extract(context.Background(), []byte("pdf"), "application/pdf")

	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.FailedPages())
	assert.True(t, strings.TrimSpace(res.Pages[0].Text) == "")
}
