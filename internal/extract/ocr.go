package extract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// OCREngine recognizes text in a rendered page image.
type OCREngine interface {
	Recognize(ctx context.Context, png []byte) (string, error)
}

// TesseractEngine runs OCR through the Tesseract C library. A fresh client
// is created per call; gosseract clients are not safe for concurrent use.
type TesseractEngine struct {
	language string
}

// NewTesseractEngine creates an engine for the given language code (e.g. "eng").
func NewTesseractEngine(language string) *TesseractEngine {
	if language == "" {
		language = "eng"
	}
	return &TesseractEngine{language: language}
}

// Recognize extracts text from a PNG-encoded page image.
func (e *TesseractEngine) Recognize(ctx context.Context, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("set ocr language: %w", err)
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("load page image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return text, nil
}
