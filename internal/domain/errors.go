package domain

import (
	"errors"
	"fmt"
)

// FailureClass classifies a pipeline failure. The consumer decides
// requeue vs acknowledge based on this alone; no stage downgrades a
// terminal failure to success.
type FailureClass string

const (
	// FailureTransient failures are requeued with backoff up to the
	// redelivery limit (network timeouts, rate limits, lock contention).
	FailureTransient FailureClass = "transient"
	// FailureTerminal failures are acknowledged and the document is marked
	// failed (unparseable file, unsupported MIME type, missing object).
	FailureTerminal FailureClass = "terminal"
)

// PipelineError wraps a stage error with its failure class.
type PipelineError struct {
	Class FailureClass
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s failure in %s: %v", e.Class, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure for the named stage.
func Transient(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Class: FailureTransient, Stage: stage, Err: err}
}

// Terminal wraps err as a non-retryable failure for the named stage.
func Terminal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Class: FailureTerminal, Stage: stage, Err: err}
}

// IsTransient reports whether err carries the transient failure class.
// Unclassified errors default to transient so an unexpected failure is
// retried rather than silently dropped.
func IsTransient(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class == FailureTransient
	}
	return err != nil
}

// IsTerminal reports whether err carries the terminal failure class.
func IsTerminal(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class == FailureTerminal
	}
	return false
}

// Sentinel errors shared across the pipeline
var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrObjectNotFound      = errors.New("object not found in storage")
	ErrUnsupportedMimeType = errors.New("unsupported mime type")
	ErrCorruptedFile       = errors.New("corrupted file")
	ErrEmptyDocument       = errors.New("document produced no extractable text")
)
