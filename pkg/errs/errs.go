package errs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every failure that crosses a component boundary is
// classified as exactly one of these so callers can decide whether to retry.
var (
	// ErrTransientProvider marks temporary unavailability of the embedding
	// provider, the LLM provider, or the vector index. Retried with backoff.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrContent marks malformed documents or policy-rejected content.
	// Terminal, surfaced to the caller, never retried.
	ErrContent = errors.New("content error")

	// ErrCapacity marks a context or prompt that exceeds its token budget.
	// Terminal; the caller must adjust parameters.
	ErrCapacity = errors.New("capacity error")

	// ErrValidation marks a bad request shape, rejected before any pipeline
	// work starts.
	ErrValidation = errors.New("validation error")
)

// Stage identifies which pipeline boundary produced an error, so an embedder
// timeout is distinguishable from an index timeout or a provider timeout.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageChunk     Stage = "chunk"
	StageEmbed     Stage = "embed"
	StageIndex     Stage = "index"
	StageRetrieve  Stage = "retrieve"
	StageAssemble  Stage = "assemble"
	StageGenerate  Stage = "generate"
	StagePersist   Stage = "persist"
)

// StageError carries the failing stage alongside the classified cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient provider failure at the given stage.
func Transient(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", ErrTransientProvider, err)}
}

// Content wraps err as a terminal content failure at the given stage.
func Content(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", ErrContent, err)}
}

// Capacity wraps err as a terminal capacity failure at the given stage.
func Capacity(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", ErrCapacity, err)}
}

// Validation builds a validation error with a formatted message.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StageOf returns the stage recorded on err, or an empty stage.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientProvider)
}
