// Package captioning holds what is shared by every stage of the image captioning pipeline: the error taxonomy.
//
// The stages themselves live in the sub-packages:
//
//   - vocab: tokenizer and vocabulary.
//   - model: vision encoder, caption decoder and the ModelContext that ties them to a backend.
//   - corpus: annotation parsing, image preprocessing and the training Dataset.
//   - trainer: the epoch based training loop.
//   - generations: checkpoint bundles, one directory per model generation.
//   - beamsearch: beam search decoding.
//   - selftrain: self-training record store and next-generation fine-tuning.
//   - service: the caption service used in the request path.
package captioning

import (
	"fmt"

	"github.com/pkg/errors"
)

// DecodeError is returned when an uploaded image is unreadable or of an unsupported format.
// It is a fault of the caller's input and should not be retried.
type DecodeError struct {
	Format string
	Cause  error
}

// NewDecodeError wraps cause as a DecodeError. format may be empty if it could not be detected.
func NewDecodeError(format string, cause error) error {
	return &DecodeError{Format: format, Cause: cause}
}

func (e *DecodeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("failed to decode %s image: %v", e.Format, e.Cause)
	}
	return fmt.Sprintf("failed to decode image: %v", e.Cause)
}

// Unwrap implements errors.Unwrap.
func (e *DecodeError) Unwrap() error { return e.Cause }

// CorpusExampleError reports one bad training example. The example is skipped and the epoch continues.
type CorpusExampleError struct {
	// ID of the example: the image id for annotated corpora, or the record id for self-training records.
	ID    string
	Path  string
	Cause error
}

// NewCorpusExampleError wraps cause as a CorpusExampleError.
func NewCorpusExampleError(id, path string, cause error) error {
	return &CorpusExampleError{ID: id, Path: path, Cause: cause}
}

func (e *CorpusExampleError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corpus example %s (%s): %v", e.ID, e.Path, e.Cause)
	}
	return fmt.Sprintf("corpus example %s: %v", e.ID, e.Cause)
}

// Unwrap implements errors.Unwrap.
func (e *CorpusExampleError) Unwrap() error { return e.Cause }

// InferenceError is returned by the caption service when the model forward pass (or anything after
// the image was accepted) fails. It is a service failure, and it is never swallowed into an empty caption.
type InferenceError struct {
	Stage string
	Cause error
}

// NewInferenceError wraps cause as an InferenceError that happened during the given stage.
func NewInferenceError(stage string, cause error) error {
	return &InferenceError{Stage: stage, Cause: cause}
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed at %s: %v", e.Stage, e.Cause)
}

// Unwrap implements errors.Unwrap.
func (e *InferenceError) Unwrap() error { return e.Cause }

// TrainingFatalError aborts a training run. Nothing is persisted: the run must be restarted from epoch 0.
type TrainingFatalError struct {
	Epoch int
	Phase string
	Cause error
}

// NewTrainingFatalError wraps cause as a TrainingFatalError.
func NewTrainingFatalError(epoch int, phase string, cause error) error {
	return &TrainingFatalError{Epoch: epoch, Phase: phase, Cause: cause}
}

func (e *TrainingFatalError) Error() string {
	return fmt.Sprintf("training aborted in epoch %d (%s): %v", e.Epoch, e.Phase, e.Cause)
}

// Unwrap implements errors.Unwrap.
func (e *TrainingFatalError) Unwrap() error { return e.Cause }

// IsDecodeError returns whether err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// IsCorpusExampleError returns whether err is or wraps a CorpusExampleError.
func IsCorpusExampleError(err error) bool {
	var target *CorpusExampleError
	return errors.As(err, &target)
}

// IsInferenceError returns whether err is or wraps an InferenceError.
func IsInferenceError(err error) bool {
	var target *InferenceError
	return errors.As(err, &target)
}

// IsTrainingFatal returns whether err is or wraps a TrainingFatalError.
func IsTrainingFatal(err error) bool {
	var target *TrainingFatalError
	return errors.As(err, &target)
}
