package captioning

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("unexpected EOF")

	decodeErr := errors.WithMessage(NewDecodeError("jpeg", cause), "upload")
	assert.True(t, IsDecodeError(decodeErr))
	assert.False(t, IsInferenceError(decodeErr))
	assert.Contains(t, decodeErr.Error(), "failed to decode jpeg image")
	assert.Equal(t, "failed to decode image: unexpected EOF", NewDecodeError("", cause).Error())
	assert.ErrorIs(t, decodeErr, cause)

	exampleErr := errors.Wrap(NewCorpusExampleError("000000000009", "/coco/000000000009.jpg", cause), "batch")
	assert.True(t, IsCorpusExampleError(exampleErr))
	assert.False(t, IsTrainingFatal(exampleErr))
	var target *CorpusExampleError
	require.True(t, errors.As(exampleErr, &target))
	assert.Equal(t, "000000000009", target.ID)
	assert.Equal(t, "corpus example r1: unexpected EOF", NewCorpusExampleError("r1", "", cause).Error())

	inferenceErr := NewInferenceError("encode", cause)
	assert.True(t, IsInferenceError(inferenceErr))
	assert.False(t, IsDecodeError(inferenceErr))
	assert.Equal(t, "inference failed at encode: unexpected EOF", inferenceErr.Error())

	fatalErr := errors.WithStack(NewTrainingFatalError(2, "validation", cause))
	assert.True(t, IsTrainingFatal(fatalErr))
	assert.False(t, IsCorpusExampleError(fatalErr))
	assert.Equal(t, "training aborted in epoch 2 (validation): unexpected EOF", errors.Cause(fatalErr).Error())

	assert.False(t, IsDecodeError(nil))
	assert.False(t, IsTrainingFatal(cause))
}
