package model

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scorer computes next-token log-probabilities for partial captions of one image.
// It implements beamsearch.Scorer.
//
// The image is encoded once at creation. Each call runs the decoder step executor on a fixed number
// of rows, so the same compiled graph is reused for every step of a search.
type Scorer struct {
	mc      *ModelContext
	encoded *tensors.Tensor
	rows    int
}

// NewScorer encodes the image (shaped [1, H, W, 3]) and returns a Scorer that accepts up to rows
// prefixes per call. rows is usually the beam width.
func (mc *ModelContext) NewScorer(image *tensors.Tensor, rows int) (*Scorer, error) {
	if dims := image.Shape().Dimensions; len(dims) != 4 || dims[0] != 1 {
		return nil, errors.Errorf("NewScorer requires a single image shaped [1, H, W, 3], got %s", image.Shape())
	}
	if rows < 1 {
		rows = 1
	}
	encoded, err := mc.Encode(image)
	if err != nil {
		return nil, err
	}
	return &Scorer{mc: mc, encoded: encoded, rows: rows}, nil
}

// NextLogProbs returns, for each prefix, the log-probabilities over the vocabulary of the next token.
// Prefixes exclude the BOS marker and must all have the same length, smaller than MaxLength.
func (s *Scorer) NextLogProbs(prefixes [][]int32) ([][]float32, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	if len(prefixes) > s.rows {
		return nil, errors.Errorf("scorer configured for at most %d prefixes, got %d", s.rows, len(prefixes))
	}
	maxLength := s.mc.MaxLength()
	position := len(prefixes[0])
	if position >= maxLength {
		return nil, errors.Errorf("prefix length %d reached the maximum caption length %d", position, maxLength)
	}
	v := s.mc.Vocab
	flat := make([]int32, s.rows*maxLength)
	for row := range s.rows {
		prefix := prefixes[0]
		if row < len(prefixes) {
			prefix = prefixes[row]
		}
		if len(prefix) != position {
			return nil, errors.Errorf("all prefixes must have the same length, got %d and %d", position, len(prefix))
		}
		rowData := flat[row*maxLength : (row+1)*maxLength]
		rowData[0] = v.BOS()
		copy(rowData[1:], prefix)
		for ii := position + 1; ii < maxLength; ii++ {
			rowData[ii] = v.PAD()
		}
	}
	prefixesT := tensors.FromFlatDataAndDimensions(flat, s.rows, maxLength)
	outputs, err := s.mc.stepExec.Exec(s.encoded, prefixesT, int32(position))
	if err != nil {
		return nil, errors.WithMessagef(err, "decoder step at position %d failed", position)
	}
	logProbs := tensors.MustCopyFlatData[float32](outputs[0])
	if err := outputs[0].FinalizeAll(); err != nil {
		klog.Warningf("failed to release decoder step output: %v", err)
	}
	vocabSize := v.Size()
	results := make([][]float32, len(prefixes))
	for row := range results {
		results[row] = logProbs[row*vocabSize : (row+1)*vocabSize]
	}
	return results, nil
}

// Close releases the encoded image.
func (s *Scorer) Close() {
	if s.encoded != nil {
		if err := s.encoded.FinalizeAll(); err != nil {
			klog.Warningf("failed to release encoded image: %v", err)
		}
		s.encoded = nil
	}
}
