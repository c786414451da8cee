package model_test

import (
	"image"
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/model"
	"github.com/gomlx/captioner/pkg/captioning/model/modeltest"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, model.DefaultConfig().Validate())
	require.NoError(t, modeltest.TinyConfig().Validate())
	assert.Equal(t, 196, model.DefaultConfig().NumPatches())
	assert.Equal(t, 32, model.DefaultConfig().HeadDim())

	for name, mutate := range map[string]func(c *model.Config){
		"PatchNotDivisor": func(c *model.Config) { c.PatchSize = 5 },
		"HeadsNotDivisor": func(c *model.Config) { c.NumHeads = 3 },
		"NoDecoder":       func(c *model.Config) { c.DecoderLayers = 0 },
		"BadDropout":      func(c *model.Config) { c.DropoutRate = 1 },
		"NoFFN":           func(c *model.Config) { c.FFNDim = 0 },
	} {
		c := modeltest.TinyConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}

func newTinyModel(t *testing.T, maxLength int) *model.ModelContext {
	mc, err := model.New(modeltest.Backend(), modeltest.TinyConfig(), modeltest.Vocab(t, maxLength))
	require.NoError(t, err)
	t.Cleanup(mc.Close)
	return mc
}

func tinyImages(n int) *tensors.Tensor {
	imgs := make([]image.Image, n)
	for ii := range imgs {
		imgs[ii] = modeltest.Image(ii, modeltest.TinyConfig().ImageSize)
	}
	return corpus.ImagesToTensor(imgs)
}

func TestLogitsAndLoss(t *testing.T) {
	const maxLength = 8
	mc := newTinyModel(t, maxLength)
	v := mc.Vocab

	targets := append(v.Encode(modeltest.Captions[0]), v.Encode(modeltest.Captions[1])...)
	decoderInputs := make([]int32, len(targets))
	weights := make([]float32, len(targets))
	for row := range 2 {
		ids := targets[row*maxLength : (row+1)*maxLength]
		decoderInputs[row*maxLength] = v.BOS()
		copy(decoderInputs[row*maxLength+1:(row+1)*maxLength], ids[:maxLength-1])
		for ii := range v.Length(ids) {
			weights[row*maxLength+ii] = 1
		}
	}

	exec, err := context.NewExec(mc.Backend, mc.Ctx.Checked(false),
		func(ctx *context.Context, images, decoderInputs, weights, targets *Node) []*Node {
			logits := mc.Logits(ctx, images, decoderInputs)
			loss := mc.Loss(ctx, []*Node{images, decoderInputs, weights}, []*Node{targets})
			return []*Node{logits, loss}
		})
	require.NoError(t, err)
	defer exec.Finalize()
	outputs, err := exec.Exec(tinyImages(2),
		tensors.FromFlatDataAndDimensions(decoderInputs, 2, maxLength),
		tensors.FromFlatDataAndDimensions(weights, 2, maxLength),
		tensors.FromFlatDataAndDimensions(targets, 2, maxLength))
	require.NoError(t, err)
	assert.Equal(t, []int{2, maxLength, v.Size()}, outputs[0].Shape().Dimensions)
	loss := tensors.ToScalar[float32](outputs[1])
	// An untrained model is close to uniform over the vocabulary.
	assert.False(t, math.IsNaN(float64(loss)))
	assert.InDelta(t, math.Log(float64(v.Size())), float64(loss), 2.0)

	assert.NotEmpty(t, mc.VariablesInScope(model.EncoderScope))
	assert.NotEmpty(t, mc.VariablesInScope(model.DecoderScope))
	for _, variable := range mc.VariablesInScope(model.EncoderScope) {
		assert.Contains(t, variable.Scope(), "/"+model.EncoderScope)
	}
}

func TestMaskedLoss(t *testing.T) {
	backend := modeltest.Backend()
	exec, err := NewExec(backend, func(logits, targets, weights *Node) *Node {
		return model.MaskedLoss(logits, targets, weights)
	})
	require.NoError(t, err)
	defer exec.Finalize()
	lossOf := func(logits [][][]float32, targets [][]int32, weights [][]float32) float64 {
		outputs, err := exec.Exec(logits, targets, weights)
		require.NoError(t, err)
		return float64(tensors.ToScalar[float32](outputs[0]))
	}

	t.Run("UniformLogits", func(t *testing.T) {
		// Uniform over 4 tokens: every weighted position costs ln(4), whatever the number of weighted positions.
		logits := [][][]float32{{{0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}}}
		targets := [][]int32{{1, 2, 0, 0}}
		assert.InDelta(t, math.Log(4), lossOf(logits, targets, [][]float32{{1, 1, 0, 0}}), 1e-5)
		assert.InDelta(t, math.Log(4), lossOf(logits, targets, [][]float32{{1, 1, 1, 1}}), 1e-5)
	})

	t.Run("WeightedMean", func(t *testing.T) {
		// Position 0 costs ln(2), position 1 costs ln(4/3), position 2 is padding with a large loss.
		ln3 := float32(math.Log(3))
		logits := [][][]float32{
			{{0, 0}, {ln3, 0}, {-20, 20}},
			{{0, 0}, {0, ln3}, {-20, 20}},
		}
		targets := [][]int32{{0, 0, 0}, {1, 1, 0}}
		weights := [][]float32{{1, 1, 0}, {1, 0, 0}}
		want := (math.Log(2) + math.Log(4.0/3.0) + math.Log(2)) / 3
		assert.InDelta(t, want, lossOf(logits, targets, weights), 1e-5)
	})

	t.Run("PaddingIgnored", func(t *testing.T) {
		logits := [][][]float32{{{10, -10}, {-10, 10}}}
		weights := [][]float32{{1, 0}}
		right := lossOf(logits, [][]int32{{0, 0}}, weights)
		wrongPad := lossOf(logits, [][]int32{{0, 1}}, weights)
		assert.InDelta(t, right, wrongPad, 1e-6)
	})

	t.Run("NoWeights", func(t *testing.T) {
		// All weights zero: the normalization must not divide by zero.
		assert.Equal(t, 0.0, lossOf([][][]float32{{{10, -10}, {-10, 10}}}, [][]int32{{0, 0}}, [][]float32{{0, 0}}))
	})
}

func TestScorer(t *testing.T) {
	const maxLength = 6
	mc := newTinyModel(t, maxLength)

	encoded, err := mc.Encode(tinyImages(1))
	require.NoError(t, err)
	cfg := mc.Config
	assert.Equal(t, []int{1, cfg.NumPatches(), cfg.EmbedDim}, encoded.Shape().Dimensions)

	scorer, err := mc.NewScorer(tinyImages(1), 3)
	require.NoError(t, err)
	defer scorer.Close()

	logProbs, err := scorer.NextLogProbs([][]int32{{}})
	require.NoError(t, err)
	require.Len(t, logProbs, 1)
	require.Len(t, logProbs[0], mc.Vocab.Size())
	var total float64
	for _, lp := range logProbs[0] {
		total += math.Exp(float64(lp))
	}
	assert.InDelta(t, 1.0, total, 1e-4)

	// Rows are independent and causal: the same prefix gives the same result whatever its neighbors.
	word := mc.Vocab.ID("square")
	other := mc.Vocab.ID("red")
	a, err := scorer.NextLogProbs([][]int32{{word, other}, {other, word}})
	require.NoError(t, err)
	b, err := scorer.NextLogProbs([][]int32{{other, word}, {word, other}, {word, word}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, a[0], b[1], 1e-5)
	assert.InDeltaSlice(t, a[1], b[0], 1e-5)

	_, err = scorer.NextLogProbs([][]int32{{word}, {word, word}})
	assert.Error(t, err, "prefixes of different lengths")
	_, err = scorer.NextLogProbs([][]int32{{1}, {1}, {1}, {1}})
	assert.Error(t, err, "more prefixes than rows")
	_, err = scorer.NextLogProbs([][]int32{make([]int32, maxLength)})
	assert.Error(t, err, "prefix as long as the maximum length")

	_, err = mc.NewScorer(tinyImages(2), 3)
	assert.Error(t, err, "scorer takes a single image")
}
