package model

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// DType of the model variables and activations.
var DType = dtypes.Float32

// Encoder maps a batch of images shaped [batchSize, ImageSize, ImageSize, 3], with values in [0, 1],
// to the patch embeddings shaped [batchSize, NumPatches, EmbedDim].
func (c Config) Encoder(ctx *context.Context, images *Node) *Node {
	ctx = ctx.In(EncoderScope)
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]

	// Normalize to [-1, 1].
	x := MulScalar(AddScalar(ConvertDType(images, DType), -0.5), 2.0)

	// Non-overlapping patches: a convolution with stride equal to the kernel size.
	x = layers.Convolution(ctx.In("patch_embed"), x).
		Filters(c.EmbedDim).
		KernelSize(c.PatchSize).
		Strides(c.PatchSize).
		NoPadding().
		Done()
	numPatches := c.NumPatches()
	x = Reshape(x, batchSize, numPatches, c.EmbedDim)
	posEmbed := ctx.In("pos_embed").VariableWithShape("embeddings",
		shapes.Make(DType, numPatches, c.EmbedDim)).ValueGraph(g)
	x = Add(x, BroadcastToShape(ExpandDims(posEmbed, 0), x.Shape()))
	x = layers.DropoutStatic(ctx, x, c.DropoutRate)

	for layer := range c.EncoderLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))
		h := c.norm(layerCtx.In("norm1"), x)
		h = attention.SelfAttention(layerCtx.In("attn"), h, c.NumHeads, c.HeadDim()).
			UseProjectionBias(true).
			WithDropout(c.dropoutRate(g)).
			Done()
		x = Add(x, h)
		x = Add(x, c.feedForward(layerCtx, c.norm(layerCtx.In("norm2"), x)))
	}
	return c.norm(ctx.In("final_norm"), x)
}

// Decoder returns the next-token logits shaped [batchSize, seqLen, vocabSize] for the decoder inputs
// (shaped [batchSize, seqLen], starting with BOS), attending to the encoded patches.
//
// Self-attention is causal: the logits at position i only depend on decoderInputs[:, :i+1].
func (c Config) Decoder(ctx *context.Context, encoded, decoderInputs *Node, vocabSize, maxLength int) *Node {
	ctx = ctx.In(DecoderScope)
	g := decoderInputs.Graph()
	seqLen := decoderInputs.Shape().Dimensions[1]

	x := layers.Embedding(ctx.In("token_embed"), decoderInputs, DType, vocabSize, c.EmbedDim)
	posEmbed := ctx.In("pos_embed").VariableWithShape("embeddings",
		shapes.Make(DType, maxLength, c.EmbedDim)).ValueGraph(g)
	if seqLen != maxLength {
		posEmbed = Slice(posEmbed, AxisRange(0, seqLen), AxisRange())
	}
	x = Add(x, BroadcastToShape(ExpandDims(posEmbed, 0), x.Shape()))
	x = layers.DropoutStatic(ctx, x, c.DropoutRate)

	for layer := range c.DecoderLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))
		h := c.norm(layerCtx.In("norm1"), x)
		h = attention.SelfAttention(layerCtx.In("self_attn"), h, c.NumHeads, c.HeadDim()).
			UseProjectionBias(true).
			WithCausalMask(true).
			WithDropout(c.dropoutRate(g)).
			Done()
		x = Add(x, h)

		h = c.norm(layerCtx.In("norm_cross"), x)
		h = attention.MultiHeadAttention(layerCtx.In("cross_attn"), h, encoded, encoded, c.NumHeads, c.HeadDim()).
			UseProjectionBias(true).
			WithOutputDim(c.EmbedDim).
			WithDropout(c.dropoutRate(g)).
			Done()
		x = Add(x, h)

		x = Add(x, c.feedForward(layerCtx, c.norm(layerCtx.In("norm2"), x)))
	}
	x = c.norm(ctx.In("final_norm"), x)
	return layers.Dense(ctx.In("output"), x, false, vocabSize)
}

// dropoutRate of the attention coefficients, nil if disabled.
func (c Config) dropoutRate(g *Graph) *Node {
	if c.DropoutRate <= 0 {
		return nil
	}
	return Scalar(g, DType, c.DropoutRate)
}

func (c Config) norm(ctx *context.Context, x *Node) *Node {
	epsilon := c.NormEpsilon
	if epsilon <= 0 {
		epsilon = 1e-5
	}
	return layers.LayerNormalization(ctx, x, -1).Epsilon(epsilon).Done()
}

// feedForward is the transformer 2-layer MLP with a GELU in between.
func (c Config) feedForward(ctx *context.Context, x *Node) *Node {
	ff := layers.Dense(ctx.In("ff1"), x, true, c.FFNDim)
	ff = activations.Gelu(ff)
	ff = layers.DropoutStatic(ctx, ff, c.DropoutRate)
	return layers.Dense(ctx.In("ff2"), ff, true, c.EmbedDim)
}

// MaskedLoss is the token level cross-entropy of logits [batchSize, seqLen, vocabSize] against
// targets [batchSize, seqLen], weighted by weights [batchSize, seqLen] and normalized by the total weight.
//
// Weights are 1 up to (and including) the first EOS of each target and 0 after, so padding doesn't
// contribute to the loss, even when PAD is an alias of EOS.
func MaskedLoss(logits, targets, weights *Node) *Node {
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	labels := OneHot(ConvertDType(targets, dtypes.Int32), vocabSize, logits.DType())
	perToken := Neg(ReduceSum(Mul(labels, LogSoftmax(logits)), -1))
	weights = ConvertDType(weights, logits.DType())
	return Div(ReduceAllSum(Mul(perToken, weights)), MaxScalar(ReduceAllSum(weights), 1.0))
}
