package model

import (
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

// ModelContext bundles everything needed to run (or train) the captioning model: the backend, the
// context holding the variables, the vocabulary and the architecture configuration.
//
// It is created once, with New for a fresh model or generations.Store.Load for a published one, and
// passed explicitly to the trainer and the caption service. After loading it is safe for concurrent
// inference: the inference executors are created once and gomlx executors can be called concurrently.
type ModelContext struct {
	Backend backends.Backend
	Ctx     *context.Context
	Vocab   *vocab.Vocabulary
	Config  Config

	// Generation the weights were loaded from, empty for a model that was never published.
	Generation string

	inferenceOnce sync.Once
	inferenceErr  error
	encodeExec    *context.Exec
	stepExec      *context.Exec
}

// New creates a ModelContext with freshly (lazily) initialized variables.
func New(backend backends.Backend, config Config, v *vocab.Vocabulary) (*ModelContext, error) {
	if backend == nil {
		return nil, errors.New("model.New requires a backend")
	}
	if v == nil {
		return nil, errors.New("model.New requires a vocabulary")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid model configuration")
	}
	ctx := context.New()
	if config.Seed != 0 {
		ctx.SetParam(context.ParamInitialSeed, config.Seed)
	}
	return &ModelContext{
		Backend: backend,
		Ctx:     ctx,
		Vocab:   v,
		Config:  config,
	}, nil
}

// MaxLength returns L, the fixed caption length in tokens.
func (mc *ModelContext) MaxLength() int { return mc.Vocab.MaxLength() }

// Logits builds the teacher-forced forward pass: images [B, H, W, 3] and decoderInputs [B, L] to
// logits [B, L, vocabSize].
func (mc *ModelContext) Logits(ctx *context.Context, images, decoderInputs *Node) *Node {
	encoded := mc.Config.Encoder(ctx, images)
	return mc.Config.Decoder(ctx, encoded, decoderInputs, mc.Vocab.Size(), mc.MaxLength())
}

// Loss builds the masked loss for one batch, as yielded by corpus.Dataset:
// inputs are (images, decoderInputs, weights) and labels are (targets).
func (mc *ModelContext) Loss(ctx *context.Context, inputs, labels []*Node) *Node {
	if len(inputs) != 3 || len(labels) != 1 {
		exceptions.Panicf("captioning loss expects 3 inputs and 1 label, got %d inputs and %d labels",
			len(inputs), len(labels))
	}
	logits := mc.Logits(ctx, inputs[0], inputs[1])
	return MaskedLoss(logits, labels[0], inputs[2])
}

// VariablesInScope returns the variables of the model under the given top-level scope (EncoderScope or
// DecoderScope). Optimizer state, global step and the random number generator state are never part of it.
func (mc *ModelContext) VariablesInScope(scope string) []*context.Variable {
	prefix := context.RootScope + scope
	var vars []*context.Variable
	for v := range mc.Ctx.IterVariables() {
		s := v.Scope()
		if s == prefix || strings.HasPrefix(s, prefix+context.ScopeSeparator) {
			vars = append(vars, v)
		}
	}
	return vars
}

// initInference creates the executors used by Encode and the beam search scorer.
func (mc *ModelContext) initInference() error {
	mc.inferenceOnce.Do(func() {
		ctx := mc.Ctx.Checked(false)
		mc.encodeExec, mc.inferenceErr = context.NewExec(mc.Backend, ctx,
			func(ctx *context.Context, images *Node) *Node {
				ctx.SetTraining(images.Graph(), false)
				return mc.Config.Encoder(ctx, images)
			})
		if mc.inferenceErr != nil {
			mc.inferenceErr = errors.WithMessage(mc.inferenceErr, "failed to create encoder executor")
			return
		}
		mc.stepExec, mc.inferenceErr = context.NewExec(mc.Backend, ctx, mc.nextLogProbsGraph)
		if mc.inferenceErr != nil {
			mc.inferenceErr = errors.WithMessage(mc.inferenceErr, "failed to create decoder step executor")
		}
	})
	return mc.inferenceErr
}

// nextLogProbsGraph returns the log-probabilities of the token following position for every row of
// prefixes [numRows, L]. encoded is shaped [1, NumPatches, EmbedDim] and shared by all rows.
func (mc *ModelContext) nextLogProbsGraph(ctx *context.Context, encoded, prefixes, position *Node) *Node {
	g := prefixes.Graph()
	ctx.SetTraining(g, false)
	numRows := prefixes.Shape().Dimensions[0]
	encodedDims := encoded.Shape().Dimensions
	encoded = BroadcastToDims(encoded, numRows, encodedDims[1], encodedDims[2])
	logits := mc.Config.Decoder(ctx, encoded, prefixes, mc.Vocab.Size(), mc.MaxLength())

	// Select the logits at position with a one-hot mask over the sequence axis.
	maxLength, vocabSize := mc.MaxLength(), mc.Vocab.Size()
	positions := Iota(g, shapes.Make(dtypes.Int32, maxLength), 0)
	position = BroadcastToDims(ConvertDType(position, dtypes.Int32), maxLength)
	mask := ConvertDType(Equal(positions, position), logits.DType())
	mask = BroadcastToDims(Reshape(mask, 1, maxLength, 1), numRows, maxLength, vocabSize)
	logits = ReduceSum(Mul(logits, mask), 1)
	return LogSoftmax(logits)
}

// Encode runs the vision encoder on a batch of images shaped [B, H, W, 3] (see corpus.ImagesToTensor)
// and returns the patch embeddings.
func (mc *ModelContext) Encode(images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := mc.initInference(); err != nil {
		return nil, err
	}
	var encoded *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs, err := mc.encodeExec.Exec(images)
		if err != nil {
			panic(err)
		}
		encoded = outputs[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "vision encoder failed")
	}
	return encoded, nil
}

// Close releases the inference executors. The ModelContext can't be used for inference afterward.
func (mc *ModelContext) Close() {
	if mc.encodeExec != nil {
		mc.encodeExec.Finalize()
	}
	if mc.stepExec != nil {
		mc.stepExec.Finalize()
	}
}
