// Package trainer implements the epoch based training loop of the captioning model.
//
// A Trainer runs a fixed number of epochs. Each epoch makes one optimizer step per batch of the training
// dataset and then evaluates the loss over the whole validation dataset. The Trainer never writes
// checkpoints: RunAndPublish publishes a single generation once the last validation pass completed.
package trainer

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/metrics"
	"github.com/gomlx/captioner/pkg/captioning"
	"github.com/gomlx/captioner/pkg/captioning/model"
)

// State of a Trainer.
type State int

const (
	Initialized State = iota
	Training
	Validating
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Training:
		return "Training"
	case Validating:
		return "Validating"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Hooks are called by Run at the corresponding points of the loop. An error returned by a hook aborts
// the run with a captioning.TrainingFatalError. Any hook may be nil.
type Hooks struct {
	OnEpochStart func(epoch int) error
	OnTrainBatch func(epoch, batch int, loss float64) error
	OnEpochEnd   func(stats EpochStats) error
	OnCompleted  func(result *Result) error
}

// Options configures a Trainer.
type Options struct {
	Epochs       int
	LearningRate float64
	WeightDecay  float64

	// Progress displays a progress bar per epoch phase on the terminal.
	Progress bool

	Hooks Hooks
}

// DefaultOptions returns the AdamW settings used to train the captioner from scratch.
func DefaultOptions() Options {
	return Options{
		Epochs:       5,
		LearningRate: 5e-5,
		WeightDecay:  0.01,
	}
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch             int
	TrainLoss         float64
	ValidationLoss    float64
	TrainBatches      int
	ValidationBatches int
	GlobalStep        int64
	Duration          time.Duration
}

// Result of a completed Run.
type Result struct {
	Epochs     []EpochStats
	GlobalStep int64
}

// TrainBatches returns the total number of training batches over all epochs.
func (r *Result) TrainBatches() (total int) {
	for _, e := range r.Epochs {
		total += e.TrainBatches
	}
	return
}

// Trainer trains the model of a ModelContext.
type Trainer struct {
	mc        *model.ModelContext
	opts      Options
	optimizer optimizers.Interface
	trainExec *context.Exec
	evalExec  *context.Exec

	mu    sync.Mutex
	state State
	epoch int
}

// New creates a Trainer for the model in mc, with an AdamW optimizer.
func New(mc *model.ModelContext, opts Options) (*Trainer, error) {
	if mc == nil {
		return nil, errors.New("trainer.New requires a ModelContext")
	}
	if opts.Epochs <= 0 {
		return nil, errors.Errorf("number of epochs must be positive, got %d", opts.Epochs)
	}
	if opts.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", opts.LearningRate)
	}
	t := &Trainer{
		mc:   mc,
		opts: opts,
		optimizer: optimizers.Adam().
			LearningRate(opts.LearningRate).
			WeightDecay(opts.WeightDecay).
			Done(),
	}
	ctx := mc.Ctx.Checked(false)
	var err error
	t.trainExec, err = context.NewExec(mc.Backend, ctx, t.trainStepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create train step executor")
	}
	t.evalExec, err = context.NewExec(mc.Backend, ctx, t.evalStepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation step executor")
	}
	return t, nil
}

func (t *Trainer) trainStepGraph(ctx *context.Context, images, decoderInputs, weights, targets *Node) *Node {
	g := images.Graph()
	ctx.SetTraining(g, true)
	loss := t.mc.Loss(ctx, []*Node{images, decoderInputs, weights}, []*Node{targets})
	t.optimizer.UpdateGraph(ctx, g, loss)
	return loss
}

func (t *Trainer) evalStepGraph(ctx *context.Context, images, decoderInputs, weights, targets *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	return t.mc.Loss(ctx, []*Node{images, decoderInputs, weights}, []*Node{targets})
}

// State returns the current state and epoch.
func (t *Trainer) State() (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.epoch
}

func (t *Trainer) setState(state State, epoch int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.epoch = epoch
}

// Finalize releases the executors.
func (t *Trainer) Finalize() {
	t.trainExec.Finalize()
	t.evalExec.Finalize()
}

// Run trains for Options.Epochs epochs over trainDS, evaluating on validationDS after each epoch.
// Both datasets are Reset at the start of each epoch.
//
// A Trainer runs only once. Any failure (of a step, a dataset or a hook) aborts the run with a
// captioning.TrainingFatalError and leaves the Trainer in the Failed state.
func (t *Trainer) Run(trainDS, validationDS train.Dataset) (*Result, error) {
	if trainDS == nil || validationDS == nil {
		return nil, errors.New("Run requires both a training and a validation dataset")
	}
	t.mu.Lock()
	if t.state != Initialized {
		state := t.state
		t.mu.Unlock()
		return nil, errors.Errorf("trainer can only run once, it is in state %s", state)
	}
	t.mu.Unlock()

	result := &Result{}
	for epoch := range t.opts.Epochs {
		start := time.Now()
		t.setState(Training, epoch)
		if hook := t.opts.Hooks.OnEpochStart; hook != nil {
			if err := hook(epoch); err != nil {
				return nil, t.fail(epoch, "epoch start hook", err)
			}
		}
		klog.Infof("epoch %d/%d: training on %s", epoch+1, t.opts.Epochs, trainDS.Name())
		trainLoss, trainBatches, err := t.runPhase(epoch, metrics.PhaseTrain, trainDS, t.trainExec)
		if err != nil {
			return nil, t.fail(epoch, metrics.PhaseTrain, err)
		}

		t.setState(Validating, epoch)
		validationLoss, validationBatches, err := t.runPhase(epoch, metrics.PhaseValidation, validationDS, t.evalExec)
		if err != nil {
			return nil, t.fail(epoch, metrics.PhaseValidation, err)
		}

		stats := EpochStats{
			Epoch:             epoch,
			TrainLoss:         trainLoss,
			ValidationLoss:    validationLoss,
			TrainBatches:      trainBatches,
			ValidationBatches: validationBatches,
			GlobalStep:        t.globalStep(),
			Duration:          time.Since(start),
		}
		result.Epochs = append(result.Epochs, stats)
		metrics.RecordEpochLoss(metrics.PhaseTrain, trainLoss)
		metrics.RecordEpochLoss(metrics.PhaseValidation, validationLoss)
		klog.Infof("epoch %d/%d: train loss %.4f (%d batches), validation loss %.4f (%d batches), %s",
			epoch+1, t.opts.Epochs, trainLoss, trainBatches, validationLoss, validationBatches, stats.Duration.Round(time.Millisecond))
		if hook := t.opts.Hooks.OnEpochEnd; hook != nil {
			if err := hook(stats); err != nil {
				return nil, t.fail(epoch, "epoch end hook", err)
			}
		}
	}
	result.GlobalStep = t.globalStep()
	t.setState(Completed, t.opts.Epochs-1)
	if hook := t.opts.Hooks.OnCompleted; hook != nil {
		if err := hook(result); err != nil {
			return nil, t.fail(t.opts.Epochs-1, "completion hook", err)
		}
	}
	return result, nil
}

func (t *Trainer) fail(epoch int, phase string, err error) error {
	t.setState(Failed, epoch)
	fatal := captioning.NewTrainingFatalError(epoch, phase, err)
	klog.Errorf("%v", fatal)
	return fatal
}

func (t *Trainer) globalStep() int64 {
	var step int64
	if err := exceptions.TryCatch[error](func() { step = optimizers.GetGlobalStep(t.mc.Ctx) }); err != nil {
		klog.Warningf("failed to read global step: %v", err)
	}
	return step
}

// runPhase iterates over all batches of ds, running exec on each, and returns the mean loss.
func (t *Trainer) runPhase(epoch int, phase string, ds train.Dataset, exec *context.Exec) (meanLoss float64, numBatches int, err error) {
	ds.Reset()
	var bar *progressbar.ProgressBar
	if t.opts.Progress {
		bar = newProgressBar(fmt.Sprintf("epoch %d/%d %s", epoch+1, t.opts.Epochs, phase), numBatchesOf(ds))
		defer func() { _ = bar.Finish() }()
	}
	var totalLoss float64
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return 0, numBatches, errors.WithMessagef(yieldErr, "dataset %s failed at batch %d", ds.Name(), numBatches)
		}
		if len(inputs) != 3 || len(labels) != 1 {
			// A stopped datasets.ParallelDataset may yield nothing and no error.
			return 0, numBatches, errors.Errorf("dataset %s yielded %d inputs and %d labels at batch %d, expected 3 and 1",
				ds.Name(), len(inputs), len(labels), numBatches)
		}
		loss, stepErr := runStep(exec, inputs, labels)
		if stepErr != nil {
			return 0, numBatches, errors.WithMessagef(stepErr, "%s step failed at batch %d", phase, numBatches)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, numBatches, errors.Errorf("%s loss diverged to %g at batch %d", phase, loss, numBatches)
		}
		totalLoss += loss
		numBatches++
		metrics.RecordBatch(phase)
		klog.V(1).Infof("epoch %d %s batch %d: loss %.4f", epoch, phase, numBatches, loss)
		if bar != nil {
			bar.Describe(fmt.Sprintf("epoch %d/%d %s loss=%.4f", epoch+1, t.opts.Epochs, phase, totalLoss/float64(numBatches)))
			_ = bar.Add(1)
		}
		if phase == metrics.PhaseTrain {
			if hook := t.opts.Hooks.OnTrainBatch; hook != nil {
				if err := hook(epoch, numBatches-1, loss); err != nil {
					return 0, numBatches, errors.WithMessage(err, "train batch hook")
				}
			}
		}
	}
	if numBatches == 0 {
		return 0, 0, errors.Errorf("dataset %s yielded no batches", ds.Name())
	}
	return totalLoss / float64(numBatches), numBatches, nil
}

// runStep executes one step and returns its loss. Input tensors are released afterward.
func runStep(exec *context.Exec, inputs, labels []*tensors.Tensor) (loss float64, err error) {
	defer func() {
		for _, tensor := range append(inputs, labels...) {
			if finalizeErr := tensor.FinalizeAll(); finalizeErr != nil {
				klog.Warningf("failed to release batch tensor: %v", finalizeErr)
			}
		}
	}()
	err = exceptions.TryCatch[error](func() {
		outputs, execErr := exec.Exec(inputs[0], inputs[1], inputs[2], labels[0])
		if execErr != nil {
			panic(execErr)
		}
		loss = float64(tensors.ToScalar[float32](outputs[0]))
		if finalizeErr := outputs[0].FinalizeAll(); finalizeErr != nil {
			klog.Warningf("failed to release loss tensor: %v", finalizeErr)
		}
	})
	return
}

// numBatchesOf returns the number of batches of ds in an epoch, or -1 if unknown.
func numBatchesOf(ds train.Dataset) int {
	switch d := ds.(type) {
	case interface{ NumBatches() int }:
		return d.NumBatches()
	case *datasets.ParallelDataset:
		return numBatchesOf(d.Dataset)
	}
	return -1
}

func newProgressBar(description string, numBatches int) *progressbar.ProgressBar {
	return progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(os.Stderr) }),
	)
}
