package trainer

import (
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/gomlx/captioner/pkg/captioning/generations"
	"github.com/gomlx/captioner/pkg/captioning/model"
)

// Publisher persists a trained model as a new generation. generations.Store implements it.
type Publisher interface {
	Publish(mc *model.ModelContext, manifest generations.Manifest) (*generations.Manifest, error)
}

var _ Publisher = (*generations.Store)(nil)

// RunAndPublish runs the training loop and, only if it completes, publishes the model as a single new
// generation. The given manifest is completed with the per-epoch losses and the final global step.
//
// Nothing is published if training fails. A publishing failure is returned as is, it is not a
// TrainingFatalError since the trained variables are still in memory.
func (t *Trainer) RunAndPublish(trainDS, validationDS train.Dataset, publisher Publisher,
	manifest generations.Manifest) (*generations.Manifest, *Result, error) {
	if publisher == nil {
		return nil, nil, errors.New("RunAndPublish requires a Publisher")
	}
	result, err := t.Run(trainDS, validationDS)
	if err != nil {
		return nil, nil, err
	}
	manifest.GlobalStep = result.GlobalStep
	manifest.Epochs = make([]generations.EpochLoss, 0, len(result.Epochs))
	for _, stats := range result.Epochs {
		manifest.Epochs = append(manifest.Epochs, generations.EpochLoss{
			Epoch:             stats.Epoch,
			TrainLoss:         stats.TrainLoss,
			ValidationLoss:    stats.ValidationLoss,
			TrainBatches:      stats.TrainBatches,
			ValidationBatches: stats.ValidationBatches,
		})
	}
	published, err := publisher.Publish(t.mc, manifest)
	if err != nil {
		return nil, result, errors.WithMessage(err, "training completed but publishing the generation failed")
	}
	return published, result, nil
}
