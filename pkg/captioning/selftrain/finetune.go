package selftrain

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/generations"
	"github.com/gomlx/captioner/pkg/captioning/trainer"
	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

// FineTuneOptions configures FineTune.
type FineTuneOptions struct {
	Backend     backends.Backend
	Store       *Store
	Generations *generations.Store

	// Baseline generation to fine-tune. If empty, the pinned generation is used.
	Baseline string

	// Trainer options. Zero values take trainer.DefaultOptions.
	Epochs       int
	LearningRate float64
	WeightDecay  float64
	Progress     bool
	Hooks        trainer.Hooks

	BatchSize int

	// ValidationFraction of the records is held out. Defaults to 0.2.
	ValidationFraction float64

	// SplitSeed seeds the train/validation shuffle. Defaults to DefaultSplitSeed.
	SplitSeed int64

	// MinCaptionTokens drops records whose caption has fewer words. 0 keeps every record.
	MinCaptionTokens int

	// Workers and Buffer of the parallel training dataset. 0 disables parallel loading.
	Workers, Buffer int
}

// FineTune trains a copy of the baseline generation on the self-training records and publishes the
// result as a new generation whose parent is the baseline. The new generation is not pinned.
func FineTune(opts FineTuneOptions) (*generations.Manifest, error) {
	if opts.Backend == nil || opts.Store == nil || opts.Generations == nil {
		return nil, errors.New("FineTune requires a backend, a self-training store and a generations store")
	}
	defaults := trainer.DefaultOptions()
	trainerOpts := trainer.Options{
		Epochs:       opts.Epochs,
		LearningRate: opts.LearningRate,
		WeightDecay:  opts.WeightDecay,
		Progress:     opts.Progress,
		Hooks:        opts.Hooks,
	}
	if trainerOpts.Epochs == 0 {
		trainerOpts.Epochs = defaults.Epochs
	}
	if trainerOpts.LearningRate == 0 {
		trainerOpts.LearningRate = defaults.LearningRate
	}
	if trainerOpts.WeightDecay == 0 {
		trainerOpts.WeightDecay = defaults.WeightDecay
	}
	if opts.ValidationFraction == 0 {
		opts.ValidationFraction = 0.2
	}
	if opts.SplitSeed == 0 {
		opts.SplitSeed = DefaultSplitSeed
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	records, err := opts.Store.Records()
	if err != nil {
		return nil, err
	}
	records = FilterRecords(records, opts.MinCaptionTokens)
	if len(records) < 2 {
		return nil, errors.Errorf("fine-tuning needs at least 2 self-training records, %s has %d usable",
			opts.Store.Path(), len(records))
	}
	trainRecords, validationRecords := Split(records, opts.ValidationFraction, opts.SplitSeed)

	mc, err := opts.Generations.Load(opts.Backend, opts.Baseline)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load baseline generation")
	}
	defer mc.Close()
	baseline := mc.Generation
	klog.Infof("fine-tuning generation %s on %d self-training records (%d train, %d validation)",
		baseline, len(records), len(trainRecords), len(validationRecords))

	datasetOpts := corpus.DatasetOptions{ImageSize: mc.Config.ImageSize, BatchSize: opts.BatchSize, Shuffle: true, Seed: opts.SplitSeed}
	trainDS, err := corpus.NewDataset("selftrain-train", Examples(trainRecords), mc.Vocab, datasetOpts)
	if err != nil {
		return nil, err
	}
	datasetOpts.Shuffle = false
	validationDS, err := corpus.NewDataset("selftrain-validation", Examples(validationRecords), mc.Vocab, datasetOpts)
	if err != nil {
		return nil, err
	}

	tr, err := trainer.New(mc, trainerOpts)
	if err != nil {
		return nil, err
	}
	defer tr.Finalize()

	manifest := generations.Manifest{
		Parent:                baseline,
		Source:                generations.SourceFineTune,
		NumTrainExamples:      len(trainRecords),
		NumValidationExamples: len(validationRecords),
	}
	if opts.Workers > 0 {
		parallelDS := corpus.Parallel(trainDS, opts.Workers, opts.Buffer)
		defer parallelDS.Done()
		published, _, err := tr.RunAndPublish(parallelDS, validationDS, opts.Generations, manifest)
		return published, err
	}
	published, _, err := tr.RunAndPublish(trainDS, validationDS, opts.Generations, manifest)
	return published, err
}

// FilterRecords returns the records whose caption has at least minTokens words. minTokens <= 0 keeps
// all records.
func FilterRecords(records []Record, minTokens int) []Record {
	if minTokens <= 0 {
		return records
	}
	kept := make([]Record, 0, len(records))
	for _, record := range records {
		if len(vocab.Tokens(record.Caption)) >= minTokens {
			kept = append(kept, record)
		}
	}
	if dropped := len(records) - len(kept); dropped > 0 {
		klog.Infof("dropped %d self-training records with captions shorter than %d tokens", dropped, minTokens)
	}
	return kept
}

// Examples converts records to in-memory corpus examples.
func Examples(records []Record) []corpus.Example {
	examples := make([]corpus.Example, len(records))
	for ii, record := range records {
		examples[ii] = corpus.Example{ID: record.ID, Bytes: record.Image, Caption: record.Caption}
	}
	return examples
}
