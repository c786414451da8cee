package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/config"
	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/generations"
	"github.com/gomlx/captioner/pkg/captioning/model"
	"github.com/gomlx/captioner/pkg/captioning/trainer"
	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

// loadCorpora reads the training and validation annotations.
func loadCorpora(cfg *config.Config) (trainExamples, validationExamples []corpus.Example, err error) {
	c := cfg.Corpus
	trainExamples, err = corpus.LoadAnnotations(c.TrainAnnotations, c.TrainImages, c.MaxExamples)
	if err != nil {
		return
	}
	maxValidation := 0
	if c.MaxExamples > 0 {
		maxValidation = max(1, c.MaxExamples/5)
	}
	validationExamples, err = corpus.LoadAnnotations(c.ValidationAnnotations, c.ValidationImages, maxValidation)
	return
}

func buildVocab(cfg *config.Config, examples []corpus.Example) (*vocab.Vocabulary, error) {
	return vocab.Build(corpus.Captions(examples), vocab.BuildOptions{
		MaxLength:    cfg.Model.MaxLength,
		MinFrequency: cfg.Vocab.MinFrequency,
		MaxSize:      cfg.Vocab.MaxSize,
		ExplicitPad:  cfg.Vocab.ExplicitPad,
	})
}

func runTrain(cfg *config.Config, args []string) error {
	flags := flag.NewFlagSet("train", flag.ContinueOnError)
	progress := flags.Bool("progress", true, "Display a progress bar for each epoch phase.")
	if err := flags.Parse(args); err != nil {
		return usageErrorf("%v", err)
	}
	if flags.NArg() > 0 {
		return usageErrorf("train takes no arguments, got %q", flags.Args())
	}

	trainExamples, validationExamples, err := loadCorpora(cfg)
	if err != nil {
		return err
	}
	v, err := buildVocab(cfg, trainExamples)
	if err != nil {
		return err
	}
	klog.Infof("vocabulary of %d tokens built from %s captions", v.Size(), humanize.Comma(int64(len(trainExamples))))

	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	mc, err := model.New(backend, cfg.Model.ToModelConfig(), v)
	if err != nil {
		return err
	}
	defer mc.Close()

	datasetOpts := corpus.DatasetOptions{
		ImageSize: mc.Config.ImageSize,
		BatchSize: cfg.Train.BatchSize,
		Shuffle:   cfg.Train.Shuffle,
		Seed:      cfg.Train.Seed,
	}
	trainDS, err := corpus.NewDataset("train", trainExamples, v, datasetOpts)
	if err != nil {
		return err
	}
	datasetOpts.Shuffle = false
	validationDS, err := corpus.NewDataset("validation", validationExamples, v, datasetOpts)
	if err != nil {
		return err
	}
	parallelTrain := corpus.Parallel(trainDS, cfg.Corpus.Workers, cfg.Corpus.Prefetch)
	defer parallelTrain.Done()
	parallelValidation := corpus.Parallel(validationDS, max(1, cfg.Corpus.Workers/2), cfg.Corpus.Prefetch)
	defer parallelValidation.Done()

	tr, err := trainer.New(mc, trainer.Options{
		Epochs:       cfg.Train.Epochs,
		LearningRate: cfg.Train.LearningRate,
		WeightDecay:  cfg.Train.WeightDecay,
		Progress:     *progress,
	})
	if err != nil {
		return err
	}
	defer tr.Finalize()

	gens, err := generations.Open(cfg.Checkpoints.Root)
	if err != nil {
		return err
	}
	if *progress {
		output := termenv.NewOutput(os.Stderr)
		output.HideCursor()
		defer output.ShowCursor()
	}
	start := time.Now()
	manifest, result, err := tr.RunAndPublish(parallelTrain, parallelValidation, gens, generations.Manifest{
		NumTrainExamples:      len(trainExamples),
		NumValidationExamples: len(validationExamples),
	})
	if err != nil {
		return err
	}
	if skipped := trainDS.Skipped() + validationDS.Skipped(); skipped > 0 {
		klog.Warningf("%s corpus examples were skipped", humanize.Comma(skipped))
	}
	printEpochs(manifest, result, time.Since(start))
	return nil
}

func printEpochs(manifest *generations.Manifest, result *trainer.Result, elapsed time.Duration) {
	t := newTable([]string{"Epoch", "Train loss", "Validation loss", "Train batches", "Validation batches", "Duration"},
		lipgloss.Right)
	for _, e := range result.Epochs {
		t.row(false,
			fmt.Sprintf("%d", e.Epoch+1),
			fmt.Sprintf("%.4f", e.TrainLoss),
			fmt.Sprintf("%.4f", e.ValidationLoss),
			humanize.Comma(int64(e.TrainBatches)),
			humanize.Comma(int64(e.ValidationBatches)),
			e.Duration.Round(time.Second).String())
	}
	printTable(fmt.Sprintf("Published %s (%s steps in %s)", manifest.ID,
		humanize.Comma(result.GlobalStep), elapsed.Round(time.Second)), t)
}
