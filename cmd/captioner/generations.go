package main

import (
	"flag"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/captioner/internal/config"
	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/generations"
	"github.com/gomlx/captioner/pkg/captioning/selftrain"
)

func runGenerations(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		return usageErrorf("generations takes no arguments, got %q", args)
	}
	gens, err := generations.Open(cfg.Checkpoints.Root)
	if err != nil {
		return err
	}
	manifests, err := gens.List()
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Printf("No generations published in %s\n", gens.Root())
		return nil
	}
	pinned, err := gens.Pinned()
	if err != nil {
		return err
	}
	t := newTable([]string{"Generation", "Parent", "Source", "Created", "Epochs", "Steps", "Validation loss", "Vocabulary", "Size"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, m := range manifests {
		id := m.ID
		if id == pinned {
			id += " *"
		}
		parent := m.Parent
		if parent == "" {
			parent = "-"
		}
		size, err := dirSize(gens.Dir(m.ID))
		if err != nil {
			return err
		}
		t.row(m.ID == pinned, id, parent, m.Source, humanize.Time(m.CreatedAt),
			humanize.Comma(int64(len(m.Epochs))), humanize.Comma(m.GlobalStep),
			fmt.Sprintf("%.4f", m.FinalValidationLoss()), humanize.Comma(int64(m.VocabSize)), humanize.Bytes(size))
	}
	printTable(fmt.Sprintf("Generations in %s (* pinned)", gens.Root()), t)
	return nil
}

func dirSize(dir string) (size uint64, err error) {
	err = filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			size += uint64(info.Size())
		}
		return nil
	})
	return size, errors.Wrapf(err, "failed to measure %q", dir)
}

func runPin(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return usageErrorf("pin takes exactly one generation id")
	}
	if _, err := generations.ParseID(args[0]); err != nil {
		return usageErrorf("%v", err)
	}
	gens, err := generations.Open(cfg.Checkpoints.Root)
	if err != nil {
		return err
	}
	if err := gens.Pin(args[0]); err != nil {
		return err
	}
	fmt.Printf("Pinned %s\n", args[0])
	return nil
}

func runRollback(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		return usageErrorf("rollback takes no arguments, got %q", args)
	}
	gens, err := generations.Open(cfg.Checkpoints.Root)
	if err != nil {
		return err
	}
	id, err := gens.Rollback()
	if err != nil {
		return err
	}
	fmt.Printf("Pinned %s\n", id)
	return nil
}

func runFineTune(cfg *config.Config, args []string) error {
	flags := flag.NewFlagSet("finetune", flag.ContinueOnError)
	baseline := flags.String("baseline", cfg.Checkpoints.Generation, "Generation to fine-tune. Defaults to the pinned one.")
	progress := flags.Bool("progress", true, "Display a progress bar for each epoch phase.")
	if err := flags.Parse(args); err != nil {
		return usageErrorf("%v", err)
	}
	if flags.NArg() > 0 {
		return usageErrorf("finetune takes no arguments, got %q", flags.Args())
	}
	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	gens, err := generations.Open(cfg.Checkpoints.Root)
	if err != nil {
		return err
	}
	store, err := selftrain.OpenStore(cfg.SelfTrain.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m, err := selftrain.FineTune(selftrain.FineTuneOptions{
		Backend:            backend,
		Store:              store,
		Generations:        gens,
		Baseline:           *baseline,
		Epochs:             cfg.SelfTrain.Epochs,
		LearningRate:       cfg.SelfTrain.LearningRate,
		WeightDecay:        cfg.Train.WeightDecay,
		Progress:           *progress,
		BatchSize:          cfg.Train.BatchSize,
		ValidationFraction: cfg.SelfTrain.ValidationFraction,
		SplitSeed:          cfg.SelfTrain.SplitSeed,
		MinCaptionTokens:   cfg.SelfTrain.MinCaptionTokens,
		Workers:            cfg.Corpus.Workers,
		Buffer:             cfg.Corpus.Prefetch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Published %s fine-tuned from %s on %s records (validation loss %.4f). Run \"pin %s\" to serve it.\n",
		m.ID, m.Parent, humanize.Comma(int64(m.NumTrainExamples+m.NumValidationExamples)), m.FinalValidationLoss(), m.ID)
	return nil
}

func runVocab(cfg *config.Config, args []string) error {
	flags := flag.NewFlagSet("vocab", flag.ContinueOnError)
	output := flags.String("output", "", "Write the vocabulary to this file.")
	top := flags.Int("top", 20, "Number of tokens to print.")
	if err := flags.Parse(args); err != nil {
		return usageErrorf("%v", err)
	}
	trainExamples, err := corpus.LoadAnnotations(cfg.Corpus.TrainAnnotations, cfg.Corpus.TrainImages, cfg.Corpus.MaxExamples)
	if err != nil {
		return err
	}
	v, err := buildVocab(cfg, trainExamples)
	if err != nil {
		return err
	}
	t := newTable([]string{"Id", "Token"}, lipgloss.Right, lipgloss.Left)
	for id := range min(*top, v.Size()) {
		t.row(v.IsSpecial(int32(id)), humanize.Comma(int64(id)), v.Token(int32(id)))
	}
	printTable(fmt.Sprintf("Vocabulary: %s tokens, captions of %d tokens", humanize.Comma(int64(v.Size())), v.MaxLength()), t)
	if *output != "" {
		if err := v.Save(*output); err != nil {
			return err
		}
		fmt.Printf("Saved to %s\n", *output)
	}
	return nil
}
