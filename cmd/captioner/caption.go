package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/config"
	"github.com/gomlx/captioner/pkg/captioning/generations"
	"github.com/gomlx/captioner/pkg/captioning/selftrain"
	"github.com/gomlx/captioner/pkg/captioning/service"
)

func runCaption(cfg *config.Config, args []string) error {
	flags := flag.NewFlagSet("caption", flag.ContinueOnError)
	settingsPath := flags.String("settings", "", "Text file with photography suggestions to extract camera settings from.")
	generation := flags.String("generation", cfg.Checkpoints.Generation, "Generation to use. Defaults to the pinned one.")
	noStore := flags.Bool("no_store", false, "Don't append the captions to the self-training store.")
	if err := flags.Parse(args); err != nil {
		return usageErrorf("%v", err)
	}
	if flags.NArg() == 0 {
		return usageErrorf("caption requires at least one image file")
	}

	if cfg.Metrics.Address != "" {
		serveMetrics(cfg.Metrics.Address)
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
	mc, err := gens.Load(backend, *generation)
	if err != nil {
		return err
	}
	defer mc.Close()

	var appender service.Appender
	if !*noStore {
		store, err := selftrain.OpenStore(cfg.SelfTrain.StorePath)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		appender = store
	}
	svc, err := service.New(mc, appender, service.Options{
		BeamWidth:      cfg.Inference.BeamWidth,
		MinLength:      cfg.Inference.MinLength,
		HashtagCount:   cfg.Inference.HashtagCount,
		MaxConcurrent:  cfg.Inference.MaxConcurrent,
		MaxImagePixels: cfg.Inference.MaxImagePixels,
	})
	if err != nil {
		return err
	}

	for _, path := range flags.Args() {
		upload, err := os.ReadFile(path)
		if err != nil {
			return usageErrorf("failed to read %q: %v", path, err)
		}
		result, err := svc.Caption(context.Background(), upload)
		if err != nil {
			return err
		}
		post, err := result.Instagram()
		if err != nil {
			return err
		}
		fmt.Println(string(post))
		t := newTable(nil, lipgloss.Right, lipgloss.Left)
		t.row(false, "file", path)
		t.row(false, "image", fmt.Sprintf("%dx%d %s, %s", result.Image.Width, result.Image.Height,
			result.Image.Format, humanize.Bytes(uint64(len(upload)))))
		t.row(false, "generation", result.Generation)
		t.row(false, "log-probability", fmt.Sprintf("%.3f", result.Score))
		if result.RecordID != "" {
			t.row(false, "record", result.RecordID)
		}
		printTable("", t)
	}

	if *settingsPath != "" {
		text, err := os.ReadFile(*settingsPath)
		if err != nil {
			return usageErrorf("failed to read %q: %v", *settingsPath, err)
		}
		printSettings(string(text))
	}
	return nil
}

func printSettings(text string) {
	fields := service.ExtractFields(text)
	t := newTable([]string{"Setting", "Value"}, lipgloss.Right, lipgloss.Left)
	for _, name := range service.FieldNames {
		value := "-"
		if fields[name] != nil {
			value = *fields[name]
		}
		t.row(fields[name] != nil, name, value)
	}
	printTable("Camera settings", t)

	sections := service.ParseSections(text)
	if len(sections) == 0 {
		return
	}
	t = newTable([]string{"Section", "Suggestions"}, lipgloss.Right, lipgloss.Left)
	for _, section := range sections {
		t.row(false, section.Title, section.Body)
	}
	printTable("Suggestions", t)
}

// serveMetrics exposes the Prometheus metrics on address in the background.
func serveMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		klog.Infof("serving metrics on http://%s/metrics", address)
		if err := http.ListenAndServe(address, mux); err != nil {
			klog.Errorf("metrics listener failed: %v", err)
		}
	}()
}
