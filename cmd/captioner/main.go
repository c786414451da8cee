// captioner trains the image captioning model, manages its generations and captions images.
//
// Usage:
//
//	captioner [flags] <command> [command flags] [args]
//
// Commands:
//
//	train        build the vocabulary, train a model and publish it as a new generation
//	finetune     fine-tune the pinned generation on the self-training records
//	caption      caption image files with the pinned generation
//	generations  list the published generations
//	pin <id>     pin the generation served by caption
//	rollback     pin the parent of the pinned generation
//	vocab        build the vocabulary of the training captions and print it
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/config"
	"github.com/gomlx/captioner/pkg/captioning"
)

// Exit codes.
const (
	exitOK = iota
	exitUsage
	exitTrainingFatal
	exitInference
)

var (
	flagConfig  = flag.String("config", "", "YAML configuration file. Defaults to $"+config.ConfigPathEnvVar+".")
	flagNoColor = flag.Bool("no_color", false, "Disable colors in tables.")
)

// errUsage marks errors caused by invalid command line arguments.
var errUsage = errors.New("usage error")

func usageErrorf(format string, args ...any) error {
	return errors.Wrapf(errUsage, format, args...)
}

type command struct {
	name, help string
	run        func(cfg *config.Config, args []string) error
}

var commands = []command{
	{"train", "build the vocabulary, train a model and publish it as a new generation", runTrain},
	{"finetune", "fine-tune a generation on the self-training records", runFineTune},
	{"caption", "caption image files: caption [-settings file] <image>...", runCaption},
	{"generations", "list the published generations", runGenerations},
	{"pin", "pin the generation served by caption: pin <id>", runPin},
	{"rollback", "pin the parent of the pinned generation", runRollback},
	{"vocab", "build the vocabulary of the training captions and print it", runVocab},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags] [args]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %-12s %s\n", cmd.name, cmd.help)
	}
	_, _ = fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(flag.Args()))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
	}

	var cmd *command
	for ii := range commands {
		if commands[ii].name == args[0] {
			cmd = &commands[ii]
		}
	}
	if cmd == nil {
		klog.Errorf("unknown command %q, see %s -help", args[0], os.Args[0])
		return exitUsage
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		klog.Errorf("%+v", err)
		return exitUsage
	}
	err = cmd.run(cfg, args[1:])
	if err != nil {
		klog.Errorf("%s: %v", cmd.name, err)
		klog.V(1).Infof("%+v", err)
	}
	return exitCode(err)
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case captioning.IsTrainingFatal(err):
		return exitTrainingFatal
	case captioning.IsDecodeError(err), captioning.IsInferenceError(err):
		return exitInference
	}
	return exitUsage
}

// newBackend returns the default backend, configured by $GOMLX_BACKEND.
func newBackend() (backends.Backend, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	klog.V(1).Infof("backend: %s", backend.Description())
	return backend, nil
}
