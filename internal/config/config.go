// Package config loads the captioner configuration.
//
// Values are layered, each layer overriding the previous one:
//
//  1. Defaults from DefaultConfig.
//  2. An optional YAML file.
//  3. Environment variables prefixed with CAPTIONER_, e.g. CAPTIONER_TRAIN_BATCH_SIZE sets train.batch_size.
//
// Components never read this package: the CLI converts the sections to their typed options.
package config

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/gomlx/captioner/pkg/captioning/model"
)

// EnvPrefix of the environment variables read by Load.
const EnvPrefix = "CAPTIONER_"

// ConfigPathEnvVar names the YAML file to load when no path is given to Load.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// Config of the captioner.
type Config struct {
	Model       ModelConfig       `koanf:"model"`
	Vocab       VocabConfig       `koanf:"vocab"`
	Corpus      CorpusConfig      `koanf:"corpus"`
	Train       TrainConfig       `koanf:"train"`
	Checkpoints CheckpointsConfig `koanf:"checkpoints"`
	Inference   InferenceConfig   `koanf:"inference"`
	SelfTrain   SelfTrainConfig   `koanf:"selftrain"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

// ModelConfig holds the architecture of the encoder and decoder.
type ModelConfig struct {
	ImageSize     int     `koanf:"image_size" validate:"gte=8"`
	PatchSize     int     `koanf:"patch_size" validate:"gte=1"`
	EmbedDim      int     `koanf:"embed_dim" validate:"gte=1"`
	NumHeads      int     `koanf:"num_heads" validate:"gte=1"`
	EncoderLayers int     `koanf:"encoder_layers" validate:"gte=0"`
	DecoderLayers int     `koanf:"decoder_layers" validate:"gte=1"`
	FFNDim        int     `koanf:"ffn_dim" validate:"gte=1"`
	MaxLength     int     `koanf:"max_length" validate:"gte=2"`
	DropoutRate   float64 `koanf:"dropout" validate:"gte=0,lt=1"`
	NormEpsilon   float64 `koanf:"norm_epsilon" validate:"gt=0"`
	Seed          int64   `koanf:"seed"`
}

// VocabConfig controls how the vocabulary is built from the training captions.
type VocabConfig struct {
	MinFrequency int  `koanf:"min_frequency" validate:"gte=1"`
	MaxSize      int  `koanf:"max_size" validate:"gte=0"`
	ExplicitPad  bool `koanf:"explicit_pad"`
}

// CorpusConfig locates the COCO style training and validation corpora.
type CorpusConfig struct {
	TrainAnnotations      string `koanf:"train_annotations"`
	TrainImages           string `koanf:"train_images"`
	ValidationAnnotations string `koanf:"validation_annotations"`
	ValidationImages      string `koanf:"validation_images"`
	MaxExamples           int    `koanf:"max_examples" validate:"gte=0"`
	Workers               int    `koanf:"workers" validate:"gte=0"`
	Prefetch              int    `koanf:"prefetch" validate:"gte=0"`
}

// TrainConfig holds the training loop settings.
type TrainConfig struct {
	Epochs       int     `koanf:"epochs" validate:"gte=1"`
	BatchSize    int     `koanf:"batch_size" validate:"gte=1"`
	LearningRate float64 `koanf:"learning_rate" validate:"gt=0"`
	WeightDecay  float64 `koanf:"weight_decay" validate:"gte=0"`
	Shuffle      bool    `koanf:"shuffle"`
	Seed         int64   `koanf:"seed"`
}

// CheckpointsConfig locates the model generations.
type CheckpointsConfig struct {
	Root string `koanf:"root" validate:"required"`

	// Generation served by the caption command. Empty serves the pinned generation.
	Generation string `koanf:"generation"`
}

// InferenceConfig configures the caption service.
type InferenceConfig struct {
	BeamWidth      int `koanf:"beam_width" validate:"gte=1,lte=64"`
	MinLength      int `koanf:"min_length" validate:"gte=1"`
	HashtagCount   int `koanf:"hashtag_count" validate:"gte=0,lte=30"`
	MaxConcurrent  int `koanf:"max_concurrent" validate:"gte=1"`
	MaxImagePixels int `koanf:"max_image_pixels" validate:"gte=0"`
}

// SelfTrainConfig configures the self-training store and fine-tuning.
type SelfTrainConfig struct {
	StorePath          string  `koanf:"store_path" validate:"required"`
	ValidationFraction float64 `koanf:"validation_fraction" validate:"gt=0,lt=1"`
	SplitSeed          int64   `koanf:"split_seed"`
	Epochs             int     `koanf:"epochs" validate:"gte=1"`
	LearningRate       float64 `koanf:"learning_rate" validate:"gt=0"`
	MinCaptionTokens   int     `koanf:"min_caption_tokens" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus listener. An empty address disables it.
type MetricsConfig struct {
	Address string `koanf:"address" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	m := model.DefaultConfig()
	return &Config{
		Model: ModelConfig{
			ImageSize:     m.ImageSize,
			PatchSize:     m.PatchSize,
			EmbedDim:      m.EmbedDim,
			NumHeads:      m.NumHeads,
			EncoderLayers: m.EncoderLayers,
			DecoderLayers: m.DecoderLayers,
			FFNDim:        m.FFNDim,
			MaxLength:     20,
			DropoutRate:   m.DropoutRate,
			NormEpsilon:   m.NormEpsilon,
			Seed:          m.Seed,
		},
		Vocab: VocabConfig{MinFrequency: 1},
		Corpus: CorpusConfig{
			TrainAnnotations:      "data/annotations/captions_train2017.json",
			TrainImages:           "data/train2017",
			ValidationAnnotations: "data/annotations/captions_val2017.json",
			ValidationImages:      "data/val2017",
			Workers:               4,
			Prefetch:              8,
		},
		Train: TrainConfig{
			Epochs:       5,
			BatchSize:    32,
			LearningRate: 5e-5,
			WeightDecay:  0.01,
			Shuffle:      true,
			Seed:         42,
		},
		Checkpoints: CheckpointsConfig{Root: "checkpoints"},
		Inference: InferenceConfig{
			BeamWidth:      4,
			MinLength:      1,
			HashtagCount:   5,
			MaxConcurrent:  2,
			MaxImagePixels: 64 << 20,
		},
		SelfTrain: SelfTrainConfig{
			StorePath:          "selftrain/records.jsonl",
			ValidationFraction: 0.2,
			SplitSeed:          42,
			Epochs:             3,
			LearningRate:       5e-5,
		},
	}
}

// Load reads the configuration. If path is empty, the file named by CAPTIONER_CONFIG is used, if set.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load default configuration")
	}
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %q", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration from environment")
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps CAPTIONER_SECTION_SOME_KEY to section.some_key. CAPTIONER_CONFIG is dropped.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return ""
	}
	return section + "." + rest
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section, and that the model architecture is consistent.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if err := c.Model.ToModelConfig().Validate(); err != nil {
		return errors.WithMessage(err, "invalid model configuration")
	}
	return nil
}

// ToModelConfig returns the architecture as a model.Config.
func (m ModelConfig) ToModelConfig() model.Config {
	return model.Config{
		ImageSize:     m.ImageSize,
		PatchSize:     m.PatchSize,
		EmbedDim:      m.EmbedDim,
		NumHeads:      m.NumHeads,
		EncoderLayers: m.EncoderLayers,
		DecoderLayers: m.DecoderLayers,
		FFNDim:        m.FFNDim,
		DropoutRate:   m.DropoutRate,
		NormEpsilon:   m.NormEpsilon,
		Seed:          m.Seed,
	}
}
