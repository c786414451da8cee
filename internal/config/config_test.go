package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/captioner/pkg/captioning/model"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, model.DefaultConfig(), cfg.Model.ToModelConfig())
}

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captioner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
train:
  epochs: 10
  batch_size: 16
inference:
  beam_width: 2
checkpoints:
  root: /var/lib/captioner
`), 0o644))
	t.Setenv("CAPTIONER_TRAIN_BATCH_SIZE", "8")
	t.Setenv("CAPTIONER_SELFTRAIN_MIN_CAPTION_TOKENS", "3")
	t.Setenv("CAPTIONER_METRICS_ADDRESS", "localhost:9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Train.Epochs)
	assert.Equal(t, 8, cfg.Train.BatchSize, "environment overrides the file")
	assert.Equal(t, 2, cfg.Inference.BeamWidth)
	assert.Equal(t, "/var/lib/captioner", cfg.Checkpoints.Root)
	assert.Equal(t, 3, cfg.SelfTrain.MinCaptionTokens)
	assert.Equal(t, "localhost:9090", cfg.Metrics.Address)
	assert.Equal(t, DefaultConfig().Model, cfg.Model)

	t.Setenv(ConfigPathEnvVar, path)
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Train.Epochs)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("CAPTIONER_INFERENCE_BEAM_WIDTH", "0")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.PatchSize = 15
	assert.Error(t, cfg.Validate(), "image size not divisible by patch size")

	cfg = DefaultConfig()
	cfg.SelfTrain.ValidationFraction = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Metrics.Address = "not an address"
	assert.Error(t, cfg.Validate())
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "train.batch_size", envTransform("CAPTIONER_TRAIN_BATCH_SIZE"))
	assert.Equal(t, "model.image_size", envTransform("CAPTIONER_MODEL_IMAGE_SIZE"))
	assert.Equal(t, "", envTransform("CAPTIONER_CONFIG"))
}
