package model

import (
	"github.com/pkg/errors"
)

// Scopes of the two model halves in the context. Each is saved in its own checkpoint directory.
const (
	EncoderScope = "encoder"
	DecoderScope = "decoder"
)

// Config holds the architecture hyperparameters of the captioning model.
//
// The vision encoder splits a square ImageSize x ImageSize image into PatchSize x PatchSize patches,
// projects them to EmbedDim and runs EncoderLayers transformer blocks over them. The decoder is a
// causal transformer of DecoderLayers blocks, each with self-attention, cross-attention to the encoded
// patches and a feed-forward network.
type Config struct {
	ImageSize     int     `json:"image_size"`
	PatchSize     int     `json:"patch_size"`
	EmbedDim      int     `json:"embed_dim"`
	NumHeads      int     `json:"num_heads"`
	EncoderLayers int     `json:"encoder_layers"`
	DecoderLayers int     `json:"decoder_layers"`
	FFNDim        int     `json:"ffn_dim"`
	DropoutRate   float64 `json:"dropout_rate"`
	NormEpsilon   float64 `json:"norm_epsilon"`

	// Seed for the variables initialization. 0 makes it non-deterministic.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns a ViT-small-like configuration for 224x224 images.
func DefaultConfig() Config {
	return Config{
		ImageSize:     224,
		PatchSize:     16,
		EmbedDim:      256,
		NumHeads:      8,
		EncoderLayers: 4,
		DecoderLayers: 4,
		FFNDim:        1024,
		DropoutRate:   0.1,
		NormEpsilon:   1e-5,
	}
}

// NumPatches returns the number of embedding vectors the encoder produces per image.
func (c Config) NumPatches() int {
	side := c.ImageSize / c.PatchSize
	return side * side
}

// HeadDim returns the per-head dimension of the attention layers.
func (c Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// Validate checks the configuration is consistent.
func (c Config) Validate() error {
	switch {
	case c.ImageSize <= 0 || c.PatchSize <= 0:
		return errors.Errorf("ImageSize (%d) and PatchSize (%d) must be positive", c.ImageSize, c.PatchSize)
	case c.ImageSize%c.PatchSize != 0:
		return errors.Errorf("ImageSize (%d) must be divisible by PatchSize (%d)", c.ImageSize, c.PatchSize)
	case c.EmbedDim <= 0 || c.NumHeads <= 0 || c.EmbedDim%c.NumHeads != 0:
		return errors.Errorf("EmbedDim (%d) must be a positive multiple of NumHeads (%d)", c.EmbedDim, c.NumHeads)
	case c.EncoderLayers < 0 || c.DecoderLayers < 1:
		return errors.Errorf("invalid number of layers: encoder=%d, decoder=%d", c.EncoderLayers, c.DecoderLayers)
	case c.FFNDim <= 0:
		return errors.Errorf("FFNDim must be positive, got %d", c.FFNDim)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return errors.Errorf("DropoutRate must be in [0, 1), got %g", c.DropoutRate)
	}
	return nil
}
