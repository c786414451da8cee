// Package modeltest provides a tiny model configuration and synthetic corpora for tests.
package modeltest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/model"
	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

var (
	backendOnce sync.Once
	backend     backends.Backend
)

// Backend returns the pure Go backend shared by the tests of a package.
func Backend() backends.Backend {
	backendOnce.Do(func() {
		backend = must.M1(simplego.New(""))
	})
	return backend
}

// TinyConfig is a model configuration small enough to train in a unit test on the pure Go backend.
func TinyConfig() model.Config {
	return model.Config{
		ImageSize:     16,
		PatchSize:     8,
		EmbedDim:      16,
		NumHeads:      2,
		EncoderLayers: 1,
		DecoderLayers: 1,
		FFNDim:        32,
		DropoutRate:   0,
		NormEpsilon:   1e-5,
		Seed:          42,
	}
}

// Captions used by the synthetic corpora, one per image color.
var Captions = []string{
	"A red square on a white wall.",
	"A blue square in the sky.",
	"A green square on the grass.",
	"A yellow square under the sun.",
}

var colors = []color.RGBA{
	{R: 220, G: 30, B: 30, A: 255},
	{R: 30, G: 30, B: 220, A: 255},
	{R: 30, G: 200, B: 30, A: 255},
	{R: 230, G: 220, B: 40, A: 255},
}

// Image returns a size x size image for example idx: a colored square over a gray background.
func Image(idx, size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	c := colors[idx%len(colors)]
	for y := range size {
		for x := range size {
			if x >= size/4 && x < 3*size/4 && y >= size/4 && y < 3*size/4 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
			}
		}
	}
	return img
}

// JPEG returns the JPEG encoding of Image(idx, size).
func JPEG(idx, size int) []byte {
	var buf bytes.Buffer
	must.M(jpeg.Encode(&buf, Image(idx, size), &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// Corpus describes a synthetic annotated corpus written to disk.
type Corpus struct {
	AnnotationsPath string
	ImagesDir       string
	Captions        []string
}

// WriteCorpus writes a COCO style corpus of numExamples images (sized imageSize) with their captions
// under dir. Image ids start at 1.
func WriteCorpus(t testing.TB, dir string, numExamples, imageSize int) *Corpus {
	c := &Corpus{
		AnnotationsPath: filepath.Join(dir, "captions.json"),
		ImagesDir:       filepath.Join(dir, "images"),
	}
	require.NoError(t, os.MkdirAll(c.ImagesDir, 0o755))
	type annotation struct {
		ImageID int64  `json:"image_id"`
		Caption string `json:"caption"`
	}
	var annotations []annotation
	for ii := range numExamples {
		id := int64(ii + 1)
		caption := Captions[ii%len(Captions)]
		require.NoError(t, os.WriteFile(corpus.ImagePath(c.ImagesDir, id), JPEG(ii, imageSize), 0o644))
		annotations = append(annotations, annotation{ImageID: id, Caption: caption})
		c.Captions = append(c.Captions, caption)
	}
	data, err := json.Marshal(map[string]any{"annotations": annotations})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.AnnotationsPath, data, 0o644))
	return c
}

// Vocab builds the vocabulary of the synthetic captions, with the given maximum caption length.
func Vocab(t testing.TB, maxLength int) *vocab.Vocabulary {
	v, err := vocab.Build(Captions, vocab.BuildOptions{MaxLength: maxLength})
	require.NoError(t, err)
	return v
}
