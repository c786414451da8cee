// Package corpus reads captioning corpora and turns them into batches of tensors for training.
//
// An annotated corpus is a COCO style annotations file plus a directory of images named after the
// image ids. Self-training records are turned into in-memory examples, with the image bytes inline.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Example is one (image, caption) pair.
type Example struct {
	// ID identifies the example in logs and errors.
	ID string

	// Path of the image file. Ignored if Bytes is set.
	Path string

	// Bytes of the encoded image, for examples that are not backed by a file.
	Bytes []byte

	Caption string
}

// ImagePath returns the path of the image with the given id, using COCO's naming convention.
func ImagePath(imagesDir string, imageID int64) string {
	return filepath.Join(imagesDir, fmt.Sprintf("%012d.jpg", imageID))
}

type cocoAnnotations struct {
	Annotations []struct {
		ImageID int64  `json:"image_id"`
		Caption string `json:"caption"`
	} `json:"annotations"`
}

// LoadAnnotations parses a COCO style captions file and returns its examples, in file order, with
// images expected under imagesDir.
//
// If maxExamples > 0, only the first maxExamples annotations are used. Annotations with an empty
// caption are skipped. Image files are not checked here: a missing image is reported (and skipped)
// when the Dataset first tries to read it.
func LoadAnnotations(path, imagesDir string, maxExamples int) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read annotations file %q", path)
	}
	var parsed cocoAnnotations
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse annotations file %q", path)
	}
	annotations := parsed.Annotations
	if maxExamples > 0 && len(annotations) > maxExamples {
		annotations = annotations[:maxExamples]
	}
	examples := make([]Example, 0, len(annotations))
	var numEmpty int
	for _, a := range annotations {
		caption := strings.TrimSpace(a.Caption)
		if caption == "" {
			numEmpty++
			continue
		}
		examples = append(examples, Example{
			ID:      strconv.FormatInt(a.ImageID, 10),
			Path:    ImagePath(imagesDir, a.ImageID),
			Caption: caption,
		})
	}
	if numEmpty > 0 {
		klog.Warningf("%s: skipped %d annotations with an empty caption", path, numEmpty)
	}
	klog.V(1).Infof("loaded %d examples from %s", len(examples), path)
	return examples, nil
}

// Captions returns the captions of the examples, in order.
func Captions(examples []Example) []string {
	captions := make([]string, len(examples))
	for ii, ex := range examples {
		captions[ii] = ex.Caption
	}
	return captions
}
