package corpus

import (
	"image"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/metrics"
	"github.com/gomlx/captioner/pkg/captioning"
	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

// DatasetOptions configures a Dataset.
type DatasetOptions struct {
	// ImageSize is the side of the square images fed to the encoder.
	ImageSize int

	BatchSize int

	// Shuffle the examples at every Reset, using a random number generator seeded with Seed.
	Shuffle bool
	Seed    int64

	// DropIncomplete drops the last batch of the epoch if it has fewer than BatchSize examples.
	DropIncomplete bool
}

// Dataset yields batches of (image, caption) examples as tensors. It implements train.Dataset and is
// safe for concurrent calls to Yield, so it can be wrapped with Parallel.
//
// Each Yield returns:
//
//   - inputs: images [B, ImageSize, ImageSize, 3] float32 in [0, 1]; decoder inputs [B, L] int32, which
//     are the encoded captions shifted right by one, starting with BOS; and weights [B, L] float32, 1 up
//     to (and including) the first EOS of the caption and 0 after.
//   - labels: the encoded captions [B, L] int32.
//
// Examples whose image can't be read or decoded are logged as a captioning.CorpusExampleError and skipped:
// their batch is yielded with fewer examples. An epoch ends with io.EOF.
type Dataset struct {
	name     string
	examples []Example
	vocab    *vocab.Vocabulary
	opts     DatasetOptions

	// mu protects rng, batches and next.
	mu      sync.Mutex
	rng     *rand.Rand
	batches [][]int
	next    int

	skipped atomic.Int64
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over examples, and prepares the first epoch.
func NewDataset(name string, examples []Example, v *vocab.Vocabulary, opts DatasetOptions) (*Dataset, error) {
	if v == nil {
		return nil, errors.New("corpus.NewDataset requires a vocabulary")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d", opts.ImageSize)
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	ds := &Dataset{
		name:     name,
		examples: examples,
		vocab:    v,
		opts:     opts,
		rng:      rand.New(rand.NewSource(opts.Seed)),
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string {
	if len(ds.name) <= 5 {
		return ds.name
	}
	return ds.name[:5]
}

// NumExamples returns the number of examples, including those that may fail to load.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// NumBatches returns the number of batches in the current epoch.
func (ds *Dataset) NumBatches() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.batches)
}

// Skipped returns the number of examples skipped so far because their image couldn't be loaded.
// An example that fails in every epoch is counted every time.
func (ds *Dataset) Skipped() int64 { return ds.skipped.Load() }

// Reset implements train.Dataset. It restarts the epoch, reshuffling the examples if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	order := make([]int, len(ds.examples))
	for ii := range order {
		order[ii] = ii
	}
	if ds.opts.Shuffle {
		ds.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	ds.batches = ds.batches[:0]
	for start := 0; start < len(order); start += ds.opts.BatchSize {
		end := min(start+ds.opts.BatchSize, len(order))
		if end-start < ds.opts.BatchSize && ds.opts.DropIncomplete {
			break
		}
		ds.batches = append(ds.batches, order[start:end])
	}
	ds.next = 0
}

func (ds *Dataset) nextBatch() ([]int, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.batches) {
		return nil, false
	}
	batch := ds.batches[ds.next]
	ds.next++
	return batch, true
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	for {
		indices, ok := ds.nextBatch()
		if !ok {
			return nil, nil, nil, io.EOF
		}
		images := make([]image.Image, 0, len(indices))
		captions := make([]string, 0, len(indices))
		for _, idx := range indices {
			ex := &ds.examples[idx]
			img, loadErr := ds.loadImage(ex)
			if loadErr != nil {
				ds.skipped.Add(1)
				metrics.CorpusExamplesSkipped.Inc()
				klog.Warningf("dataset %s: skipping example: %v", ds.name, loadErr)
				continue
			}
			images = append(images, img)
			captions = append(captions, ex.Caption)
		}
		if len(images) == 0 {
			// Every example of the batch failed: move on to the next one.
			continue
		}
		inputs, labels = ds.batchTensors(images, captions)
		return ds.name, inputs, labels, nil
	}
}

// loadImage reads, decodes and resizes the image of the example. Errors are CorpusExampleError.
func (ds *Dataset) loadImage(ex *Example) (image.Image, error) {
	data := ex.Bytes
	if data == nil {
		var err error
		data, err = os.ReadFile(ex.Path)
		if err != nil {
			return nil, captioning.NewCorpusExampleError(ex.ID, ex.Path, err)
		}
	}
	img, _, err := DecodeImageBytes(data)
	if err != nil {
		return nil, captioning.NewCorpusExampleError(ex.ID, ex.Path, err)
	}
	return PrepareImage(img, ds.opts.ImageSize), nil
}

// batchTensors builds the input and label tensors for the loaded images and their captions.
func (ds *Dataset) batchTensors(images []image.Image, captions []string) (inputs, labels []*tensors.Tensor) {
	batchSize := len(images)
	maxLength := ds.vocab.MaxLength()
	targets := make([]int32, batchSize*maxLength)
	decoderInputs := make([]int32, batchSize*maxLength)
	weights := make([]float32, batchSize*maxLength)
	for row, caption := range captions {
		ids := ds.vocab.Encode(caption)
		offset := row * maxLength
		copy(targets[offset:], ids)
		decoderInputs[offset] = ds.vocab.BOS()
		copy(decoderInputs[offset+1:offset+maxLength], ids[:maxLength-1])
		length := ds.vocab.Length(ids)
		for ii := range length {
			weights[offset+ii] = 1
		}
	}
	inputs = []*tensors.Tensor{
		ImagesToTensor(images),
		tensors.FromFlatDataAndDimensions(decoderInputs, batchSize, maxLength),
		tensors.FromFlatDataAndDimensions(weights, batchSize, maxLength),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(targets, batchSize, maxLength)}
	return
}

// Parallel wraps ds with a datasets.ParallelDataset using the given number of workers, each calling
// ds.Yield, and a prefetch buffer of the given size. Call Done on the returned dataset when finished.
func Parallel(ds train.Dataset, workers, buffer int) *datasets.ParallelDataset {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = workers
	}
	return datasets.CustomParallel(ds).Parallelism(workers).Buffer(buffer).Start()
}
