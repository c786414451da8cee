package selftrain_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/generations"
	"github.com/gomlx/captioner/pkg/captioning/model"
	"github.com/gomlx/captioner/pkg/captioning/model/modeltest"
	"github.com/gomlx/captioner/pkg/captioning/selftrain"
	"github.com/gomlx/captioner/pkg/captioning/trainer"
)

func openStore(t *testing.T) *selftrain.Store {
	store, err := selftrain.OpenStore(filepath.Join(t.TempDir(), "selftrain", "records.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAppend(t *testing.T) {
	store := openStore(t)
	assert.Zero(t, store.Count())

	const k = 5
	for ii := range k {
		record, err := store.Append(modeltest.JPEG(ii, 16), modeltest.Captions[ii%len(modeltest.Captions)], "gen-000001")
		require.NoError(t, err)
		assert.NotEmpty(t, record.ID)
	}
	assert.Equal(t, k, store.Count())
	records, err := store.Records()
	require.NoError(t, err)
	require.Len(t, records, k)
	assert.Equal(t, modeltest.JPEG(2, 16), records[2].Image)
	assert.Equal(t, modeltest.Captions[2], records[2].Caption)
	assert.Equal(t, "gen-000001", records[2].Generation)

	_, err = store.Append(nil, "a caption", "gen-000001")
	assert.Error(t, err)
	_, err = store.Append(modeltest.JPEG(0, 16), "", "gen-000001")
	assert.Error(t, err)
	assert.Equal(t, k, store.Count())

	require.NoError(t, store.Close())
	_, err = store.Append(modeltest.JPEG(0, 16), "closed", "gen-000001")
	assert.Error(t, err)
	reopened, err := selftrain.OpenStore(store.Path())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, k, reopened.Count())
}

func TestStoreRecoversTornRecord(t *testing.T) {
	store := openStore(t)
	_, err := store.Append(modeltest.JPEG(0, 16), modeltest.Captions[0], "gen-000001")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	sizeBefore := fileSize(t, store.Path())

	// A crash in the middle of an Append leaves a line without its newline.
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","cap`)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	records, err := store.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	reopened, err := selftrain.OpenStore(store.Path())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, 1, reopened.Count())
	assert.Equal(t, sizeBefore, fileSize(t, store.Path()), "incomplete record is cut off")

	_, err = reopened.Append(modeltest.JPEG(1, 16), modeltest.Captions[1], "gen-000001")
	require.NoError(t, err)
	records, err = reopened.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, modeltest.Captions[1], records[1].Caption)
	assert.Equal(t, 2, reopened.Count())

	// And the store still opens afterward.
	require.NoError(t, reopened.Close())
	again, err := selftrain.OpenStore(store.Path())
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	assert.Equal(t, 2, again.Count())
}

func fileSize(t *testing.T, path string) int64 {
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestStoreConcurrentAppend(t *testing.T) {
	store := openStore(t)
	var wg sync.WaitGroup
	for ii := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(modeltest.JPEG(ii, 16), modeltest.Captions[ii%len(modeltest.Captions)], "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	records, err := store.Records()
	require.NoError(t, err)
	assert.Len(t, records, 8)
	assert.Equal(t, 8, store.Count())
}

func TestSplit(t *testing.T) {
	records := make([]selftrain.Record, 10)
	for ii := range records {
		records[ii].ID = string(rune('a' + ii))
	}
	train, validation := selftrain.Split(records, 0.2, selftrain.DefaultSplitSeed)
	assert.Len(t, train, 8)
	assert.Len(t, validation, 2)
	train2, validation2 := selftrain.Split(records, 0.2, selftrain.DefaultSplitSeed)
	assert.Equal(t, train, train2)
	assert.Equal(t, validation, validation2)

	ids := make(map[string]bool)
	for _, r := range append(train, validation...) {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 10)

	train, validation = selftrain.Split(records[:2], 0.2, 1)
	assert.Len(t, train, 1)
	assert.Len(t, validation, 1)
	train, validation = selftrain.Split(records[:1], 0.2, 1)
	assert.Len(t, train, 1)
	assert.Empty(t, validation)
}

func TestFilterRecords(t *testing.T) {
	records := []selftrain.Record{{Caption: "A cat."}, {Caption: "A red square on a wall."}}
	assert.Len(t, selftrain.FilterRecords(records, 0), 2)
	kept := selftrain.FilterRecords(records, 4)
	require.Len(t, kept, 1)
	assert.Equal(t, records[1].Caption, kept[0].Caption)
	assert.Equal(t, records[0].Caption, selftrain.Examples(records)[0].Caption)
}

// publishBaseline trains a tiny model for one epoch and publishes and pins it as the first generation.
func publishBaseline(t *testing.T, gens *generations.Store) *generations.Manifest {
	c := modeltest.WriteCorpus(t, t.TempDir(), 2, 16)
	examples, err := corpus.LoadAnnotations(c.AnnotationsPath, c.ImagesDir, 0)
	require.NoError(t, err)
	mc, err := model.New(modeltest.Backend(), modeltest.TinyConfig(), modeltest.Vocab(t, 8))
	require.NoError(t, err)
	defer mc.Close()
	ds, err := corpus.NewDataset("train", examples, mc.Vocab, corpus.DatasetOptions{ImageSize: mc.Config.ImageSize, BatchSize: 2})
	require.NoError(t, err)
	opts := trainer.DefaultOptions()
	opts.Epochs = 1
	tr, err := trainer.New(mc, opts)
	require.NoError(t, err)
	defer tr.Finalize()
	m, _, err := tr.RunAndPublish(ds, ds, gens, generations.Manifest{})
	require.NoError(t, err)
	require.NoError(t, gens.Pin(m.ID))
	return m
}

func TestFineTune(t *testing.T) {
	gens, err := generations.Open(filepath.Join(t.TempDir(), "generations"))
	require.NoError(t, err)
	baseline := publishBaseline(t, gens)
	store := openStore(t)

	_, err = selftrain.FineTune(selftrain.FineTuneOptions{
		Backend: modeltest.Backend(), Store: store, Generations: gens, Epochs: 1, BatchSize: 2})
	require.Error(t, err, "no records yet")

	for ii := range 5 {
		_, err := store.Append(modeltest.JPEG(ii, 20), modeltest.Captions[ii%len(modeltest.Captions)], baseline.ID)
		require.NoError(t, err)
	}
	var trainBatches int
	m, err := selftrain.FineTune(selftrain.FineTuneOptions{
		Backend:     modeltest.Backend(),
		Store:       store,
		Generations: gens,
		Epochs:      1,
		BatchSize:   2,
		Hooks: trainer.Hooks{OnTrainBatch: func(epoch, batch int, loss float64) error {
			trainBatches++
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gen-000002", m.ID)
	assert.Equal(t, baseline.ID, m.Parent)
	assert.Equal(t, generations.SourceFineTune, m.Source)
	assert.Equal(t, 4, m.NumTrainExamples)
	assert.Equal(t, 1, m.NumValidationExamples)
	assert.Equal(t, 2, trainBatches)

	pinned, err := gens.Pinned()
	require.NoError(t, err)
	assert.Equal(t, baseline.ID, pinned, "fine-tuning must not pin the new generation")

	loaded, err := gens.Load(modeltest.Backend(), m.ID)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, baseline.VocabSize, loaded.Vocab.Size())
}
