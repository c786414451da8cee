// Package generations stores model checkpoints as numbered, immutable generations.
//
// Each generation is a directory under the store root:
//
//	<root>/gen-000001/
//	    manifest.json   # Manifest: lineage, configuration and training losses.
//	    vocab.json      # The vocabulary.
//	    encoder/        # gomlx checkpoint of the vision encoder variables.
//	    decoder/        # gomlx checkpoint of the caption decoder variables.
//
// A generation is assembled in a temporary directory and moved into place with a single rename, so
// readers never see a partially written generation. The PINNED file at the root holds the id of the
// generation served by the caption service; without it the latest generation is served.
package generations

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/metrics"
	"github.com/gomlx/captioner/pkg/captioning/model"
	"github.com/gomlx/captioner/pkg/captioning/vocab"
)

const (
	ManifestFile = "manifest.json"
	VocabFile    = "vocab.json"
	EncoderDir   = "encoder"
	DecoderDir   = "decoder"
	PinnedFile   = "PINNED"

	tmpPrefix = ".tmp-"
)

// Sources of a generation.
const (
	SourceTrain    = "train"
	SourceFineTune = "finetune"
)

// ErrNoGenerations is returned when the store has no published generation.
var ErrNoGenerations = errors.New("no model generation published")

var idPattern = regexp.MustCompile(`^gen-(\d{6})$`)

// FormatID returns the id of the generation number n.
func FormatID(n int) string { return fmt.Sprintf("gen-%06d", n) }

// ParseID returns the generation number of id.
func ParseID(id string) (int, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, errors.Errorf("invalid generation id %q, expected something like %q", id, FormatID(1))
	}
	return strconv.Atoi(m[1])
}

// EpochLoss holds the losses of one training epoch.
type EpochLoss struct {
	Epoch             int     `json:"epoch"`
	TrainLoss         float64 `json:"train_loss"`
	ValidationLoss    float64 `json:"validation_loss"`
	TrainBatches      int     `json:"train_batches"`
	ValidationBatches int     `json:"validation_batches"`
}

// Manifest describes a published generation.
type Manifest struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`

	// Source is SourceTrain for a model trained from scratch, or SourceFineTune.
	Source    string    `json:"source"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	Model     model.Config `json:"model"`
	VocabSize int          `json:"vocab_size"`
	MaxLength int          `json:"max_length"`

	NumTrainExamples      int         `json:"num_train_examples,omitempty"`
	NumValidationExamples int         `json:"num_validation_examples,omitempty"`
	GlobalStep            int64       `json:"global_step"`
	Epochs                []EpochLoss `json:"epochs,omitempty"`
}

// FinalValidationLoss returns the validation loss of the last epoch, or 0 if there were no epochs.
func (m *Manifest) FinalValidationLoss() float64 {
	if len(m.Epochs) == 0 {
		return 0
	}
	return m.Epochs[len(m.Epochs)-1].ValidationLoss
}

// Store of generations under a root directory.
//
// Methods are safe for concurrent use within one process. Publishing from more than one process
// into the same root is not supported.
type Store struct {
	root string
	mu   sync.Mutex
}

// Open the store at root, creating the directory if needed. Temporary directories left by an interrupted
// Publish are removed.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create generations root %q", root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list generations root %q", root)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), tmpPrefix) {
			path := filepath.Join(root, entry.Name())
			klog.Warningf("removing incomplete generation %s", path)
			if err := os.RemoveAll(path); err != nil {
				return nil, errors.Wrapf(err, "failed to remove incomplete generation %q", path)
			}
		}
	}
	return &Store{root: root}, nil
}

// Root directory of the store.
func (s *Store) Root() string { return s.root }

// Dir returns the directory of the generation id.
func (s *Store) Dir(id string) string { return filepath.Join(s.root, id) }

// ids returns the published generation numbers in increasing order.
func (s *Store) ids() ([]int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list generations in %q", s.root)
	}
	var numbers []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := ParseID(entry.Name())
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	return numbers, nil
}

// Publish saves the model variables, the vocabulary and the manifest of mc as a new generation, and
// returns the completed manifest. The generation id, creation time, model configuration and vocabulary
// fields of manifest are filled in; RunID is generated if empty and Source defaults to SourceTrain.
//
// The generation becomes visible atomically. It is not pinned.
func (s *Store) Publish(mc *model.ModelContext, manifest Manifest) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if manifest.Parent != "" {
		if _, err := os.Stat(filepath.Join(s.Dir(manifest.Parent), ManifestFile)); err != nil {
			return nil, errors.Wrapf(err, "parent generation %q not found", manifest.Parent)
		}
	}
	numbers, err := s.ids()
	if err != nil {
		return nil, err
	}
	next := 1
	if len(numbers) > 0 {
		next = numbers[len(numbers)-1] + 1
	}
	manifest.ID = FormatID(next)
	if manifest.Source == "" {
		manifest.Source = SourceTrain
	}
	if manifest.RunID == "" {
		manifest.RunID = uuid.NewString()
	}
	manifest.CreatedAt = time.Now().UTC()
	manifest.Model = mc.Config
	manifest.VocabSize = mc.Vocab.Size()
	manifest.MaxLength = mc.MaxLength()

	tmpDir, err := os.MkdirTemp(s.root, tmpPrefix+manifest.ID+"-*")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary directory for %s", manifest.ID)
	}
	published := false
	defer func() {
		if !published {
			if err := os.RemoveAll(tmpDir); err != nil {
				klog.Errorf("failed to remove %s: %v", tmpDir, err)
			}
		}
	}()

	for _, scope := range []string{model.EncoderScope, model.DecoderScope} {
		if err := saveScope(mc, scope, filepath.Join(tmpDir, scope)); err != nil {
			return nil, errors.WithMessagef(err, "failed to save %s of %s", scope, manifest.ID)
		}
	}
	if err := mc.Vocab.Save(filepath.Join(tmpDir, VocabFile)); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(tmpDir, ManifestFile), &manifest); err != nil {
		return nil, err
	}
	finalDir := s.Dir(manifest.ID)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return nil, errors.Wrapf(err, "failed to publish %s", manifest.ID)
	}
	published = true
	metrics.CheckpointPublishes.Inc()
	klog.Infof("published model generation %s (source=%s, parent=%q) to %s",
		manifest.ID, manifest.Source, manifest.Parent, finalDir)
	return &manifest, nil
}

// saveScope writes a checkpoint of the model variables under scope to dir.
func saveScope(mc *model.ModelContext, scope, dir string) error {
	keep := make(map[*context.Variable]bool)
	for _, v := range mc.VariablesInScope(scope) {
		keep[v] = true
	}
	if len(keep) == 0 {
		return errors.Errorf("model has no variables under scope %q, was it ever executed?", scope)
	}
	var exclude []*context.Variable
	for v := range mc.Ctx.IterVariables() {
		if !keep[v] {
			exclude = append(exclude, v)
		}
	}
	handler, err := checkpoints.Build(mc.Ctx).
		Dir(dir).
		ExcludeAllParams().
		ExcludeVars(exclude...).
		Keep(1).
		Done()
	if err != nil {
		return err
	}
	return handler.Save()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Get returns the manifest of generation id.
func (s *Store) Get(id string) (*Manifest, error) {
	if _, err := ParseID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir(id), ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("generation %s not found in %s", id, s.root)
		}
		return nil, errors.Wrapf(err, "failed to read manifest of %s", id)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %s", path)
	}
	return &m, nil
}

// List returns the manifests of all generations, oldest first.
func (s *Store) List() ([]*Manifest, error) {
	numbers, err := s.ids()
	if err != nil {
		return nil, err
	}
	manifests := make([]*Manifest, 0, len(numbers))
	for _, n := range numbers {
		m, err := s.Get(FormatID(n))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Latest returns the manifest of the most recent generation, or ErrNoGenerations.
func (s *Store) Latest() (*Manifest, error) {
	numbers, err := s.ids()
	if err != nil {
		return nil, err
	}
	if len(numbers) == 0 {
		return nil, ErrNoGenerations
	}
	return s.Get(FormatID(numbers[len(numbers)-1]))
}

// Pin makes id the generation served by the caption service.
func (s *Store) Pin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Get(id); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, tmpPrefix+PinnedFile+"-*")
	if err != nil {
		return errors.Wrap(err, "failed to pin generation")
	}
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to pin generation")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to pin generation")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, PinnedFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to pin generation")
	}
	klog.Infof("pinned model generation %s", id)
	return nil
}

// Pinned returns the id of the pinned generation, or of the latest one if none was pinned.
func (s *Store) Pinned() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, PinnedFile))
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ParseID(id); err != nil {
			return "", errors.WithMessagef(err, "corrupt %s file", PinnedFile)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to read %s", PinnedFile)
	}
	latest, err := s.Latest()
	if err != nil {
		return "", err
	}
	return latest.ID, nil
}

// Rollback pins the parent of the currently pinned generation and returns its id.
func (s *Store) Rollback() (string, error) {
	current, err := s.Pinned()
	if err != nil {
		return "", err
	}
	m, err := s.Get(current)
	if err != nil {
		return "", err
	}
	if m.Parent == "" {
		return "", errors.Errorf("generation %s has no parent to roll back to", current)
	}
	if err := s.Pin(m.Parent); err != nil {
		return "", err
	}
	klog.Infof("rolled back from generation %s to %s", current, m.Parent)
	return m.Parent, nil
}

// Load returns a ModelContext with the weights of generation id, or of the pinned generation if id is
// empty. The returned context is fresh: it is never shared with another Load.
func (s *Store) Load(backend backends.Backend, id string) (*model.ModelContext, error) {
	if id == "" {
		var err error
		id, err = s.Pinned()
		if err != nil {
			return nil, err
		}
	}
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	dir := s.Dir(id)
	v, err := vocab.Load(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load vocabulary of %s", id)
	}
	if v.Size() != m.VocabSize || v.MaxLength() != m.MaxLength {
		return nil, errors.Errorf("vocabulary of %s (size %d, max length %d) doesn't match its manifest (size %d, max length %d)",
			id, v.Size(), v.MaxLength(), m.VocabSize, m.MaxLength)
	}
	mc, err := model.New(backend, m.Model, v)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid model in %s", id)
	}
	for _, scope := range []string{model.EncoderScope, model.DecoderScope} {
		_, err := checkpoints.Load(mc.Ctx).
			Dir(filepath.Join(dir, scope)).
			ExcludeAllParams().
			Immediate().
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load %s of %s", scope, id)
		}
		if len(mc.VariablesInScope(scope)) == 0 {
			return nil, errors.Errorf("checkpoint of %s has no %s variables", id, scope)
		}
	}
	mc.Generation = id
	klog.V(1).Infof("loaded model generation %s from %s", id, dir)
	return mc, nil
}
