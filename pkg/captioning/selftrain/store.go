// Package selftrain keeps the (image, caption) pairs produced by the caption service and uses them to
// fine-tune the next model generation.
package selftrain

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/metrics"
)

// Record is one self-training example. Image holds the raw uploaded bytes, serialized as base64.
type Record struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Generation string    `json:"generation"`
	Image      []byte    `json:"image"`
	Caption    string    `json:"caption"`
}

// Store is an append-only JSON lines file of Records. It is safe for concurrent use.
type Store struct {
	path string

	mu    sync.Mutex
	file  *os.File
	count int
}

// OpenStore opens (or creates) the store file at path. A trailing partial line, left by an Append
// interrupted by a crash, is cut off so that new records start on a line of their own.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for self-training store %q", path)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open self-training store %q", path)
	}
	_ = file.Close()

	records, end, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat self-training store %q", path)
	}
	if info.Size() > end {
		klog.Warningf("self-training store %s: truncating %d bytes of an incomplete last record", path, info.Size()-end)
		if err := os.Truncate(path, end); err != nil {
			return nil, errors.Wrapf(err, "failed to truncate incomplete record of self-training store %q", path)
		}
	}

	file, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open self-training store %q", path)
	}
	s := &Store{path: path, file: file, count: len(records)}
	klog.V(1).Infof("opened self-training store %s with %d records", path, s.count)
	return s, nil
}

// Path of the store file.
func (s *Store) Path() string { return s.path }

// Append writes a new record and syncs it to disk before returning.
func (s *Store) Append(image []byte, caption, generation string) (Record, error) {
	if len(image) == 0 {
		return Record{}, errors.New("self-training record requires the image bytes")
	}
	if caption == "" {
		return Record{}, errors.New("self-training record requires a caption")
	}
	record := Record{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Generation: generation,
		Image:      image,
		Caption:    caption,
	}
	line, err := json.Marshal(&record)
	if err != nil {
		return Record{}, errors.Wrap(err, "failed to serialize self-training record")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return Record{}, errors.Errorf("self-training store %q is closed", s.path)
	}
	if _, err := s.file.Write(line); err != nil {
		return Record{}, errors.Wrapf(err, "failed to append to self-training store %q", s.path)
	}
	if err := s.file.Sync(); err != nil {
		return Record{}, errors.Wrapf(err, "failed to sync self-training store %q", s.path)
	}
	s.count++
	metrics.SelfTrainRecords.Inc()
	return record, nil
}

// Count returns the number of records in the store.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Records reads all records from the file. A trailing line without a newline, left by an interrupted
// write, is ignored.
func (s *Store) Records() ([]Record, error) {
	records, _, err := readRecords(s.path)
	return records, err
}

// readRecords parses the store file at path. end is the offset just past the last complete line.
func readRecords(path string) (records []Record, end int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open self-training store %q", path)
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReader(file)
	for lineNum := 1; ; lineNum++ {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) > 0 {
				klog.Warningf("self-training store %s: ignoring incomplete last line %d", path, lineNum)
			}
			break
		}
		if err != nil {
			return nil, 0, errors.Wrapf(err, "failed to read self-training store %q", path)
		}
		end += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, 0, errors.Wrapf(err, "self-training store %q: invalid record in line %d", path, lineNum)
		}
		records = append(records, record)
	}
	return records, end, nil
}

// Close the store. Further Appends fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// DefaultSplitSeed is the seed of the shuffle used by Split when fine-tuning.
const DefaultSplitSeed = 42

// Split shuffles records deterministically with seed and splits them into train and validation sets,
// with round(len(records)*validationFraction) records in validation. Each set gets at least one record
// when there are two or more.
func Split(records []Record, validationFraction float64, seed int64) (train, validation []Record) {
	shuffled := make([]Record, len(records))
	copy(shuffled, records)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	numValidation := int(float64(len(shuffled))*validationFraction + 0.5)
	if len(shuffled) >= 2 {
		numValidation = max(1, min(numValidation, len(shuffled)-1))
	} else {
		numValidation = 0
	}
	numTrain := len(shuffled) - numValidation
	return shuffled[:numTrain], shuffled[numTrain:]
}
