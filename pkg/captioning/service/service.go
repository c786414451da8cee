// Package service implements the caption service: it turns an uploaded image into a caption and
// hashtags using a loaded model generation, and logs every produced pair for self-training.
package service

import (
	"context"
	"image"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/gomlx/captioner/internal/metrics"
	"github.com/gomlx/captioner/pkg/captioning"
	"github.com/gomlx/captioner/pkg/captioning/beamsearch"
	"github.com/gomlx/captioner/pkg/captioning/corpus"
	"github.com/gomlx/captioner/pkg/captioning/model"
	"github.com/gomlx/captioner/pkg/captioning/selftrain"
)

// Appender receives every produced (image, caption) pair. selftrain.Store implements it.
type Appender interface {
	Append(image []byte, caption, generation string) (selftrain.Record, error)
}

var _ Appender = (*selftrain.Store)(nil)

// Options configures a Service.
type Options struct {
	// BeamWidth of the search. 1 is greedy decoding.
	BeamWidth int `validate:"gte=1,lte=64"`

	// MinLength is the minimum number of caption tokens.
	MinLength int `validate:"gte=1"`

	HashtagCount int `validate:"gte=0,lte=30"`

	// MaxConcurrent inference calls. Further calls wait for a free slot.
	MaxConcurrent int `validate:"gte=1"`

	// MaxImagePixels rejects larger uploads before decoding them. 0 uses corpus.DefaultMaxPixels.
	MaxImagePixels int `validate:"gte=0"`
}

// DefaultOptions returns the options of the caption service.
func DefaultOptions() Options {
	return Options{
		BeamWidth:      beamsearch.DefaultWidth,
		MinLength:      1,
		HashtagCount:   5,
		MaxConcurrent:  2,
		MaxImagePixels: corpus.DefaultMaxPixels,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service captions images. It is safe for concurrent use.
type Service struct {
	mc    *model.ModelContext
	store Appender
	opts  Options
	slots *semaphore.Weighted
}

// New creates a Service serving the model in mc. If store is nil, produced captions are not logged.
func New(mc *model.ModelContext, store Appender, opts Options) (*Service, error) {
	if mc == nil {
		return nil, errors.New("service.New requires a ModelContext")
	}
	if err := validate.Struct(opts); err != nil {
		return nil, errors.Wrap(err, "invalid caption service options")
	}
	if opts.MaxImagePixels == 0 {
		opts.MaxImagePixels = corpus.DefaultMaxPixels
	}
	return &Service{
		mc:    mc,
		store: store,
		opts:  opts,
		slots: semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}, nil
}

// Generation served.
func (s *Service) Generation() string { return s.mc.Generation }

// Result of a Caption call.
type Result struct {
	Caption  string
	Hashtags []string

	// Score is the log-probability of the caption.
	Score float64

	Generation string
	Image      corpus.ImageInfo

	// RecordID of the self-training record, empty if there is no store.
	RecordID string
}

// Instagram returns the result as JSON in the shape used by the web frontend:
// {"Instagram": {"Caption": "...", "Hashtags": "#a #b"}}.
func (r *Result) Instagram() ([]byte, error) {
	type post struct {
		Caption  string
		Hashtags string
	}
	return json.Marshal(struct{ Instagram post }{post{
		Caption:  r.Caption,
		Hashtags: strings.Join(r.Hashtags, " "),
	}})
}

// Caption decodes upload, generates its caption and hashtags, and appends the pair to the store.
//
// An unreadable upload returns a captioning.DecodeError and nothing is stored. Any failure after the
// image was accepted, including failing to store the record, returns a captioning.InferenceError.
// ctx is only honored while waiting for an inference slot.
func (s *Service) Caption(ctx context.Context, upload []byte) (*Result, error) {
	start := time.Now()
	if err := s.slots.Acquire(ctx, 1); err != nil {
		metrics.RecordInference(metrics.OutcomeCanceled, time.Since(start))
		return nil, errors.Wrap(err, "waiting for an inference slot")
	}
	defer s.slots.Release(1)

	img, info, err := corpus.DecodeImageBytesLimit(upload, s.opts.MaxImagePixels)
	if err != nil {
		metrics.RecordInference(metrics.OutcomeDecodeError, time.Since(start))
		return nil, err
	}
	result, err := s.caption(img)
	if err != nil {
		metrics.RecordInference(metrics.OutcomeInferenceError, time.Since(start))
		klog.Errorf("caption of %dx%d %s image failed: %v", info.Width, info.Height, info.Format, err)
		return nil, err
	}
	result.Image = info
	result.Hashtags = Hashtags(result.Caption, s.opts.HashtagCount)

	if s.store != nil {
		record, err := s.store.Append(upload, result.Caption, result.Generation)
		if err != nil {
			metrics.RecordInference(metrics.OutcomeInferenceError, time.Since(start))
			err = captioning.NewInferenceError("store", err)
			klog.Errorf("%v", err)
			return nil, err
		}
		result.RecordID = record.ID
	}
	metrics.RecordInference(metrics.OutcomeOK, time.Since(start))
	klog.V(1).Infof("captioned %dx%d %s image in %s: %q", info.Width, info.Height, info.Format, time.Since(start), result.Caption)
	return result, nil
}

// caption runs the model on a decoded image.
func (s *Service) caption(img image.Image) (result *Result, err error) {
	v := s.mc.Vocab
	var scorer *model.Scorer
	err = exceptions.TryCatch[error](func() {
		input := corpus.ImagesToTensor([]image.Image{corpus.PrepareImage(img, s.mc.Config.ImageSize)})
		defer func() { _ = input.FinalizeAll() }()
		var scorerErr error
		scorer, scorerErr = s.mc.NewScorer(input, s.opts.BeamWidth)
		if scorerErr != nil {
			panic(scorerErr)
		}
	})
	if err != nil {
		return nil, captioning.NewInferenceError("encode", err)
	}
	defer scorer.Close()

	search, err := beamsearch.Search(scorer, beamsearch.Options{
		Width:     s.opts.BeamWidth,
		MaxSteps:  s.mc.MaxLength(),
		MinLength: s.opts.MinLength,
		EOS:       v.EOS(),
		Suppress:  SuppressedTokens(s.mc),
	})
	if err != nil {
		return nil, captioning.NewInferenceError("decode", err)
	}
	caption := v.Decode(search.Best.Tokens)
	if caption == "" {
		return nil, captioning.NewInferenceError("decode", errors.New("model produced an empty caption"))
	}
	return &Result{
		Caption:    caption,
		Score:      search.Best.Score,
		Generation: s.mc.Generation,
	}, nil
}

// SuppressedTokens are the vocabulary tokens a caption never contains: BOS, UNK and a dedicated PAD.
func SuppressedTokens(mc *model.ModelContext) []int32 {
	v := mc.Vocab
	suppress := []int32{v.BOS(), v.UNK()}
	if !v.PadIsAlias() {
		suppress = append(suppress, v.PAD())
	}
	return suppress
}
