// Package beamsearch implements deterministic beam search decoding over any next-token Scorer.
//
// The search keeps up to Width candidates. At each step every active candidate is expanded by one token
// and scored by cumulative log-probability; candidates that emitted EOS are frozen (no longer expanded)
// but keep competing with the expansions for the Width slots. The search stops as soon as all retained
// candidates are frozen, or after MaxSteps steps.
package beamsearch

import (
	"cmp"
	"math"
	"slices"

	"github.com/pkg/errors"
)

// DefaultWidth is the beam width used when Options.Width is not set.
const DefaultWidth = 4

// Scorer returns the log-probabilities of the next token for each prefix. All prefixes given in one
// call have the same length. model.Scorer implements it.
type Scorer interface {
	NextLogProbs(prefixes [][]int32) ([][]float32, error)
}

// Options configures Search.
type Options struct {
	// Width of the beam. Defaults to DefaultWidth. Width 1 is greedy decoding.
	Width int

	// MaxSteps is the hard cap on generated tokens, usually the maximum caption length L.
	MaxSteps int

	// MinLength is the minimum number of tokens before EOS is allowed. Defaults to 1, so an empty
	// caption is never produced.
	MinLength int

	// EOS token id.
	EOS int32

	// Suppress lists token ids that are never generated (e.g.: BOS, UNK and a dedicated PAD).
	Suppress []int32
}

// Hypothesis is one candidate caption.
type Hypothesis struct {
	// Tokens generated, EOS excluded.
	Tokens []int32

	// Score is the cumulative log-probability, including the EOS token if Finished.
	Score float64

	// Finished is true if the candidate emitted EOS.
	Finished bool
}

func (h *Hypothesis) extend(token int32, logProb float64, eos int32) *Hypothesis {
	if token == eos {
		return &Hypothesis{Tokens: h.Tokens, Score: h.Score + logProb, Finished: true}
	}
	tokens := make([]int32, len(h.Tokens)+1)
	copy(tokens, h.Tokens)
	tokens[len(h.Tokens)] = token
	return &Hypothesis{Tokens: tokens, Score: h.Score + logProb}
}

// compareHypotheses orders by decreasing score. Ties are broken by finished first, then shorter, then
// by token ids, so the order is total and the search deterministic.
func compareHypotheses(a, b *Hypothesis) int {
	if a.Score != b.Score {
		return cmp.Compare(b.Score, a.Score)
	}
	if a.Finished != b.Finished {
		if a.Finished {
			return -1
		}
		return 1
	}
	if len(a.Tokens) != len(b.Tokens) {
		return cmp.Compare(len(a.Tokens), len(b.Tokens))
	}
	return slices.Compare(a.Tokens, b.Tokens)
}

// Result of a Search.
type Result struct {
	// Best is the selected hypothesis: the best finished one, or the best unfinished if none finished.
	Best *Hypothesis

	// Beam holds the candidates retained at the end of the search, best first.
	Beam []*Hypothesis

	// Steps is the number of expansion steps performed, never more than MaxSteps.
	Steps int
}

// Search runs beam search using scorer.
func Search(scorer Scorer, opts Options) (*Result, error) {
	width := opts.Width
	if width <= 0 {
		width = DefaultWidth
	}
	if opts.MaxSteps <= 0 {
		return nil, errors.Errorf("beam search requires MaxSteps > 0, got %d", opts.MaxSteps)
	}
	minLength := opts.MinLength
	if minLength <= 0 {
		minLength = 1
	}
	suppressed := make(map[int32]bool, len(opts.Suppress))
	for _, id := range opts.Suppress {
		if id != opts.EOS {
			suppressed[id] = true
		}
	}

	beam := []*Hypothesis{{}}
	steps := 0
	for ; steps < opts.MaxSteps; steps++ {
		var active []*Hypothesis
		candidates := make([]*Hypothesis, 0, width*width)
		for _, h := range beam {
			if h.Finished {
				candidates = append(candidates, h)
			} else {
				active = append(active, h)
			}
		}
		if len(active) == 0 {
			break
		}

		prefixes := make([][]int32, len(active))
		for ii, h := range active {
			prefixes[ii] = h.Tokens
		}
		logProbs, err := scorer.NextLogProbs(prefixes)
		if err != nil {
			return nil, errors.WithMessagef(err, "beam search step %d", steps)
		}
		if len(logProbs) != len(active) {
			return nil, errors.Errorf("scorer returned %d rows for %d prefixes", len(logProbs), len(active))
		}
		for ii, h := range active {
			for _, next := range topTokens(logProbs[ii], width, func(token int32) bool {
				if suppressed[token] {
					return false
				}
				if token == opts.EOS {
					return len(h.Tokens) >= minLength
				}
				return true
			}) {
				candidates = append(candidates, h.extend(next, float64(logProbs[ii][next]), opts.EOS))
			}
		}
		if len(candidates) == 0 {
			return nil, errors.Errorf("beam search step %d: no token can be generated", steps)
		}
		slices.SortFunc(candidates, compareHypotheses)
		if len(candidates) > width {
			candidates = candidates[:width]
		}
		beam = candidates
	}

	result := &Result{Beam: beam, Steps: steps}
	for _, h := range beam {
		if h.Finished {
			result.Best = h
			break
		}
	}
	if result.Best == nil {
		// No candidate reached EOS: return the best one, truncated at MaxSteps tokens.
		result.Best = beam[0]
	}
	return result, nil
}

// Greedy is Search with a beam of width 1.
func Greedy(scorer Scorer, opts Options) (*Result, error) {
	opts.Width = 1
	return Search(scorer, opts)
}

// topTokens returns the ids of the k highest log-probabilities accepted by allowed, highest first,
// ties broken by the lower id. Tokens with zero probability are never returned.
func topTokens(logProbs []float32, k int, allowed func(token int32) bool) []int32 {
	top := make([]int32, 0, k+1)
	for id, lp := range logProbs {
		token := int32(id)
		if math.IsNaN(float64(lp)) || math.IsInf(float64(lp), -1) || !allowed(token) {
			continue
		}
		pos, _ := slices.BinarySearchFunc(top, token, func(e, target int32) int {
			// Sorted by decreasing log-probability, then increasing id.
			if logProbs[e] != logProbs[target] {
				return cmp.Compare(logProbs[target], logProbs[e])
			}
			return cmp.Compare(e, target)
		})
		if pos >= k {
			continue
		}
		top = slices.Insert(top, pos, token)
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}
