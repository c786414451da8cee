package beamsearch

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eos   int32 = 0
	bos   int32 = 1
	unk   int32 = 2
	vocab       = 6
)

// tableScorer returns log-probabilities from a table keyed by the prefix length, the same for every prefix,
// unless byLast has an entry for the last token of the prefix.
type tableScorer struct {
	byStep   [][]float32
	byLast   map[int32][]float32
	calls    int
	maxRows  int
	failAt   int
	prefixes [][][]int32
}

func probs(values ...float64) []float32 {
	out := make([]float32, vocab)
	for ii := range out {
		out[ii] = float32(math.Inf(-1))
	}
	for ii := 0; ii+1 < len(values); ii += 2 {
		out[int(values[ii])] = float32(math.Log(values[ii+1]))
	}
	return out
}

func (s *tableScorer) NextLogProbs(prefixes [][]int32) ([][]float32, error) {
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return nil, errors.New("scorer exploded")
	}
	s.maxRows = max(s.maxRows, len(prefixes))
	s.prefixes = append(s.prefixes, prefixes)
	out := make([][]float32, len(prefixes))
	for ii, p := range prefixes {
		if len(p) > 0 && s.byLast != nil {
			if row, found := s.byLast[p[len(p)-1]]; found {
				out[ii] = row
				continue
			}
		}
		step := min(len(p), len(s.byStep)-1)
		out[ii] = s.byStep[step]
	}
	return out, nil
}

func TestSearch(t *testing.T) {
	t.Run("GreedyPicksMostLikely", func(t *testing.T) {
		scorer := &tableScorer{byStep: [][]float32{
			probs(3, 0.6, 4, 0.4),
			probs(4, 0.7, 0, 0.3),
			probs(0, 0.9, 5, 0.1),
		}}
		result, err := Greedy(scorer, Options{MaxSteps: 5, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, []int32{3, 4}, result.Best.Tokens)
		assert.True(t, result.Best.Finished)
		assert.InDelta(t, math.Log(0.6*0.7*0.9), result.Best.Score, 1e-5)
		assert.Equal(t, 1, scorer.maxRows)
	})

	t.Run("BeamFindsBetterSequence", func(t *testing.T) {
		// Greedy takes 3 (0.5) and then is stuck with 0.3 options; 4 (0.4) leads to EOS with 0.9.
		scorer := &tableScorer{
			byStep: [][]float32{probs(3, 0.5, 4, 0.4, 5, 0.1)},
			byLast: map[int32][]float32{
				3: probs(0, 0.3, 5, 0.3, 4, 0.4),
				4: probs(0, 0.9, 5, 0.1),
				5: probs(0, 1.0),
			},
		}
		greedy, err := Greedy(scorer, Options{MaxSteps: 4, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, int32(3), greedy.Best.Tokens[0])

		beam, err := Search(scorer, Options{Width: 3, MaxSteps: 4, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, []int32{4}, beam.Best.Tokens)
		assert.InDelta(t, math.Log(0.4*0.9), beam.Best.Score, 1e-5)
		assert.LessOrEqual(t, scorer.maxRows, 3)
	})

	t.Run("Deterministic", func(t *testing.T) {
		newScorer := func() *tableScorer {
			// All tokens equally likely: ties must be broken the same way every run.
			return &tableScorer{byStep: [][]float32{
				probs(3, 0.25, 4, 0.25, 5, 0.25, 0, 0.25),
				probs(3, 0.25, 4, 0.25, 5, 0.25, 0, 0.25),
			}}
		}
		first, err := Search(newScorer(), Options{Width: 3, MaxSteps: 6, EOS: eos})
		require.NoError(t, err)
		for range 5 {
			again, err := Search(newScorer(), Options{Width: 3, MaxSteps: 6, EOS: eos})
			require.NoError(t, err)
			assert.Equal(t, first.Best, again.Best)
			assert.Equal(t, first.Beam, again.Beam)
		}
		// Lowest id wins ties; EOS (0) is not allowed at step 0, so the caption is "3" then EOS.
		assert.Equal(t, []int32{3}, first.Best.Tokens)
	})

	t.Run("MinLengthAvoidsEmptyCaption", func(t *testing.T) {
		scorer := &tableScorer{byStep: [][]float32{
			probs(0, 0.9, 3, 0.1),
			probs(0, 0.9, 3, 0.1),
		}}
		result, err := Search(scorer, Options{Width: 2, MaxSteps: 4, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, []int32{3}, result.Best.Tokens)
		assert.True(t, result.Best.Finished)

		result, err = Search(scorer, Options{Width: 2, MaxSteps: 4, MinLength: 3, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, []int32{3, 3, 3}, result.Best.Tokens)
	})

	t.Run("Suppress", func(t *testing.T) {
		scorer := &tableScorer{byStep: [][]float32{
			probs(float64(unk), 0.8, float64(bos), 0.1, 3, 0.1),
			probs(0, 1.0),
		}}
		result, err := Search(scorer, Options{Width: 2, MaxSteps: 3, EOS: eos, Suppress: []int32{unk, bos}})
		require.NoError(t, err)
		assert.Equal(t, []int32{3}, result.Best.Tokens)
	})

	t.Run("StopsWhenAllFrozen", func(t *testing.T) {
		scorer := &tableScorer{byStep: [][]float32{
			probs(3, 0.6, 4, 0.4),
			probs(0, 0.99, 5, 0.01),
		}}
		result, err := Search(scorer, Options{Width: 2, MaxSteps: 10, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Steps)
		assert.Equal(t, 2, scorer.calls)
		for _, h := range result.Beam {
			assert.True(t, h.Finished)
		}
		assert.Equal(t, []int32{3}, result.Best.Tokens)
	})

	t.Run("FrozenCandidatesAreNotExpanded", func(t *testing.T) {
		scorer := &tableScorer{byStep: [][]float32{
			probs(3, 0.9, 4, 0.1),
			probs(0, 0.5, 5, 0.5),
			probs(0, 0.5, 5, 0.5),
		}}
		_, err := Search(scorer, Options{Width: 2, MaxSteps: 3, EOS: eos})
		require.NoError(t, err)
		for _, batch := range scorer.prefixes {
			for _, p := range batch {
				assert.NotContains(t, p, eos)
			}
		}
	})

	t.Run("MaxStepsFallback", func(t *testing.T) {
		// EOS never gets probability: the best unfinished candidate is returned, truncated at MaxSteps.
		scorer := &tableScorer{byStep: [][]float32{probs(3, 0.7, 4, 0.3)}}
		result, err := Search(scorer, Options{Width: 2, MaxSteps: 4, EOS: eos})
		require.NoError(t, err)
		assert.Equal(t, 4, result.Steps)
		assert.False(t, result.Best.Finished)
		assert.Equal(t, []int32{3, 3, 3, 3}, result.Best.Tokens)
	})

	t.Run("ScorerError", func(t *testing.T) {
		scorer := &tableScorer{byStep: [][]float32{probs(3, 1.0)}, failAt: 2}
		_, err := Search(scorer, Options{Width: 2, MaxSteps: 4, EOS: eos})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scorer exploded")
		assert.Contains(t, err.Error(), "step 1")
	})

	t.Run("InvalidMaxSteps", func(t *testing.T) {
		_, err := Search(&tableScorer{}, Options{EOS: eos})
		require.Error(t, err)
	})
}

func TestTopTokens(t *testing.T) {
	logProbs := []float32{-1, -0.5, -0.5, -3, float32(math.NaN()), -0.1}
	all := func(int32) bool { return true }
	assert.Equal(t, []int32{5, 1, 2}, topTokens(logProbs, 3, all))
	assert.Equal(t, []int32{5}, topTokens(logProbs, 1, all))
	assert.Equal(t, []int32{1, 2, 0, 3}, topTokens(logProbs, 10, func(token int32) bool { return token != 5 }))
}
