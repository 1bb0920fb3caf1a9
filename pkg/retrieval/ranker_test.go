package retrieval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-12)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-12)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-12)

	// Scale invariance
	assert.InDelta(t,
		Cosine([]float32{1, 2, 3}, []float32{4, 5, 6}),
		Cosine([]float32{2, 4, 6}, []float32{4, 5, 6}), 1e-12)

	// Degenerate inputs are 0, never NaN
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.False(t, math.IsNaN(Cosine([]float32{0}, []float32{0})))
}

func TestRankOrdersAndTruncates(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{ID: "far", Vector: []float32{0, 1}},
		{ID: "close", Vector: []float32{1, 0.1}},
		{ID: "mid", Vector: []float32{1, 1}},
	}

	out := Rank(query, candidates, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "close", out[0].ID)
	assert.Equal(t, "mid", out[1].ID)

	// topK 0 means no truncation
	assert.Len(t, Rank(query, candidates, 0), 3)
}

func TestRankDeterministicOnTies(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{ID: "a", Vector: []float32{2, 0}},
		{ID: "b", Vector: []float32{3, 0}},
		{ID: "c", Vector: []float32{5, 0}},
	}

	first := Rank(query, candidates, 0)
	for i := 0; i < 50; i++ {
		again := Rank(query, candidates, 0)
		require.Equal(t, first, again, "identical input must rank identically")
	}
	// All three score 1.0; stable sort keeps candidate order
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)
	assert.Equal(t, "c", first[2].ID)
}

func TestApplyGapCutoff(t *testing.T) {
	results := []Result{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.5}, {ID: "c", Score: 0.48}}

	// 0.9 → 0.5 is a 44% drop, over a 0.4 cutoff: keep only the head
	out := ApplyGapCutoff(results, 0.4)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)

	// Gentle slope survives
	smooth := []Result{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}, {ID: "c", Score: 0.7}}
	assert.Len(t, ApplyGapCutoff(smooth, 0.4), 3)

	// Non-positive leading score truncates rather than dividing by zero
	zeroed := []Result{{ID: "a", Score: 0}, {ID: "b", Score: -0.1}}
	assert.Len(t, ApplyGapCutoff(zeroed, 0.4), 1)

	assert.Empty(t, ApplyGapCutoff(nil, 0.4))
}

func TestApplyRelevanceFloor(t *testing.T) {
	results := []Result{{ID: "a", Score: 0.8}, {ID: "b", Score: 0.25}, {ID: "c", Score: 0.1}}

	out := ApplyRelevanceFloor(results, 0.25)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[1].ID, "floor is inclusive")

	assert.Empty(t, ApplyRelevanceFloor(results, 0.99))
}
