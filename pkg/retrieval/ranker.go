// Package retrieval ranks candidate fragments against a query vector and
// assembles labeled context excerpts from the survivors.
package retrieval

import (
	"math"
	"sort"
)

// Candidate pairs a fragment ID with its cached vector.
type Candidate struct {
	ID     string
	Vector []float32
}

// Result is one scored candidate.
type Result struct {
	ID    string
	Score float64
}

// Cosine returns dot(a,b) / (‖a‖·‖b‖), defined as 0 when either norm is 0
// or the lengths differ. Accumulation is sequential in float64 so the
// result is identical wherever it runs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank scores every candidate against the query, sorts descending, and
// returns the top topK. The sort is stable: ties keep original candidate
// order, so the output is fully deterministic for a fixed input.
func Rank(query []float32, candidates []Candidate, topK int) []Result {
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.ID, Score: Cosine(query, c.Vector)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// ApplyGapCutoff truncates immediately before the first index i where the
// relative score drop (score[i-1]-score[i])/score[i-1] exceeds maxDrop.
// Everything after a cliff is assumed to be a different topic.
func ApplyGapCutoff(results []Result, maxDrop float64) []Result {
	for i := 1; i < len(results); i++ {
		prev := results[i-1].Score
		if prev <= 0 {
			return results[:i]
		}
		if (prev-results[i].Score)/prev > maxDrop {
			return results[:i]
		}
	}
	return results
}

// ApplyRelevanceFloor drops results scoring under floor.
func ApplyRelevanceFloor(results []Result, floor float64) []Result {
	kept := results[:0:len(results)]
	for _, r := range results {
		if r.Score >= floor {
			kept = append(kept, r)
		}
	}
	return kept
}
