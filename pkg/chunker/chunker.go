// Package chunker splits long fragments into bounded sub-fragments when
// they exceed the embedding budget. Child IDs derive deterministically
// from (fragmentID, index): re-chunking the same content twice produces
// the same IDs, and shrinking chunk counts leaves a computable stale set
// for the caller to prune.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/fingerprint"
)

// DefaultMaxTokens is the fixed embedding budget per fragment. Keep it
// stable across a workspace's lifetime: changing it re-chunks everything.
const DefaultMaxTokens = 512

// Estimator approximates the token count of a text. Injectable so an
// external tokenizer can replace the built-in approximation.
type Estimator func(text string) int

// Config tunes the chunker. Zero values fall back to the defaults.
type Config struct {
	MaxTokens int
	Estimator Estimator
}

// Chunker performs budget checks and boundary-aware splitting.
type Chunker struct {
	maxTokens int
	estimate  Estimator
}

// New creates a Chunker, filling in defaults for zero config values.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Estimator == nil {
		cfg.Estimator = ApproxTokens
	}
	return &Chunker{maxTokens: cfg.MaxTokens, estimate: cfg.Estimator}
}

// NeedsChunking reports whether content exceeds the embedding budget.
func (c *Chunker) NeedsChunking(content string) bool {
	return c.estimate(content) > c.maxTokens
}

// Estimate exposes the configured token estimator.
func (c *Chunker) Estimate(content string) int {
	return c.estimate(content)
}

// Chunk splits content into an ordered sequence of leaf sub-fragments at
// natural boundaries (paragraph breaks preferred over sentence breaks,
// sentence breaks over hard token cuts). Idempotent: identical input
// yields identical child IDs and content. Content within budget comes
// back as a single child.
//
// The chunker only emits the current set; pruning children left over from
// a previous, larger chunk count is the caller's job (see StaleChildIDs).
func (c *Chunker) Chunk(fragmentID, title, content string) []store.Fragment {
	pieces := c.split(content)
	out := make([]store.Fragment, len(pieces))
	for i, piece := range pieces {
		out[i] = store.Fragment{
			ID:            store.ChildID(fragmentID, i),
			ParentID:      fragmentID,
			Kind:          store.FragmentLeaf,
			Title:         childTitle(title, i),
			Content:       piece,
			ContentHash:   fingerprint.FingerprintString(piece),
			TokenEstimate: c.estimate(piece),
		}
	}
	return out
}

func childTitle(title string, index int) string {
	if title == "" {
		return ""
	}
	return title + " · " + itoa3(index+1)
}

func itoa3(n int) string {
	// Part labels only; fragments never exceed three digits of chunks in
	// practice and the label is cosmetic.
	digits := "0123456789"
	if n < 10 {
		return string(digits[n])
	}
	if n < 100 {
		return string(digits[n/10]) + string(digits[n%10])
	}
	return string(digits[n/100]) + string(digits[(n/10)%10]) + string(digits[n%10])
}

// StaleChildIDs returns the child IDs a shrinking re-chunk leaves behind:
// [fragmentID/index for index in newCount..oldCount). The caller deletes
// them, and their embeddings, via the cascade path. Un-chunking entirely
// is newCount = 0.
func StaleChildIDs(fragmentID string, oldCount, newCount int) []string {
	if newCount >= oldCount {
		return nil
	}
	if newCount < 0 {
		newCount = 0
	}
	ids := make([]string, 0, oldCount-newCount)
	for i := newCount; i < oldCount; i++ {
		ids = append(ids, store.ChildID(fragmentID, i))
	}
	return ids
}

// =============================================================================
// Splitting
// =============================================================================

type span struct {
	start int // byte offset inclusive
	end   int // byte offset exclusive
}

// split walks token spans and cuts at the best boundary at or before the
// budget. Each emitted piece is trimmed; empty pieces are dropped.
func (c *Chunker) split(content string) []string {
	tokens := tokenize(content)
	if len(tokens) <= c.maxTokens {
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var pieces []string
	start := 0
	total := len(tokens)

	for start < total {
		end := start + c.maxTokens
		if end > total {
			end = total
		}
		if end < total {
			if adjusted := bestBoundary(content, tokens, start, end); adjusted > start {
				end = adjusted
			}
		}

		piece := strings.TrimSpace(content[tokens[start].start:tokens[end-1].end])
		if piece != "" {
			pieces = append(pieces, piece)
		}
		start = end
	}

	return pieces
}

const maxWordPieceRunes = 8

// tokenize produces word-like and punctuation spans. Long contiguous runs
// are split into subword pieces to better approximate BPE tokenizers.
func tokenize(text string) []span {
	if text == "" {
		return nil
	}
	tokens := make([]span, 0, len(text)/4)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}
		start := i
		if isWordRune(r) {
			i += size
			for i < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[i:])
				if !isWordRune(r2) {
					break
				}
				i += s2
			}
			tokens = append(tokens, splitWordSpan(text, start, i)...)
			continue
		}
		i += size
		tokens = append(tokens, span{start: start, end: i})
	}
	return tokens
}

func splitWordSpan(text string, start, end int) []span {
	if start >= end {
		return nil
	}
	pieces := make([]span, 0, 1+(end-start)/maxWordPieceRunes)
	pieceStart := start
	runes := 0
	for i := start; i < end; {
		_, size := utf8.DecodeRuneInString(text[i:])
		runes++
		i += size
		if runes >= maxWordPieceRunes {
			pieces = append(pieces, span{start: pieceStart, end: i})
			pieceStart = i
			runes = 0
		}
	}
	if pieceStart < end {
		pieces = append(pieces, span{start: pieceStart, end: end})
	}
	return pieces
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\''
}

// bestBoundary searches backward from the budget for the strongest natural
// break, refusing cuts that would leave a very short piece.
func bestBoundary(text string, tokens []span, start, end int) int {
	minTok := start + (end-start)/2
	best := -1
	bestScore := -1

	for i := end; i > minTok; i-- {
		score := boundaryScore(text, tokens[i-1].end)
		if score > bestScore {
			bestScore = score
			best = i
			if score >= 4 {
				break // paragraph break, take it
			}
		}
	}
	if best > start && bestScore > 0 {
		return best
	}
	return end
}

func boundaryScore(text string, boundary int) int {
	if boundary <= 0 || boundary > len(text) {
		return 0
	}
	rest := text[boundary:]
	if strings.HasPrefix(rest, "\n\n") || strings.HasPrefix(rest, "\r\n\r\n") {
		return 4
	}
	trimmed := strings.TrimRight(text[:boundary], " \t\r\n")
	if strings.HasSuffix(trimmed, "\n\n") {
		return 4
	}
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		return 3
	}
	if strings.HasSuffix(trimmed, ";") || strings.HasSuffix(trimmed, ":") {
		return 2
	}
	if strings.HasSuffix(trimmed, ",") {
		return 1
	}
	return 0
}

// ApproxTokens is the built-in token estimator: word-like spans and
// punctuation marks, with subword splitting for long runs.
func ApproxTokens(text string) int {
	return len(tokenize(text))
}
