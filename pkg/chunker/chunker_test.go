package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/store"
)

func TestShortContentSingleChunk(t *testing.T) {
	c := New(Config{MaxTokens: 50})

	out := c.Chunk("frag1", "Scene", "A short paragraph that fits the budget.")
	require.Len(t, out, 1)
	assert.Equal(t, "frag1/000", out[0].ID)
	assert.Equal(t, "frag1", out[0].ParentID)
	assert.Equal(t, store.FragmentLeaf, out[0].Kind)
	assert.Equal(t, "Scene · 1", out[0].Title)
}

func TestChunkingSplitsOverBudget(t *testing.T) {
	c := New(Config{MaxTokens: 40})

	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("The caravan crossed the salt flats before dawn. ")
	}
	content := b.String()
	require.True(t, c.NeedsChunking(content))

	out := c.Chunk("doc", "Journey", content)
	require.Greater(t, len(out), 1)

	for i, f := range out {
		assert.Equal(t, store.ChildID("doc", i), f.ID)
		assert.NotEmpty(t, f.Content)
		assert.NotEmpty(t, f.ContentHash)
		// Boundary preference: every chunk but maybe the last ends at a
		// sentence break, never mid-word.
		if i < len(out)-1 {
			assert.True(t, strings.HasSuffix(f.Content, "."), "chunk %d: %q", i, f.Content)
		}
	}
}

func TestChunkingIdempotent(t *testing.T) {
	c := New(Config{MaxTokens: 40})

	content := strings.Repeat("Night fell over the harbor; the lamps went out one by one. ", 25)
	first := c.Chunk("doc", "Harbor", content)
	second := c.Chunk("doc", "Harbor", content)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].ContentHash, second[i].ContentHash)
		assert.Equal(t, first[i].Content, second[i].Content)
	}
}

func TestParagraphBoundaryPreferred(t *testing.T) {
	c := New(Config{MaxTokens: 30})

	para := strings.Repeat("Words drift here. ", 7)
	content := para + "\n\n" + para + "\n\n" + para

	out := c.Chunk("doc", "", content)
	require.Greater(t, len(out), 1)
	// No chunk spans a paragraph break badly enough to start mid-sentence
	for _, f := range out {
		assert.False(t, strings.HasPrefix(f.Content, " "))
	}
}

func TestEmptyContent(t *testing.T) {
	c := New(Config{})
	assert.Empty(t, c.Chunk("doc", "T", "   \n\t "))
	assert.False(t, c.NeedsChunking(""))
	assert.Equal(t, 0, c.Estimate(""))
}

func TestStaleChildIDs(t *testing.T) {
	// Shrinking 5 → 2 leaves children 2, 3, 4 behind
	stale := StaleChildIDs("doc", 5, 2)
	assert.Equal(t, []string{"doc/002", "doc/003", "doc/004"}, stale)

	// Un-chunking entirely
	stale = StaleChildIDs("doc", 3, 0)
	assert.Len(t, stale, 3)

	// Growing or stable leaves nothing stale
	assert.Nil(t, StaleChildIDs("doc", 2, 5))
	assert.Nil(t, StaleChildIDs("doc", 2, 2))
}

func TestApproxTokensSubwordSplit(t *testing.T) {
	// A long contiguous run counts as multiple pieces
	long := ApproxTokens("pneumonoultramicroscopicsilicovolcanoconiosis")
	assert.Greater(t, long, 1)

	assert.Equal(t, 0, ApproxTokens(""))
	assert.Equal(t, ApproxTokens("salt flats"), 2)
	// Punctuation counts
	assert.Equal(t, ApproxTokens("Wait."), 2)
}
