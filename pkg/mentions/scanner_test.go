package mentions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/store"
)

func testEntities() []*store.Entity {
	return []*store.Entity{
		{ID: "mira", Name: "Mira", Aliases: []string{"The Archivist"}, Status: store.StatusCanon},
		{ID: "toral", Name: "Toral Vane", Aliases: []string{"T.", "the"}, Status: store.StatusCanon},
		{ID: "caldera", Name: "San Caldera", Aliases: []string{"San"}, Status: store.StatusCanon},
		{ID: "ghost", Name: "Old Ghost", Status: store.StatusRetconned},
	}
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "monkey d. luffy", Canonicalize("Monkey D. Luffy"))
	assert.Equal(t, "o'brien", Canonicalize("O’Brien"))
	assert.Equal(t, "jean-luc", Canonicalize("Jean–Luc"))
	assert.Equal(t, "two words", Canonicalize("  Two,,   WORDS!! "))
	assert.Equal(t, "", Canonicalize("  !!! "))
}

func TestCompileFiltersAliases(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)

	assert.True(t, sc.Known("Mira"))
	assert.True(t, sc.Known("the archivist"))
	assert.True(t, sc.Known("Toral Vane"))

	// Single-rune and stopword aliases never become patterns
	assert.False(t, sc.Known("T."), "sub-minimum alias must be dropped")
	assert.False(t, sc.Known("the"), "stopword alias must be dropped")

	// Retconned entities are not matchable
	assert.False(t, sc.Known("Old Ghost"))
}

func TestAliasMinimumCountsLettersOnly(t *testing.T) {
	sc, err := Compile([]*store.Entity{
		{ID: "vex", Name: "Vex", Aliases: []string{"V.", "-x", "Xy"}, Status: store.StatusCanon},
	})
	require.NoError(t, err)

	// Joiners do not count toward the minimum; "V." is effectively one rune
	assert.False(t, sc.Known("V."))
	assert.False(t, sc.Known("-x"))
	assert.True(t, sc.Known("Xy"))
}

func TestScanFindsMentionsWithOffsets(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)

	text := "Mira met Toral Vane at the gates. Later, Mira left."
	found := sc.Scan(text)

	var ids []string
	for _, m := range found {
		ids = append(ids, m.EntityID)
		assert.Equal(t, text[m.Start:m.End], m.Surface)
	}
	assert.Equal(t, []string{"mira", "toral", "mira"}, ids)
	assert.Equal(t, "Mira", found[0].Surface)
	assert.Equal(t, "Toral Vane", found[1].Surface, "multiword names match as one span")
}

func TestScanLeftmostLongest(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)

	found := sc.Scan("They rode toward San Caldera before dusk.")
	require.Len(t, found, 1)
	assert.Equal(t, "caldera", found[0].EntityID)
	assert.Equal(t, "San Caldera", found[0].Surface, "longest pattern wins over its prefix")
}

func TestScanCaseAndPunctuationInsensitive(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)

	found := sc.Scan("\"MIRA!\" he shouted. the archivist did not answer.")
	require.Len(t, found, 2)
	assert.Equal(t, "mira", found[0].EntityID)
	assert.Equal(t, "mira", found[1].EntityID, "alias maps to the same entity")
	assert.Equal(t, "the archivist", found[1].Surface)
}

func TestScanEmpty(t *testing.T) {
	sc, err := Compile(nil)
	require.NoError(t, err)
	assert.Nil(t, sc.Scan("Mira was here."))

	sc2, err := Compile(testEntities())
	require.NoError(t, err)
	assert.Nil(t, sc2.Scan(""))
}

func TestSuggestRelationships(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)

	text := "Mira argued with Toral Vane near San Caldera. Mira would not forgive him."
	ops := sc.SuggestRelationships("mira", text, "appears-with")

	// Self-mentions and duplicates collapse; output order is sorted
	require.Len(t, ops, 2)
	assert.Equal(t, store.OpAddRelationship, ops[0].Kind)
	assert.Equal(t, "mira", ops[0].FromEntityID)
	assert.Equal(t, "caldera", ops[0].ToEntityID)
	assert.Equal(t, "toral", ops[1].ToEntityID)
	assert.Equal(t, "appears-with", ops[0].RelType)
}

func TestSuggestRelationshipsNoMentions(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)

	assert.Empty(t, sc.SuggestRelationships("mira", "The harbor was silent.", "appears-with"))
}
