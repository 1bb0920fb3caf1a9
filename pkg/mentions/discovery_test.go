package mentions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/store"
)

func TestDiscoveryPromotesRecurringNames(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)
	d := NewDiscovery(sc, 3)

	assert.Empty(t, d.Observe("Korrath stood at the gate."))
	assert.Empty(t, d.Observe("Korrath said nothing."))
	promoted := d.Observe("Then Korrath drew his blade.")
	require.Equal(t, []string{"Korrath"}, promoted)

	// Already promoted: no re-promotion
	assert.Empty(t, d.Observe("Korrath again."))
}

func TestDiscoverySkipsKnownAndStopwords(t *testing.T) {
	sc, err := Compile(testEntities())
	require.NoError(t, err)
	d := NewDiscovery(sc, 1)

	// "Mira" is a compiled entity; "The" is a stopword even capitalized
	assert.Empty(t, d.Observe("The Mira The Mira The"))
	assert.Empty(t, d.Candidates())
}

func TestDiscoverySkipsLowercase(t *testing.T) {
	d := NewDiscovery(nil, 1)
	assert.Empty(t, d.Observe("ordinary words stay invisible"))
}

func TestDiscoveryIgnore(t *testing.T) {
	d := NewDiscovery(nil, 2)
	d.Ignore("Chapter")

	assert.Empty(t, d.Observe("Chapter Chapter Chapter Chapter"))
	cands := d.Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, StatusIgnored, cands[0].Status)
}

func TestDiscoveryProposeEntities(t *testing.T) {
	d := NewDiscovery(nil, 2)
	d.Observe("Velhold shimmered. Velhold endured.")

	ops := d.ProposeEntities("ws1", "location")
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpInsertEntity, ops[0].Kind)
	require.NotNil(t, ops[0].Entity)
	assert.Equal(t, "Velhold", ops[0].Entity.Name)
	assert.Equal(t, store.StatusProposed, ops[0].Entity.Status)
	assert.Equal(t, "location", ops[0].Entity.EntityType)
	assert.NotEmpty(t, ops[0].Entity.ID)

	// Drained: a second call proposes nothing new
	assert.Empty(t, d.ProposeEntities("ws1", "location"))
}

func TestDiscoveryCandidatesOrdering(t *testing.T) {
	d := NewDiscovery(nil, 10)
	d.Observe("Aldun Aldun Aldun Brema Brema Corvis")

	cands := d.Candidates()
	require.Len(t, cands, 3)
	assert.Equal(t, "Aldun", cands[0].Display)
	assert.Equal(t, 3, cands[0].Count)
	assert.Equal(t, "Brema", cands[1].Display)
	assert.Equal(t, "Corvis", cands[2].Display)
}
