package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st), st
}

func seedEntity(t *testing.T, st *store.SQLiteStore, id, name string) {
	t.Helper()
	require.NoError(t, st.UpsertEntity(&store.Entity{
		ID: id, WorkspaceID: "ws1", EntityType: "character",
		Name: name, Status: store.StatusCanon, CreatedAt: 1, UpdatedAt: 1,
	}))
}

func TestProposeAndPending(t *testing.T) {
	eng, _ := newTestEngine(t)

	p, err := eng.Propose("ws1", SourceUser, 1.0, []store.PatchOp{
		{Kind: store.OpUpdateField, EntityID: "e1", Field: "name", Value: "Mira"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, store.PatchPending, p.Status)

	pending, err := eng.Pending("ws1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	entries, err := eng.ForEntity("e1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].PatchID)
}

func TestProposeRefusesZeroOps(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Propose("ws1", SourceUser, 1.0, nil)
	assert.ErrorIs(t, err, ErrNoOperations)
}

func TestAcceptUpdateField(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "e1", "Mira")

	p, err := eng.Propose("ws1", SourceUser, 1.0, []store.PatchOp{
		{Kind: store.OpUpdateField, EntityID: "e1", Field: "name", Value: "Mira the Gray"},
		{Kind: store.OpUpdateField, EntityID: "e1", Field: "homeTown", Value: "Velhold"},
	})
	require.NoError(t, err)

	results, err := eng.Accept(p.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Audit values: named field
	assert.True(t, results[0].Applied)
	assert.Equal(t, "Mira", results[0].OldValue)
	assert.Equal(t, "Mira the Gray", results[0].NewValue)

	// Unknown field names address structured details
	assert.True(t, results[1].Applied)
	assert.Equal(t, "", results[1].OldValue)

	got, _ := st.GetEntity("e1")
	assert.Equal(t, "Mira the Gray", got.Name)
	assert.Equal(t, "Velhold", got.StructuredDetails["homeTown"])

	resolved, _ := st.GetPatch(p.ID)
	assert.Equal(t, store.PatchAccepted, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestAcceptInsertAndDeleteEntity(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "old", "Old Guard")

	p, err := eng.Propose("ws1", SourceExtraction, 0.8, []store.PatchOp{
		{Kind: store.OpInsertEntity, Entity: &store.Entity{
			ID: "new", WorkspaceID: "ws1", EntityType: "location", Name: "The Caldera",
		}},
		{Kind: store.OpDeleteEntity, EntityID: "old"},
	})
	require.NoError(t, err)

	results, err := eng.Accept(p.ID)
	require.NoError(t, err)
	assert.True(t, results[0].Applied)
	assert.True(t, results[1].Applied)

	created, _ := st.GetEntity("new")
	require.NotNil(t, created)
	assert.Equal(t, store.StatusDraft, created.Status, "inserted entities default to draft")
	assert.NotZero(t, created.CreatedAt)

	gone, _ := st.GetEntity("old")
	assert.Nil(t, gone)
}

func TestAcceptRelationshipOps(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "e1", "Mira")
	seedEntity(t, st, "e2", "Toral")

	p, err := eng.Propose("ws1", SourceUser, 1.0, []store.PatchOp{
		{Kind: store.OpAddRelationship, RelationshipID: "r1",
			FromEntityID: "e1", ToEntityID: "e2", RelType: "ally-of"},
	})
	require.NoError(t, err)
	_, err = eng.Accept(p.ID)
	require.NoError(t, err)

	rel, _ := st.GetRelationship("r1")
	require.NotNil(t, rel)
	assert.Equal(t, "ally-of", rel.RelType)

	// Remove it again
	p2, err := eng.Propose("ws1", SourceUser, 1.0, []store.PatchOp{
		{Kind: store.OpRemoveRelationship, RelationshipID: "r1"},
	})
	require.NoError(t, err)
	results, err := eng.Accept(p2.ID)
	require.NoError(t, err)
	assert.True(t, results[0].Applied)

	gone, _ := st.GetRelationship("r1")
	assert.Nil(t, gone)
}

func TestAcceptSkipsMissingTargets(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "e1", "Mira")

	p, err := eng.Propose("ws1", SourceAuto, 0.4, []store.PatchOp{
		{Kind: store.OpUpdateField, EntityID: "ghost", Field: "name", Value: "X"},
		{Kind: store.OpUpdateField, EntityID: "e1", Field: "summary", Value: "Still here."},
		{Kind: store.OpAddRelationship, FromEntityID: "e1", ToEntityID: "ghost", RelType: "knows"},
	})
	require.NoError(t, err)

	results, err := eng.Accept(p.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Missing targets are warnings, not failures; the rest applied
	assert.False(t, results[0].Applied)
	assert.NotEmpty(t, results[0].Warning)
	assert.True(t, results[1].Applied)
	assert.False(t, results[2].Applied)

	got, _ := st.GetEntity("e1")
	assert.Equal(t, "Still here.", got.Summary)

	resolved, _ := st.GetPatch(p.ID)
	assert.Equal(t, store.PatchAccepted, resolved.Status)
}

func TestInsertExistingEntitySkipped(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "e1", "Original")

	p, err := eng.Propose("ws1", SourceExtraction, 0.9, []store.PatchOp{
		{Kind: store.OpInsertEntity, Entity: &store.Entity{
			ID: "e1", WorkspaceID: "ws1", EntityType: "character", Name: "Imposter",
		}},
	})
	require.NoError(t, err)

	results, err := eng.Accept(p.ID)
	require.NoError(t, err)
	assert.False(t, results[0].Applied)

	got, _ := st.GetEntity("e1")
	assert.Equal(t, "Original", got.Name, "existing entity untouched")
}

func TestTerminalPatchCannotBeReapplied(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "e1", "Mira")

	p, err := eng.Propose("ws1", SourceUser, 1.0, []store.PatchOp{
		{Kind: store.OpUpdateField, EntityID: "e1", Field: "name", Value: "A"},
	})
	require.NoError(t, err)

	_, err = eng.Accept(p.ID)
	require.NoError(t, err)

	_, err = eng.Accept(p.ID)
	assert.ErrorIs(t, err, store.ErrTerminalPatch)

	err = eng.Reject(p.ID)
	assert.ErrorIs(t, err, store.ErrTerminalPatch)

	// Status index reflects acceptance
	entries, _ := st.ListPatchesForEntity("e1")
	require.Len(t, entries, 1)
	assert.Equal(t, store.PatchAccepted, entries[0].Status)
}

func TestRejectLeavesEntitiesUntouched(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEntity(t, st, "e1", "Mira")

	p, err := eng.Propose("ws1", SourceUser, 1.0, []store.PatchOp{
		{Kind: store.OpUpdateField, EntityID: "e1", Field: "name", Value: "Other"},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Reject(p.ID))

	got, _ := st.GetEntity("e1")
	assert.Equal(t, "Mira", got.Name)

	resolved, _ := st.GetPatch(p.ID)
	assert.Equal(t, store.PatchRejected, resolved.Status)
}

func TestAcceptMissingPatch(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Accept("never-existed")
	assert.ErrorIs(t, err, store.ErrPatchNotFound)
}
