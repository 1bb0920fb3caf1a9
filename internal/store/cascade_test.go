package store

import (
	"errors"
	"testing"
)

// seedCascadeFixture builds a document with two chunk children, embeddings
// for the children, an entity sharing the root id, a relationship touching
// it, and a patch referencing it.
func seedCascadeFixture(t *testing.T, s *SQLiteStore) {
	t.Helper()

	root := &Fragment{ID: "doc", WorkspaceID: "ws1", Kind: FragmentContainer,
		ContentHash: "h-root", ChunkTotal: 2, CreatedAt: 1, UpdatedAt: 1}
	if err := s.UpsertFragment(root); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	for i := 0; i < 2; i++ {
		id := ChildID("doc", i)
		child := &Fragment{ID: id, ParentID: "doc", WorkspaceID: "ws1",
			Kind: FragmentLeaf, ContentHash: "h-" + id, CreatedAt: 1, UpdatedAt: 1}
		if err := s.UpsertFragment(child); err != nil {
			t.Fatalf("seed child: %v", err)
		}
		rec := &EmbeddingRecord{FragmentID: id, ContentHash: "h-" + id,
			Model: "m", Vector: []float32{float32(i)}, Dimensions: 1, CreatedAt: 1}
		if err := s.PutEmbedding(rec); err != nil {
			t.Fatalf("seed embedding: %v", err)
		}
	}

	if err := s.UpsertEntity(&Entity{ID: "doc", WorkspaceID: "ws1",
		EntityType: "scene", Name: "The Doc", Status: StatusCanon,
		CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	if err := s.UpsertEntity(&Entity{ID: "other", WorkspaceID: "ws1",
		EntityType: "character", Name: "Other", Status: StatusCanon,
		CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("seed other entity: %v", err)
	}
	if err := s.UpsertRelationship(&Relationship{ID: "rel1",
		FromEntityID: "doc", ToEntityID: "other", RelType: "appears-in",
		CreatedAt: 1}); err != nil {
		t.Fatalf("seed relationship: %v", err)
	}
	if err := s.AddPatch(&Patch{ID: "p1", WorkspaceID: "ws1",
		Status: PatchPending, CreatedAt: 1,
		Operations: []PatchOp{{Kind: OpUpdateField, EntityID: "doc", Field: "name", Value: "X"}},
	}); err != nil {
		t.Fatalf("seed patch: %v", err)
	}
}

func TestCollectDescendants(t *testing.T) {
	s := newTestStore(t)
	seedCascadeFixture(t, s)

	ids, err := s.CollectDescendants("doc")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected root + 2 children, got %v", ids)
	}
	if ids[0] != "doc" {
		t.Errorf("Root must come first, got %v", ids)
	}
}

func TestDeleteCascadeRemovesClosure(t *testing.T) {
	s := newTestStore(t)
	seedCascadeFixture(t, s)

	res, err := s.DeleteCascade("doc")
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(res.FragmentIDs) != 3 {
		t.Errorf("Expected 3 fragments removed, got %v", res.FragmentIDs)
	}
	if res.Embeddings != 2 {
		t.Errorf("Expected 2 embeddings removed, got %d", res.Embeddings)
	}
	if res.Entities != 1 || res.Relationships != 1 || res.IndexEntries != 1 {
		t.Errorf("Unexpected closure counts: %+v", res)
	}

	// No orphans of any kind
	for _, id := range []string{"doc", "doc/000", "doc/001"} {
		if f, _ := s.GetFragment(id); f != nil {
			t.Errorf("Fragment %s survived cascade", id)
		}
		if e, _ := s.GetEmbeddingByFragment(id); e != nil {
			t.Errorf("Embedding for %s survived cascade", id)
		}
	}
	if e, _ := s.GetEntity("doc"); e != nil {
		t.Error("Entity survived cascade")
	}
	if r, _ := s.GetRelationship("rel1"); r != nil {
		t.Error("Relationship survived cascade")
	}
	if entries, _ := s.ListPatchesForEntity("doc"); len(entries) != 0 {
		t.Errorf("Index entries survived cascade: %+v", entries)
	}

	// Unrelated records untouched
	if e, _ := s.GetEntity("other"); e == nil {
		t.Error("Unrelated entity was removed")
	}
}

func TestDeleteCascadeRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	seedCascadeFixture(t, s)

	fault := errors.New("simulated mid-cascade failure")
	s.cascadeFault = func() error { return fault }

	if _, err := s.DeleteCascade("doc"); !errors.Is(err, fault) {
		t.Fatalf("Expected injected fault, got %v", err)
	}
	s.cascadeFault = nil

	// All-or-nothing: everything is still there
	for _, id := range []string{"doc", "doc/000", "doc/001"} {
		if f, _ := s.GetFragment(id); f == nil {
			t.Errorf("Fragment %s lost in rolled-back cascade", id)
		}
	}
	if e, _ := s.GetEmbeddingByFragment("doc/000"); e == nil {
		t.Error("Embedding lost in rolled-back cascade")
	}
	if e, _ := s.GetEntity("doc"); e == nil {
		t.Error("Entity lost in rolled-back cascade")
	}

	// Retry succeeds once the fault clears
	if _, err := s.DeleteCascade("doc"); err != nil {
		t.Fatalf("Retry after rollback failed: %v", err)
	}
}

func TestDeleteCascadeLeafOnly(t *testing.T) {
	s := newTestStore(t)

	f := &Fragment{ID: "solo", WorkspaceID: "ws1", Kind: FragmentLeaf,
		ContentHash: "h", CreatedAt: 1, UpdatedAt: 1}
	if err := s.UpsertFragment(f); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := s.DeleteCascade("solo")
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(res.FragmentIDs) != 1 {
		t.Errorf("Expected just the leaf, got %v", res.FragmentIDs)
	}
}

func TestDeleteWorkspace(t *testing.T) {
	s := newTestStore(t)
	seedCascadeFixture(t, s)

	// Second workspace must survive
	if err := s.UpsertFragment(&Fragment{ID: "keep", WorkspaceID: "ws2",
		Kind: FragmentLeaf, ContentHash: "h", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("seed ws2: %v", err)
	}

	if err := s.DeleteWorkspace("ws1"); err != nil {
		t.Fatalf("delete workspace: %v", err)
	}

	if all, _ := s.ListFragmentsByWorkspace("ws1"); len(all) != 0 {
		t.Errorf("ws1 fragments survived: %d", len(all))
	}
	if ents, _ := s.ListEntities("ws1", ""); len(ents) != 0 {
		t.Errorf("ws1 entities survived: %d", len(ents))
	}
	if p, _ := s.GetPatch("p1"); p != nil {
		t.Error("ws1 patch survived")
	}
	if entries, _ := s.ListPatchesForEntity("doc"); len(entries) != 0 {
		t.Error("ws1 index entries survived")
	}
	if f, _ := s.GetFragment("keep"); f == nil {
		t.Error("ws2 fragment was removed")
	}
}
