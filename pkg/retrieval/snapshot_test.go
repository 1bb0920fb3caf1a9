package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotUpsertAndOrder(t *testing.T) {
	s := NewSnapshot()
	s.Upsert(Node{ID: "a", Title: "A"})
	s.Upsert(Node{ID: "b", Title: "B"})
	s.Upsert(Node{ID: "c", Title: "C"})

	// Updating an existing node keeps its slot
	s.Upsert(Node{ID: "b", Title: "B2"})

	nodes := s.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})
	assert.Equal(t, "B2", nodes[1].Title)
}

func TestSnapshotRemove(t *testing.T) {
	s := NewSnapshot()
	s.Hydrate([]Node{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	s.Remove("b")
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("b")
	assert.False(t, ok)

	// Removing a missing id is a no-op
	s.Remove("nope")
	assert.Equal(t, 2, s.Len())
}

func TestSnapshotHydrateReplaces(t *testing.T) {
	s := NewSnapshot()
	s.Upsert(Node{ID: "old"})

	n := s.Hydrate([]Node{{ID: "x"}, {ID: "y"}})
	assert.Equal(t, 2, n)
	_, ok := s.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}
