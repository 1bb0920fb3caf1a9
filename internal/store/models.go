// Package store provides SQLite-backed persistence for lorekit.
// This is the unified data layer shared by the embedding cache, the
// patch engine, and the cascade manager.
package store

import "fmt"

// FragmentKind distinguishes structural fragments from text-bearing ones.
type FragmentKind string

const (
	FragmentContainer FragmentKind = "container"
	FragmentLeaf      FragmentKind = "leaf"
)

// Fragment is an addressable unit of manuscript text. Leaf fragments that
// exceed the embedding budget own ChunkTotal child fragments whose IDs are
// derived from the parent ID and the chunk index, so the child set is fully
// determined by (ID, ChunkTotal).
type Fragment struct {
	ID            string       `json:"id"`
	ParentID      string       `json:"parentId,omitempty"`
	WorkspaceID   string       `json:"workspaceId"`
	Kind          FragmentKind `json:"kind"`
	Title         string       `json:"title"`
	Content       string       `json:"content"`
	ContentHash   string       `json:"contentHash"`
	TokenEstimate int          `json:"tokenEstimate"`
	ChunkTotal    int          `json:"chunkTotal"`
	UpdatedAt     int64        `json:"updatedAt"`
	CreatedAt     int64        `json:"createdAt"`
}

// ChildID returns the deterministic ID of the index-th chunk child.
func ChildID(parentID string, index int) string {
	return fmt.Sprintf("%s/%03d", parentID, index)
}

// ChildIDs returns the IDs of all current chunk children.
func (f *Fragment) ChildIDs() []string {
	if f.ChunkTotal <= 0 {
		return nil
	}
	ids := make([]string, f.ChunkTotal)
	for i := range ids {
		ids[i] = ChildID(f.ID, i)
	}
	return ids
}

// EmbeddingRecord stores one vector per (content hash, model) pair.
// FragmentID is an ownership pointer: when a second fragment carries the
// same content, the pointer moves instead of duplicating the vector.
type EmbeddingRecord struct {
	FragmentID  string    `json:"fragmentId"`
	ContentHash string    `json:"contentHash"`
	Model       string    `json:"model"`
	Vector      []float32 `json:"vector"`
	Dimensions  int       `json:"dimensions"`
	CreatedAt   int64     `json:"createdAt"`
}

// EntityStatus tracks where a canonical entity sits in the review lifecycle.
type EntityStatus string

const (
	StatusDraft           EntityStatus = "draft"
	StatusProposed        EntityStatus = "proposed"
	StatusCanon           EntityStatus = "canon"
	StatusDeprecated      EntityStatus = "deprecated"
	StatusRetconned       EntityStatus = "retconned"
	StatusAlternateBranch EntityStatus = "alternate-branch"
)

// Entity is a structured world-building record (character, location, rule).
// Entities are the unit the patch engine mutates.
type Entity struct {
	ID                string            `json:"id"`
	WorkspaceID       string            `json:"workspaceId"`
	EntityType        string            `json:"entityType"`
	Name              string            `json:"name"`
	Aliases           []string          `json:"aliases,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	StructuredDetails map[string]string `json:"structuredDetails,omitempty"`
	Status            EntityStatus      `json:"status"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
}

// Relationship is a directed edge between two entities.
type Relationship struct {
	ID           string            `json:"id"`
	FromEntityID string            `json:"fromEntityId"`
	ToEntityID   string            `json:"toEntityId"`
	RelType      string            `json:"relType"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"createdAt"`
}

// PatchStatus is the patch lifecycle state. Pending is the only
// non-terminal state.
type PatchStatus string

const (
	PatchPending  PatchStatus = "pending"
	PatchAccepted PatchStatus = "accepted"
	PatchRejected PatchStatus = "rejected"
)

// Terminal reports whether the status admits no further transition.
func (s PatchStatus) Terminal() bool {
	return s == PatchAccepted || s == PatchRejected
}

// OpKind tags a patch operation variant. The set is closed; apply-time
// switches over it exhaustively.
type OpKind string

const (
	OpUpdateField        OpKind = "update-field"
	OpInsertEntity       OpKind = "insert-entity"
	OpDeleteEntity       OpKind = "delete-entity"
	OpAddRelationship    OpKind = "add-relationship"
	OpRemoveRelationship OpKind = "remove-relationship"
)

// PatchOp is one proposed mutation. Kind selects which fields are
// meaningful; unused fields stay zero.
type PatchOp struct {
	Kind OpKind `json:"kind"`

	// update-field / delete-entity
	EntityID string `json:"entityId,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`

	// insert-entity
	Entity *Entity `json:"entity,omitempty"`

	// add-relationship / remove-relationship
	RelationshipID string            `json:"relationshipId,omitempty"`
	FromEntityID   string            `json:"fromEntityId,omitempty"`
	ToEntityID     string            `json:"toEntityId,omitempty"`
	RelType        string            `json:"relType,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EntityIDs returns every entity ID the operation references. Every valid
// operation references at least one.
func (op *PatchOp) EntityIDs() []string {
	switch op.Kind {
	case OpUpdateField, OpDeleteEntity:
		if op.EntityID == "" {
			return nil
		}
		return []string{op.EntityID}
	case OpInsertEntity:
		if op.Entity == nil || op.Entity.ID == "" {
			return nil
		}
		return []string{op.Entity.ID}
	case OpAddRelationship, OpRemoveRelationship:
		var ids []string
		if op.FromEntityID != "" {
			ids = append(ids, op.FromEntityID)
		}
		if op.ToEntityID != "" {
			ids = append(ids, op.ToEntityID)
		}
		return ids
	}
	return nil
}

// Patch is a staged, reviewable set of proposed mutations.
type Patch struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspaceId"`
	Operations  []PatchOp   `json:"operations"`
	Status      PatchStatus `json:"status"`
	SourceRef   string      `json:"sourceRef,omitempty"` // "user" | "extraction" | "auto"
	Confidence  float64     `json:"confidence"`
	CreatedAt   int64       `json:"createdAt"`
	ResolvedAt  *int64      `json:"resolvedAt,omitempty"`
}

// EntityIDs returns the deduplicated entity IDs referenced by any operation.
func (p *Patch) EntityIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for i := range p.Operations {
		for _, id := range p.Operations[i].EntityIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// PatchIndexEntry is one row of the denormalized entity→patch reverse
// index, maintained transactionally with patch writes.
type PatchIndexEntry struct {
	EntityID string      `json:"entityId"`
	PatchID  string      `json:"patchId"`
	Status   PatchStatus `json:"status"`
}

// CascadeResult reports what a cascade delete removed.
type CascadeResult struct {
	FragmentIDs   []string `json:"fragmentIds"`
	Embeddings    int      `json:"embeddings"`
	Entities      int      `json:"entities"`
	Relationships int      `json:"relationships"`
	IndexEntries  int      `json:"indexEntries"`
}

// Storer defines the storage contract. SQLiteStore is the sole
// implementation; the engine does not care what backs it.
type Storer interface {
	// Fragments
	UpsertFragment(f *Fragment) error
	GetFragment(id string) (*Fragment, error)
	DeleteFragment(id string) error
	ListFragmentsByParent(parentID string) ([]*Fragment, error)
	ListFragmentsByWorkspace(workspaceID string) ([]*Fragment, error)

	// Embeddings — keyed by fragment ID (ownership) and (hash, model) (dedup)
	PutEmbedding(rec *EmbeddingRecord) error
	GetEmbeddingByFragment(fragmentID string) (*EmbeddingRecord, error)
	GetEmbeddingByHash(contentHash, model string) (*EmbeddingRecord, error)
	UpdateEmbeddingOwner(contentHash, model, fragmentID string) error
	DeleteEmbeddingForFragment(fragmentID string) error

	// Entities
	UpsertEntity(e *Entity) error
	GetEntity(id string) (*Entity, error)
	DeleteEntity(id string) error
	ListEntities(workspaceID, entityType string) ([]*Entity, error)

	// Relationships
	UpsertRelationship(r *Relationship) error
	GetRelationship(id string) (*Relationship, error)
	DeleteRelationship(id string) error
	ListRelationshipsForEntity(entityID string) ([]*Relationship, error)

	// Patches
	AddPatch(p *Patch) error
	GetPatch(id string) (*Patch, error)
	UpdatePatchStatus(id string, status PatchStatus, resolvedAt int64) error
	ListPendingPatches(workspaceID string) ([]*Patch, error)
	ListPatchesForEntity(entityID string) ([]*PatchIndexEntry, error)
	RebuildPatchIndex() error
	ApplyPatchOps(patchID string, apply func(tx *Tx) error) error

	// Cascade deletes
	CollectDescendants(rootID string) ([]string, error)
	DeleteCascade(rootID string) (*CascadeResult, error)
	DeleteWorkspace(workspaceID string) error

	// Lifecycle
	SchemaVersion() (int, error)
	Close() error
}
