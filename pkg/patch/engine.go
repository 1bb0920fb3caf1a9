// Package patch stages, reviews, and applies proposed mutations to
// canonical entities. Patches move pending → accepted|rejected, terminal
// states admit no further transition, and a denormalized entity→patch
// index is maintained in the same transaction as every patch write.
package patch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/logger"
)

// Patch provenance values.
const (
	SourceUser       = "user"
	SourceExtraction = "extraction"
	SourceAuto       = "auto"
)

// ErrNoOperations rejects zero-operation patches at the API boundary; a
// caller submitting one has a bug.
var ErrNoOperations = fmt.Errorf("patch: no operations")

// OpResult records the outcome of one applied operation, including the
// old/new audit values for field updates. Skipped operations carry a
// warning; the rest of the patch still applies.
type OpResult struct {
	Index    int
	Kind     store.OpKind
	Applied  bool
	OldValue string
	NewValue string
	Warning  string
}

// Engine owns the patch lifecycle and the reverse index.
type Engine struct {
	store store.Storer
	now   func() int64
}

// NewEngine creates a patch engine over the given store.
func NewEngine(st store.Storer) *Engine {
	return &Engine{
		store: st,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Propose builds a pending patch from the given operations and persists
// it together with its index rows.
func (e *Engine) Propose(workspaceID, sourceRef string, confidence float64, ops []store.PatchOp) (*store.Patch, error) {
	p := &store.Patch{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Operations:  ops,
		Status:      store.PatchPending,
		SourceRef:   sourceRef,
		Confidence:  confidence,
		CreatedAt:   e.now(),
	}
	if err := e.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Add persists a pending patch. Zero-operation patches are refused, never
// silently dropped.
func (e *Engine) Add(p *store.Patch) error {
	if len(p.Operations) == 0 {
		return ErrNoOperations
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = store.PatchPending
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = e.now()
	}
	return e.store.AddPatch(p)
}

// Get retrieves a patch by ID. Returns nil when absent.
func (e *Engine) Get(id string) (*store.Patch, error) {
	return e.store.GetPatch(id)
}

// Pending lists pending patches for a workspace in creation order.
func (e *Engine) Pending(workspaceID string) ([]*store.Patch, error) {
	return e.store.ListPendingPatches(workspaceID)
}

// ForEntity lists reverse-index entries for an entity.
func (e *Engine) ForEntity(entityID string) ([]*store.PatchIndexEntry, error) {
	return e.store.ListPatchesForEntity(entityID)
}

// RebuildIndex regenerates the reverse index from a full scan. Bootstrap
// path only.
func (e *Engine) RebuildIndex() error {
	return e.store.RebuildPatchIndex()
}

// Reject transitions a pending patch to rejected. Rejecting an already
// resolved patch is an error and mutates nothing.
func (e *Engine) Reject(patchID string) error {
	return e.store.UpdatePatchStatus(patchID, store.PatchRejected, e.now())
}

// Accept transitions a pending patch to accepted and applies its
// operations in list order, all in one transaction. Operations whose
// target no longer exists are skipped with a recorded warning; the rest
// of the patch still applies. Accepting a resolved patch is an error.
func (e *Engine) Accept(patchID string) ([]OpResult, error) {
	p, err := e.store.GetPatch(patchID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, store.ErrPatchNotFound
	}

	now := e.now()
	results := make([]OpResult, 0, len(p.Operations))

	err = e.store.ApplyPatchOps(patchID, func(tx *store.Tx) error {
		for i := range p.Operations {
			res := e.applyOp(tx, i, &p.Operations[i], now)
			if res.Warning != "" {
				logger.Warn("patch %s op %d (%s): %s", patchID, i, res.Kind, res.Warning)
			}
			results = append(results, res)
		}
		return tx.MarkPatchResolved(patchID, store.PatchAccepted, now)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// applyOp applies one operation inside the transaction. The switch over
// OpKind is exhaustive: adding an operation kind means extending it.
func (e *Engine) applyOp(tx *store.Tx, index int, op *store.PatchOp, now int64) OpResult {
	res := OpResult{Index: index, Kind: op.Kind}

	switch op.Kind {
	case store.OpUpdateField:
		entity, err := tx.GetEntity(op.EntityID)
		if err != nil {
			res.Warning = fmt.Sprintf("read entity %s: %v", op.EntityID, err)
			return res
		}
		if entity == nil {
			res.Warning = fmt.Sprintf("entity %s no longer exists", op.EntityID)
			return res
		}
		res.OldValue = readField(entity, op.Field)
		writeField(entity, op.Field, op.Value)
		res.NewValue = op.Value
		entity.UpdatedAt = now
		if err := tx.UpsertEntity(entity); err != nil {
			res.Warning = fmt.Sprintf("write entity %s: %v", op.EntityID, err)
			return res
		}
		res.Applied = true

	case store.OpInsertEntity:
		if op.Entity == nil || op.Entity.ID == "" {
			res.Warning = "insert operation carries no entity"
			return res
		}
		existing, err := tx.GetEntity(op.Entity.ID)
		if err != nil {
			res.Warning = fmt.Sprintf("read entity %s: %v", op.Entity.ID, err)
			return res
		}
		if existing != nil {
			res.Warning = fmt.Sprintf("entity %s already exists", op.Entity.ID)
			return res
		}
		entity := *op.Entity
		if entity.Status == "" {
			entity.Status = store.StatusDraft
		}
		if entity.CreatedAt == 0 {
			entity.CreatedAt = now
		}
		entity.UpdatedAt = now
		if err := tx.UpsertEntity(&entity); err != nil {
			res.Warning = fmt.Sprintf("write entity %s: %v", entity.ID, err)
			return res
		}
		res.Applied = true

	case store.OpDeleteEntity:
		existing, err := tx.GetEntity(op.EntityID)
		if err != nil {
			res.Warning = fmt.Sprintf("read entity %s: %v", op.EntityID, err)
			return res
		}
		if existing == nil {
			res.Warning = fmt.Sprintf("entity %s no longer exists", op.EntityID)
			return res
		}
		if err := tx.DeleteEntity(op.EntityID); err != nil {
			res.Warning = fmt.Sprintf("delete entity %s: %v", op.EntityID, err)
			return res
		}
		res.Applied = true

	case store.OpAddRelationship:
		for _, endpoint := range []string{op.FromEntityID, op.ToEntityID} {
			entity, err := tx.GetEntity(endpoint)
			if err != nil {
				res.Warning = fmt.Sprintf("read entity %s: %v", endpoint, err)
				return res
			}
			if entity == nil {
				res.Warning = fmt.Sprintf("endpoint %s no longer exists", endpoint)
				return res
			}
		}
		rel := &store.Relationship{
			ID:           op.RelationshipID,
			FromEntityID: op.FromEntityID,
			ToEntityID:   op.ToEntityID,
			RelType:      op.RelType,
			Metadata:     op.Metadata,
			CreatedAt:    now,
		}
		if rel.ID == "" {
			rel.ID = uuid.NewString()
		}
		if err := tx.UpsertRelationship(rel); err != nil {
			res.Warning = fmt.Sprintf("write relationship %s: %v", rel.ID, err)
			return res
		}
		res.Applied = true

	case store.OpRemoveRelationship:
		if op.RelationshipID == "" {
			res.Warning = "remove operation carries no relationship id"
			return res
		}
		existing, err := tx.GetRelationship(op.RelationshipID)
		if err != nil {
			res.Warning = fmt.Sprintf("read relationship %s: %v", op.RelationshipID, err)
			return res
		}
		if existing == nil {
			res.Warning = fmt.Sprintf("relationship %s no longer exists", op.RelationshipID)
			return res
		}
		if err := tx.DeleteRelationship(op.RelationshipID); err != nil {
			res.Warning = fmt.Sprintf("delete relationship %s: %v", op.RelationshipID, err)
			return res
		}
		res.Applied = true

	default:
		res.Warning = fmt.Sprintf("unknown operation kind %q", op.Kind)
	}

	return res
}

// Mutable entity field names for update-field operations. Anything else
// addresses a structured-details key.
const (
	FieldName       = "name"
	FieldSummary    = "summary"
	FieldEntityType = "entityType"
	FieldStatus     = "status"
)

func readField(e *store.Entity, field string) string {
	switch field {
	case FieldName:
		return e.Name
	case FieldSummary:
		return e.Summary
	case FieldEntityType:
		return e.EntityType
	case FieldStatus:
		return string(e.Status)
	default:
		return e.StructuredDetails[field]
	}
}

func writeField(e *store.Entity, field, value string) {
	switch field {
	case FieldName:
		e.Name = value
	case FieldSummary:
		e.Summary = value
	case FieldEntityType:
		e.EntityType = value
	case FieldStatus:
		e.Status = store.EntityStatus(value)
	default:
		if e.StructuredDetails == nil {
			e.StructuredDetails = make(map[string]string)
		}
		e.StructuredDetails[field] = value
	}
}
