// Package indexer drives the write path: a saved document is
// fingerprinted, chunked when it exceeds the embedding budget, embedded
// through the cache, and published to the retrieval snapshot. Unchanged
// content short-circuits before any of that work happens.
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/chunker"
	"github.com/kittclouds/lorekit/pkg/embedding"
	"github.com/kittclouds/lorekit/pkg/fingerprint"
	"github.com/kittclouds/lorekit/pkg/logger"
	"github.com/kittclouds/lorekit/pkg/retrieval"
)

// DefaultModel matches the local Ollama embedding default.
const DefaultModel = "nomic-embed-text"

// Config tunes the indexing pipeline.
type Config struct {
	// Model is the embedding model name recorded with every vector.
	Model string

	// MaxTokens is the per-fragment embedding budget. Zero means the
	// chunker default.
	MaxTokens int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	return c
}

// Result reports what one upsert actually did.
type Result struct {
	FragmentID string
	Skipped    bool
	ChunkTotal int
	Pruned     []string
	Embedded   int
	// EmbedFailures holds per-chunk embedding errors. The index write
	// itself succeeded; the affected chunks retry on the next save.
	EmbedFailures []error
}

// Indexer owns the document write path.
type Indexer struct {
	store store.Storer
	chunk *chunker.Chunker
	cache *embedding.Cache
	snap  *retrieval.Snapshot
	cfg   Config
	now   func() int64
}

// New wires an indexer. snap may be nil when no live retrieval view is
// needed.
func New(st store.Storer, cache *embedding.Cache, snap *retrieval.Snapshot, cfg Config) *Indexer {
	cfg = cfg.withDefaults()
	return &Indexer{
		store: st,
		chunk: chunker.New(chunker.Config{MaxTokens: cfg.MaxTokens}),
		cache: cache,
		snap:  snap,
		cfg:   cfg,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// UpsertDocument indexes one document. When the content hash matches the
// stored fragment the call returns immediately with Skipped set; nothing
// is re-chunked or re-embedded. A shrinking re-chunk prunes the orphaned
// child fragments and their embeddings through the cascade path before
// the new set is written.
func (ix *Indexer) UpsertDocument(ctx context.Context, workspaceID, fragmentID, title, content string) (*Result, error) {
	res := &Result{FragmentID: fragmentID}

	hash := fingerprint.FingerprintString(content)
	existing, err := ix.store.GetFragment(fragmentID)
	if err != nil {
		return nil, fmt.Errorf("read fragment %s: %w", fragmentID, err)
	}
	if existing != nil && existing.ContentHash == hash && existing.Title == title {
		res.Skipped = true
		return res, nil
	}

	now := ix.now()
	parent := &store.Fragment{
		ID:            fragmentID,
		WorkspaceID:   workspaceID,
		Kind:          store.FragmentLeaf,
		Title:         title,
		Content:       content,
		ContentHash:   hash,
		TokenEstimate: ix.chunk.Estimate(content),
		UpdatedAt:     now,
		CreatedAt:     now,
	}
	if existing != nil {
		parent.CreatedAt = existing.CreatedAt
		parent.ParentID = existing.ParentID
	}

	var children []store.Fragment
	if ix.chunk.NeedsChunking(content) {
		children = ix.chunk.Chunk(fragmentID, title, content)
		parent.Kind = store.FragmentContainer
		parent.ChunkTotal = len(children)
	}

	// Prune children a previous, larger chunking left behind. Cascade
	// delete takes their embeddings with them.
	oldCount := 0
	if existing != nil {
		oldCount = existing.ChunkTotal
	}
	for _, staleID := range chunker.StaleChildIDs(fragmentID, oldCount, len(children)) {
		if _, err := ix.store.DeleteCascade(staleID); err != nil {
			return nil, fmt.Errorf("prune stale chunk %s: %w", staleID, err)
		}
		res.Pruned = append(res.Pruned, staleID)
		if ix.snap != nil {
			ix.snap.Remove(staleID)
		}
	}

	if err := ix.store.UpsertFragment(parent); err != nil {
		return nil, fmt.Errorf("write fragment %s: %w", fragmentID, err)
	}
	for i := range children {
		children[i].WorkspaceID = workspaceID
		children[i].UpdatedAt = now
		children[i].CreatedAt = now
		if err := ix.store.UpsertFragment(&children[i]); err != nil {
			return nil, fmt.Errorf("write chunk %s: %w", children[i].ID, err)
		}
	}
	res.ChunkTotal = len(children)

	// Containers are never embedded; their chunks are.
	units := children
	if len(units) == 0 {
		units = []store.Fragment{*parent}
	}
	for i := range units {
		u := &units[i]
		// Embedding records key on the normalized fingerprint so case and
		// whitespace variants share one vector. The raw hash stays on the
		// fragment for change detection.
		key := fingerprint.NormalizedFingerprint(u.Content)
		rec, err := ix.cache.Embed(ctx, u.ID, u.Content, key, ix.cfg.Model)
		if err != nil {
			logger.Warn("indexer: embed %s: %v", u.ID, err)
			res.EmbedFailures = append(res.EmbedFailures, fmt.Errorf("embed %s: %w", u.ID, err))
		} else if rec != nil {
			res.Embedded++
		}
		if ix.snap != nil {
			ix.snap.Upsert(retrieval.Node{
				ID:          u.ID,
				Title:       u.Title,
				Content:     u.Content,
				ContentHash: key,
			})
		}
	}
	if ix.snap != nil && len(children) > 0 {
		// The container holds full text but is not a retrieval unit.
		ix.snap.Remove(fragmentID)
	}

	return res, nil
}

// RemoveDocument deletes a document, its chunk children, and their
// embeddings in one cascade, then drops the affected nodes from the
// snapshot.
func (ix *Indexer) RemoveDocument(fragmentID string) (*store.CascadeResult, error) {
	cascade, err := ix.store.DeleteCascade(fragmentID)
	if err != nil {
		return nil, err
	}
	if ix.snap != nil {
		for _, id := range cascade.FragmentIDs {
			ix.snap.Remove(id)
		}
	}
	return cascade, nil
}

// Rehydrate rebuilds the retrieval snapshot from stored fragments.
// Containers are skipped; only embeddable leaves participate in ranking.
func (ix *Indexer) Rehydrate(workspaceID string) (int, error) {
	if ix.snap == nil {
		return 0, nil
	}
	fragments, err := ix.store.ListFragmentsByWorkspace(workspaceID)
	if err != nil {
		return 0, err
	}
	nodes := make([]retrieval.Node, 0, len(fragments))
	for _, f := range fragments {
		if f.Kind == store.FragmentContainer {
			continue
		}
		nodes = append(nodes, retrieval.Node{
			ID:          f.ID,
			Title:       f.Title,
			Content:     f.Content,
			ContentHash: fingerprint.NormalizedFingerprint(f.Content),
		})
	}
	return ix.snap.Hydrate(nodes), nil
}
