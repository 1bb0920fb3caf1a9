package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/logger"
)

// FailureKind classifies embed failures. Every kind is non-fatal to the
// caller: the fragment is simply absent from retrieval until a future
// successful embed.
type FailureKind int

const (
	// EmptyContent: nothing to embed; no network call was made.
	EmptyContent FailureKind = iota
	// NetworkFailure: the capability was unreachable or returned non-2xx.
	NetworkFailure
	// InvalidPayload: the capability responded with a malformed or empty vector.
	InvalidPayload
)

func (k FailureKind) String() string {
	switch k {
	case EmptyContent:
		return "empty-content"
	case NetworkFailure:
		return "network-failure"
	case InvalidPayload:
		return "invalid-payload"
	}
	return "unknown"
}

// Failure is the typed error returned by Cache.Embed. Nothing throws past
// this boundary.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("embed failed: %s", f.Kind)
	}
	return fmt.Sprintf("embed failed: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// CacheStore is the storage subset the cache needs.
type CacheStore interface {
	PutEmbedding(rec *store.EmbeddingRecord) error
	GetEmbeddingByHash(contentHash, model string) (*store.EmbeddingRecord, error)
	UpdateEmbeddingOwner(contentHash, model, fragmentID string) error
}

// Cache maps (content hash, model) to a vector, deduplicating identical
// content across fragments. The external capability is only invoked on a
// cache miss.
type Cache struct {
	store  CacheStore
	client Embedder
	now    func() int64
}

// NewCache creates a cache over the given store and embedding capability.
func NewCache(st CacheStore, client Embedder) *Cache {
	return &Cache{
		store:  st,
		client: client,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Embed returns the cached or freshly computed embedding for a fragment's
// content.
//
// Lookup errors degrade to a cache miss rather than aborting. The network
// call is detached from the caller's cancellation: an in-flight embed that
// completes after the caller moved on is still valid data and still gets
// cached.
func (c *Cache) Embed(ctx context.Context, fragmentID, content, contentHash, model string) (*store.EmbeddingRecord, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &Failure{Kind: EmptyContent}
	}

	rec, err := c.store.GetEmbeddingByHash(contentHash, model)
	if err != nil {
		logger.Warn("embedding cache lookup failed, treating as miss: %v", err)
		rec = nil
	}
	if rec != nil {
		if rec.FragmentID != fragmentID {
			// Content moved or was duplicated; move the pointer, keep the vector.
			if err := c.store.UpdateEmbeddingOwner(contentHash, model, fragmentID); err != nil {
				logger.Warn("embedding owner update failed for %s: %v", fragmentID, err)
			} else {
				rec.FragmentID = fragmentID
			}
		}
		return rec, nil
	}

	vector, err := c.client.Embed(context.WithoutCancel(ctx), content, model)
	if err != nil {
		kind := NetworkFailure
		if errors.Is(err, ErrInvalidPayload) {
			kind = InvalidPayload
		}
		return nil, &Failure{Kind: kind, Err: err}
	}
	if len(vector) == 0 {
		return nil, &Failure{Kind: InvalidPayload, Err: fmt.Errorf("empty vector for fragment %s", fragmentID)}
	}

	fresh := &store.EmbeddingRecord{
		FragmentID:  fragmentID,
		ContentHash: contentHash,
		Model:       model,
		Vector:      vector,
		Dimensions:  len(vector),
		CreatedAt:   c.now(),
	}
	if err := c.store.PutEmbedding(fresh); err != nil {
		// The vector itself is good; retrieval just won't find it until a
		// future embed persists.
		logger.Warn("embedding persist failed for %s: %v", fragmentID, err)
	}
	return fresh, nil
}

// EmbedQuery embeds transient query text with the same failure semantics
// as Embed. Queries reuse cached vectors for identical content but are
// never persisted and never move ownership pointers.
func (c *Cache) EmbedQuery(ctx context.Context, text, contentHash, model string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &Failure{Kind: EmptyContent}
	}

	if rec, err := c.store.GetEmbeddingByHash(contentHash, model); err == nil && rec != nil {
		return rec.Vector, nil
	}

	vector, err := c.client.Embed(context.WithoutCancel(ctx), text, model)
	if err != nil {
		kind := NetworkFailure
		if errors.Is(err, ErrInvalidPayload) {
			kind = InvalidPayload
		}
		return nil, &Failure{Kind: kind, Err: err}
	}
	if len(vector) == 0 {
		return nil, &Failure{Kind: InvalidPayload, Err: errors.New("empty query vector")}
	}
	return vector, nil
}
