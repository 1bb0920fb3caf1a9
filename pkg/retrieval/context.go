package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/fingerprint"
	"github.com/kittclouds/lorekit/pkg/logger"
)

// Default retrieval constants. Tunable, not derived; they match observed
// behavior rather than any principled threshold.
const (
	DefaultTopK             = 5
	DefaultGapCutoff        = 0.4
	DefaultRelevanceFloor   = 0.25
	DefaultExcerptLength    = 280
	DefaultOffloadThreshold = 200
)

// Options tunes context building. Zero values fall back to the defaults.
type Options struct {
	Model            string
	TopK             int
	GapCutoff        float64
	RelevanceFloor   float64
	ExcerptLength    int
	OffloadThreshold int // candidate count at which ranking moves to the worker pool
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.GapCutoff <= 0 {
		o.GapCutoff = DefaultGapCutoff
	}
	if o.RelevanceFloor <= 0 {
		o.RelevanceFloor = DefaultRelevanceFloor
	}
	if o.ExcerptLength <= 0 {
		o.ExcerptLength = DefaultExcerptLength
	}
	if o.OffloadThreshold <= 0 {
		o.OffloadThreshold = DefaultOffloadThreshold
	}
	return o
}

// Excerpt is one formatted retrieval hit.
type Excerpt struct {
	ID        string
	Title     string
	Score     float64
	Relevance int // percentage, rounded down
	Body      string
}

// Context is the assembled retrieval context. Empty is a normal, silent
// outcome: blank query, no cached vectors, embeddings offline, or every
// candidate filtered out.
type Context struct {
	Excerpts []Excerpt
	Text     string
}

// Empty reports whether no excerpt survived.
func (c Context) Empty() bool { return len(c.Excerpts) == 0 }

// QueryEmbedder is the embedding-path subset used for queries; it carries
// the cache's failure semantics.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text, contentHash, model string) ([]float32, error)
}

// VectorLookup hydrates cached vectors by content hash.
type VectorLookup interface {
	GetEmbeddingByHash(contentHash, model string) (*store.EmbeddingRecord, error)
}

// Service ranks snapshot nodes against a query and formats the survivors.
type Service struct {
	cache    QueryEmbedder
	vectors  VectorLookup
	snapshot *Snapshot
	offload  *Offloader
	opts     Options
}

// NewService wires a retrieval service over the embedding cache, the
// vector store, and a candidate snapshot.
func NewService(cache QueryEmbedder, vectors VectorLookup, snapshot *Snapshot, opts Options) *Service {
	return &Service{
		cache:    cache,
		vectors:  vectors,
		snapshot: snapshot,
		offload:  NewOffloader(0, 0),
		opts:     opts.withDefaults(),
	}
}

// Snapshot returns the candidate snapshot, for the indexer to keep current.
func (s *Service) Snapshot() *Snapshot { return s.snapshot }

// BuildContext embeds the query, ranks every snapshot node that has a
// cached vector, applies the gap cutoff then the relevance floor, and
// formats the survivors as labeled excerpts. Every degraded path returns
// an empty context, never an error.
func (s *Service) BuildContext(ctx context.Context, query string) Context {
	if strings.TrimSpace(query) == "" {
		return Context{}
	}

	queryVec, err := s.cache.EmbedQuery(ctx, query, fingerprint.NormalizedFingerprint(query), s.opts.Model)
	if err != nil {
		logger.Info("retrieval: query embed failed, returning empty context: %v", err)
		return Context{}
	}

	nodes := s.snapshot.Nodes()
	candidates := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		rec, err := s.vectors.GetEmbeddingByHash(n.ContentHash, s.opts.Model)
		if err != nil {
			logger.Warn("retrieval: vector lookup failed for %s, excluding: %v", n.ID, err)
			continue
		}
		if rec == nil {
			// Not yet embedded; excluded, not scored 0.
			continue
		}
		candidates = append(candidates, Candidate{ID: n.ID, Vector: rec.Vector})
	}
	if len(candidates) == 0 {
		return Context{}
	}

	var ranked []Result
	if len(candidates) >= s.opts.OffloadThreshold {
		ranked = s.offload.Rank(queryVec, candidates, s.opts.TopK)
	} else {
		ranked = Rank(queryVec, candidates, s.opts.TopK)
	}

	ranked = ApplyGapCutoff(ranked, s.opts.GapCutoff)
	ranked = ApplyRelevanceFloor(ranked, s.opts.RelevanceFloor)
	if len(ranked) == 0 {
		return Context{}
	}

	excerpts := make([]Excerpt, 0, len(ranked))
	var text strings.Builder
	for _, r := range ranked {
		node, ok := s.snapshot.Get(r.ID)
		if !ok {
			continue
		}
		ex := Excerpt{
			ID:        r.ID,
			Title:     node.Title,
			Score:     r.Score,
			Relevance: relevancePercent(r.Score),
			Body:      truncate(node.Content, s.opts.ExcerptLength),
		}
		excerpts = append(excerpts, ex)
		fmt.Fprintf(&text, "## %s (%d%% match)\n%s\n\n", ex.Title, ex.Relevance, ex.Body)
	}

	return Context{Excerpts: excerpts, Text: strings.TrimRight(text.String(), "\n")}
}

// relevancePercent rounds a score down to a whole percentage. Floors
// rather than truncates so negative cosine scores do not creep toward 0.
func relevancePercent(score float64) int {
	return int(math.Floor(score * 100))
}

// truncate cuts at a rune boundary and marks the cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max]), " \t\n") + "…"
}
