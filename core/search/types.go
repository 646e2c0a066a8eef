// Package search implements the Search Coordinator (spec.md §4.G):
// uid resolution, generation-gated index acquisition, query-kind
// dispatch, and hybrid merging via core/hybrid.
//
// Grounded on indexer/storage_manager.go's handleGetIndexSnapshot: a
// reader asks for a point-in-time handle and is willing to block
// briefly if one isn't immediately available, exactly the shape of
// waiting out a Closing index's generation-gated close event.
package search

import "github.com/scoutdb/scout/core/hybrid"

// Kind is the resolved query kind (spec.md §4.G "resolve query kind").
type Kind int

const (
	KindKeyword Kind = iota
	KindVectorOnly
	KindHybrid
)

// Query is the Search Coordinator's request shape. Presence of Q,
// Vector and HybridEmbedder together determines Kind (spec.md §4.G).
type Query struct {
	Q              *string
	Vector         []float32
	HybridEmbedder *string
	SemanticRatio  float64 // alpha, used only when Kind == KindHybrid
	Filter         string
	DistinctAttr   string
	Limit          int
	Offset         int
}

func (q *Query) Kind() Kind {
	if q.HybridEmbedder != nil && q.Q != nil {
		return KindHybrid
	}
	if len(q.Vector) > 0 {
		return KindVectorOnly
	}
	return KindKeyword
}

// Hit is one result row, carrying just enough for the caller to render
// a page — document retrieval itself is the IndexStore/search-engine's
// concern (out of scope per this spec's Non-goals).
type Hit struct {
	DocID uint32
}

// Result is the Search Coordinator's response (spec.md §4.G).
type Result struct {
	Hits             []Hit
	Candidates       uint64 // estimated total matches, for facet counts
	SemanticHitCount int
	Degraded         bool
}

// KeywordEngine and VectorEngine are the narrow per-kind execution
// surfaces this spec does not define the internals of (Non-goals:
// "keyword/vector search engine internals"). The Search Coordinator
// only orchestrates ranking and pagination around them.
type KeywordEngine interface {
	SearchKeyword(uuid string, q Query) (hybrid.Results, error)

	// DistinctPeers returns every other docid in uuid's index sharing
	// docID's value for attr, so the hybrid merger can exclude them too
	// (spec.md §4.F step 3, "distinct" rule). Called only when
	// q.DistinctAttr is set; resolving the attribute value itself is an
	// index-lookup concern out of scope for this spec.
	DistinctPeers(uuid, attr string, docID uint32) []uint32
}

type VectorEngine interface {
	// Embed turns q's text into a query vector for the named embedder;
	// an error here triggers the spec's silent keyword-only downgrade.
	Embed(embedder, text string) ([]float32, error)
	SearchVector(uuid string, vector []float32, q Query) (hybrid.Results, error)
}
