// Package hybrid implements the Hybrid Search Merger (spec.md §4.F): a
// lockstep score-vector comparator and priority-merge of a keyword and a
// vector result stream, with pin extraction/reinjection, distinct
// expansion and a "good enough" short-circuit.
//
// Transcribed from original_source/crates/milli/src/search/hybrid.rs
// (compare_scores, ScoreWithRatioResult::merge, results_good_enough)
// into idiomatic Go: an explicit two-pointer merge replaces
// itertools::merge_by, and score-detail typing is styled after
// secondary/vector/codebook.go's MetricType enum idiom.
package hybrid

import "github.com/RoaringBitmap/roaring"

// AtomKind discriminates one entry of a ScoreVector (spec.md §4.F
// "score-atom"). Pin is modeled separately on ScoredDoc rather than as
// an AtomKind, since it is a placement directive extracted before any
// vector ever reaches the comparator.
type AtomKind int

const (
	AtomScore AtomKind = iota
	AtomSort
	AtomGeoSort
)

// ScoreAtom is one entry of a document's score vector, compared in
// lockstep priority order against its counterpart (spec.md §4.F).
type ScoreAtom struct {
	Kind AtomKind
	// Score is valid when Kind == AtomScore.
	Score float64
	// SortKey is valid when Kind is AtomSort or AtomGeoSort; both are
	// total-orderable keys compared directly.
	SortKey float64
}

type ScoreVector []ScoreAtom

// Source identifies which stream a merged hit came from, used to count
// semantic_hit_count (spec.md §4.F step 4).
type Source int

const (
	SourceKeyword Source = iota
	SourceSemantic
)

// ScoredDoc is one candidate document from either stream. PinPosition is
// non-nil iff the document's leading score atom was a Pin directive
// (spec.md §4.F "Inputs"); such entries carry no usable Scores and are
// extracted before the organic merge.
type ScoredDoc struct {
	DocID       uint32
	PinPosition *uint32
	Scores      ScoreVector
	Ratio       float64
}

// Results is one stream's output, mirroring milli's SearchResult/
// ScoreWithRatioResult fields the merger actually consumes.
type Results struct {
	DocumentScores       []ScoredDoc
	Candidates           *roaring.Bitmap
	Degraded             bool
	UsedNegativeOperator bool
}

// MergeResult is the hybrid merger's output (spec.md §4.F).
type MergeResult struct {
	DocumentIDs          []uint32
	DocumentScores       []ScoreVector
	Candidates           *roaring.Bitmap
	Degraded             bool
	UsedNegativeOperator bool
}

// DistinctExpander returns every other docid that should be treated as
// indistinct from docid (same value of the configured distinct
// attribute), so the merger can exclude them too (spec.md §4.F step 3).
// Resolving the actual attribute value is an index-lookup concern
// (out of scope for this spec, per spec.md's Non-goals on search
// execution internals); callers wire this to their filterable-attribute
// index. A nil DistinctExpander means no distinct attribute is configured.
type DistinctExpander func(docID uint32) []uint32
