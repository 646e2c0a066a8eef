package search

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/hybrid"
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/logging"
	"github.com/scoutdb/scout/core/taskqueue"
)

// Coordinator answers Search requests against a live Index Map (spec.md
// §4.G). Like every other component, it is constructed with its
// dependencies rather than reaching for globals (spec.md §9).
type Coordinator struct {
	Queue    *taskqueue.Store
	Map      *indexmap.IndexMap
	Keyword  KeywordEngine
	Vector   VectorEngine
	Cfg      common.Config
}

func New(queue *taskqueue.Store, m *indexmap.IndexMap, keyword KeywordEngine, vector VectorEngine, cfg common.Config) *Coordinator {
	return &Coordinator{Queue: queue, Map: m, Keyword: keyword, Vector: vector, Cfg: cfg}
}

// Search implements spec.md §4.G's contract. ctx's deadline, if any, is
// the per-query time budget; when exceeded mid-acquisition the call
// returns a degraded, possibly-empty result rather than an error.
func (c *Coordinator) Search(ctx context.Context, uid string, q Query) (Result, error) {
	uuid, ok := c.Queue.ResolveUUID(uid)
	if !ok {
		return Result{}, common.ErrIndexNotFound(uid)
	}

	ref, degraded, err := c.acquireRef(ctx, uuid)
	if err != nil {
		return Result{}, err
	}
	if ref == nil {
		return Result{Degraded: true}, nil
	}
	defer ref.Release()

	switch q.Kind() {
	case KindKeyword:
		res, err := c.Keyword.SearchKeyword(uuid, q)
		if err != nil {
			return Result{}, err
		}
		return toResult(res, 0, degraded), nil

	case KindVectorOnly:
		res, err := c.Vector.SearchVector(uuid, q.Vector, q)
		if err != nil {
			return Result{}, err
		}
		return toResult(res, len(res.DocumentScores), degraded), nil

	default: // KindHybrid
		return c.searchHybrid(uuid, q, degraded)
	}
}

func (c *Coordinator) searchHybrid(uuid string, q Query, degraded bool) (Result, error) {
	// The merger needs the full [0, limit+offset) candidate stream from
	// both engines, not an already-paginated page, since Merge does its
	// own rankedFrom/rankedLength pagination over the combined stream
	// (mirrors Search::execute_hybrid's cloned sub-search in
	// original_source/crates/milli/src/search/hybrid.rs).
	subQ := q
	subQ.Offset = 0
	subQ.Limit = q.Limit + q.Offset

	keywordResults, err := c.Keyword.SearchKeyword(uuid, subQ)
	if err != nil {
		return Result{}, err
	}

	vec, verr := c.resolveVector(&subQ)
	if verr != nil {
		logging.Warnf("search: embedder failed for hybrid query on %s, downgrading to keyword-only: %v", uuid, verr)
		return toResult(paginate(keywordResults, q.Offset, q.Limit), 0, true), nil
	}

	alpha := q.SemanticRatio
	if alpha <= 0 {
		alpha = 0.5
	}
	threshold := c.Cfg["hybrid.goodEnoughScore"].Float64()
	keywordScoreVectors := scoreVectorsOf(keywordResults.DocumentScores)
	if hybrid.ResultsGoodEnough(keywordScoreVectors, q.Limit, q.Offset, alpha, threshold) {
		return toResult(paginate(keywordResults, q.Offset, q.Limit), 0, degraded), nil
	}

	vectorResults, err := c.Vector.SearchVector(uuid, vec, subQ)
	if err != nil {
		return Result{}, err
	}

	var expander hybrid.DistinctExpander
	if q.DistinctAttr != "" {
		expander = func(docID uint32) []uint32 {
			return c.Keyword.DistinctPeers(uuid, q.DistinctAttr, docID)
		}
	}
	merged, semanticHits := hybrid.Merge(vectorResults, keywordResults, q.Offset, q.Limit, expander)

	hits := make([]Hit, 0, len(merged.DocumentIDs))
	for _, id := range merged.DocumentIDs {
		hits = append(hits, Hit{DocID: id})
	}
	return Result{
		Hits:             hits,
		Candidates:       bitmapCardinality(merged.Candidates),
		SemanticHitCount: semanticHits,
		Degraded:         degraded || keywordResults.Degraded || vectorResults.Degraded,
	}, nil
}

func (c *Coordinator) resolveVector(q *Query) ([]float32, error) {
	if len(q.Vector) > 0 {
		return q.Vector, nil
	}
	if q.HybridEmbedder == nil || q.Q == nil {
		return nil, common.NewError(common.CodeInvariantViolated, common.InternalError, common.WARN, "no embedder or query text for vector search", nil)
	}
	return c.Vector.Embed(*q.HybridEmbedder, *q.Q)
}

// acquireRef implements spec.md §4.G's "may block briefly on a pending
// Closing with generation gating": it waits out at most one Closing
// episode per loop iteration, reopens the index once it is physically
// closed, and otherwise re-checks status since the generation may have
// advanced again while it waited.
func (c *Coordinator) acquireRef(ctx context.Context, uuid string) (*indexmap.Ref, bool, error) {
	defaultTimeout := msDuration(c.Cfg["indexMap.closeTimeoutMs"].Int())
	for {
		st := c.Map.Get(uuid)
		switch st.Kind {
		case indexmap.Available:
			return st.Ref, false, nil
		case indexmap.Missing, indexmap.BeingDeleted:
			return nil, false, common.ErrIndexNotFound(uuid)
		case indexmap.Closing:
			timeout := defaultTimeout
			if deadline, ok := ctx.Deadline(); ok {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return nil, true, nil
				}
				if remaining < timeout {
					timeout = remaining
				}
			}
			if st.CloseEvent.WaitTimeout(timeout) {
				// Physically closed: reopen it. Generation gating makes this
				// a no-op if another caller already reopened it.
				ref, err := c.Map.Reopen(uuid, st.Generation)
				if err != nil {
					return nil, false, err
				}
				if ref != nil {
					return ref, false, nil
				}
			}
			select {
			case <-ctx.Done():
				return nil, true, nil
			default:
			}
		}
	}
}

func scoreVectorsOf(docs []hybrid.ScoredDoc) []hybrid.ScoreVector {
	out := make([]hybrid.ScoreVector, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Scores)
	}
	return out
}

// paginate slices r's already-widened [0, offset+limit) candidate list
// down to the caller's actual page, for the hybrid short-circuit paths
// that return a keyword-only result without going through Merge.
func paginate(r hybrid.Results, offset, limit int) hybrid.Results {
	docs := r.DocumentScores
	if offset > len(docs) {
		offset = len(docs)
	}
	end := offset + limit
	if end > len(docs) || limit <= 0 {
		end = len(docs)
	}
	r.DocumentScores = docs[offset:end]
	return r
}

func toResult(r hybrid.Results, semanticHits int, degraded bool) Result {
	hits := make([]Hit, 0, len(r.DocumentScores))
	for _, d := range r.DocumentScores {
		hits = append(hits, Hit{DocID: d.DocID})
	}
	return Result{
		Hits:             hits,
		Candidates:       bitmapCardinality(r.Candidates),
		SemanticHitCount: semanticHits,
		Degraded:         degraded || r.Degraded,
	}
}

func bitmapCardinality(bm *roaring.Bitmap) uint64 {
	if bm == nil {
		return 0
	}
	return bm.GetCardinality()
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}
